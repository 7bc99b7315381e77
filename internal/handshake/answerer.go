package handshake

import (
	"fmt"
	"io"
	"strings"

	"github.com/taylorwire/uucico/internal/callstatus"
	"github.com/taylorwire/uucico/internal/inventory"
	"github.com/taylorwire/uucico/internal/lineframe"
	"github.com/taylorwire/uucico/internal/subprotocol"
)

// AnswererParams is everything the answerer-side greeting needs. The peer
// identity and claimed login have already been resolved by the Login
// Dispatcher (4.G) by the time this runs; PeerLocked reflects whether the
// peer lock (taken by the Login Dispatcher immediately after identity
// confirmation, per the concurrency model) is held.
type AnswererParams struct {
	LocalName   string
	Peer        inventory.Peer
	ClaimedLogin string

	SeqRequired  bool
	ExpectedSeq  int
	DebugCeiling int

	// PeerLocked, when false, means no peer lock is held for this call:
	// the answerer replies RLCK and fails.
	PeerLocked bool

	// ProtocolPrefs/EffectiveReliability drive the Px advertisement, as
	// for the caller; nil prefs means derive from the built-in table
	// filtered by EffectiveReliability.
	ProtocolPrefs        []string
	EffectiveReliability inventory.Reliability

	ProtoParamSources [][]inventory.ProtoParam
	BaseConfig        subprotocol.Config

	CredentialOK func(login string) bool
}

// AnswererResult augments Outcome with the alternate resolved for this
// call, needed by the Session Controller to decide retry/callback policy.
type AnswererResult struct {
	Outcome
	SelectedAlternate inventory.Alternate
	CallBack          bool
	// DebugLevel is the caller's requested -x level, clamped to
	// DebugCeiling per 4.D.2; the Session Controller logs it.
	DebugLevel int
}

// RunAnswerer drives the answerer side of the greeting sequence and, on
// success, the negotiated sub-protocol's transfer loop.
func RunAnswerer(fr *lineframe.Framer, conn io.ReadWriter, p AnswererParams) AnswererResult {
	if err := fr.Send("Shere=" + p.LocalName); err != nil {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("sending greeting: %v", err)))}
	}

	line, err := fr.Receive(lineframe.Required)
	if err != nil {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("awaiting identity: %v", err)))}
	}
	opts, err := ParseCallerLine(line)
	if err != nil {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, err.Error()))}
	}
	debugLevel := clampDebugLevel(opts.DebugLevel, p.DebugCeiling)

	if p.SeqRequired && !opts.HasSeq {
		fr.Send("RBADSEQ")
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, "missing required sequence")), DebugLevel: debugLevel}
	}
	if p.SeqRequired && opts.HasSeq && opts.Seq != p.ExpectedSeq {
		fr.Send("RBADSEQ")
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, "sequence mismatch")), DebugLevel: debugLevel}
	}

	if p.Peer.Name == "" {
		fr.Send("RYou are unknown to me")
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, "unknown caller")), DebugLevel: debugLevel}
	}

	alt, ok := resolveAlternate(p.Peer, p.ClaimedLogin, p.CredentialOK)
	if !ok {
		fr.Send("RLOGIN")
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, "login/alternate resolution failed")), DebugLevel: debugLevel}
	}

	if !p.PeerLocked {
		fr.Send("RLCK")
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, "peer locked")), DebugLevel: debugLevel}
	}

	if p.Peer.CallBack {
		fr.Send("RCB")
		return AnswererResult{
			Outcome:           hangupAnswererAndClose(fr, Outcome{Kind: callstatus.Complete, Reason: "callback scheduled", Hangup: true}),
			SelectedAlternate: alt,
			CallBack:          true,
			DebugLevel:        debugLevel,
		}
	}

	reply := "ROK"
	if opts.ExtendedOK {
		reply = "ROKN"
	}
	if err := fr.Send(reply); err != nil {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("sending %s: %v", reply, err))), DebugLevel: debugLevel}
	}

	ids := advertiseFor(p.ProtocolPrefs, p.EffectiveReliability)
	if err := fr.Send("P" + ids); err != nil {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("sending protocol list: %v", err))), DebugLevel: debugLevel}
	}

	selection, err := fr.Receive(lineframe.Required)
	if err != nil {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("awaiting selection: %v", err))), DebugLevel: debugLevel}
	}
	if selection == "UN" {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, "no mutually supported protocols")), DebugLevel: debugLevel}
	}
	id, ok := strings.CutPrefix(selection, "U")
	if !ok || len(id) != 1 {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, "malformed selection")), DebugLevel: debugLevel}
	}
	proto, found := subprotocol.ByID(id[0])
	if !found {
		return AnswererResult{Outcome: hangupAnswererAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("unknown sub-protocol id %q", id))), DebugLevel: debugLevel}
	}

	cfg := p.BaseConfig
	applyProtoParams(proto, p.ProtoParamSources, &cfg)

	loop := proto.Start(cfg)
	var hangupRequested bool
	ok2, err := loop(conn, subprotocol.Answerer, func() { hangupRequested = true })
	if err != nil {
		return AnswererResult{
			Outcome:           hangupAnswererAndClose(fr, Outcome{Kind: callstatus.Failed, Reason: err.Error(), SelectedID: proto.ID, FinalState: Closed}),
			SelectedAlternate: alt,
			DebugLevel:        debugLevel,
		}
	}

	o := Outcome{Kind: callstatus.Complete, SelectedID: proto.ID, TransferOK: ok2, Hangup: hangupRequested}
	if !ok2 {
		o.Kind = callstatus.Failed
		o.Reason = "transfer loop reported failure"
	}
	return AnswererResult{Outcome: hangupAnswererAndClose(fr, o), SelectedAlternate: alt, DebugLevel: debugLevel}
}

// clampDebugLevel caps the caller-requested -x level at the node's
// configured ceiling; a non-positive ceiling means no limit.
func clampDebugLevel(requested, ceiling int) int {
	if requested < 0 {
		return 0
	}
	if ceiling > 0 && requested > ceiling {
		return ceiling
	}
	return requested
}

// resolveAlternate selects which of the peer's alternates governs this
// call: one whose called_login exactly matches the offered login, else the
// alternate configured for the literal "ANY" login. The original source's
// `if (qany != NULL) qany = qsys;` is corrected here, per the design
// decision recorded in the project ledger, to
// `if qany == nil { qany = qsys }`: qany is used as a fallback only when
// no dedicated ANY-alternate was configured, falling back in that case to
// the peer's first (primary) alternate.
func resolveAlternate(peer inventory.Peer, claimedLogin string, credentialOK func(string) bool) (inventory.Alternate, bool) {
	if len(peer.Alternates) == 0 {
		return inventory.Alternate{}, false
	}

	qsys := peer.Alternates[0]

	for _, alt := range peer.Alternates {
		if alt.CalledLogin != "" && alt.CalledLogin == claimedLogin {
			return alt, true
		}
	}

	var qany inventory.Alternate
	var qanyFound bool
	for _, alt := range peer.Alternates {
		if alt.CalledLogin == "ANY" {
			qany, qanyFound = alt, true
			break
		}
	}
	if !qanyFound {
		qany = qsys
	}

	if credentialOK != nil && !credentialOK(claimedLogin) {
		return inventory.Alternate{}, false
	}
	return qany, true
}

func advertiseFor(prefs []string, effective inventory.Reliability) string {
	if len(prefs) > 0 {
		var b strings.Builder
		for _, p := range prefs {
			if len(p) == 1 {
				b.WriteString(p)
			}
		}
		return b.String()
	}
	return subprotocol.Advertise(effective)
}

func hangupAnswererAndClose(fr *lineframe.Framer, outcome Outcome) Outcome {
	fr.Send("OOOOOOO")
	fr.Send("OOOOOOO")
	fr.Receive(lineframe.Short)
	outcome.FinalState = Closed
	return outcome
}
