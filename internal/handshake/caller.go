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

// CallerParams is everything the caller-side greeting needs, already
// resolved by the Session Controller from the Inventory and the chosen
// Alternate.
type CallerParams struct {
	ExpectedPeer inventory.Peer
	LocalName    string

	Seq         int
	SeqRequired bool

	GradeFloor string
	Ulimit512  int
	HasUlimit  bool
	Restart    bool
	DebugLevel int

	// ProtocolPrefs is the caller's preference list (peer config, else
	// port config); nil means fall back to the built-in declaration order.
	ProtocolPrefs        []string
	EffectiveReliability inventory.Reliability

	// ProtoParamSources are applied in order (the Session Controller
	// passes peer, then port, then alternate), later entries overriding
	// earlier ones.
	ProtoParamSources [][]inventory.ProtoParam
	BaseConfig        subprotocol.Config

	OnUnrecognizedReply func(line string)
}

// RunCaller drives the caller side of the greeting sequence and, on
// success, the negotiated sub-protocol's transfer loop, over conn (used
// raw for the sub-protocol phase) via a Line Framer fr for the greeting
// and hangup phases.
func RunCaller(fr *lineframe.Framer, conn io.ReadWriter, p CallerParams) Outcome {
	greeting, err := fr.Receive(lineframe.Required)
	if err != nil {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("greeting: %v", err)))
	}
	name, ok := strings.CutPrefix(greeting, "Shere=")
	if !ok {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, "malformed greeting line"))
	}
	if !p.ExpectedPeer.MatchesName(name) {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("called wrong system (%s)", name)))
	}

	opts := CallerOptions{
		LocalName:  p.LocalName,
		Seq:        p.Seq,
		HasSeq:     p.SeqRequired,
		Grade:      p.GradeFloor,
		HasGrade:   p.GradeFloor != "",
		ExtendedOK: true,
		Ulimit512:  p.Ulimit512,
		HasUlimit:  p.HasUlimit,
		Restart:    p.Restart,
		DebugLevel: p.DebugLevel,
	}
	if err := fr.Send(EncodeCallerLine(opts)); err != nil {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("sending identity: %v", err)))
	}

	reply, err := fr.Receive(lineframe.Required)
	if err != nil {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("awaiting response: %v", err)))
	}
	switch reply {
	case "RBADSEQ":
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, "bad sequence"))
	case "RLOGIN":
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, "login rejected"))
	case "RLCK":
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, "peer locked"))
	case "RYou are unknown to me":
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, "unknown to peer"))
	case "RCB":
		o := Outcome{Kind: callstatus.Complete, Reason: "callback requested", Hangup: true}
		return hangupAndClose(fr, o)
	case "ROK", "ROKN":
		// continue
	default:
		if p.OnUnrecognizedReply != nil {
			p.OnUnrecognizedReply(reply)
		}
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("unrecognised reply %q", reply)))
	}

	advertised, err := fr.Receive(lineframe.Required)
	if err != nil {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("awaiting protocol list: %v", err)))
	}
	ids, ok := strings.CutPrefix(advertised, "P")
	if !ok {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, "malformed protocol advertisement"))
	}

	proto, found := selectCallerProtocol(p.ProtocolPrefs, ids, p.EffectiveReliability)
	if !found {
		fr.Send("UN")
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, "no mutually supported protocols"))
	}
	if err := fr.Send("U" + string(proto.ID)); err != nil {
		return hangupAndClose(fr, fail(callstatus.HandshakeFailed, fmt.Sprintf("sending selection: %v", err)))
	}

	cfg := p.BaseConfig
	applyProtoParams(proto, p.ProtoParamSources, &cfg)

	loop := proto.Start(cfg)
	var hangupRequested bool
	ok2, err := loop(conn, subprotocol.Caller, func() { hangupRequested = true })
	if err != nil {
		return hangupAndClose(fr, Outcome{Kind: callstatus.Failed, Reason: err.Error(), SelectedID: proto.ID, FinalState: Closed})
	}

	o := Outcome{Kind: callstatus.Complete, SelectedID: proto.ID, TransferOK: ok2, Hangup: hangupRequested}
	if !ok2 {
		o.Kind = callstatus.Failed
		o.Reason = "transfer loop reported failure"
	}
	return hangupAndClose(fr, o)
}

func selectCallerProtocol(prefs []string, advertised string, effective inventory.Reliability) (subprotocol.Capability, bool) {
	var order []byte
	if len(prefs) > 0 {
		for _, p := range prefs {
			if len(p) == 1 {
				order = append(order, p[0])
			}
		}
	} else {
		for _, c := range subprotocol.Table {
			order = append(order, c.ID)
		}
	}

	for _, id := range order {
		if !strings.ContainsRune(advertised, rune(id)) {
			continue
		}
		proto, found := subprotocol.ByID(id)
		if !found {
			continue
		}
		if !proto.RequiredReliability.Subset(effective) {
			continue
		}
		return proto, true
	}
	return subprotocol.Capability{}, false
}

func applyProtoParams(proto subprotocol.Capability, sources [][]inventory.ProtoParam, cfg *subprotocol.Config) {
	if proto.ParamCommands == nil {
		return
	}
	for _, source := range sources {
		for _, pp := range source {
			if pp.ProtocolID != string(proto.ID) {
				continue
			}
			if len(pp.Args) == 0 {
				continue
			}
			cmd, ok := proto.ParamCommands[pp.Args[0]]
			if !ok {
				continue // unrecognised parameter command: skipped, not logged
			}
			_ = cmd(pp.Args[1:], cfg) // parse errors are discarded, not logged; never fatal
		}
	}
}

// hangupAndClose performs the 4.D.6 caller hangup token exchange and
// returns outcome with FinalState set to Closed.
func hangupAndClose(fr *lineframe.Framer, outcome Outcome) Outcome {
	fr.Send("OOOOOO")
	fr.Send("OOOOOO")
	// One final reply may be read for diagnostics; failure is ignored.
	fr.Receive(lineframe.Short)
	outcome.FinalState = Closed
	return outcome
}
