// Package session is the single entry point per call (Session Controller):
// Outbound and Inbound each run one call in the caller or answerer role,
// keeping the per-call state in local variables (there is no separate
// Session record type). Each drives the
// Port/Lock Arbiter, Transport, and Handshake Engine in the order the
// concurrency model requires, and converts the result into a CallStatus
// write. It never threads more than one call at a time; parallelism across
// peers comes from running a new process per call (see the operator CLI).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/taylorwire/uucico/internal/callstatus"
	"github.com/taylorwire/uucico/internal/handshake"
	"github.com/taylorwire/uucico/internal/inventory"
	"github.com/taylorwire/uucico/internal/lineframe"
	"github.com/taylorwire/uucico/internal/logging"
	"github.com/taylorwire/uucico/internal/pki"
	"github.com/taylorwire/uucico/internal/portlock"
	"github.com/taylorwire/uucico/internal/registry"
	"github.com/taylorwire/uucico/internal/spool"
	"github.com/taylorwire/uucico/internal/transport"
)

// Deps bundles the components a Session needs, loaded once at process
// start by the operator CLI and shared across the one call this process
// handles.
type Deps struct {
	Inventory  *inventory.Inventory
	Status     *callstatus.Store
	Spool      spool.Queue
	Registry   *registry.Registry
	Logger     *slog.Logger
	TLSClient  *pki.ClientConfig
	TLSServer  *pki.ServerConfig
	DebugLevel int
}

// Result is what a Session reports back to its caller (the Call Scheduler
// or the Login Dispatcher) once it has finished and recorded CallStatus.
type Result struct {
	Kind       callstatus.Kind
	Reason     string
	CallBack   bool
	SelectedID byte
}

// Outbound runs one caller-role call to peer over alt, from port selection
// through hangup, recording CallStatus on every exit path except the
// all-matching-ports-locked one, which leaves it untouched.
func Outbound(ctx context.Context, deps Deps, peer inventory.Peer, alt inventory.Alternate, callID string) Result {
	log, closeLog, _, err := logging.NewCallLogger(deps.Logger, deps.Inventory.SessionLogDir, peer.Name, callID)
	if err != nil {
		log = deps.Logger
	} else {
		defer closeLog.Close()
	}
	log = log.With("peer", peer.Name, "call_id", callID, "role", "caller")

	// Port selection runs before any CallStatus write: every candidate
	// being busy is a normal, expected outcome of the one-process-per-call
	// model (4.C), not a failed call attempt, so it must not burn a retry
	// or trigger back-off on the next pass.
	port, lock, outcome, err := portlock.Select(deps.Inventory, deps.Inventory.LockDir, alt.PortPreference, 0, 0)
	if err == nil && outcome == portlock.AllLocked {
		log.Warn("all matching ports are locked, leaving call status untouched")
		return Result{Kind: callstatus.PortFailed, Reason: "all matching ports are locked"}
	}

	deps.Status.Set(peer.Name, callstatus.CallStatus{Kind: callstatus.Talking, LastAttemptTime: time.Now()})

	if err != nil {
		return finish(deps, log, peer.Name, callID, callstatus.PortFailed, fmt.Sprintf("port arbiter: %v", err))
	}
	if outcome == portlock.NoMatch {
		return finish(deps, log, peer.Name, callID, callstatus.PortFailed, "no matching port configured")
	}
	deps.Registry.TrackPortLock(lock)
	defer func() {
		lock.Release()
		deps.Registry.TrackPortLock(nil)
	}()
	log.Info("port acquired", "port", port.Name)

	conn, err := transport.Dial(ctx, port, alt, deps.TLSClient)
	if err != nil {
		return finish(deps, log, peer.Name, callID, callstatus.DialFailed, err.Error())
	}
	deps.Registry.TrackConn(conn)
	defer func() {
		conn.Close()
		deps.Registry.TrackConn(nil)
	}()

	// Per 5: the caller acquires the peer lock after dialing, before
	// confirming the call via the handshake.
	peerLock, err := portlock.Acquire(deps.Inventory.LockDir, peer.Name)
	if err != nil {
		if err == portlock.ErrLocked {
			return finish(deps, log, peer.Name, callID, callstatus.HandshakeFailed, "peer already in a session")
		}
		return finish(deps, log, peer.Name, callID, callstatus.PortFailed, fmt.Sprintf("peer lock: %v", err))
	}
	deps.Registry.TrackPeerLock(peerLock)
	defer func() {
		peerLock.Release()
		deps.Registry.TrackPeerLock(nil)
	}()

	localName := alt.LocalName
	if localName == "" {
		localName = deps.Inventory.NodeName
	}
	seq, seqErr := deps.Status.NextSeq(peer.Name)
	if seqErr != nil {
		log.Warn("sequence counter unavailable, proceeding without -Q", "error", seqErr)
	}

	effective := port.EffectiveReliability(false, inventory.Reliability{})
	fr := lineframe.New(conn)

	params := handshake.CallerParams{
		ExpectedPeer:         peer,
		LocalName:            localName,
		Seq:                  seq,
		SeqRequired:          peer.SeqCheck && seqErr == nil,
		GradeFloor:           alt.GradeFloor,
		DebugLevel:           deps.DebugLevel,
		ProtocolPrefs:        firstNonEmpty(alt.ProtocolPrefs, port.ProtocolPrefs),
		EffectiveReliability: effective,
		ProtoParamSources:    [][]inventory.ProtoParam{peer.ProtoParams, port.ProtoParams, alt.ProtoParams},
		OnUnrecognizedReply: func(line string) {
			log.Warn("unrecognised response from answerer", "line", line)
		},
	}

	outcomeResult := handshake.RunCaller(fr, conn, params)
	log.Info("handshake finished", "kind", outcomeResult.Kind, "reason", outcomeResult.Reason, "protocol", string(rune(outcomeResult.SelectedID)))

	return finish(deps, log, peer.Name, callID, outcomeResult.Kind, outcomeResult.Reason)
}

// InboundParams is what the Login Dispatcher has already resolved by the
// time it hands a connection to the Session Controller: the peer identity
// (from the login/credential lookup, never from the wire S<name> line
// alone) and the claimed login. The peer lock itself is passed to Inbound
// as a separate argument.
type InboundParams struct {
	Peer         inventory.Peer
	ClaimedLogin string
	CallID       string
}

// Inbound runs one answerer-role call over an already-accepted connection.
// The peer lock must be acquired by the caller (the Login Dispatcher, via
// portlock.Acquire) before Inbound is invoked, per the 5 lock-ordering rule:
// peer-lock is taken right after identity is confirmed by login, before the
// A/D greeting that Inbound itself drives.
func Inbound(deps Deps, conn transport.Conn, peerLock *portlock.Lock, p InboundParams) Result {
	log, closeLog, _, err := logging.NewCallLogger(deps.Logger, deps.Inventory.SessionLogDir, fallbackName(p.Peer.Name), p.CallID)
	if err != nil {
		log = deps.Logger
	} else {
		defer closeLog.Close()
	}
	log = log.With("peer", fallbackName(p.Peer.Name), "call_id", p.CallID, "role", "answerer")

	if p.Peer.Name != "" {
		deps.Status.Set(p.Peer.Name, callstatus.CallStatus{Kind: callstatus.Talking, LastAttemptTime: time.Now()})
	}

	deps.Registry.TrackPeerLock(peerLock)
	deps.Registry.TrackConn(conn)
	defer func() {
		deps.Registry.TrackPeerLock(nil)
		deps.Registry.TrackConn(nil)
	}()

	fr := lineframe.New(conn)
	effective := inventory.Reliability{Reliable: true, EightBit: true, Specified: true}

	var protoParamSources [][]inventory.ProtoParam
	if p.Peer.Name != "" {
		protoParamSources = [][]inventory.ProtoParam{p.Peer.ProtoParams}
	}

	aparams := handshake.AnswererParams{
		LocalName:            deps.Inventory.NodeName,
		Peer:                 p.Peer,
		ClaimedLogin:         p.ClaimedLogin,
		SeqRequired:          p.Peer.SeqCheck,
		DebugCeiling:         deps.Inventory.DebugCeiling,
		PeerLocked:           peerLock != nil,
		EffectiveReliability: effective,
		ProtoParamSources:    protoParamSources,
		CredentialOK: func(login string) bool {
			_, ok := deps.Inventory.CredentialByLogin(login)
			return ok || login == p.ClaimedLogin
		},
	}

	result := handshake.RunAnswerer(fr, conn, aparams)
	log.Info("handshake finished", "kind", result.Kind, "reason", result.Reason, "callback", result.CallBack, "debug_level", result.DebugLevel)

	if result.CallBack && p.Peer.Name != "" {
		if err := deps.Spool.Enqueue(spool.Job{
			Peer:      p.Peer.Name,
			Requester: "uucico",
			Command:   "",
			QueuedAt:  time.Now(),
		}); err != nil {
			log.Warn("callback placeholder enqueue failed", "error", err)
		}
	}

	if p.Peer.Name != "" {
		r := finish(deps, log, p.Peer.Name, p.CallID, result.Kind, result.Reason)
		r.CallBack = result.CallBack
		r.SelectedID = result.SelectedID
		return r
	}
	return Result{Kind: result.Kind, Reason: result.Reason, CallBack: result.CallBack, SelectedID: result.SelectedID}
}

// logDiskHeadroom reports the spool filesystem's free space alongside the
// call outcome, the control-channel equivalent of the classic RFULL
// file-system-full check: this engine does not refuse files on low space,
// it only surfaces the number for an operator to act on.
func logDiskHeadroom(log *slog.Logger, dir string) {
	if dir == "" {
		dir = "/"
	}
	u, err := disk.Usage(dir)
	if err != nil {
		log.Debug("disk headroom unavailable", "error", err)
		return
	}
	log.Debug("disk headroom", "path", dir, "free_bytes", u.Free, "used_percent", u.UsedPercent)
}

func finish(deps Deps, log *slog.Logger, peerName, callID string, kind callstatus.Kind, reason string) Result {
	logDiskHeadroom(log, deps.Inventory.SpoolDir)
	cs := callstatus.CallStatus{Kind: kind, LastAttemptTime: time.Now()}
	if kind != callstatus.Complete {
		prev := deps.Status.Get(peerName)
		cs.RetryCount = prev.RetryCount + 1
		cs.NextWaitSeconds = backoffSeconds(cs.RetryCount)
	}
	if err := deps.Status.Set(peerName, cs); err != nil {
		log.Warn("call status write failed", "error", err)
	}
	if kind == callstatus.Complete {
		logging.RemoveCallLog(deps.Inventory.SessionLogDir, peerName, callID)
	}
	return Result{Kind: kind, Reason: reason}
}

// backoffSeconds is a simple exponential back-off, capped at six hours,
// for any non-complete outcome; the Call Scheduler's retry gate compares
// against last_attempt_time + this value.
func backoffSeconds(retryCount int) int {
	const cap = 6 * 60 * 60
	wait := 60
	for i := 1; i < retryCount && wait < cap; i++ {
		wait *= 2
	}
	if wait > cap {
		wait = cap
	}
	return wait
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func fallbackName(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}
