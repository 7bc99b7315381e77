package handshake

import "github.com/taylorwire/uucico/internal/callstatus"

// Outcome is the result of running the greeting state machine to
// completion, whatever state it ended in.
type Outcome struct {
	Kind         callstatus.Kind
	Reason       string
	FinalState   State
	SelectedID   byte // 0 if no sub-protocol was negotiated
	Hangup       bool // Session.hangup, e.g. set by RCB or the transfer loop
	TransferOK   bool
}

func fail(kind callstatus.Kind, reason string) Outcome {
	return Outcome{Kind: kind, Reason: reason, FinalState: Closed}
}
