// Package handshake implements the greeting sub-protocol: framing,
// identity exchange, grade/sequence/option parsing, sub-protocol
// negotiation, parameter application, and hangup. It is the heart of the
// session lifecycle state machine.
package handshake

// State is one step of the greeting state machine. Any error in a state
// transitions directly to Closed, carrying an outcome kind from the call
// status enum; Hanging up is still attempted on the way there so that the
// peer always receives a clean hangup token exchange (see End-to-end
// scenario 2 in the testable properties, where a wrong-system rejection
// still "hangs up").
type State int

const (
	Idle State = iota
	Greeting
	Identifying
	Negotiating
	Parametrising
	Transferring
	HangingUp
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Greeting:
		return "greeting"
	case Identifying:
		return "identifying"
	case Negotiating:
		return "negotiating"
	case Parametrising:
		return "parametrising"
	case Transferring:
		return "transferring"
	case HangingUp:
		return "hanging_up"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
