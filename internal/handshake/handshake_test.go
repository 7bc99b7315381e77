package handshake

import (
	"net"
	"sync"
	"testing"

	"github.com/taylorwire/uucico/internal/callstatus"
	"github.com/taylorwire/uucico/internal/inventory"
	"github.com/taylorwire/uucico/internal/lineframe"
)

// socketPair returns two connected TCP loopback connections. A real socket
// is used (rather than net.Pipe) because its kernel write buffer lets the
// hangup exchange's "send twice, read at most once" pattern complete
// without both ends blocking on each other's second send.
func socketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- acceptResult{c, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	return client, res.conn
}

func framerPair(t *testing.T) (*lineframe.Framer, *lineframe.Framer, func()) {
	t.Helper()
	a, b := socketPair(t)
	return lineframe.New(a), lineframe.New(b), func() { a.Close(); b.Close() }
}

func runBoth(t *testing.T, callerFn func(), answererFn func()) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); callerFn() }()
	go func() { defer wg.Done(); answererFn() }()
	wg.Wait()
}

func TestScenario1CleanHandshake(t *testing.T) {
	callerFr, answererFr, closeFramers := framerPair(t)
	defer closeFramers()

	callerConn, answererConn := socketPair(t)
	defer callerConn.Close()
	defer answererConn.Close()

	var callerOut Outcome
	var answererOut AnswererResult

	runBoth(t,
		func() {
			callerOut = RunCaller(callerFr, callerConn, CallerParams{
				ExpectedPeer:         inventory.Peer{Name: "bravo"},
				LocalName:            "foo",
				EffectiveReliability: inventory.Reliability{EightBit: true},
			})
		},
		func() {
			answererOut = RunAnswerer(answererFr, answererConn, AnswererParams{
				LocalName:            "bravo",
				Peer:                 inventory.Peer{Name: "foo", Alternates: []inventory.Alternate{{}}},
				PeerLocked:           true,
				EffectiveReliability: inventory.Reliability{EightBit: true},
			})
		},
	)

	if callerOut.Kind != callstatus.Complete {
		t.Fatalf("caller outcome = %+v, want Complete", callerOut)
	}
	if callerOut.SelectedID != 't' {
		t.Fatalf("selected protocol = %c, want t", callerOut.SelectedID)
	}
	if answererOut.Kind != callstatus.Complete {
		t.Fatalf("answerer outcome = %+v, want Complete", answererOut.Outcome)
	}
}

func TestScenario2WrongSystem(t *testing.T) {
	callerFr, answererFr, closeFramers := framerPair(t)
	defer closeFramers()

	var callerOut Outcome
	var answererOut AnswererResult

	runBoth(t,
		func() {
			callerOut = RunCaller(callerFr, nil, CallerParams{
				ExpectedPeer:        inventory.Peer{Name: "bravo"},
				LocalName:           "foo",
				OnUnrecognizedReply: func(string) {},
			})
		},
		func() {
			answererOut = RunAnswerer(answererFr, nil, AnswererParams{
				LocalName:  "charlie",
				Peer:       inventory.Peer{Name: "foo", Alternates: []inventory.Alternate{{}}},
				PeerLocked: true,
			})
		},
	)

	if callerOut.Kind != callstatus.HandshakeFailed {
		t.Fatalf("caller kind = %v, want HandshakeFailed", callerOut.Kind)
	}
	if callerOut.Reason != "called wrong system (charlie)" {
		t.Fatalf("reason = %q, want %q", callerOut.Reason, "called wrong system (charlie)")
	}
	if callerOut.SelectedID != 0 {
		t.Fatalf("expected no sub-protocol selected, got %c", callerOut.SelectedID)
	}
	if answererOut.Kind != callstatus.HandshakeFailed {
		t.Fatalf("answerer kind = %v, want HandshakeFailed (caller never sent a valid identity line)", answererOut.Kind)
	}
}

func TestScenario3BadSequence(t *testing.T) {
	callerFr, answererFr, closeFramers := framerPair(t)
	defer closeFramers()

	var callerOut Outcome
	var answererOut AnswererResult

	runBoth(t,
		func() {
			callerOut = RunCaller(callerFr, nil, CallerParams{
				ExpectedPeer: inventory.Peer{Name: "bravo"},
				LocalName:    "foo",
				// SeqRequired left false: the caller omits -Q.
			})
		},
		func() {
			answererOut = RunAnswerer(answererFr, nil, AnswererParams{
				LocalName:   "bravo",
				Peer:        inventory.Peer{Name: "foo", Alternates: []inventory.Alternate{{}}},
				PeerLocked:  true,
				SeqRequired: true,
				ExpectedSeq: 7,
			})
		},
	)

	if callerOut.Kind != callstatus.HandshakeFailed {
		t.Fatalf("caller kind = %v, want HandshakeFailed", callerOut.Kind)
	}
	if callerOut.Reason != "bad sequence" {
		t.Fatalf("caller reason = %q, want %q", callerOut.Reason, "bad sequence")
	}
	if answererOut.Kind != callstatus.HandshakeFailed {
		t.Fatalf("answerer kind = %v, want HandshakeFailed", answererOut.Kind)
	}
}

func TestScenario4CallBack(t *testing.T) {
	callerFr, answererFr, closeFramers := framerPair(t)
	defer closeFramers()

	var callerOut Outcome
	var answererOut AnswererResult

	runBoth(t,
		func() {
			callerOut = RunCaller(callerFr, nil, CallerParams{
				ExpectedPeer: inventory.Peer{Name: "bravo"},
				LocalName:    "foo",
			})
		},
		func() {
			answererOut = RunAnswerer(answererFr, nil, AnswererParams{
				LocalName:  "bravo",
				Peer:       inventory.Peer{Name: "foo", CallBack: true, Alternates: []inventory.Alternate{{}}},
				PeerLocked: true,
			})
		},
	)

	if callerOut.Kind != callstatus.Complete {
		t.Fatalf("caller kind = %v, want Complete", callerOut.Kind)
	}
	if !callerOut.Hangup {
		t.Fatalf("expected caller to record a callback hangup")
	}
	if !answererOut.CallBack {
		t.Fatalf("expected answerer to report CallBack")
	}
	if answererOut.Kind != callstatus.Complete {
		t.Fatalf("answerer kind = %v, want Complete", answererOut.Kind)
	}
}

func TestScenario5NoMutualProtocol(t *testing.T) {
	callerFr, answererFr, closeFramers := framerPair(t)
	defer closeFramers()

	var callerOut Outcome
	var answererOut AnswererResult

	runBoth(t,
		func() {
			callerOut = RunCaller(callerFr, nil, CallerParams{
				ExpectedPeer:         inventory.Peer{Name: "bravo"},
				LocalName:            "foo",
				ProtocolPrefs:        []string{"g"},
				EffectiveReliability: inventory.Reliability{},
			})
		},
		func() {
			answererOut = RunAnswerer(answererFr, nil, AnswererParams{
				LocalName:     "bravo",
				Peer:          inventory.Peer{Name: "foo", Alternates: []inventory.Alternate{{}}},
				PeerLocked:    true,
				ProtocolPrefs: []string{"f"},
			})
		},
	)

	if callerOut.Kind != callstatus.HandshakeFailed {
		t.Fatalf("caller kind = %v, want HandshakeFailed", callerOut.Kind)
	}
	if answererOut.Kind != callstatus.HandshakeFailed {
		t.Fatalf("answerer kind = %v, want HandshakeFailed", answererOut.Kind)
	}
}

func TestResolveAlternateQanyFallback(t *testing.T) {
	primary := inventory.Alternate{CalledLogin: "primary"}
	peer := inventory.Peer{Name: "foo", Alternates: []inventory.Alternate{primary}}

	alt, ok := resolveAlternate(peer, "someoneelse", func(string) bool { return true })
	if !ok {
		t.Fatalf("expected resolution to fall back to primary alternate")
	}
	if alt.CalledLogin != "primary" {
		t.Fatalf("got alternate %+v, want fallback to the peer's primary alternate", alt)
	}
}

func TestResolveAlternatePrefersExplicitANY(t *testing.T) {
	primary := inventory.Alternate{CalledLogin: "primary"}
	anyAlt := inventory.Alternate{CalledLogin: "ANY", LocalName: "guest"}
	peer := inventory.Peer{Name: "foo", Alternates: []inventory.Alternate{primary, anyAlt}}

	alt, ok := resolveAlternate(peer, "someoneelse", func(string) bool { return true })
	if !ok {
		t.Fatalf("expected resolution to succeed")
	}
	if alt.LocalName != "guest" {
		t.Fatalf("got alternate %+v, want the explicit ANY alternate", alt)
	}
}

func TestResolveAlternateCredentialRejected(t *testing.T) {
	peer := inventory.Peer{Name: "foo", Alternates: []inventory.Alternate{{CalledLogin: "ANY"}}}
	_, ok := resolveAlternate(peer, "baduser", func(string) bool { return false })
	if ok {
		t.Fatalf("expected resolution to fail when the credential check rejects the login")
	}
}
