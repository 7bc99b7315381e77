package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/taylorwire/uucico/internal/callstatus"
	"github.com/taylorwire/uucico/internal/inventory"
	"github.com/taylorwire/uucico/internal/lineframe"
	"github.com/taylorwire/uucico/internal/portlock"
	"github.com/taylorwire/uucico/internal/registry"
	"github.com/taylorwire/uucico/internal/spool"
)

func testDeps(t *testing.T, inv *inventory.Inventory) Deps {
	t.Helper()
	status, err := callstatus.NewStore(inv.StatusDir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	q, err := spool.NewDir(inv.SpoolDir)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	reg := registry.New()
	t.Cleanup(reg.Stop)
	return Deps{
		Inventory: inv,
		Status:    status,
		Spool:     q,
		Registry:  reg,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	}
}

func testInventory(t *testing.T, addr string) *inventory.Inventory {
	t.Helper()
	return &inventory.Inventory{
		NodeName:  "answerer",
		StatusDir: t.TempDir(),
		LockDir:   t.TempDir(),
		SpoolDir:  t.TempDir(),
		Ports: []inventory.Port{
			{Name: "tcp0", Kind: inventory.PortTCP},
		},
	}
}

// scriptedAnswerer plays the minimum answerer half of the greeting over a
// raw listener, enough to drive a real RunCaller to Complete with the "t"
// sub-protocol.
func scriptedAnswerer(t *testing.T, ln net.Listener, peerName string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close()

	fr := lineframe.New(conn)
	fr.Send("Shere=" + peerName)
	fr.Receive(lineframe.Required) // identity line
	fr.Send("ROKN")
	fr.Send("Pt")
	sel, err := fr.Receive(lineframe.Required)
	if err != nil || sel != "Ut" {
		t.Errorf("unexpected selection %q err %v", sel, err)
		return
	}
	// "t" sub-protocol's passthrough loop: answerer reads marker, writes it back.
	buf := make([]byte, len("DONE\n"))
	io.ReadFull(conn, buf)
	conn.Write(buf)

	fr.Receive(lineframe.Short)
	fr.Receive(lineframe.Short)
	fr.Send("OOOOOOO")
	fr.Send("OOOOOOO")
}

func TestOutboundCleanCall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	peer := inventory.Peer{Name: "bravo", Alternates: []inventory.Alternate{{Address: ln.Addr().String()}}}
	inv := testInventory(t, ln.Addr().String())
	inv.Peers = []inventory.Peer{peer}
	deps := testDeps(t, inv)

	go scriptedAnswerer(t, ln, "bravo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := Outbound(ctx, deps, peer, peer.Alternates[0], "call-1")
	if result.Kind != callstatus.Complete {
		t.Fatalf("result = %+v, want Complete", result)
	}

	cs := deps.Status.Get("bravo")
	if cs.Kind != callstatus.Complete {
		t.Fatalf("persisted status = %+v, want Complete", cs)
	}
}

func TestOutboundPortLockContention(t *testing.T) {
	inv := testInventory(t, "127.0.0.1:0")
	peer := inventory.Peer{Name: "bravo", Alternates: []inventory.Alternate{{Address: "127.0.0.1:1"}}}
	inv.Peers = []inventory.Peer{peer}
	deps := testDeps(t, inv)

	// Pre-lock the only configured port.
	lock, err := portlock.Acquire(inv.LockDir, "tcp0")
	if err != nil {
		t.Fatalf("pre-lock: %v", err)
	}
	defer lock.Release()

	result := Outbound(context.Background(), deps, peer, peer.Alternates[0], "call-2")
	if result.Kind != callstatus.PortFailed {
		t.Fatalf("result = %+v, want PortFailed", result)
	}

	// Per 7, all-ports-locked is a normal contention case, not a failed
	// call attempt: it must not burn a retry or arm back-off.
	cs := deps.Status.Get("bravo")
	if cs.Kind != callstatus.Complete || cs.RetryCount != 0 {
		t.Fatalf("persisted status = %+v, want untouched Default()", cs)
	}
}

func TestInboundCallBackEnqueuesPlaceholder(t *testing.T) {
	clientConn, serverConn := netPipe(t)
	defer clientConn.Close()
	defer serverConn.Close()

	inv := testInventory(t, "")
	peer := inventory.Peer{Name: "bravo", CallBack: true, Alternates: []inventory.Alternate{{}}}
	inv.Peers = []inventory.Peer{peer}
	deps := testDeps(t, inv)

	peerLock, err := portlock.Acquire(inv.LockDir, "bravo")
	if err != nil {
		t.Fatalf("peer lock: %v", err)
	}
	defer peerLock.Release()

	var result Result
	done := make(chan struct{})
	go func() {
		result = Inbound(deps, serverConn, peerLock, InboundParams{Peer: peer, CallID: "call-3"})
		close(done)
	}()

	fr := lineframe.New(clientConn)
	fr.Receive(lineframe.Required) // Shere=
	fr.Send("Sfoo -N")
	reply, err := fr.Receive(lineframe.Required)
	if err != nil || reply != "RCB" {
		t.Fatalf("reply = %q err %v, want RCB", reply, err)
	}
	fr.Receive(lineframe.Short)
	fr.Receive(lineframe.Short)

	<-done
	if !result.CallBack {
		t.Fatalf("expected CallBack in result")
	}
	if result.Kind != callstatus.Complete {
		t.Fatalf("result = %+v, want Complete", result)
	}

	q := deps.Spool.(*spool.Dir)
	if !q.HasWork("bravo") {
		t.Fatalf("expected a placeholder job queued for bravo")
	}
}

// netPipe returns a connected TCP loopback pair (see the handshake
// package's framerPair helper for why a real socket, not net.Pipe, is used
// for hangup-phase exchanges).
func netPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client, <-accepted
}
