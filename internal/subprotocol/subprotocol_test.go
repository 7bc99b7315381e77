package subprotocol

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/taylorwire/uucico/internal/inventory"
)

func TestTableDeclarationOrder(t *testing.T) {
	want := []byte{'t', 'e', 'g', 'f'}
	for i, c := range Table {
		if c.ID != want[i] {
			t.Fatalf("Table[%d].ID = %c, want %c", i, c.ID, want[i])
		}
	}
}

func TestAdvertiseFiltersByReliability(t *testing.T) {
	// Only EightBit, no Reliable/Specified: rules out e, g and f, leaves t.
	effective := inventory.Reliability{EightBit: true}
	ids := Advertise(effective)
	if ids != "t" {
		t.Fatalf("Advertise(%+v) = %q, want %q", effective, ids, "t")
	}

	full := inventory.Reliability{Reliable: true, EightBit: true, Specified: true}
	ids = Advertise(full)
	if !strings.Contains(ids, "t") || !strings.Contains(ids, "e") || !strings.Contains(ids, "f") {
		t.Fatalf("expected t, e and f to be advertised under full reliability, got %q", ids)
	}
}

func TestByID(t *testing.T) {
	if _, ok := ByID('g'); !ok {
		t.Fatalf("expected g to be registered")
	}
	if _, ok := ByID('z'); ok {
		t.Fatalf("did not expect z to be registered")
	}
}

func TestGParamCommands(t *testing.T) {
	cap, ok := ByID('g')
	if !ok {
		t.Fatalf("g not registered")
	}
	cfg := Config{}
	if err := cap.ParamCommands["window"]([]string{"7"}, &cfg); err != nil {
		t.Fatalf("window: %v", err)
	}
	if cfg.WindowSize != 7 {
		t.Fatalf("WindowSize = %d, want 7", cfg.WindowSize)
	}
	if err := cap.ParamCommands["compression"]([]string{"zstd"}, &cfg); err != nil {
		t.Fatalf("compression: %v", err)
	}
	if cfg.Compression != "zstd" {
		t.Fatalf("Compression = %q, want zstd", cfg.Compression)
	}
	if err := cap.ParamCommands["compression"]([]string{"bogus"}, &cfg); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestWindowedTransferRoundTrip(t *testing.T) {
	callerConn, answererConn := net.Pipe()
	defer callerConn.Close()
	defer answererConn.Close()

	payload := bytes.NewBufferString(strings.Repeat("x", 10000))

	callerCfg := Config{PacketSize: 256, Payload: payload}
	answererCfg := Config{}

	var wg sync.WaitGroup
	var callerOK, answererOK bool
	var callerErr, answererErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		callerOK, callerErr = startWindowed(callerCfg)(callerConn, Caller, func() {})
	}()
	go func() {
		defer wg.Done()
		answererOK, answererErr = startWindowed(answererCfg)(answererConn, Answerer, func() {})
	}()
	wg.Wait()

	if callerErr != nil {
		t.Fatalf("caller error: %v", callerErr)
	}
	if answererErr != nil {
		t.Fatalf("answerer error: %v", answererErr)
	}
	if !callerOK || !answererOK {
		t.Fatalf("expected both sides to report success, got caller=%v answerer=%v", callerOK, answererOK)
	}
}

func TestPassthroughTransferRoundTrip(t *testing.T) {
	callerConn, answererConn := net.Pipe()
	defer callerConn.Close()
	defer answererConn.Close()

	var wg sync.WaitGroup
	var callerOK, answererOK bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		callerOK, _ = startPassthrough(Config{})(callerConn, Caller, func() {})
	}()
	go func() {
		defer wg.Done()
		answererOK, _ = startPassthrough(Config{})(answererConn, Answerer, func() {})
	}()
	wg.Wait()

	if !callerOK || !answererOK {
		t.Fatalf("expected both sides to report success, got caller=%v answerer=%v", callerOK, answererOK)
	}
}
