// Package subprotocol models the framed data-transfer sub-protocols as a
// closed tagged variant, table-looked-up by their single-character id. Only
// capability metadata and the abstract transfer-loop contract are defined
// by the engine; this package additionally ships one concrete, minimal
// implementation (g) so the repository is runnable end to end, but its
// windowing/retransmit behavior is illustrative, not a specified contract.
package subprotocol

import (
	"fmt"
	"io"

	"github.com/taylorwire/uucico/internal/inventory"
)

// TransferLoop is the abstract contract a sub-protocol's data-transfer
// phase must satisfy: run to completion over conn, report success, and
// optionally request that the Session hang up regardless of its own
// return value (e.g. the peer asked to terminate early).
type TransferLoop func(conn io.ReadWriter, role Role, setHangup func()) (ok bool, err error)

// Role is which side of the call a sub-protocol instance is playing.
type Role int

const (
	Caller Role = iota
	Answerer
)

// ParamCommand applies one proto_param argument vector to a sub-protocol's
// running configuration. The handshake engine discards a returned parse
// error without logging it; it is never treated as fatal.
type ParamCommand func(args []string, cfg *Config) error

// Config is the mutable, per-call configuration a sub-protocol's parameter
// commands adjust. Later applications override earlier ones.
type Config struct {
	WindowSize     int
	PacketSize     int
	BytesPerSecond int64
	Compression    string // "", "gzip", or "zstd"

	// Payload is the caller-role byte source for the windowed transfer
	// loop. A nil Payload is a valid "no file queued" call.
	Payload io.Reader
}

// Capability is the capability record for one sub-protocol variant: its id,
// required reliability, hooks, and parameter-command table. This is
// metadata only — Start is the one hook the engine actually invokes to
// obtain a runnable TransferLoop; the rest of the historical uucico hook
// set (allocate-buffer, send-command, file-event) is folded into the loop
// implementation itself rather than exposed as separate indirections,
// since no caller in this engine needs to invoke them independently.
type Capability struct {
	ID                 byte
	RequiredReliability inventory.Reliability
	ParamCommands      map[string]ParamCommand
	Start              func(cfg Config) TransferLoop
}

// Table is the closed, declaration-ordered set of built-in sub-protocols.
// Declaration order [t, e, g, f] is the tie-break order for negotiation.
var Table = []Capability{
	{
		ID:                  't',
		RequiredReliability: inventory.Reliability{EightBit: true},
		Start:               startPassthrough,
	},
	{
		ID:                  'e',
		RequiredReliability: inventory.Reliability{EightBit: true, Reliable: true},
		Start:               startPassthrough,
	},
	{
		ID: 'g',
		RequiredReliability: inventory.Reliability{
			EightBit: true, Reliable: false, Specified: true,
		},
		ParamCommands: map[string]ParamCommand{
			"window": func(args []string, cfg *Config) error {
				if len(args) != 1 {
					return fmt.Errorf("window: expected 1 argument, got %d", len(args))
				}
				n, err := parsePositiveInt(args[0])
				if err != nil {
					return fmt.Errorf("window: %w", err)
				}
				cfg.WindowSize = n
				return nil
			},
			"packet-size": func(args []string, cfg *Config) error {
				if len(args) != 1 {
					return fmt.Errorf("packet-size: expected 1 argument, got %d", len(args))
				}
				n, err := parsePositiveInt(args[0])
				if err != nil {
					return fmt.Errorf("packet-size: %w", err)
				}
				cfg.PacketSize = n
				return nil
			},
			"compression": func(args []string, cfg *Config) error {
				if len(args) != 1 {
					return fmt.Errorf("compression: expected 1 argument, got %d", len(args))
				}
				switch args[0] {
				case "gzip", "zstd", "":
					cfg.Compression = args[0]
				default:
					return fmt.Errorf("compression: unknown codec %q", args[0])
				}
				return nil
			},
			"rate": func(args []string, cfg *Config) error {
				if len(args) != 1 {
					return fmt.Errorf("rate: expected 1 argument, got %d", len(args))
				}
				n, err := parsePositiveInt(args[0])
				if err != nil {
					return fmt.Errorf("rate: %w", err)
				}
				cfg.BytesPerSecond = int64(n)
				return nil
			},
		},
		Start: startWindowed,
	},
	{
		ID:                  'f',
		RequiredReliability: inventory.Reliability{Reliable: true, Specified: true},
		Start:               startPassthrough,
	},
}

// ByID looks up a sub-protocol by its single-character id.
func ByID(id byte) (Capability, bool) {
	for _, c := range Table {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// Advertise returns the ids (in declaration order) whose required
// reliability is a subset of effective, i.e. the answerer's default
// advertisement when no explicit protocol list is configured.
func Advertise(effective inventory.Reliability) string {
	var ids []byte
	for _, c := range Table {
		if c.RequiredReliability.Subset(effective) {
			ids = append(ids, c.ID)
		}
	}
	return string(ids)
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected a positive integer, got %q", s)
	}
	return n, nil
}
