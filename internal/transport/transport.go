// Package transport supplies the physical byte-stream connections a
// Session rides on: TCP (optionally TLS-wrapped) and stdio. The Inventory's
// modem/direct port kinds are not supported: Dial returns an error for
// them. Dialing scripts and chat sequences are out of scope; this package
// only opens and closes the stream.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/taylorwire/uucico/internal/inventory"
	"github.com/taylorwire/uucico/internal/pki"
)

// Conn is the full-duplex byte stream a Session operates on: the subset of
// net.Conn (read/write/close plus deadlines) that the Line Framer needs, so
// its deadline support works uniformly whether the underlying transport is
// a real socket or a stdio pipe wrapper.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Dial opens an outbound connection to the given port/alternate, honoring
// an optional TLS configuration for tcp-class ports.
func Dial(ctx context.Context, port inventory.Port, alt inventory.Alternate, tlsCfg *pki.ClientConfig) (Conn, error) {
	switch port.Kind {
	case inventory.PortTCP:
		return dialTCP(ctx, alt.Address, tlsCfg)
	case inventory.PortStdio:
		return newStdioConn(), nil
	default:
		return nil, fmt.Errorf("transport: dialing port kind %q requires an external dial script, not supported by this engine", port.Kind)
	}
}

func dialTCP(ctx context.Context, address string, tlsCfg *pki.ClientConfig) (Conn, error) {
	d := net.Dialer{Timeout: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	if tlsCfg != nil {
		return pki.WrapClient(conn, tlsCfg)
	}
	return conn, nil
}

// Listener accepts inbound calls for the answerer role.
type Listener struct {
	net.Listener
	tlsCfg *pki.ServerConfig
}

// Listen opens a TCP listener for the answerer role, optionally requiring
// mTLS.
func Listen(address string, tlsCfg *pki.ServerConfig) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return &Listener{Listener: ln, tlsCfg: tlsCfg}, nil
}

// Accept waits for and returns the next inbound connection.
func (l *Listener) Accept() (Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if l.tlsCfg != nil {
		return pki.WrapServer(conn, l.tlsCfg)
	}
	return conn, nil
}

// stdioConn adapts os.Stdin/os.Stdout to the Conn interface for the
// stdin_stdout port kind, with no-op deadlines (the pipe has none).
type stdioConn struct{}

func newStdioConn() *stdioConn { return &stdioConn{} }

func (s *stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (s *stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (s *stdioConn) Close() error                { return nil }

func (s *stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (s *stdioConn) SetWriteDeadline(time.Time) error { return nil }
