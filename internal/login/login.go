// Package login implements the slave-standalone Login Dispatcher: the
// plain-text login/password prompt cycle an answerer runs before any
// framed greeting traffic exists, handing a confirmed connection off to
// the Session Controller in answerer role once a credential checks out.
package login

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/taylorwire/uucico/internal/callstatus"
	"github.com/taylorwire/uucico/internal/pki"
	"github.com/taylorwire/uucico/internal/portlock"
	"github.com/taylorwire/uucico/internal/session"
	"github.com/taylorwire/uucico/internal/transport"
)

// idleTimeout is the per-line read deadline; a timeout is a spurious,
// non-fatal event that simply repeats the current prompt.
const idleTimeout = 120 * time.Second

// Dispatch runs the login/password prompt cycle over conn until a
// credential resolves to a peer (at which point it hands off to
// session.Inbound and returns that call's Result) or the connection is
// lost. ctx is polled between prompt cycles so a pending signal can end
// the loop without waiting out a full idle timeout.
func Dispatch(ctx context.Context, deps session.Deps, conn transport.Conn, callID string) session.Result {
	log := deps.Logger.With("call_id", callID, "role", "login")

	for {
		select {
		case <-ctx.Done():
			return session.Result{Kind: callstatus.LoginFailed, Reason: "cancelled awaiting login"}
		default:
		}

		loginName, ok := prompt(conn, log, "login: ")
		if !ok {
			return session.Result{Kind: callstatus.LoginFailed, Reason: "connection lost awaiting login"}
		}
		if loginName == "" {
			continue
		}

		password, ok := prompt(conn, log, "Password:")
		if !ok {
			return session.Result{Kind: callstatus.LoginFailed, Reason: "connection lost awaiting password"}
		}

		cred, found := deps.Inventory.CredentialByLogin(loginName)
		if !found || cred.Password != password {
			log.Warn("Bad login", "login", loginName)
			continue
		}

		if !certificateMatches(conn, loginName) {
			log.Warn("Bad login", "login", loginName, "reason", "client certificate does not match claimed login")
			continue
		}

		peer, _ := deps.Inventory.PeerByName(cred.PeerName)

		lockName := cred.PeerName
		if lockName == "" {
			lockName = loginName
		}
		peerLock, err := portlock.Acquire(deps.Inventory.LockDir, lockName)
		if err != nil {
			if err == portlock.ErrLocked {
				log.Warn("peer already in a session, rejecting login", "peer", lockName)
				continue
			}
			log.Error("peer lock failed", "error", err)
			return session.Result{Kind: callstatus.LoginFailed, Reason: err.Error()}
		}

		logDiagnostics(log)

		result := session.Inbound(deps, conn, peerLock, session.InboundParams{
			Peer:         peer,
			ClaimedLogin: loginName,
			CallID:       callID,
		})
		peerLock.Release()
		return result
	}
}

// prompt writes text, then reads one CR/LF terminated line honoring
// idleTimeout. A timeout is logged and retried; any other read error means
// the connection is gone and the cycle cannot continue.
func prompt(conn transport.Conn, log *slog.Logger, text string) (string, bool) {
	for {
		if _, err := io.WriteString(conn, text); err != nil {
			return "", false
		}
		line, err := readLine(conn, idleTimeout)
		if err != nil {
			if isTimeout(err) {
				log.Debug("login prompt timed out, retrying", "prompt", text)
				continue
			}
			return "", false
		}
		return line, true
	}
}

// readLine reads bytes up to and excluding a CR or LF terminator, clearing
// the high bit of a byte when the masked form is printable, the same rule
// the line framer applies (see internal/lineframe).
func readLine(conn transport.Conn, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if n == 0 && err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		b := one[0]
		if b == '\r' || b == '\n' {
			return string(buf), nil
		}
		buf = append(buf, stripParity(b))
	}
}

func stripParity(b byte) byte {
	masked := b & 0x7f
	if masked >= 0x20 && masked < 0x7f {
		return masked
	}
	return b
}

// certificateMatches cross-checks a claimed login against the connection's
// verified client certificate, when the port is mTLS-hardened: a non-TLS
// connection (or one with no peer certificate) has nothing to check and is
// accepted on credential match alone, the same per-port opt-in posture the
// rest of the TLS wiring follows.
func certificateMatches(conn transport.Conn, loginName string) bool {
	nc, ok := conn.(net.Conn)
	if !ok {
		return true
	}
	cn, ok := pki.PeerCommonName(nc)
	if !ok {
		return true
	}
	return cn == loginName
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

// logDiagnostics attaches a one-shot host load/memory snapshot to the
// per-call log at the point a login is accepted, the control-channel
// equivalent of the periodic sampling the agent side does continuously.
func logDiagnostics(log *slog.Logger) {
	var fields []any
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields = append(fields, "cpu_percent", pct[0])
	} else if err != nil {
		log.Debug("failed to sample cpu", "error", err)
	}
	if v, err := mem.VirtualMemory(); err == nil {
		fields = append(fields, "memory_percent", v.UsedPercent)
	} else {
		log.Debug("failed to sample memory", "error", err)
	}
	if l, err := load.Avg(); err == nil {
		fields = append(fields, "load1", l.Load1)
	} else {
		log.Debug("failed to sample load average", "error", err)
	}
	log.Info("accepted login, host diagnostics", fields...)
}
