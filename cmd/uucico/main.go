// Command uucico is the operator-facing binary: it is invoked once per
// call, either to place an outbound call (master/caller mode) or to serve
// an inbound one (slave/answerer mode), and exits. Parallelism across
// peers comes from the operator (or an external/internal cron) invoking
// it again, never from threading inside one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taylorwire/uucico/internal/callstatus"
	"github.com/taylorwire/uucico/internal/inventory"
	"github.com/taylorwire/uucico/internal/login"
	"github.com/taylorwire/uucico/internal/logging"
	"github.com/taylorwire/uucico/internal/pki"
	"github.com/taylorwire/uucico/internal/registry"
	"github.com/taylorwire/uucico/internal/scheduler"
	"github.com/taylorwire/uucico/internal/session"
	"github.com/taylorwire/uucico/internal/spool"
	"github.com/taylorwire/uucico/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("uucico", flag.ContinueOnError)
	configPath := fs.String("I", "/etc/uucico/uucico.yaml", "configuration file")
	sysName := fs.String("s", "", "call this system")
	sysNameForce := fs.String("S", "", "call this system, forcing the retry gate")
	force := fs.Bool("f", false, "force a call even if the retry back-off has not elapsed")
	role := fs.String("r", "", "0=slave (answerer), 1=master (caller); default is inferred from -s/-S")
	port := fs.String("p", "", "use this named port; in slave mode implies an endless accept loop")
	singleLogin := fs.Bool("l", false, "prompt once for login/password, then exit")
	endless := fs.Bool("e", false, "endlessly accept and serve logins")
	wait := fs.Bool("w", false, "after placing a call, wait for an incoming one (requires -p)")
	suppressTimeWarn := fs.Bool("c", false, "do not warn when a call is attempted at a disallowed time")
	noDetach := fs.Bool("D", false, "do not detach from the controlling terminal")
	noDaemon := fs.Bool("q", false, "do not launch the post-call execution daemon")
	_ = fs.String("u", "", "login name (accepted for compatibility, ignored)")
	debugFlag := fs.String("x", "", "debug level/mask")
	fs.StringVar(debugFlag, "X", "", "alias of -x")
	cronExpr := fs.String("cron", "", "if set, run the scheduling pass on this cron expression instead of once")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "uucico: unexpected positional arguments")
		return 2
	}
	if *wait && *port == "" {
		fmt.Fprintln(os.Stderr, "uucico: -w requires -p")
		return 2
	}

	inv, err := inventory.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uucico: %v\n", err)
		return 1
	}

	logger, logCloser := logging.New(inv.Logging.Level, inv.Logging.Format, inv.Logging.File)
	defer logCloser.Close()

	deps, err := buildDeps(inv, logger, *debugFlag)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer deps.Registry.Stop()
	// Belt-and-suspenders fatal-error handler: every normal exit path
	// already releases its own locks/conn via defer, but a signal can
	// interrupt mid-call before those defers run; Unwind is idempotent,
	// so running it again here is harmless.
	defer deps.Registry.Unwind()

	master := *sysName != "" || *sysNameForce != ""
	switch *role {
	case "1":
		master = true
	case "0":
		master = false
	}
	forceCall := *force || *sysNameForce != ""
	peerName := *sysName
	if peerName == "" {
		peerName = *sysNameForce
	}

	if *suppressTimeWarn {
		logger.Debug("bad-time warnings suppressed by -c")
	}
	if *noDetach {
		logger.Debug("not detaching controlling terminal (-D)")
	}
	if *noDaemon {
		logger.Debug("post-call execution daemon launch suppressed (-q)")
	}

	if master {
		if err := runMaster(context.Background(), deps, peerName, forceCall, *cronExpr, logger); err != nil {
			logger.Error("master run failed", "error", err)
			return 1
		}
		if *wait {
			return runSlave(deps, *port, singleShot(*port, *endless, *singleLogin), logger)
		}
		return 0
	}

	return runSlave(deps, *port, singleShot(*port, *endless, *singleLogin), logger)
}

// singleShot decides whether the slave role exits after one call: naming a
// port always implies the endless accept loop, matching a dedicated line
// left open for incoming traffic. Without a port (the stdio/getty-invoked
// path), -l forces exactly one login cycle and -e requests the endless
// loop; absent either, one cycle is the default.
func singleShot(port string, endless, singleLogin bool) bool {
	if port != "" {
		return false
	}
	if singleLogin {
		return true
	}
	return !endless
}

// buildDeps wires the Inventory into the shared dependency bundle every
// role needs: call status, spool (optionally S3-archived), the
// fatal-error registry, and the optional TLS configs for tcp-class ports.
func buildDeps(inv *inventory.Inventory, logger *slog.Logger, debugFlag string) (session.Deps, error) {
	status, err := callstatus.NewStore(inv.StatusDir)
	if err != nil {
		return session.Deps{}, fmt.Errorf("call status store: %w", err)
	}

	baseQueue, err := spool.NewDir(inv.SpoolDir)
	if err != nil {
		return session.Deps{}, fmt.Errorf("spool: %w", err)
	}
	queue, err := spool.NewArchivingQueue(context.Background(), baseQueue, inv.S3Archive, logger)
	if err != nil {
		return session.Deps{}, fmt.Errorf("spool archive: %w", err)
	}

	clientTLS, serverTLS := tlsConfigsFromInventory(inv)

	return session.Deps{
		Inventory:  inv,
		Status:     status,
		Spool:      queue,
		Registry:   registry.New(),
		Logger:     logger,
		TLSClient:  clientTLS,
		TLSServer:  serverTLS,
		DebugLevel: clampDebug(debugFlag, inv.DebugCeiling),
	}, nil
}

// tlsConfigsFromInventory builds the optional mTLS configs for tcp-class
// ports. Either side is left nil when its certificate paths are unset, so
// ports opt in individually rather than the whole node.
func tlsConfigsFromInventory(inv *inventory.Inventory) (*pki.ClientConfig, *pki.ServerConfig) {
	if inv.TLS == nil {
		return nil, nil
	}
	var client *pki.ClientConfig
	if inv.TLS.ClientCertPath != "" && inv.TLS.ClientKeyPath != "" {
		client = &pki.ClientConfig{
			CACertPath:     inv.TLS.CACertPath,
			ClientCertPath: inv.TLS.ClientCertPath,
			ClientKeyPath:  inv.TLS.ClientKeyPath,
			ServerName:     inv.TLS.ServerName,
		}
	}
	var server *pki.ServerConfig
	if inv.TLS.ServerCertPath != "" && inv.TLS.ServerKeyPath != "" {
		server = &pki.ServerConfig{
			CACertPath:     inv.TLS.CACertPath,
			ServerCertPath: inv.TLS.ServerCertPath,
			ServerKeyPath:  inv.TLS.ServerKeyPath,
		}
	}
	return client, server
}

func clampDebug(flagVal string, ceiling int) int {
	n, err := strconv.Atoi(flagVal)
	if err != nil || n < 0 {
		return 0
	}
	if ceiling > 0 && n > ceiling {
		return ceiling
	}
	return n
}

// runMaster places calls: either one named peer, every peer with queued work once, or
// (with -cron) on a recurring schedule until a terminating signal arrives.
func runMaster(ctx context.Context, deps session.Deps, peerName string, force bool, cronExpr string, logger *slog.Logger) error {
	opts := scheduler.Options{Peer: peerName, Force: force, MaxRetries: deps.Inventory.MaxRetries}

	if cronExpr == "" {
		logPass(logger, scheduler.Run(ctx, deps, opts))
		return nil
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cronExpr, func() {
		logPass(logger, scheduler.Run(ctx, deps, opts))
	}); err != nil {
		return fmt.Errorf("registering cron schedule %q: %w", cronExpr, err)
	}
	c.Start()
	defer c.Stop()

	logger.Info("cron scheduling loop started", "expression", cronExpr)
	for !deps.Registry.Signaled() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
	return nil
}

func logPass(logger *slog.Logger, attempts []scheduler.Attempt) {
	for _, a := range attempts {
		logger.Info("call attempt finished", "peer", a.Peer, "kind", a.Result.Kind, "reason", a.Result.Reason)
	}
}

// runSlave serves inbound calls: over stdin/stdout when -p is absent (the
// classic getty-invoked path), or by accepting TCP connections on the
// named port otherwise. singleShot means exit after the first call
// instead of looping.
func runSlave(deps session.Deps, portName string, singleShot bool, logger *slog.Logger) int {
	if portName == "" {
		conn, err := transport.Dial(context.Background(), inventory.Port{Kind: inventory.PortStdio}, inventory.Alternate{}, nil)
		if err != nil {
			logger.Error("stdio transport unavailable", "error", err)
			return 1
		}
		defer conn.Close()
		serveCalls(deps, conn, singleShot, logger)
		return 0
	}

	p, ok := deps.Inventory.PortByName(portName)
	if !ok {
		logger.Error("unknown port", "port", portName)
		return 1
	}
	ln, err := transport.Listen(p.Address, deps.TLSServer)
	if err != nil {
		logger.Error("listen failed", "error", err)
		return 1
	}
	defer ln.Close()

	logger.Info("listening for calls", "port", portName, "address", p.Address)
	for !deps.Registry.Signaled() {
		conn, err := ln.Accept()
		if err != nil {
			logger.Warn("accept failed", "error", err)
			continue
		}
		serveCalls(deps, conn, true, logger)
		if singleShot {
			return 0
		}
	}
	return 0
}

// serveCalls runs the Login Dispatcher loop over one already-open
// connection, once (singleShot) or until the connection is exhausted (the
// -e endless-login-prompts behavior for a line that stays up across calls).
func serveCalls(deps session.Deps, conn transport.Conn, singleShot bool, logger *slog.Logger) {
	seq := 0
	for {
		seq++
		callID := fmt.Sprintf("answer-%d", seq)
		result := login.Dispatch(context.Background(), deps, conn, callID)
		logger.Info("inbound call finished", "call_id", callID, "kind", result.Kind, "reason", result.Reason)
		// LoginFailed means Dispatch ended without handing off a call
		// (connection lost, cancelled, or peer lock error): stop serving.
		if singleShot || result.Kind == callstatus.LoginFailed || deps.Registry.Signaled() {
			return
		}
	}
}
