// Package scheduler implements the Call Scheduler: given the operator's
// filter (a specific peer, or all peers with queued work), it decides
// which peers to call, in what order, and whether now is an allowed,
// retry-eligible time, then drives one Outbound session per attempt.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/taylorwire/uucico/internal/callstatus"
	"github.com/taylorwire/uucico/internal/inventory"
	"github.com/taylorwire/uucico/internal/session"
)

// Options controls one scheduling pass.
type Options struct {
	// Peer restricts the pass to one named peer; empty means every
	// peer known to the Inventory that has queued work in the Spool,
	// visited in shuffled order.
	Peer string
	// Force skips the retry-gate back-off comparison entirely.
	Force bool
	// MaxRetries, when positive, is the ceiling above which no attempt
	// is made even with Force set (a compile-time constant in the
	// original; here a configuration knob instead).
	MaxRetries int
}

// Attempt is one call the scheduler actually placed, and its outcome.
type Attempt struct {
	Peer   string
	Result session.Result
}

// Run performs one scheduling pass and returns every attempt placed, in
// the order they were placed. It never blocks past what Outbound itself
// blocks for, and it stops early if the registry has observed a
// terminating signal.
func Run(ctx context.Context, deps session.Deps, opts Options) []Attempt {
	peers := selectPeers(deps.Inventory, opts.Peer)

	var attempts []Attempt
	seq := 0
	for _, peer := range peers {
		if deps.Registry.Signaled() {
			break
		}
		if opts.Peer == "" && !deps.Spool.HasWork(peer.Name) {
			continue
		}
		placed := runPeer(ctx, deps, peer, opts, &seq)
		attempts = append(attempts, placed...)
	}
	return attempts
}

// selectPeers resolves the operator's filter into the peers to visit, in
// the order to visit them: a single named peer, or every peer under a
// uniform Fisher-Yates shuffle so multiple sites calling into the same
// mesh do not lock-step collide on the same ordering.
func selectPeers(inv *inventory.Inventory, named string) []inventory.Peer {
	if named != "" {
		if p, ok := inv.PeerByName(named); ok {
			return []inventory.Peer{p}
		}
		return nil
	}
	peers := append([]inventory.Peer(nil), inv.Peers...)
	shuffle(peers)
	return peers
}

// shuffle permutes peers in place via the uniform Fisher-Yates algorithm.
func shuffle(peers []inventory.Peer) {
	for i := len(peers) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		peers[i], peers[j] = peers[j], peers[i]
	}
}

// runPeer walks one peer's alternates in order, placing at most one call
// for the first alternate that is callable, in an allowed time window, has
// work when only_if_work requires it, and clears the retry gate. Per 4.F,
// an alternate carrying no time restriction at all is skipped outright
// (it is never a basis for an attempt), not treated as always-allowed. If
// every alternate was rejected purely for time reasons, it records
// wrong_time; a peer whose alternates are all no-time-restriction is
// structurally never-callable and gets no status write at all.
func runPeer(ctx context.Context, deps session.Deps, peer inventory.Peer, opts Options, seq *int) []Attempt {
	if !peer.Callable {
		return nil
	}
	if !retryGateOpen(deps, peer, opts) {
		return nil
	}

	anyTimeRestriction := false
	allRejectedForTime := true

	for _, alt := range peer.Alternates {
		if len(alt.TimeRestrictions) == 0 {
			continue
		}
		anyTimeRestriction = true

		hit := false
		for _, tr := range alt.TimeRestrictions {
			if ok, _ := tr.Matches(time.Now()); ok {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		allRejectedForTime = false

		if alt.OnlyIfWork && !deps.Spool.HasWork(peer.Name) {
			continue
		}

		*seq++
		callID := callIDFor(peer.Name, *seq)
		result := session.Outbound(ctx, deps, peer, alt, callID)
		return []Attempt{{Peer: peer.Name, Result: result}}
	}

	if anyTimeRestriction && allRejectedForTime {
		deps.Status.Set(peer.Name, callstatus.CallStatus{
			Kind:            callstatus.WrongTime,
			LastAttemptTime: time.Now(),
		})
	}
	return nil
}

// retryGateOpen reports whether a new attempt may be made now: Force
// bypasses the back-off comparison outright (but not the MaxRetries
// ceiling), otherwise the last recorded status must be Complete or its
// back-off window must have elapsed.
func retryGateOpen(deps session.Deps, peer inventory.Peer, opts Options) bool {
	cs := deps.Status.Get(peer.Name)
	if opts.MaxRetries > 0 && cs.RetryCount >= opts.MaxRetries {
		return false
	}
	if opts.Force {
		return true
	}
	if cs.Kind == callstatus.Complete {
		return true
	}
	return !time.Now().Before(cs.ReadyAt())
}

func callIDFor(peerName string, seq int) string {
	return fmt.Sprintf("%s-%d-%d", peerName, seq, time.Now().UnixNano())
}
