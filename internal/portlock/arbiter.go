package portlock

import (
	"fmt"

	"github.com/taylorwire/uucico/internal/inventory"
)

// Outcome distinguishes the two failure shapes the scheduler cares about:
// no candidate port existed at all, versus every candidate was contended.
type Outcome int

const (
	// Acquired means a port was matched and locked.
	Acquired Outcome = iota
	// NoMatch means the Inventory had no port matching preference/baud.
	NoMatch
	// AllLocked means matching ports existed but all were contended.
	AllLocked
)

// Select walks the Inventory's ports looking for one matching preference
// (by name, empty preference matches any port) and the given baud range,
// attempting to acquire its lock; a locked candidate is not fatal, the next
// match is tried. lockDir is where port lock files live.
func Select(inv *inventory.Inventory, lockDir string, preference []string, baudMin, baudMax int) (inventory.Port, *Lock, Outcome, error) {
	candidates := matchingPorts(inv, preference, baudMin, baudMax)
	if len(candidates) == 0 {
		return inventory.Port{}, nil, NoMatch, nil
	}

	sawContention := false
	for _, port := range candidates {
		lock, err := Acquire(lockDir, port.Name)
		if err == nil {
			return port, lock, Acquired, nil
		}
		if err == ErrLocked {
			sawContention = true
			continue
		}
		return inventory.Port{}, nil, NoMatch, fmt.Errorf("acquiring port lock %s: %w", port.Name, err)
	}

	if sawContention {
		return inventory.Port{}, nil, AllLocked, nil
	}
	return inventory.Port{}, nil, NoMatch, nil
}

func matchingPorts(inv *inventory.Inventory, preference []string, baudMin, baudMax int) []inventory.Port {
	var out []inventory.Port
	for _, port := range inv.Ports {
		if len(preference) > 0 && !contains(preference, port.Name) {
			continue
		}
		if baudMax > 0 && port.BaudMin > 0 && port.BaudMax > 0 {
			if port.BaudMax < baudMin || port.BaudMin > baudMax {
				continue
			}
		}
		out = append(out, port)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
