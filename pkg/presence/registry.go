package presence

import (
	"context"
	"sort"
)

// Change describes one observed transition of the registry membership.
type Change struct {
	LoggedOn  []string
	LoggedOff []string
}

// Empty reports whether the change carries no transitions.
func (c Change) Empty() bool {
	return len(c.LoggedOn) == 0 && len(c.LoggedOff) == 0
}

// Registry is the shared record of currently reachable peer names.
type Registry interface {
	// Snapshot reads the full current membership.
	Snapshot() (map[string]struct{}, error)

	// Add records the name as present.
	Add(name string) error

	// Remove withdraws the name.
	Remove(name string) error

	// Reset clears all membership. Administration-time only.
	Reset() error

	// Watch yields membership deltas until the context ends or the
	// backing store is destroyed, at which point the channel closes.
	Watch(ctx context.Context) (<-chan Change, error)
}

// diff computes the delta between two membership snapshots. The result
// slices are sorted so observers see deterministic output.
func diff(old, current map[string]struct{}) Change {
	var change Change
	for name := range current {
		if _, ok := old[name]; !ok {
			change.LoggedOn = append(change.LoggedOn, name)
		}
	}
	for name := range old {
		if _, ok := current[name]; !ok {
			change.LoggedOff = append(change.LoggedOff, name)
		}
	}
	sort.Strings(change.LoggedOn)
	sort.Strings(change.LoggedOff)
	return change
}

func cloneSet(set map[string]struct{}) map[string]struct{} {
	clone := make(map[string]struct{}, len(set))
	for name := range set {
		clone[name] = struct{}{}
	}
	return clone
}
