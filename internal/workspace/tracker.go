// Package workspace keeps the active workspace of every output.
package workspace

import (
	"sort"

	"github.com/bnema/waybg/internal/compositor"
)

// Change is an output whose active workspace changed.
type Change struct {
	Output    string
	Workspace string
}

// Tracker maps output names to their active workspace. Entries may exist
// for outputs the display has not announced yet.
type Tracker struct {
	active map[string]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]string)}
}

// OnEvent applies ev and returns the outputs whose value changed.
func (t *Tracker) OnEvent(ev compositor.Event) []Change {
	switch ev.Kind {
	case compositor.Focus:
		if c, ok := t.set(ev.Output, ev.Workspace); ok {
			return []Change{c}
		}
	case compositor.Snapshot:
		var changes []Change
		for _, v := range ev.Visible {
			if c, ok := t.set(v.Output, v.Workspace); ok {
				changes = append(changes, c)
			}
		}
		sort.Slice(changes, func(i, j int) bool { return changes[i].Output < changes[j].Output })
		return changes
	}
	// renames and the rest do not change what is visible
	return nil
}

func (t *Tracker) set(output, ws string) (Change, bool) {
	if output == "" {
		return Change{}, false
	}
	if cur, ok := t.active[output]; ok && cur == ws {
		return Change{}, false
	}
	t.active[output] = ws
	return Change{Output: output, Workspace: ws}, true
}

// Active returns the workspace shown on output, if known.
func (t *Tracker) Active(output string) (string, bool) {
	ws, ok := t.active[output]
	return ws, ok
}

// Forget drops output's entry.
func (t *Tracker) Forget(output string) {
	delete(t.active, output)
}

// Len returns the number of tracked outputs.
func (t *Tracker) Len() int {
	return len(t.active)
}
