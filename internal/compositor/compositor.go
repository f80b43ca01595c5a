// Package compositor talks to the compositor's workspace IPC and
// normalizes what it reports into Events.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNoCompositor is returned when no supported compositor is detected.
	ErrNoCompositor = errors.New("no supported compositor detected")
	// ErrClosed is returned by Subscribe when the compositor closed the stream.
	ErrClosed = errors.New("compositor closed the event stream")
)

// Kind classifies an Event.
type Kind int

const (
	// Focus reports that Workspace became visible on Output.
	Focus Kind = iota
	// Snapshot carries the visible workspace of every output.
	Snapshot
	// Other is any workspace event that does not change visibility.
	Other
)

func (k Kind) String() string {
	switch k {
	case Focus:
		return "focus"
	case Snapshot:
		return "snapshot"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Visible is a workspace shown on an output.
type Visible struct {
	Output    string
	Workspace string
}

// Event is a normalized workspace notification.
type Event struct {
	Kind      Kind
	Output    string
	Workspace string
	// Visible is set for Snapshot events.
	Visible []Visible
	// Raw names the compositor-side event, for logging.
	Raw string
}

// Source is one compositor's workspace IPC.
type Source interface {
	Name() string
	// Subscribe sends an initial Snapshot followed by live events to out
	// until ctx is done or the connection fails. It always returns a
	// non-nil error.
	Subscribe(ctx context.Context, out chan<- Event) error
	// VisibleWorkspaces queries the current visible workspace per output.
	VisibleWorkspaces(ctx context.Context) ([]Visible, error)
}

// Getenv looks up environment variables for Detect.
type Getenv func(string) string

// Detect picks the Source to use. A non-empty name forces that compositor;
// otherwise NIRI_SOCKET, SWAYSOCK and HYPRLAND_INSTANCE_SIGNATURE are tried
// in that order.
func Detect(name string, getenv Getenv) (Source, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	switch strings.ToLower(name) {
	case "":
	case "niri":
		return newNiriFromEnv(env)
	case "sway":
		return newSwayFromEnv(env)
	case "hyprland":
		return newHyprlandFromEnv(env)
	default:
		return nil, fmt.Errorf("%w: unknown compositor %q", ErrNoCompositor, name)
	}

	switch {
	case env("NIRI_SOCKET") != "":
		return newNiriFromEnv(env)
	case env("SWAYSOCK") != "":
		return newSwayFromEnv(env)
	case env("HYPRLAND_INSTANCE_SIGNATURE") != "":
		return newHyprlandFromEnv(env)
	}
	return nil, ErrNoCompositor
}

func newNiriFromEnv(env func(string) string) (Source, error) {
	path := env("NIRI_SOCKET")
	if path == "" {
		return nil, fmt.Errorf("%w: NIRI_SOCKET is not set", ErrNoCompositor)
	}
	return NewNiri(path), nil
}

func newSwayFromEnv(env func(string) string) (Source, error) {
	path := env("SWAYSOCK")
	if path == "" {
		return nil, fmt.Errorf("%w: SWAYSOCK is not set", ErrNoCompositor)
	}
	return NewSway(path), nil
}

func newHyprlandFromEnv(env func(string) string) (Source, error) {
	sig := env("HYPRLAND_INSTANCE_SIGNATURE")
	runtime := env("XDG_RUNTIME_DIR")
	if sig == "" || runtime == "" {
		return nil, fmt.Errorf("%w: HYPRLAND_INSTANCE_SIGNATURE and XDG_RUNTIME_DIR must be set", ErrNoCompositor)
	}
	return NewHyprland(filepath.Join(runtime, "hypr", sig)), nil
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, out chan<- Event, ev Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snapshot(raw string, visible []Visible) Event {
	return Event{Kind: Snapshot, Visible: visible, Raw: raw}
}
