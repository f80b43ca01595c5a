package compositor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"

	"github.com/bnema/waybg/internal/logger"
)

// Hyprland reads workspace events from socket2 and queries state on the
// request socket. Both live in $XDG_RUNTIME_DIR/hypr/$HYPRLAND_INSTANCE_SIGNATURE.
type Hyprland struct {
	dir    string
	dialer net.Dialer
}

// NewHyprland returns a Source for the instance directory dir.
func NewHyprland(dir string) *Hyprland {
	return &Hyprland{dir: dir}
}

func (h *Hyprland) Name() string { return "hyprland" }

type hyprMonitor struct {
	Name            string `json:"name"`
	Focused         bool   `json:"focused"`
	ActiveWorkspace struct {
		Name string `json:"name"`
	} `json:"activeWorkspace"`
}

type hyprState struct {
	active  string
	visible []Visible
}

func (h *Hyprland) state(ctx context.Context) (hyprState, error) {
	path := filepath.Join(h.dir, ".socket.sock")
	conn, err := h.dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return hyprState{}, fmt.Errorf("failed to connect to hyprland socket %s: %w", path, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	// one request per connection, the reply ends at EOF
	if _, err := io.WriteString(conn, "j/monitors"); err != nil {
		return hyprState{}, fmt.Errorf("failed to query hyprland monitors: %w", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		return hyprState{}, fmt.Errorf("failed to read hyprland monitors: %w", err)
	}

	var monitors []hyprMonitor
	if err := json.Unmarshal(data, &monitors); err != nil {
		return hyprState{}, fmt.Errorf("failed to decode hyprland monitors: %w", err)
	}
	var st hyprState
	for _, m := range monitors {
		if m.Focused {
			st.active = m.Name
		}
		st.visible = append(st.visible, Visible{Output: m.Name, Workspace: m.ActiveWorkspace.Name})
	}
	return st, nil
}

// VisibleWorkspaces returns the active workspace of every monitor.
func (h *Hyprland) VisibleWorkspaces(ctx context.Context) ([]Visible, error) {
	st, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	return st.visible, nil
}

// Subscribe implements Source.
func (h *Hyprland) Subscribe(ctx context.Context, out chan<- Event) error {
	path := filepath.Join(h.dir, ".socket2.sock")
	conn, err := h.dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("failed to connect to hyprland event socket %s: %w", path, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	st, err := h.state(ctx)
	if err != nil {
		return err
	}
	active := st.active
	if err := send(ctx, out, snapshot("initial", st.visible)); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		name, data, ok := strings.Cut(scanner.Text(), ">>")
		if !ok {
			logger.Debugf("Ignoring malformed hyprland event %q", scanner.Text())
			continue
		}

		var ev Event
		switch name {
		case "workspace":
			if active == "" {
				// focus not known yet, ask for the full picture
				st, err := h.state(ctx)
				if err != nil {
					return err
				}
				active = st.active
				ev = snapshot(name, st.visible)
				break
			}
			ev = Event{Kind: Focus, Output: active, Workspace: data, Raw: name}
		case "focusedmon":
			mon, _, _ := strings.Cut(data, ",")
			active = mon
			ev = Event{Kind: Other, Raw: name}
		case "moveworkspace":
			st, err := h.state(ctx)
			if err != nil {
				return err
			}
			active = st.active
			ev = snapshot(name, st.visible)
		default:
			ev = Event{Kind: Other, Raw: name}
		}

		if err := send(ctx, out, ev); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read hyprland events: %w", err)
	}
	return fmt.Errorf("hyprland: %w", ErrClosed)
}
