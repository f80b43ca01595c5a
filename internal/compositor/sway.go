package compositor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.i3wm.org/i3/v4"
)

// The i3 package reads its socket from package-level hooks, so every Sway in
// the process shares them.
var swayHooks struct {
	sync.Mutex
	path string
}

// Sway reads workspace events from the sway (i3-ipc) socket.
type Sway struct {
	path string
}

// NewSway returns a Source for the socket at path, usually $SWAYSOCK.
func NewSway(path string) *Sway {
	return &Sway{path: path}
}

func (s *Sway) Name() string { return "sway" }

// connect points the i3 package at s.path. IsRunningHook reports false so a
// dropped subscription ends Next instead of reconnecting; the daemon
// reconnects with backoff and resyncs from a fresh snapshot.
func (s *Sway) connect() error {
	fi, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to connect to sway socket %s: %w", s.path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("failed to connect to sway socket %s: not a socket", s.path)
	}

	swayHooks.Lock()
	defer swayHooks.Unlock()
	if swayHooks.path != s.path {
		path := s.path
		i3.SocketPathHook = func() (string, error) { return path, nil }
		i3.IsRunningHook = func() bool { return false }
		swayHooks.path = path
	}
	return nil
}

func (s *Sway) workspaces(ctx context.Context) ([]i3.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	workspaces, err := i3.GetWorkspaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get sway workspaces: %w", err)
	}
	return workspaces, nil
}

// VisibleWorkspaces runs GET_WORKSPACES and keeps the visible ones.
func (s *Sway) VisibleWorkspaces(ctx context.Context) ([]Visible, error) {
	workspaces, err := s.workspaces(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]Visible, 0, len(workspaces))
	for _, ws := range workspaces {
		if ws.Visible && ws.Output != "" {
			visible = append(visible, Visible{Output: ws.Output, Workspace: ws.Name})
		}
	}
	return visible, nil
}

// Subscribe implements Source.
func (s *Sway) Subscribe(ctx context.Context, out chan<- Event) error {
	if err := s.connect(); err != nil {
		return err
	}

	recv := i3.Subscribe(i3.WorkspaceEventType)
	var (
		closeOnce sync.Once
		closeErr  error
	)
	closeRecv := func() error {
		closeOnce.Do(func() { closeErr = recv.Close() })
		return closeErr
	}
	defer closeRecv()
	stop := context.AfterFunc(ctx, func() { closeRecv() })
	defer stop()

	// Next subscribes on its first call. Starting it before the query keeps
	// the window where a switch goes unseen as small as the library allows.
	events := make(chan *i3.WorkspaceEvent)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(events)
		for recv.Next() {
			ev, ok := recv.Event().(*i3.WorkspaceEvent)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	visible, err := s.VisibleWorkspaces(ctx)
	if err != nil {
		return err
	}
	if err := send(ctx, out, snapshot("initial", visible)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case we, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				cause := closeRecv()
				if cause == nil {
					cause = io.EOF
				}
				return fmt.Errorf("sway: %w: %v", ErrClosed, cause)
			}
			ev, err := s.translate(ctx, we)
			if err != nil {
				return err
			}
			if err := send(ctx, out, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Sway) translate(ctx context.Context, we *i3.WorkspaceEvent) (Event, error) {
	switch we.Change {
	case "focus":
		name := we.Current.Name
		if name == "" {
			return Event{Kind: Other, Raw: we.Change}, nil
		}
		// i3 nodes do not carry their output; look the workspace up
		output, err := s.outputOf(ctx, name)
		if err != nil {
			return Event{}, err
		}
		if output == "" {
			return Event{Kind: Other, Raw: we.Change}, nil
		}
		return Event{Kind: Focus, Output: output, Workspace: name, Raw: we.Change}, nil
	case "move":
		// a workspace moved to another output, which can change what both show
		visible, err := s.VisibleWorkspaces(ctx)
		if err != nil {
			return Event{}, err
		}
		return snapshot(we.Change, visible), nil
	default:
		return Event{Kind: Other, Raw: we.Change}, nil
	}
}

func (s *Sway) outputOf(ctx context.Context, workspace string) (string, error) {
	workspaces, err := s.workspaces(ctx)
	if err != nil {
		return "", err
	}
	for _, ws := range workspaces {
		if ws.Name == workspace {
			return ws.Output, nil
		}
	}
	return "", nil
}
