package compositor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/bnema/waybg/internal/logger"
)

// Niri speaks niri's newline-delimited JSON IPC on $NIRI_SOCKET.
type Niri struct {
	path   string
	dialer net.Dialer
}

// NewNiri returns a Source for the socket at path.
func NewNiri(path string) *Niri {
	return &Niri{path: path}
}

func (n *Niri) Name() string { return "niri" }

type niriWorkspace struct {
	ID        uint64  `json:"id"`
	Idx       uint8   `json:"idx"`
	Name      *string `json:"name"`
	Output    *string `json:"output"`
	IsActive  bool    `json:"is_active"`
	IsFocused bool    `json:"is_focused"`
}

// label is the name when set, the index otherwise.
func (w niriWorkspace) label() string {
	if w.Name != nil {
		return *w.Name
	}
	return strconv.Itoa(int(w.Idx))
}

func (w niriWorkspace) output() string {
	if w.Output != nil {
		return *w.Output
	}
	return ""
}

type niriReply struct {
	Ok  json.RawMessage `json:"Ok"`
	Err *string         `json:"Err"`
}

type niriConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	stop    func() bool
}

func (n *Niri) open(ctx context.Context, request string) (*niriConn, json.RawMessage, error) {
	conn, err := n.dialer.DialContext(ctx, "unix", n.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to niri socket %s: %w", n.path, err)
	}
	c := &niriConn{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		stop:    context.AfterFunc(ctx, func() { conn.Close() }),
	}
	c.scanner.Buffer(make([]byte, 0, 4096), 4<<20)

	req, _ := json.Marshal(request)
	if _, err := conn.Write(append(req, '\n')); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("failed to send niri request %s: %w", request, err)
	}

	line, err := c.next()
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	var reply niriReply
	if err := json.Unmarshal(line, &reply); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("failed to decode niri reply: %w", err)
	}
	if reply.Err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("niri refused %s: %s", request, *reply.Err)
	}
	return c, reply.Ok, nil
}

func (c *niriConn) next() ([]byte, error) {
	if c.scanner.Scan() {
		return c.scanner.Bytes(), nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read from niri: %w", err)
	}
	return nil, fmt.Errorf("niri: %w", ErrClosed)
}

func (c *niriConn) Close() {
	c.stop()
	c.conn.Close()
}

func (n *Niri) workspaces(ctx context.Context) ([]niriWorkspace, error) {
	c, ok, err := n.open(ctx, "Workspaces")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var resp struct {
		Workspaces []niriWorkspace `json:"Workspaces"`
	}
	if err := json.Unmarshal(ok, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode niri workspaces: %w", err)
	}
	return resp.Workspaces, nil
}

func activeOf(workspaces []niriWorkspace) []Visible {
	visible := make([]Visible, 0, len(workspaces))
	for _, w := range workspaces {
		if w.IsActive && w.output() != "" {
			visible = append(visible, Visible{Output: w.output(), Workspace: w.label()})
		}
	}
	return visible
}

// VisibleWorkspaces returns the active workspace of every output.
func (n *Niri) VisibleWorkspaces(ctx context.Context) ([]Visible, error) {
	workspaces, err := n.workspaces(ctx)
	if err != nil {
		return nil, err
	}
	return activeOf(workspaces), nil
}

// Subscribe implements Source.
func (n *Niri) Subscribe(ctx context.Context, out chan<- Event) error {
	c, ok, err := n.open(ctx, "EventStream")
	if err != nil {
		return err
	}
	defer c.Close()

	var handled string
	if err := json.Unmarshal(ok, &handled); err != nil || handled != "Handled" {
		return fmt.Errorf("unexpected niri event stream reply: %s", ok)
	}

	workspaces, err := n.workspaces(ctx)
	if err != nil {
		return err
	}
	known := index(workspaces)
	if err := send(ctx, out, snapshot("initial", activeOf(workspaces))); err != nil {
		return err
	}

	for {
		line, err := c.next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			logger.Debugf("Ignoring malformed niri event: %v", err)
			continue
		}

		for name, body := range raw {
			ev, err := n.translate(ctx, name, body, known)
			if err != nil {
				return err
			}
			if err := send(ctx, out, ev); err != nil {
				return err
			}
		}
	}
}

func index(workspaces []niriWorkspace) map[uint64]niriWorkspace {
	known := make(map[uint64]niriWorkspace, len(workspaces))
	for _, w := range workspaces {
		known[w.ID] = w
	}
	return known
}

func (n *Niri) translate(ctx context.Context, name string, body json.RawMessage, known map[uint64]niriWorkspace) (Event, error) {
	switch name {
	case "WorkspacesChanged":
		var changed struct {
			Workspaces []niriWorkspace `json:"workspaces"`
		}
		if err := json.Unmarshal(body, &changed); err != nil {
			logger.Debugf("Ignoring malformed niri %s: %v", name, err)
			return Event{Kind: Other, Raw: name}, nil
		}
		clear(known)
		for id, w := range index(changed.Workspaces) {
			known[id] = w
		}
		return snapshot(name, activeOf(changed.Workspaces)), nil

	case "WorkspaceActivated":
		var activated struct {
			ID      uint64 `json:"id"`
			Focused bool   `json:"focused"`
		}
		if err := json.Unmarshal(body, &activated); err != nil {
			logger.Debugf("Ignoring malformed niri %s: %v", name, err)
			return Event{Kind: Other, Raw: name}, nil
		}

		w, ok := known[activated.ID]
		if !ok {
			workspaces, err := n.workspaces(ctx)
			if err != nil {
				return Event{}, err
			}
			clear(known)
			for id, ws := range index(workspaces) {
				known[id] = ws
			}
			if w, ok = known[activated.ID]; !ok {
				logger.Warn("Niri activated an unknown workspace", "id", activated.ID)
				return Event{Kind: Other, Raw: name}, nil
			}
		}

		// only one workspace is active per output
		for id, other := range known {
			if other.output() == w.output() && other.IsActive && id != w.ID {
				other.IsActive = false
				known[id] = other
			}
		}
		w.IsActive = true
		known[w.ID] = w

		if w.output() == "" {
			return Event{Kind: Other, Raw: name}, nil
		}
		return Event{Kind: Focus, Output: w.output(), Workspace: w.label(), Raw: name}, nil

	default:
		return Event{Kind: Other, Raw: name}, nil
	}
}
