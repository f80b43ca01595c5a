package compositor

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	i3GetWorkspaces  uint32 = 1
	i3Subscribe      uint32 = 2
	i3GetVersion     uint32 = 7
	i3EventWorkspace uint32 = 0x80000000

	i3MaxPayload = 1 << 20
)

var i3Magic = []byte("i3-ipc")

func writeI3(w io.Writer, typ uint32, payload []byte) error {
	var buf bytes.Buffer
	buf.Write(i3Magic)
	binary.Write(&buf, binary.NativeEndian, uint32(len(payload)))
	binary.Write(&buf, binary.NativeEndian, typ)
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}

func readI3(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, len(i3Magic)+8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	if !bytes.Equal(header[:len(i3Magic)], i3Magic) {
		return 0, nil, errors.New("bad i3-ipc magic")
	}
	length := binary.NativeEndian.Uint32(header[len(i3Magic):])
	if length > i3MaxPayload {
		return 0, nil, fmt.Errorf("i3-ipc payload of %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return binary.NativeEndian.Uint32(header[len(i3Magic)+4:]), payload, nil
}

type i3Workspace struct {
	Name    string `json:"name"`
	Output  string `json:"output"`
	Visible bool   `json:"visible"`
	Focused bool   `json:"focused"`
}

type fakeSway struct {
	workspaces []i3Workspace
	events     []string
	// reply to SUBSCRIBE, success when empty
	subscribeReply string
	// hold keeps the subscription open after the scripted events
	hold chan struct{}
}

func (f *fakeSway) handle(conn net.Conn) {
	for {
		typ, _, err := readI3(conn)
		if err != nil {
			return
		}
		switch typ {
		case i3GetWorkspaces:
			data, _ := json.Marshal(f.workspaces)
			writeI3(conn, typ, data)
		case i3GetVersion:
			writeI3(conn, typ, []byte(`{"major":1,"minor":11,"patch":0,"human_readable":"sway version 1.11","loaded_config_file_name":""}`))
		case i3Subscribe:
			reply := f.subscribeReply
			if reply == "" {
				reply = `{"success":true}`
			}
			writeI3(conn, typ, []byte(reply))
			for _, ev := range f.events {
				writeI3(conn, i3EventWorkspace, []byte(ev))
			}
			if f.hold != nil {
				<-f.hold
			}
			return
		default:
			return
		}
	}
}

// The i3 package keeps its socket path in package state, so all sway tests
// share one socket and swap the fake behind it.
var swayServer struct {
	once sync.Once
	path string
	err  error

	mu   sync.Mutex
	fake *fakeSway
}

func serveSway(t *testing.T, f *fakeSway) string {
	t.Helper()
	swayServer.once.Do(func() {
		dir, err := os.MkdirTemp("", "waybg-sway")
		if err != nil {
			swayServer.err = err
			return
		}
		path := filepath.Join(dir, "sway.sock")
		l, err := net.Listen("unix", path)
		if err != nil {
			swayServer.err = err
			return
		}
		swayServer.path = path
		go func() {
			for {
				conn, err := l.Accept()
				if err != nil {
					return
				}
				swayServer.mu.Lock()
				fake := swayServer.fake
				swayServer.mu.Unlock()
				go func() {
					defer conn.Close()
					if fake != nil {
						fake.handle(conn)
					}
				}()
			}
		}()
	})
	require.NoError(t, swayServer.err)

	swayServer.mu.Lock()
	swayServer.fake = f
	swayServer.mu.Unlock()
	t.Cleanup(func() {
		swayServer.mu.Lock()
		swayServer.fake = nil
		swayServer.mu.Unlock()
	})
	return swayServer.path
}

func TestI3Framing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeI3(&buf, i3Subscribe, []byte(`["workspace"]`)))
	assert.Equal(t, 6+8+13, buf.Len())

	typ, payload, err := readI3(&buf)
	require.NoError(t, err)
	assert.Equal(t, i3Subscribe, typ)
	assert.Equal(t, `["workspace"]`, string(payload))

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "bad magic", frame: []byte("i3-ipX\x00\x00\x00\x00\x01\x00\x00\x00")},
		{name: "oversized payload", frame: append([]byte("i3-ipc"), binary.NativeEndian.AppendUint32(binary.NativeEndian.AppendUint32(nil, 1<<31), 1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readI3(bytes.NewReader(tt.frame))
			assert.Error(t, err)
		})
	}
}

func TestSwayVisibleWorkspaces(t *testing.T) {
	path := serveSway(t, &fakeSway{workspaces: []i3Workspace{
		{Name: "1", Output: "DP-1", Visible: true, Focused: true},
		{Name: "2", Output: "DP-1"},
		{Name: "web", Output: "HDMI-A-1", Visible: true},
	}})

	visible, err := NewSway(path).VisibleWorkspaces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Visible{
		{Output: "DP-1", Workspace: "1"},
		{Output: "HDMI-A-1", Workspace: "web"},
	}, visible)
}

func TestSwaySubscribe(t *testing.T) {
	path := serveSway(t, &fakeSway{
		workspaces: []i3Workspace{
			{Name: "1", Output: "DP-1", Visible: true},
			{Name: "2", Output: "DP-1"},
		},
		events: []string{
			`{"change":"focus","current":{"name":"2","type":"workspace"}}`,
			`{"change":"rename","current":{"name":"two","type":"workspace"}}`,
			`{"change":"move","current":{"name":"1","type":"workspace"}}`,
			`{"change":"focus","current":null}`,
			`{"change":"focus","current":{"name":"gone","type":"workspace"}}`,
		},
	})

	events, err := collect(t, context.Background(), NewSway(path))
	assert.ErrorIs(t, err, ErrClosed)

	initial := []Visible{{Output: "DP-1", Workspace: "1"}}
	assert.Equal(t, []Event{
		{Kind: Snapshot, Visible: initial, Raw: "initial"},
		{Kind: Focus, Output: "DP-1", Workspace: "2", Raw: "focus"},
		{Kind: Other, Raw: "rename"},
		{Kind: Snapshot, Visible: initial, Raw: "move"},
		{Kind: Other, Raw: "focus"},
		{Kind: Other, Raw: "focus"},
	}, events)
}

func TestSwaySubscribeStopsOnCancel(t *testing.T) {
	f := &fakeSway{hold: make(chan struct{})}
	defer close(f.hold)
	path := serveSway(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 4)
	done := make(chan error, 1)
	go func() { done <- NewSway(path).Subscribe(ctx, out) }()

	ev := <-out
	assert.Equal(t, Snapshot, ev.Kind)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSwaySubscribeFailures(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeSway
	}{
		{name: "subscription refused", fake: &fakeSway{subscribeReply: `{"success":false}`}},
		{name: "connection dropped", fake: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := serveSway(t, tt.fake)
			_, err := collect(t, context.Background(), NewSway(path))
			assert.Error(t, err)
		})
	}
}

func TestSwayMissingSocket(t *testing.T) {
	tests := []struct {
		name string
		path func(dir string) string
	}{
		{name: "missing", path: func(dir string) string { return filepath.Join(dir, "missing.sock") }},
		{name: "not a socket", path: func(dir string) string {
			p := filepath.Join(dir, "file.sock")
			os.WriteFile(p, nil, 0o600)
			return p
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSway(tt.path(t.TempDir()))
			_, err := src.VisibleWorkspaces(context.Background())
			assert.Error(t, err)
			assert.Error(t, src.Subscribe(context.Background(), make(chan Event, 1)))
		})
	}
}
