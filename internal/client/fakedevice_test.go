package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeDevice is a minimal g3api websocket server backed by a property map.
type fakeDevice struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	mu         sync.Mutex
	properties map[string]any
	actions    map[string]func(args []any) any
	requests   []Request
	conns      []*fakeConn
	// handle, when set, answers requests instead of the default logic.
	handle func(fc *fakeConn, req Request)
}

type fakeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (fc *fakeConn) send(v any) error {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	return fc.conn.WriteJSON(v)
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	d := &fakeDevice{
		t: t,
		properties: map[string]any{
			"system/battery.level":          0.87,
			"system/battery.remaining-time": 5400,
			"system/battery.state":          "good",
			"system.time":                   "2024-03-01T10:00:00.5Z",
			"system.timezone":               "Europe/Stockholm",
			"system.head-unit-serial":       "TG03B-080200029451",
			"system.recording-unit-serial":  "TG03R-020202003151",
			"system.version":                "1.34.0",
			"system/storage.card-state":     "available",
			"recorder.uuid":                 nil,
			"recorder.folder":               nil,
			"recorder.duration":             -1,
		},
		actions: map[string]func(args []any) any{},
	}

	d.mux = http.NewServeMux()
	d.mux.HandleFunc(websocketPath, d.serveWebsocket)
	d.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	d.srv = httptest.NewServer(d.mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) address() string {
	return strings.TrimPrefix(d.srv.URL, "http://")
}

func (d *fakeDevice) set(path string, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties[path] = v
}

func (d *fakeDevice) get(path string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.properties[path]
	return v, ok
}

func (d *fakeDevice) onAction(path string, f func(args []any) any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[path] = f
}

func (d *fakeDevice) received() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// broadcast sends a frame to every connected client.
func (d *fakeDevice) broadcast(v any) {
	d.mu.Lock()
	conns := append([]*fakeConn(nil), d.conns...)
	d.mu.Unlock()
	for _, fc := range conns {
		_ = fc.send(v)
	}
}

// dropConnections closes every websocket without a close handshake.
func (d *fakeDevice) dropConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fc := range d.conns {
		fc.conn.Close()
	}
	d.conns = nil
}

var upgrader = websocket.Upgrader{Subprotocols: []string{Subprotocol}}

func (d *fakeDevice) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{conn: conn}

	d.mu.Lock()
	d.conns = append(d.conns, fc)
	d.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			d.t.Errorf("fake device received invalid request %s: %v", data, err)
			return
		}

		d.mu.Lock()
		d.requests = append(d.requests, req)
		handle := d.handle
		d.mu.Unlock()

		if handle != nil {
			handle(fc, req)
			continue
		}
		_ = fc.send(d.answer(req))
	}
}

func (d *fakeDevice) answer(req Request) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case strings.Contains(req.Path, "!"):
		var args []any
		_ = json.Unmarshal(req.Body, &args)
		if f, ok := d.actions[req.Path]; ok {
			return map[string]any{"id": req.ID, "body": f(args)}
		}
		return map[string]any{"id": req.ID, "body": true}
	case strings.Contains(req.Path, ":"):
		return map[string]any{"id": req.ID, "body": "sig-" + req.Path}
	case req.Method == MethodGet:
		v, ok := d.properties[req.Path]
		if !ok {
			return map[string]any{"id": req.ID, "error": 2, "message": "no such property"}
		}
		return map[string]any{"id": req.ID, "body": v}
	default:
		var v any
		_ = json.Unmarshal(req.Body, &v)
		d.properties[req.Path] = v
		return map[string]any{"id": req.ID, "body": true}
	}
}
