// Package cdptest provides an in-process fake of a Chromium remote
// debugging endpoint: /json/list plus one WebSocket per target, with
// scriptable Runtime.evaluate replies.
package cdptest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// Reply scripts the answer to one Runtime.evaluate request.
type Reply struct {
	Value     any           // Returned as result.result.value; nil means undefined
	Exception string        // Non-empty adds exceptionDetails with this text
	Error     string        // Non-empty replies with a protocol error instead
	Drop      bool          // Never reply
	Delay     time.Duration // Wait before replying
}

// EvalFunc decides how a target answers an expression.
type EvalFunc func(targetID, expression string) Reply

// Target is a /json/list entry.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// Browser is a fake remote debugging endpoint.
type Browser struct {
	t   testing.TB
	srv *httptest.Server

	mu          sync.Mutex
	targets     []Target
	eval        EvalFunc
	expressions map[string][]string
	conns       map[string][]*websocket.Conn
	listHits    int
	rejectWS    bool
}

// NewBrowser starts a fake browser on a random loopback port.
func NewBrowser(t testing.TB) *Browser {
	t.Helper()
	b := newBrowser(t)
	b.srv = httptest.NewServer(b.handler())
	t.Cleanup(b.Close)
	return b
}

// NewBrowserOnPort starts a fake browser on 127.0.0.1:port and skips the
// test when the port is taken.
func NewBrowserOnPort(t testing.TB, port int) *Browser {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Skipf("port %d unavailable: %v", port, err)
	}
	b := newBrowser(t)
	b.srv = httptest.NewUnstartedServer(b.handler())
	b.srv.Listener.Close()
	b.srv.Listener = ln
	b.srv.Start()
	t.Cleanup(b.Close)
	return b
}

func newBrowser(t testing.TB) *Browser {
	return &Browser{
		t:           t,
		eval:        func(string, string) Reply { return Reply{} },
		expressions: make(map[string][]string),
		conns:       make(map[string][]*websocket.Conn),
	}
}

// Close disconnects every session and stops the server.
func (b *Browser) Close() {
	b.mu.Lock()
	var all []*websocket.Conn
	for _, cs := range b.conns {
		all = append(all, cs...)
	}
	b.conns = make(map[string][]*websocket.Conn)
	b.mu.Unlock()

	for _, c := range all {
		_ = c.CloseNow()
	}
	b.srv.Close()
}

// Port returns the TCP port the browser listens on.
func (b *Browser) Port() int {
	return b.srv.Listener.Addr().(*net.TCPAddr).Port
}

// URL returns the HTTP base URL.
func (b *Browser) URL() string { return b.srv.URL }

// AddWorkbench adds a page target whose URL contains workbench.html.
func (b *Browser) AddWorkbench(id string) Target {
	return b.AddTarget(id, "page", "vscode-file://vscode-app/out/vs/code/electron-browser/workbench/workbench.html")
}

// AddTarget adds a target with a debugger URL served by this browser.
func (b *Browser) AddTarget(id, kind, url string) Target {
	t := Target{
		ID:                   id,
		Type:                 kind,
		Title:                "target " + id,
		URL:                  url,
		WebSocketDebuggerURL: "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/devtools/page/" + id,
	}
	b.AddRawTarget(t)
	return t
}

// AddRawTarget adds a /json/list entry verbatim.
func (b *Browser) AddRawTarget(t Target) {
	b.mu.Lock()
	b.targets = append(b.targets, t)
	b.mu.Unlock()
}

// RemoveTarget drops a target from /json/list without closing its sessions.
func (b *Browser) RemoveTarget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.targets[:0]
	for _, t := range b.targets {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	b.targets = kept
}

// HandleEval installs the reply policy for all targets.
func (b *Browser) HandleEval(fn EvalFunc) {
	b.mu.Lock()
	b.eval = fn
	b.mu.Unlock()
}

// RejectWebSockets makes WebSocket upgrades fail with 403.
func (b *Browser) RejectWebSockets(reject bool) {
	b.mu.Lock()
	b.rejectWS = reject
	b.mu.Unlock()
}

// Expressions returns every expression evaluated on a target, in arrival order.
func (b *Browser) Expressions(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.expressions[id]...)
}

// CountContaining counts expressions on a target containing substr.
func (b *Browser) CountContaining(id, substr string) int {
	n := 0
	for _, e := range b.Expressions(id) {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

// ListHits returns how many times /json/list was served.
func (b *Browser) ListHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listHits
}

// Connections returns the number of live sessions on a target.
func (b *Browser) Connections(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[id])
}

// Disconnect closes every session on a target from the browser side.
func (b *Browser) Disconnect(id string) {
	b.mu.Lock()
	cs := b.conns[id]
	delete(b.conns, id)
	b.mu.Unlock()
	for _, c := range cs {
		_ = c.Close(websocket.StatusGoingAway, "target closed")
	}
}

func (b *Browser) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", b.serveList)
	mux.HandleFunc("/devtools/page/", b.serveSession)
	return mux
}

func (b *Browser) serveList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.listHits++
	targets := append([]Target{}, b.targets...)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(targets)
}

type wireRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params struct {
		Expression   string `json:"expression"`
		UserGesture  bool   `json:"userGesture"`
		AwaitPromise bool   `json:"awaitPromise"`
	} `json:"params"`
}

func (b *Browser) serveSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/devtools/page/")

	b.mu.Lock()
	reject := b.rejectWS
	b.mu.Unlock()
	if reject {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	conn.SetReadLimit(16 << 20)

	b.mu.Lock()
	b.conns[id] = append(b.conns[id], conn)
	b.mu.Unlock()
	defer b.forget(id, conn)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		b.mu.Lock()
		b.expressions[id] = append(b.expressions[id], req.Params.Expression)
		eval := b.eval
		b.mu.Unlock()

		reply := eval(id, req.Params.Expression)
		if reply.Drop {
			continue
		}
		go b.respond(ctx, conn, req.ID, reply)
	}
}

func (b *Browser) respond(ctx context.Context, conn *websocket.Conn, id int64, reply Reply) {
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return
		}
	}

	msg := map[string]any{"id": id}
	switch {
	case reply.Error != "":
		msg["error"] = map[string]any{"code": -32000, "message": reply.Error}
	default:
		result := map[string]any{"type": "undefined"}
		if reply.Value != nil {
			result = map[string]any{"type": jsType(reply.Value), "value": reply.Value}
		}
		body := map[string]any{"result": result}
		if reply.Exception != "" {
			body["exceptionDetails"] = map[string]any{
				"exceptionId": 1,
				"text":        reply.Exception,
			}
		}
		msg["result"] = body
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (b *Browser) forget(id string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.conns[id]
	for i, c := range cs {
		if c == conn {
			b.conns[id] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
}

// SendRaw writes an arbitrary frame to every session on a target.
func (b *Browser) SendRaw(id string, frame string) {
	b.mu.Lock()
	cs := append([]*websocket.Conn(nil), b.conns[id]...)
	b.mu.Unlock()
	for _, c := range cs {
		_ = c.Write(context.Background(), websocket.MessageText, []byte(frame))
	}
}

// JSONValue returns v encoded the way JSON.stringify would, ready to be
// used as a Reply value for wrapped expressions.
func JSONValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func jsType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64, float32:
		return "number"
	default:
		return "object"
	}
}
