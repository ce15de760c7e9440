package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxothq/uiaudit/pkg/events"
	"github.com/auxothq/uiaudit/pkg/protocol"
)

func testOptions() Options {
	return Options{
		ID:          "test-bridge",
		Host:        "127.0.0.1",
		CallTimeout: 2 * time.Second,
		Listener: ListenerConfig{
			WriteTimeout: time.Second,
		},
	}
}

// startBridge serves b on an httptest server and returns the worker URL.
func startBridge(t *testing.T, b *Bridge) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		b.Listener.Close()
		srv.Close()
	})
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func dialWorker(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readCall(t *testing.T, conn *websocket.Conn) protocol.Call {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("worker read: %v", err)
	}
	call, err := protocol.ParseCall(data)
	if err != nil {
		t.Fatalf("ParseCall(%s): %v", data, err)
	}
	return call
}

type asyncResult struct {
	res json.RawMessage
	err error
}

func callAsync(b *Bridge, op string, params any) <-chan asyncResult {
	ch := make(chan asyncResult, 1)
	go func() {
		res, err := b.Call(context.Background(), op, params)
		ch <- asyncResult{res, err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan asyncResult) asyncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("call never returned")
		return asyncResult{}
	}
}

func TestBridge_AuditRoundTrip(t *testing.T) {
	b := New(testOptions(), nil, testLogger())
	_, url := startBridge(t, b)
	worker := dialWorker(t, url)
	eventually(t, "worker connected", b.Listener.Connected)

	ch := callAsync(b, protocol.OpAuditUI, map[string]any{"includeStyles": true, "minTouchTarget": 44})

	call := readCall(t, worker)
	if call.Type != protocol.OpAuditUI || call.ID != 1 {
		t.Fatalf("worker got %+v", call)
	}
	if string(call.Params) != `{"includeStyles":true,"minTouchTarget":44}` {
		t.Errorf("params = %s", call.Params)
	}
	reply, _ := protocol.ResultReply(call.ID, map[string]any{"summary": map[string]int{"total": 3}})
	if err := worker.WriteJSON(reply); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	r := awaitResult(t, ch)
	if r.err != nil {
		t.Fatalf("call: %v", r.err)
	}
	if string(r.res) != `{"summary":{"total":3}}` {
		t.Errorf("result = %s", r.res)
	}
	if b.Dispatcher.Pending() != 0 {
		t.Errorf("pending = %d", b.Dispatcher.Pending())
	}
}

func TestBridge_MalformedFramesAreIgnored(t *testing.T) {
	b := New(testOptions(), nil, testLogger())
	_, url := startBridge(t, b)
	worker := dialWorker(t, url)
	eventually(t, "worker connected", b.Listener.Connected)

	ch := callAsync(b, protocol.OpQuerySelector, map[string]any{"selector": "button", "limit": 50})
	call := readCall(t, worker)

	for _, frame := range []string{
		`not json`,
		`[1,2,3]`,
		`{"result":{"count":1}}`,
		`{"id":"1","result":{}}`,
		`{"id":999,"result":{}}`,
	} {
		if err := worker.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write %q: %v", frame, err)
		}
	}
	select {
	case r := <-ch:
		t.Fatalf("call completed by a malformed frame: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	if !b.Listener.Connected() {
		t.Fatal("malformed frames dropped the connection")
	}

	reply, _ := protocol.ResultReply(call.ID, map[string]any{"count": 2})
	worker.WriteJSON(reply) //nolint:errcheck

	r := awaitResult(t, ch)
	if r.err != nil || string(r.res) != `{"count":2}` {
		t.Errorf("got %s, %v", r.res, r.err)
	}
}

func TestBridge_DisconnectFailsEveryPendingCall(t *testing.T) {
	b := New(testOptions(), nil, testLogger())
	_, url := startBridge(t, b)
	worker := dialWorker(t, url)
	eventually(t, "worker connected", b.Listener.Connected)

	var chans []<-chan asyncResult
	for i := 0; i < 5; i++ {
		chans = append(chans, callAsync(b, protocol.OpCheckEdgeProximity, nil))
	}
	for i := 0; i < 5; i++ {
		readCall(t, worker)
	}
	if b.Dispatcher.Pending() != 5 {
		t.Fatalf("pending = %d, want 5", b.Dispatcher.Pending())
	}

	worker.Close()

	for _, ch := range chans {
		r := awaitResult(t, ch)
		if !errors.Is(r.err, ErrDisconnected) {
			t.Errorf("expected ErrDisconnected, got %v", r.err)
		}
	}
	eventually(t, "slot cleared", func() bool { return !b.Listener.Connected() })
	if b.Dispatcher.Pending() != 0 {
		t.Errorf("pending = %d, want 0", b.Dispatcher.Pending())
	}

	if _, err := b.Call(context.Background(), protocol.OpAuditUI, nil); !errors.Is(err, ErrNoWorker) {
		t.Errorf("after disconnect: expected ErrNoWorker, got %v", err)
	}
}

func TestBridge_NewerWorkerReplacesOlder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []events.Event
	)
	emitter := events.NewEmitter(events.NewCallbackPublisher(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	}), "test-bridge", 64, testLogger())
	find := func(kind events.Kind, connID uint64) (events.Event, bool) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range seen {
			if ev.Kind == kind && ev.ConnID == connID {
				return ev, true
			}
		}
		return events.Event{}, false
	}

	b := New(testOptions(), emitter, testLogger())
	_, url := startBridge(t, b)

	first := dialWorker(t, url)
	eventually(t, "first worker", func() bool { return b.Listener.HandleID() == 1 })

	stale := callAsync(b, protocol.OpAuditUI, nil)
	readCall(t, first)

	second := dialWorker(t, url)
	eventually(t, "second worker", func() bool { return b.Listener.HandleID() == 2 })

	r := awaitResult(t, stale)
	if !errors.Is(r.err, ErrDisconnected) {
		t.Fatalf("stale call: expected ErrDisconnected, got %v", r.err)
	}
	if !strings.Contains(r.err.Error(), "replaced") {
		t.Errorf("stale call error = %q", r.err)
	}

	// The old socket is closed by the bridge.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("expected the replaced socket to be closed")
	}

	fresh := callAsync(b, protocol.OpGetViewportInfo, nil)
	call := readCall(t, second)
	reply, _ := protocol.ResultReply(call.ID, map[string]any{"width": 1280})
	second.WriteJSON(reply) //nolint:errcheck
	if r := awaitResult(t, fresh); r.err != nil {
		t.Errorf("fresh call: %v", r.err)
	}
	if !b.Listener.Connected() {
		t.Error("second worker should still be connected")
	}

	eventually(t, "worker_disconnected event for conn 1", func() bool {
		_, ok := find(events.WorkerDisconnected, 1)
		return ok
	})
	if _, ok := find(events.WorkerReplaced, 1); !ok {
		t.Error("no worker_replaced event for conn 1")
	}
	// The disconnect event reports how many in-flight calls it failed.
	if ev, _ := find(events.WorkerDisconnected, 1); ev.Pending != 1 {
		t.Errorf("worker_disconnected pending = %d, want 1", ev.Pending)
	}
	emitter.Close()
}

func TestBridge_KeepaliveDropsSilentWorker(t *testing.T) {
	opts := testOptions()
	opts.Listener.PingInterval = 20 * time.Millisecond
	opts.Listener.PongWait = 80 * time.Millisecond
	b := New(opts, nil, testLogger())
	_, url := startBridge(t, b)

	// A gorilla client only answers pings while reading; this one never reads.
	dialWorker(t, url)
	eventually(t, "worker connected", b.Listener.Connected)
	eventually(t, "silent worker dropped", func() bool { return !b.Listener.Connected() })
}

func TestBridge_KeepaliveKeepsResponsiveWorker(t *testing.T) {
	opts := testOptions()
	opts.Listener.PingInterval = 20 * time.Millisecond
	opts.Listener.PongWait = 80 * time.Millisecond
	b := New(opts, nil, testLogger())
	_, url := startBridge(t, b)

	worker := dialWorker(t, url)
	go func() {
		for {
			if _, _, err := worker.ReadMessage(); err != nil {
				return
			}
		}
	}()
	eventually(t, "worker connected", b.Listener.Connected)

	time.Sleep(250 * time.Millisecond)
	if !b.Listener.Connected() {
		t.Error("responsive worker was dropped")
	}
}

func TestBridge_Health(t *testing.T) {
	b := New(testOptions(), nil, testLogger())
	srv, url := startBridge(t, b)

	get := func() Health {
		t.Helper()
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var h Health
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return h
	}

	h := get()
	if h.Status != "ok" || h.WorkerConnected || h.Pending != 0 || h.BridgeID != "test-bridge" {
		t.Errorf("idle health = %+v", h)
	}

	worker := dialWorker(t, url)
	eventually(t, "worker connected", b.Listener.Connected)
	callAsync(b, protocol.OpAuditUI, nil)
	readCall(t, worker)

	h = get()
	if !h.WorkerConnected || h.Pending != 1 {
		t.Errorf("busy health = %+v", h)
	}
}

func TestBridge_ServeShutdownFailsPending(t *testing.T) {
	b := New(testOptions(), nil, testLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- b.Serve(ctx, ln) }()

	worker := dialWorker(t, "ws://"+ln.Addr().String()+"/")
	eventually(t, "worker connected", b.Listener.Connected)

	ch := callAsync(b, protocol.OpAuditUI, nil)
	readCall(t, worker)

	cancel()
	if r := awaitResult(t, ch); !errors.Is(r.err, ErrDisconnected) {
		t.Errorf("expected ErrDisconnected on shutdown, got %v", r.err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
