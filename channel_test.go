package palindrom

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// mockPalindromServer simulates a Palindrom server for testing. It answers
// the GET handshake, records HTTP-mode PATCH bodies and accepts socket
// upgrades on any path.
type mockPalindromServer struct {
	upgrader websocket.Upgrader

	mu            sync.Mutex
	state         string
	location      string
	handshakeCode int
	patchResponse string
	patchCode     int
	silent        bool // socket peer never reads, so never answers pings

	httpBodies   []string
	socketFrames []string
	socketPaths  []string
	conn         *websocket.Conn

	opened   chan struct{}
	received chan string
	release  chan struct{}
}

func newMockServer() *mockPalindromServer {
	return &mockPalindromServer{
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		state:         `{"hello": "world"}`,
		handshakeCode: http.StatusOK,
		opened:        make(chan struct{}, 8),
		received:      make(chan string, 64),
		release:       make(chan struct{}),
	}
}

func (s *mockPalindromServer) handler(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveSocket(w, r)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		if s.location != "" {
			w.Header().Set("Location", s.location)
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(s.handshakeCode)
		io.WriteString(w, s.state)
	case http.MethodPatch:
		body, _ := io.ReadAll(r.Body)
		s.httpBodies = append(s.httpBodies, string(body))
		w.Header().Set("Content-Type", contentTypeJSONPatch)
		if s.patchCode != 0 {
			w.WriteHeader(s.patchCode)
		}
		io.WriteString(w, s.patchResponse)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *mockPalindromServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.socketPaths = append(s.socketPaths, r.URL.Path)
	silent := s.silent
	s.mu.Unlock()

	s.opened <- struct{}{}

	if silent {
		<-s.release
		conn.Close()
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.socketFrames = append(s.socketFrames, string(data))
		s.mu.Unlock()
		s.received <- string(data)
	}
}

func (s *mockPalindromServer) sendToClient(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.TextMessage, []byte(payload))
	}
}

// dropSocket closes the TCP connection without a close frame.
func (s *mockPalindromServer) dropSocket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *mockPalindromServer) getHTTPBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.httpBodies))
	copy(cp, s.httpBodies)
	return cp
}

func (s *mockPalindromServer) getSocketFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.socketFrames))
	copy(cp, s.socketFrames)
	return cp
}

func (s *mockPalindromServer) getSocketPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.socketPaths))
	copy(cp, s.socketPaths)
	return cp
}

// recordingEvents captures channel outputs.
type recordingEvents struct {
	mu      sync.Mutex
	resets  []string
	opened  int
	patches [][]Operation
	errs    chan *ConnectionError
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{errs: make(chan *ConnectionError, 16)}
}

func (r *recordingEvents) events() channelEvents {
	return channelEvents{
		stateReset: func(state []byte) {
			r.mu.Lock()
			r.resets = append(r.resets, string(state))
			r.mu.Unlock()
		},
		socketOpened: func() {
			r.mu.Lock()
			r.opened++
			r.mu.Unlock()
		},
		remotePatch: func(_ Transport, ops []Operation) {
			r.mu.Lock()
			r.patches = append(r.patches, ops)
			r.mu.Unlock()
		},
		connectionError: func(e *ConnectionError) {
			r.errs <- e
		},
	}
}

func setupChannel(t *testing.T, mock *mockPalindromServer, path string, cfg Config, opts ...Option) (*channel, *recordingEvents) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(mock.release) })

	cfg.RemoteURL = server.URL + path
	resolved, err := resolveConfig(cfg)
	if err != nil {
		t.Fatalf("resolveConfig() error: %v", err)
	}
	remote, _ := url.Parse(resolved.RemoteURL)

	o := clientDefaults()
	for _, opt := range opts {
		opt(&o)
	}
	rec := newRecordingEvents()
	ch := newChannel(resolved, remote, o, rec.events())
	t.Cleanup(func() { ch.close() })
	return ch, rec
}

func waitOpened(t *testing.T, mock *mockPalindromServer) {
	t.Helper()
	select {
	case <-mock.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for socket upgrade")
	}
}

func waitState(t *testing.T, ch *channel, want ChannelState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.currentState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", ch.currentState(), want)
}

func waitOpenedCount(t *testing.T, rec *recordingEvents, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := rec.opened
		rec.mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.opened != want {
		t.Errorf("socketOpened called %d times, want %d", rec.opened, want)
	}
}

func TestChannel_Start_HTTPOnly(t *testing.T) {
	mock := newMockServer()
	ch, rec := setupChannel(t, mock, "/testURL", Config{})

	if err := ch.start(context.Background()); err != nil {
		t.Fatalf("start() error: %v", err)
	}

	if got := ch.currentState(); got != StateInitialResponseReceived {
		t.Errorf("state = %v, want InitialResponseReceived", got)
	}
	if len(rec.resets) != 1 || rec.resets[0] != `{"hello": "world"}` {
		t.Errorf("resets = %v, want one initial state", rec.resets)
	}

	time.Sleep(100 * time.Millisecond)
	if paths := mock.getSocketPaths(); len(paths) != 0 {
		t.Errorf("socket should not be dialed without UseWebSocket, got %v", paths)
	}
}

func TestChannel_Start_Twice(t *testing.T) {
	mock := newMockServer()
	ch, _ := setupChannel(t, mock, "/testURL", Config{})

	ch.start(context.Background())
	if err := ch.start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("second start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestChannel_UpgradesAfterHandshake(t *testing.T) {
	mock := newMockServer()
	ch, rec := setupChannel(t, mock, "/testURL/koko", Config{UseWebSocket: true})

	if err := ch.start(context.Background()); err != nil {
		t.Fatalf("start() error: %v", err)
	}
	waitOpened(t, mock)
	waitState(t, ch, StateSocketOpen)

	paths := mock.getSocketPaths()
	if len(paths) != 1 || paths[0] != "/testURL/koko" {
		t.Errorf("socket paths = %v, want [/testURL/koko]", paths)
	}
	waitOpenedCount(t, rec, 1)
}

func TestChannel_SocketURLFromRelativeLocation(t *testing.T) {
	mock := newMockServer()
	mock.location = "default/this_is_a_nice_url"
	ch, _ := setupChannel(t, mock, "/testURL/koko", Config{UseWebSocket: true})

	ch.start(context.Background())
	waitOpened(t, mock)

	paths := mock.getSocketPaths()
	if len(paths) != 1 || paths[0] != "/testURL/default/this_is_a_nice_url" {
		t.Errorf("socket paths = %v, want [/testURL/default/this_is_a_nice_url]", paths)
	}
}

func TestChannel_SocketURLFromRootedLocation(t *testing.T) {
	mock := newMockServer()
	mock.location = "/default/this_is_a_nice_url"
	ch, _ := setupChannel(t, mock, "/testURL/koko", Config{UseWebSocket: true})

	ch.start(context.Background())
	waitOpened(t, mock)

	paths := mock.getSocketPaths()
	if len(paths) != 1 || paths[0] != "/default/this_is_a_nice_url" {
		t.Errorf("socket paths = %v, want [/default/this_is_a_nice_url]", paths)
	}
}

func TestChannel_Send_HTTPBeforeOpen(t *testing.T) {
	mock := newMockServer()
	ch, _ := setupChannel(t, mock, "/testURL", Config{})
	ch.start(context.Background())

	err := ch.send(context.Background(), []Operation{{Op: OpAdd, Path: "/name", Value: "Mark"}})
	if err != nil {
		t.Fatalf("send() error: %v", err)
	}

	bodies := mock.getHTTPBodies()
	if len(bodies) != 1 || bodies[0] != `[{"op":"add","path":"/name","value":"Mark"}]` {
		t.Errorf("HTTP bodies = %v", bodies)
	}
}

func TestChannel_Send_SocketInCallOrder(t *testing.T) {
	mock := newMockServer()
	ch, _ := setupChannel(t, mock, "/testURL", Config{UseWebSocket: true})
	ch.start(context.Background())
	waitOpened(t, mock)
	waitState(t, ch, StateSocketOpen)

	values := []string{"a", "b", "c", "d"}
	for _, v := range values {
		if err := ch.send(context.Background(), []Operation{{Op: OpReplace, Path: "/v", Value: v}}); err != nil {
			t.Fatalf("send() error: %v", err)
		}
	}

	for i, v := range values {
		select {
		case frame := <-mock.received:
			var ops []Operation
			if err := json.Unmarshal([]byte(frame), &ops); err != nil {
				t.Fatalf("frame %d is not a patch: %v", i, err)
			}
			if len(ops) != 1 || ops[0].Value != v {
				t.Errorf("frame %d = %s, want value %q", i, frame, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}

	if bodies := mock.getHTTPBodies(); len(bodies) != 0 {
		t.Errorf("no HTTP sends expected after open, got %v", bodies)
	}
}

func TestChannel_Send_NotStarted(t *testing.T) {
	mock := newMockServer()
	ch, _ := setupChannel(t, mock, "/testURL", Config{})

	err := ch.send(context.Background(), []Operation{{Op: OpRemove, Path: "/x"}})
	if err != ErrNotStarted {
		t.Fatalf("send() = %v, want ErrNotStarted", err)
	}
}

func TestChannel_Send_InvalidOperation(t *testing.T) {
	mock := newMockServer()
	ch, _ := setupChannel(t, mock, "/testURL", Config{})
	ch.start(context.Background())

	err := ch.send(context.Background(), []Operation{{Op: "frobnicate", Path: "/x"}})
	if err == nil {
		t.Fatal("send() should reject unknown operations")
	}
	if bodies := mock.getHTTPBodies(); len(bodies) != 0 {
		t.Errorf("invalid batch must not be sent, got %v", bodies)
	}
}

func TestChannel_HTTPResponsePatches(t *testing.T) {
	mock := newMockServer()
	mock.patchResponse = `[{"op":"add","path":"/fromServer","value":true}]`
	ch, rec := setupChannel(t, mock, "/testURL", Config{})
	ch.start(context.Background())

	ch.send(context.Background(), []Operation{{Op: OpAdd, Path: "/a", Value: 1}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.patches) != 1 || rec.patches[0][0].Path != "/fromServer" {
		t.Errorf("patches = %v, want the server's response batch", rec.patches)
	}
}

func TestChannel_HTTPEmptyResponseIgnored(t *testing.T) {
	mock := newMockServer()
	mock.patchResponse = `[]`
	ch, rec := setupChannel(t, mock, "/testURL", Config{})
	ch.start(context.Background())

	ch.send(context.Background(), []Operation{{Op: OpAdd, Path: "/a", Value: 1}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.patches) != 0 {
		t.Errorf("empty response should not produce patches, got %v", rec.patches)
	}
	select {
	case e := <-rec.errs:
		t.Errorf("unexpected connection error: %v", e)
	default:
	}
}

func TestChannel_HandshakeServerError(t *testing.T) {
	mock := newMockServer()
	mock.handshakeCode = http.StatusInternalServerError
	mock.state = "boom"
	ch, rec := setupChannel(t, mock, "/testURL", Config{UseWebSocket: true})

	err := ch.start(context.Background())
	connErr, ok := err.(*ConnectionError)
	if !ok {
		t.Fatalf("start() error = %T %v, want *ConnectionError", err, err)
	}
	if connErr.Side != SideServer {
		t.Errorf("Side = %v, want Server", connErr.Side)
	}
	if connErr.Message != "Server error\n\tboom" {
		t.Errorf("Message = %q", connErr.Message)
	}

	select {
	case reported := <-rec.errs:
		if reported != connErr {
			t.Error("reported error should be the returned error")
		}
	default:
		t.Fatal("handshake failure should be reported")
	}
	if got := ch.currentState(); got != StateErrored {
		t.Errorf("state = %v, want Errored", got)
	}

	time.Sleep(100 * time.Millisecond)
	if paths := mock.getSocketPaths(); len(paths) != 0 {
		t.Errorf("no upgrade expected after failed handshake, got %v", paths)
	}
}

func TestChannel_HandshakeNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	remote, _ := url.Parse(addr + "/testURL")
	rec := newRecordingEvents()
	ch := newChannel(Config{RemoteURL: remote.String()}, remote, clientDefaults(), rec.events())
	defer ch.close()

	err := ch.start(context.Background())
	connErr, ok := err.(*ConnectionError)
	if !ok {
		t.Fatalf("start() error = %T %v, want *ConnectionError", err, err)
	}
	if connErr.Side != SideClient {
		t.Errorf("Side = %v, want Client", connErr.Side)
	}
	if connErr.Transport != TransportHTTP {
		t.Errorf("Transport = %v, want HTTP", connErr.Transport)
	}
}

func TestChannel_HandshakeNonJSONState(t *testing.T) {
	mock := newMockServer()
	mock.state = "<html>login</html>"
	ch, rec := setupChannel(t, mock, "/testURL", Config{})

	if err := ch.start(context.Background()); err == nil {
		t.Fatal("start() should fail on a non-JSON initial state")
	}
	if len(rec.resets) != 0 {
		t.Error("state reset must not fire for a non-JSON state")
	}
}

func TestChannel_Close_SuppressesPendingUpgrade(t *testing.T) {
	mock := newMockServer()
	ch, rec := setupChannel(t, mock, "/testURL", Config{UseWebSocket: true})

	ch.start(context.Background())
	ch.close()

	time.Sleep(200 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.opened != 0 {
		t.Errorf("socketOpened after close = %d, want 0", rec.opened)
	}
	if got := ch.currentState(); got != StateSocketClosed {
		t.Errorf("state = %v, want SocketClosed", got)
	}
}

func TestChannel_AbnormalCloseReported(t *testing.T) {
	mock := newMockServer()
	ch, rec := setupChannel(t, mock, "/testURL", Config{UseWebSocket: true})
	ch.start(context.Background())
	waitOpened(t, mock)
	waitState(t, ch, StateSocketOpen)

	mock.dropSocket()

	select {
	case e := <-rec.errs:
		if e.Side != SideServer || e.Transport != TransportWebSocket {
			t.Errorf("error = %+v, want server-side socket error", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abnormal close should be reported")
	}
	waitState(t, ch, StateErrored)

	// Later sends fall back to HTTP.
	if err := ch.send(context.Background(), []Operation{{Op: OpAdd, Path: "/x", Value: 1}}); err != nil {
		t.Fatalf("send() after close error: %v", err)
	}
	if bodies := mock.getHTTPBodies(); len(bodies) != 1 {
		t.Errorf("HTTP bodies = %v, want one", bodies)
	}
}

func TestChannel_ReconnectAfterDrop(t *testing.T) {
	mock := newMockServer()
	ch, rec := setupChannel(t, mock, "/testURL", Config{UseWebSocket: true},
		WithReconnect(20*time.Millisecond, 50*time.Millisecond))
	ch.start(context.Background())
	waitOpened(t, mock)
	waitState(t, ch, StateSocketOpen)

	mock.dropSocket()
	waitOpened(t, mock)
	waitState(t, ch, StateSocketOpen)

	waitOpenedCount(t, rec, 2)

	paths := mock.getSocketPaths()
	if len(paths) != 2 || paths[0] != paths[1] {
		t.Errorf("reconnect should reuse the derived socket URL, got %v", paths)
	}
}

func TestChannel_CloseDuringOpenSkipsSocketOpened(t *testing.T) {
	mock := newMockServer()
	var ch *channel
	closed := make(chan struct{})
	core, _ := observer.New(zap.InfoLevel)
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "socket open" {
			ch.close()
			close(closed)
		}
		return nil
	}))

	ch, rec := setupChannel(t, mock, "/testURL", Config{UseWebSocket: true}, WithLogger(logger))
	if err := ch.start(context.Background()); err != nil {
		t.Fatalf("start() error: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for socket open")
	}
	waitOpenedCount(t, rec, 0)
	if got := ch.currentState(); got != StateSocketClosed {
		t.Errorf("state = %v, want SocketClosed", got)
	}
}
