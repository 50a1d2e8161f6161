package palindrom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ChannelState is the state of the transport channel.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateAwaitingInitialResponse
	StateInitialResponseReceived
	StateSocketConnecting
	StateSocketOpen
	StateSocketClosed
	StateErrored
)

var channelStateNames = [...]string{
	StateIdle:                    "Idle",
	StateAwaitingInitialResponse: "AwaitingInitialResponse",
	StateInitialResponseReceived: "InitialResponseReceived",
	StateSocketConnecting:        "SocketConnecting",
	StateSocketOpen:              "SocketOpen",
	StateSocketClosed:            "SocketClosed",
	StateErrored:                 "Errored",
}

func (s ChannelState) String() string {
	if int(s) >= 0 && int(s) < len(channelStateNames) {
		return channelStateNames[s]
	}
	return fmt.Sprintf("ChannelState(%d)", s)
}

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

// channelEvents are the channel's outputs. None of them is called with the
// channel lock held.
type channelEvents struct {
	stateReset      func(state []byte)
	socketOpened    func()
	remotePatch     func(t Transport, ops []Operation)
	connectionError func(*ConnectionError)
}

// channel multiplexes the HTTP transport and the socket for one session.
type channel struct {
	remote       *url.URL
	useWebSocket bool
	pingInterval time.Duration
	http         *httpTransport
	dialer       *websocket.Dialer
	header       http.Header
	events       channelEvents
	log          *zap.Logger

	mu        sync.Mutex // protects everything below
	state     ChannelState
	closed    bool
	socketURL *url.URL
	conn      *websocket.Conn
	hb        *heartbeat
	gen       uint64 // bumped whenever a socket attempt becomes stale
	backoff   *backoff

	sendMu sync.Mutex // serializes sends, and with them socket data frames

	ctx    context.Context
	cancel context.CancelFunc
}

func newChannel(cfg Config, remote *url.URL, o clientOptions, events channelEvents) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &channel{
		remote:       remote,
		useWebSocket: cfg.UseWebSocket,
		pingInterval: cfg.pingInterval(),
		http:         newHTTPTransport(o.httpClient, remote, o.header),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Jar:              o.httpClient.Jar,
		},
		header: o.header,
		events: events,
		log:    o.logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if o.reconnect {
		c.backoff = newBackoff(o.reconnectFirst, o.reconnectMax)
	}
	return c
}

// start performs the HTTP handshake and, when enabled, begins the socket
// upgrade in the background. The upgrade never starts before the handshake
// has completed.
func (c *channel) start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateAwaitingInitialResponse
	c.mu.Unlock()

	c.log.Debug("handshake", zap.String("url", c.remote.String()))
	resp, err := c.http.handshake(ctx)
	if err == nil && !json.Valid(resp.state) {
		err = classifyHTTPFailure(c.remote.String(), http.StatusOK, resp.state, errors.New("initial state is not JSON"))
	}
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.state = StateErrored
		}
		c.mu.Unlock()
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			c.report(connErr)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.state = StateInitialResponseReceived
	c.mu.Unlock()

	c.events.stateReset(resp.state)

	if !c.useWebSocket {
		return nil
	}

	socketURL, err := ResolveSocketURL(c.remote, resp.location)
	if err != nil {
		c.report(classifyResolveFailure(c.remote.String(), err))
		return nil
	}

	c.mu.Lock()
	c.socketURL = socketURL
	c.mu.Unlock()

	c.connect()
	return nil
}

// connect starts one dial attempt against the derived socket URL.
func (c *channel) connect() {
	c.mu.Lock()
	if c.closed || c.socketURL == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.state = StateSocketConnecting
	u := c.socketURL.String()
	c.mu.Unlock()

	go c.dial(gen, u)
}

func (c *channel) dial(gen uint64, u string) {
	c.log.Debug("socket dial", zap.String("url", u), zap.Uint64("gen", gen))

	conn, resp, err := c.dialer.DialContext(c.ctx, u, c.header.Clone())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.state = StateErrored
		c.mu.Unlock()

		c.report(classifyDialFailure(u, resp, err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateSocketOpen
	if c.backoff != nil {
		c.backoff.reset()
	}
	var hb *heartbeat
	if c.pingInterval > 0 {
		hb = newHeartbeat(c.pingInterval, c.log, func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}, func() {
			c.heartbeatExpired(gen)
		})
		c.hb = hb
		conn.SetPongHandler(func(string) error {
			hb.ack()
			return nil
		})
		hb.start()
	}
	c.mu.Unlock()

	socketUpgrades.Inc()
	c.log.Info("socket open", zap.String("url", u))
	// A close that lands between this check and the callback can still
	// observe one socketOpened.
	if !c.current(gen) {
		return
	}
	c.events.socketOpened()

	go c.readLoop(gen, conn, hb)
}

func (c *channel) readLoop(gen uint64, conn *websocket.Conn, hb *heartbeat) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.socketClosed(gen, conn, err)
			return
		}
		if hb != nil {
			hb.ack()
		}
		if !c.current(gen) {
			return
		}
		c.handleSocketMessage(data)
	}
}

func (c *channel) handleSocketMessage(data []byte) {
	ops, err := decodePatch(data)
	if err != nil {
		c.report(classifySocketPayload(c.socketURLString(), data, err))
		return
	}
	batchesReceivedWS.Inc()
	c.events.remotePatch(TransportWebSocket, ops)
}

func (c *channel) socketClosed(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.conn = nil
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if normal {
		c.state = StateSocketClosed
	} else {
		c.state = StateErrored
	}
	c.mu.Unlock()

	conn.Close()
	if normal {
		c.log.Info("socket closed by server", zap.Error(err))
	} else {
		c.report(classifySocketClose(c.socketURLString(), err))
	}
	c.scheduleReconnect()
}

func (c *channel) heartbeatExpired(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.hb == nil {
		c.mu.Unlock()
		return
	}
	c.hb = nil
	reconnect := c.backoff != nil
	var conn *websocket.Conn
	if reconnect {
		// Drop the dead socket; the read loop's close is stale by now.
		c.gen++
		conn = c.conn
		c.conn = nil
		c.state = StateSocketClosed
	}
	c.mu.Unlock()

	heartbeatTimeouts.Inc()
	c.report(classifyHeartbeatTimeout(c.socketURLString(), c.pingInterval))

	if conn != nil {
		conn.Close()
		c.scheduleReconnect()
	}
}

// scheduleReconnect re-dials after the next backoff delay, if a reconnect
// policy is configured.
func (c *channel) scheduleReconnect() {
	c.mu.Lock()
	if c.backoff == nil || c.closed {
		c.mu.Unlock()
		return
	}
	d := c.backoff.next()
	attempt := c.backoff.attempts()
	c.mu.Unlock()

	c.log.Info("socket reconnect scheduled", zap.Duration("delay", d), zap.Int("attempt", attempt))
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		c.connect()
	}()
}

// send delivers one batch over exactly one transport: the socket when it is
// open, HTTP otherwise. sendMu covers only the write; callbacks run after it
// is released.
func (c *channel) send(ctx context.Context, ops []Operation) error {
	payload, err := encodePatch(ops)
	if err != nil {
		return err
	}

	t, resp, err := c.deliver(ctx, payload)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			c.report(connErr)
		}
		return err
	}
	if len(resp) > 0 {
		batchesReceivedHTTP.Inc()
		c.events.remotePatch(t, resp)
	}
	return nil
}

// deliver writes one encoded batch and returns any patches carried by an
// HTTP response.
func (c *channel) deliver(ctx context.Context, payload []byte) (Transport, []Operation, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", nil, ErrClientClosed
	}
	if c.state == StateIdle {
		c.mu.Unlock()
		return "", nil, ErrNotStarted
	}
	var conn *websocket.Conn
	if c.state == StateSocketOpen {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return TransportWebSocket, nil, classifySocketWrite(c.socketURLString(), err)
		}
		batchesSentSocket.Inc()
		return TransportWebSocket, nil, nil
	}

	body, err := c.http.sendPatch(ctx, payload)
	if err != nil {
		return TransportHTTP, nil, err
	}
	batchesSentHTTP.Inc()

	// The response may carry the server's own patches.
	resp, err := decodePatch(body)
	if err != nil {
		return TransportHTTP, nil, nil
	}
	return TransportHTTP, resp, nil
}

func (c *channel) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateSocketClosed
	c.mu.Unlock()

	c.cancel()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (c *channel) report(e *ConnectionError) {
	countConnectionError(e)
	c.log.Debug("connection error",
		zap.String("message", e.Message),
		zap.Stringer("side", e.Side),
		zap.String("transport", string(e.Transport)))
	c.events.connectionError(e)
}

// stopHeartbeatLocked must be called with mu held.
func (c *channel) stopHeartbeatLocked() {
	if c.hb != nil {
		c.hb.stop()
		c.hb = nil
	}
}

func (c *channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.gen
}

func (c *channel) currentState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel) socketURLString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socketURL == nil {
		return ""
	}
	return c.socketURL.String()
}
