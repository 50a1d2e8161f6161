package palindrom

import (
	"context"
	"errors"
	"net/url"

	"go.uber.org/zap"
)

// Client is the main entry point: it owns one transport channel and the
// local copy of the synchronized document.
type Client struct {
	cfg       Config
	sessionID string
	ch        *channel
	doc       *Document
	slots     *eventSlots
	log       *zap.Logger
}

// NewClient creates a new Palindrom client with the given configuration.
// The onError handler is called once for every connection error, including
// failures that are also returned from Start or Send.
// No request is made until Start() is called.
func NewClient(cfg Config, onError ConnectionErrorHandler, opts ...Option) (*Client, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	if onError == nil {
		return nil, errors.New("ConnectionErrorHandler must not be nil")
	}

	o := clientDefaults()
	for _, opt := range opts {
		opt(&o)
	}

	remote, err := url.Parse(resolved.RemoteURL)
	if err != nil {
		return nil, err
	}

	sessionID := generateSessionID()
	c := &Client{
		cfg:       resolved,
		sessionID: sessionID,
		doc:       newDocument(),
		slots:     newEventSlots(onError),
		log:       o.logger.With(zap.String("session", sessionID)),
	}
	o.logger = c.log

	c.ch = newChannel(resolved, remote, o, channelEvents{
		stateReset:      c.handleStateReset,
		socketOpened:    c.slots.fireSocketOpened,
		remotePatch:     c.handleRemotePatch,
		connectionError: c.slots.fireConnectionError,
	})
	return c, nil
}

// OnStateReset registers the callback for the initial state.
// Callbacks must be registered before Start().
func (c *Client) OnStateReset(fn StateResetFunc) error {
	return c.register(func() { c.slots.stateReset = fn })
}

// OnSocketOpened registers the callback for successful socket upgrades.
func (c *Client) OnSocketOpened(fn SocketOpenedFunc) error {
	return c.register(func() { c.slots.socketOpened = fn })
}

// OnRemotePatch registers the callback for patches applied from the server.
func (c *Client) OnRemotePatch(fn RemotePatchFunc) error {
	return c.register(func() { c.slots.remotePatch = fn })
}

func (c *Client) register(set func()) error {
	if c.ch.currentState() != StateIdle {
		return ErrAlreadyStarted
	}
	c.slots.mu.Lock()
	set()
	c.slots.mu.Unlock()
	return nil
}

// Start fetches the initial state over HTTP and, if UseWebSocket is set,
// starts the socket upgrade in the background. It returns once the
// handshake has completed; OnStateReset has run by then.
func (c *Client) Start(ctx context.Context) error {
	return c.ch.start(ctx)
}

// Send delivers a patch batch to the server. Before the socket is open the
// batch is sent over HTTP and Send returns once the response has arrived;
// afterwards it returns once the batch is written to the socket.
// Batches keep their call order on each transport.
func (c *Client) Send(ctx context.Context, ops []Operation) error {
	return c.ch.send(ctx, ops)
}

// Close stops the heartbeat, abandons any pending upgrade and closes the socket.
func (c *Client) Close() error {
	return c.ch.close()
}

// Document returns the local copy of the synchronized document.
func (c *Client) Document() *Document {
	return c.doc
}

// State returns the current channel state.
func (c *Client) State() ChannelState {
	return c.ch.currentState()
}

// SocketURL returns the derived socket URL, or "" before the handshake.
func (c *Client) SocketURL() string {
	return c.ch.socketURLString()
}

// SessionID returns the ID tagging this client's log entries.
func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) handleStateReset(state []byte) {
	c.doc.reset(state)
	c.log.Debug("state reset", zap.Int("bytes", len(state)))
	c.slots.fireStateReset(c.doc)
}

func (c *Client) handleRemotePatch(t Transport, ops []Operation) {
	if err := c.doc.Apply(ops); err != nil {
		var u string
		if t == TransportWebSocket {
			u = c.ch.socketURLString()
		} else {
			u = c.cfg.RemoteURL
		}
		c.ch.report(classifyPatchRejected(u, t, err))
		return
	}
	c.slots.fireRemotePatch(ops)
}
