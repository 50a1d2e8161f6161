package palindrom

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option configures client behavior.
type Option func(*clientOptions)

type clientOptions struct {
	logger     *zap.Logger
	httpClient *http.Client
	header     http.Header

	reconnect      bool
	reconnectFirst time.Duration
	reconnectMax   time.Duration
}

func clientDefaults() clientOptions {
	return clientOptions{
		logger:     zap.NewNop(),
		httpClient: http.DefaultClient,
		header:     make(http.Header),
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the HTTP client used for the handshake and HTTP-mode
// sends. If the client has a cookie jar, the socket dialer shares it.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithHeader adds a header to every HTTP request and to the socket handshake.
func WithHeader(key, value string) Option {
	return func(o *clientOptions) {
		o.header.Add(key, value)
	}
}

// WithReconnect re-dials the socket after an unexpected close or a heartbeat
// timeout, waiting initial, then doubling up to max between attempts.
// Patches sent while reconnecting travel over HTTP.
func WithReconnect(initial, max time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnect = true
		o.reconnectFirst = initial
		o.reconnectMax = max
	}
}
