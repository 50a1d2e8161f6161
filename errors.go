package palindrom

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors for client state.
var (
	ErrNotStarted     = errors.New("client is not started")
	ErrAlreadyStarted = errors.New("client is already started")
	ErrClientClosed   = errors.New("client is closed")
)

// Side names the endpoint held responsible for a connection failure.
type Side int

const (
	SideClient Side = iota
	SideServer
)

var sideNames = [...]string{
	SideClient: "Client",
	SideServer: "Server",
}

func (s Side) String() string {
	if int(s) >= 0 && int(s) < len(sideNames) {
		return sideNames[s]
	}
	return fmt.Sprintf("Side(%d)", s)
}

// Transport names the transport a failure was observed on.
type Transport string

const (
	TransportHTTP      Transport = "HTTP"
	TransportWebSocket Transport = "WebSocket"
)

// ConnectionError is the single shape every transport failure takes before
// it reaches the application.
type ConnectionError struct {
	Message   string
	Side      Side
	URL       string
	Transport Transport
	Cause     error
}

func (e *ConnectionError) Error() string {
	return e.Message
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ConnectionErrorHandler receives every ConnectionError exactly once.
// It MUST be provided when creating a client.
type ConnectionErrorHandler func(*ConnectionError)

// LogErrors returns a ConnectionErrorHandler that logs all connection errors.
func LogErrors(logger *zap.Logger) ConnectionErrorHandler {
	return func(e *ConnectionError) {
		fields := []zap.Field{
			zap.Stringer("side", e.Side),
			zap.String("transport", string(e.Transport)),
			zap.String("url", e.URL),
		}
		if e.Cause != nil {
			fields = append(fields, zap.NamedError("cause", e.Cause))
		}
		logger.Error(e.Message, fields...)
	}
}

const (
	serverErrorPrefix     = "Server error\n\t"
	connectionErrorPrefix = "Connection error\n\t"
	closedErrorPrefix     = "Connection closed\n\t"
)

// classifySocketPayload maps a socket payload that is not a patch batch.
func classifySocketPayload(u string, payload []byte, cause error) *ConnectionError {
	return &ConnectionError{
		Message:   serverErrorPrefix + string(payload),
		Side:      SideServer,
		URL:       u,
		Transport: TransportWebSocket,
		Cause:     cause,
	}
}

// classifyHeartbeatTimeout maps an expired heartbeat.
func classifyHeartbeatTimeout(u string, interval time.Duration) *ConnectionError {
	return &ConnectionError{
		Message:   fmt.Sprintf("Connection timeout: no heartbeat response within %s", interval),
		Side:      SideClient,
		URL:       u,
		Transport: TransportWebSocket,
	}
}

// classifyHTTPFailure maps a failed HTTP exchange. A zero status means no
// response was received.
func classifyHTTPFailure(u string, status int, body []byte, err error) *ConnectionError {
	if status == 0 {
		return &ConnectionError{
			Message:   connectionErrorPrefix + errText(err),
			Side:      SideClient,
			URL:       u,
			Transport: TransportHTTP,
			Cause:     err,
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return &ConnectionError{
		Message:   serverErrorPrefix + text,
		Side:      SideServer,
		URL:       u,
		Transport: TransportHTTP,
		Cause:     err,
	}
}

// classifyDialFailure maps a failed socket handshake. resp is non-nil when
// the server answered the upgrade request with a non-101 status.
func classifyDialFailure(u string, resp *http.Response, err error) *ConnectionError {
	if resp != nil {
		return &ConnectionError{
			Message:   serverErrorPrefix + fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Side:      SideServer,
			URL:       u,
			Transport: TransportWebSocket,
			Cause:     err,
		}
	}
	return &ConnectionError{
		Message:   connectionErrorPrefix + errText(err),
		Side:      SideClient,
		URL:       u,
		Transport: TransportWebSocket,
		Cause:     err,
	}
}

// classifySocketClose maps an abnormal socket closure.
func classifySocketClose(u string, err error) *ConnectionError {
	return &ConnectionError{
		Message:   closedErrorPrefix + errText(err),
		Side:      SideServer,
		URL:       u,
		Transport: TransportWebSocket,
		Cause:     err,
	}
}

// classifySocketWrite maps a failed socket write.
func classifySocketWrite(u string, err error) *ConnectionError {
	return &ConnectionError{
		Message:   connectionErrorPrefix + errText(err),
		Side:      SideClient,
		URL:       u,
		Transport: TransportWebSocket,
		Cause:     err,
	}
}

// classifyResolveFailure maps a socket URL that could not be derived.
func classifyResolveFailure(u string, err error) *ConnectionError {
	return &ConnectionError{
		Message:   "Invalid socket URL\n\t" + errText(err),
		Side:      SideClient,
		URL:       u,
		Transport: TransportWebSocket,
		Cause:     err,
	}
}

// classifyPatchRejected maps a remote patch that could not be applied locally.
func classifyPatchRejected(u string, t Transport, err error) *ConnectionError {
	return &ConnectionError{
		Message:   serverErrorPrefix + errText(err),
		Side:      SideServer,
		URL:       u,
		Transport: t,
		Cause:     err,
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
