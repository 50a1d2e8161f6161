package palindrom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	contentTypeJSON      = "application/json"
	contentTypeJSONPatch = "application/json-patch+json"
)

// httpTransport carries the initial handshake and the patches sent before
// the socket is open.
type httpTransport struct {
	client *http.Client
	remote *url.URL
	header http.Header
}

func newHTTPTransport(client *http.Client, remote *url.URL, header http.Header) *httpTransport {
	return &httpTransport{
		client: client,
		remote: remote,
		header: header,
	}
}

// handshakeResponse is the part of the initial response the channel needs.
type handshakeResponse struct {
	state    []byte
	location string
}

// handshake fetches the initial state. Failures are returned as *ConnectionError.
func (t *httpTransport) handshake(ctx context.Context) (*handshakeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.remote.String(), nil)
	if err != nil {
		return nil, classifyHTTPFailure(t.remote.String(), 0, nil, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", contentTypeJSON)

	resp, body, err := t.do(req)
	if err != nil {
		return nil, err
	}

	return &handshakeResponse{
		state:    body,
		location: locationHeader(resp.Header),
	}, nil
}

// sendPatch issues an HTTP-mode send and returns the response body, which
// may carry patches from the server.
func (t *httpTransport) sendPatch(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, t.remote.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, classifyHTTPFailure(t.remote.String(), 0, nil, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentTypeJSONPatch)
	req.Header.Set("Accept", contentTypeJSONPatch)

	_, body, err := t.do(req)
	return body, err
}

func (t *httpTransport) do(req *http.Request) (*http.Response, []byte, error) {
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, classifyHTTPFailure(req.URL.String(), 0, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, classifyHTTPFailure(req.URL.String(), 0, nil, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, classifyHTTPFailure(req.URL.String(), resp.StatusCode, body,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp, body, nil
}

// locationHeader prefers X-Location, which servers use when a real
// Location header would trigger a redirect.
func locationHeader(h http.Header) string {
	if v := h.Get("X-Location"); v != "" {
		return v
	}
	return h.Get("Location")
}
