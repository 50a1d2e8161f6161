package palindrom

import (
	"fmt"
	"net/url"
	"strings"
)

var socketSchemes = map[string]string{
	"http":  "ws",
	"https": "wss",
	"ws":    "ws",
	"wss":   "wss",
}

// ResolveSocketURL derives the socket endpoint from the HTTP base URL and the
// location value returned by the handshake.
//
// Host, port and credentials always come from base; location only
// contributes a path (and query). An empty location keeps the base path, a
// location starting with "/" replaces it, and any other location is resolved
// against the directory of the base path:
//
//	http://host/testURL/koko + "default/x" → ws://host/testURL/default/x
//	http://host/testURL/koko + "/default/x" → ws://host/default/x
func ResolveSocketURL(base *url.URL, location string) (*url.URL, error) {
	if base == nil {
		return nil, fmt.Errorf("resolve socket URL: base is nil")
	}
	scheme, ok := socketSchemes[strings.ToLower(base.Scheme)]
	if !ok {
		return nil, fmt.Errorf("resolve socket URL: unsupported scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("resolve socket URL: base %q has no host", base.String())
	}

	out := *base
	out.Scheme = scheme
	out.Fragment = ""
	out.RawFragment = ""
	if base.User != nil {
		u := *base.User
		out.User = &u
	}

	location = strings.TrimSpace(location)
	if location == "" {
		return &out, nil
	}

	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("resolve socket URL: parse location: %w", err)
	}
	// Absolute locations are reduced to their path: the handshake never
	// moves the socket to another host.
	ref := &url.URL{Path: loc.Path, RawPath: loc.RawPath, RawQuery: loc.RawQuery}
	if ref.Path == "" && loc.IsAbs() {
		ref.Path = "/"
	}
	resolved := base.ResolveReference(ref)

	out.Path = resolved.Path
	out.RawPath = resolved.RawPath
	out.RawQuery = resolved.RawQuery
	return &out, nil
}
