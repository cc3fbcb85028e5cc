// Package httpwire rebuilds the wire form of intercepted HTTP messages: the
// canonical target URL, request and status lines, and the full message block
// (start line, headers, blank line, body) stored in WARC records.
//
// Everything here is a pure function of its inputs.
package httpwire

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/fidiego/warc-proxy/pkg/proxy"
)

var (
	// ErrUnknownStatus means a status code has no standard reason phrase.
	ErrUnknownStatus = errors.New("unknown status code")
	// ErrMissingField means the message lacks a field needed to rebuild it.
	ErrMissingField = errors.New("missing required field")
)

// ReconstructionError describes why a message could not be rebuilt exactly.
type ReconstructionError struct {
	Op    string // "request", "response" or "status"
	Field string // offending field for ErrMissingField
	Code  int    // offending status for ErrUnknownStatus
	Err   error
}

func (e *ReconstructionError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("httpwire: %s: %s: %v", e.Op, e.Field, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("httpwire: %s: %d: %v", e.Op, e.Code, e.Err)
	default:
		return fmt.Sprintf("httpwire: %s: %v", e.Op, e.Err)
	}
}

func (e *ReconstructionError) Unwrap() error { return e.Err }

// URL returns scheme://host[:port]path. The port is left out when it is 0,
// 80 or 443. path is used verbatim, so a query string inside it survives; no
// query or fragment is added.
func URL(scheme, host string, port int, path string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	if port != 0 && port != 80 && port != 443 {
		host += ":" + strconv.Itoa(port)
	}
	return scheme + "://" + host + path
}

// Version renders an HTTP version pair as "major.minor".
func Version(major, minor int) string {
	return strconv.Itoa(major) + "." + strconv.Itoa(minor)
}

// RequestLine returns "METHOD URL HTTP/major.minor".
func RequestLine(method, target string, major, minor int) string {
	return method + " " + target + " HTTP/" + Version(major, minor)
}

// StatusLine returns "HTTP/major.minor CODE REASON" using the standard
// reason phrase for code. For codes without one it still returns a usable
// line, built from fallbackReason (the phrase the server sent, possibly
// empty), together with a *ReconstructionError wrapping ErrUnknownStatus.
func StatusLine(major, minor, code int, fallbackReason string) (string, error) {
	prefix := "HTTP/" + Version(major, minor) + " " + strconv.Itoa(code) + " "
	if reason := http.StatusText(code); reason != "" {
		return prefix + reason, nil
	}
	return prefix + fallbackReason, &ReconstructionError{Op: "status", Code: code, Err: ErrUnknownStatus}
}

// Headers serializes h as "Name: value\r\n" lines, one per value, with names
// in sorted order.
func Headers(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

// RequestURL returns the canonical absolute URL of a captured request.
func RequestURL(req *proxy.CapturedRequest) (string, error) {
	if req == nil {
		return "", &ReconstructionError{Op: "request", Field: "request", Err: ErrMissingField}
	}
	if req.Host == "" {
		return "", &ReconstructionError{Op: "request", Field: "host", Err: ErrMissingField}
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return URL(scheme, req.Host, req.Port, req.Path), nil
}

// RequestBlock rebuilds the request as it appeared on the wire and returns it
// together with its canonical URL.
func RequestBlock(req *proxy.CapturedRequest) (string, []byte, error) {
	target, err := RequestURL(req)
	if err != nil {
		return "", nil, err
	}
	if req.Method == "" {
		return "", nil, &ReconstructionError{Op: "request", Field: "method", Err: ErrMissingField}
	}
	line := RequestLine(req.Method, target, req.ProtoMajor, req.ProtoMinor)
	return target, block(line, req.Headers, req.Body), nil
}

// ResponseBlock rebuilds the response as it appeared on the wire. The URL is
// that of the originating request. An unknown status code yields the block
// built with the fallback reason and a *ReconstructionError; callers decide
// whether to keep it.
func ResponseBlock(req *proxy.CapturedRequest, resp *proxy.CapturedResponse) (string, []byte, error) {
	target, err := RequestURL(req)
	if err != nil {
		return "", nil, err
	}
	if resp == nil {
		return "", nil, &ReconstructionError{Op: "response", Field: "response", Err: ErrMissingField}
	}
	line, statusErr := StatusLine(resp.ProtoMajor, resp.ProtoMinor, resp.StatusCode, resp.Reason)
	return target, block(line, resp.Headers, resp.Body), statusErr
}

func block(startLine string, h http.Header, body []byte) []byte {
	headers := Headers(h)
	out := make([]byte, 0, len(startLine)+len(headers)+len(body)+4)
	out = append(out, startLine...)
	out = append(out, "\r\n"...)
	out = append(out, headers...)
	out = append(out, "\r\n"...)
	out = append(out, body...)
	return out
}
