package httpwire

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/warc-proxy/pkg/proxy"
)

func TestURL_DefaultPortsOmitted(t *testing.T) {
	for _, port := range []int{0, 80, 443} {
		assert.Equal(t, "http://example.com/foo", URL("http", "example.com", port, "/foo"), "port %d", port)
		assert.Equal(t, "https://example.com/foo", URL("https", "example.com", port, "/foo"), "port %d", port)
	}
}

func TestURL_OtherPortsKept(t *testing.T) {
	for _, tc := range []struct {
		port int
		want string
	}{
		{8443, "https://example.org:8443/a"},
		{8080, "https://example.org:8080/a"},
		{1, "https://example.org:1/a"},
	} {
		assert.Equal(t, tc.want, URL("https", "example.org", tc.port, "/a"))
	}
}

func TestURL_PathVerbatim(t *testing.T) {
	assert.Equal(t, "http://example.com/search?q=a%20b&x=1", URL("http", "example.com", 80, "/search?q=a%20b&x=1"))
	assert.Equal(t, "http://example.com", URL("http", "example.com", 80, ""))
}

func TestURL_IPv6(t *testing.T) {
	assert.Equal(t, "http://[::1]:8080/", URL("http", "::1", 8080, "/"))
	assert.Equal(t, "http://[::1]/", URL("http", "[::1]", 80, "/"))
}

func TestVersion(t *testing.T) {
	for major := 0; major < 4; major++ {
		for minor := 0; minor < 3; minor++ {
			want := string(rune('0'+major)) + "." + string(rune('0'+minor))
			assert.Equal(t, want, Version(major, minor))
		}
	}
	assert.Equal(t, "10.12", Version(10, 12))
}

func TestStatusLine_Known(t *testing.T) {
	line, err := StatusLine(1, 1, 200, "")
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK", line)

	// The standard phrase wins over whatever the server sent.
	line, err = StatusLine(1, 0, 404, "Nope")
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0 404 Not Found", line)
}

func TestStatusLine_Unknown(t *testing.T) {
	line, err := StatusLine(1, 1, 599, "Network Connect Timeout")
	assert.Equal(t, "HTTP/1.1 599 Network Connect Timeout", line)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownStatus)

	var rerr *ReconstructionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 599, rerr.Code)

	line, err = StatusLine(1, 1, 599, "")
	assert.Equal(t, "HTTP/1.1 599 ", line)
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestHeaders_SortedOnePerValue(t *testing.T) {
	h := http.Header{
		"X-B":  {"2"},
		"Host": {"example.com"},
		"X-A":  {"1", "1b"},
	}
	assert.Equal(t, "Host: example.com\r\nX-A: 1\r\nX-A: 1b\r\nX-B: 2\r\n", Headers(h))
	assert.Equal(t, "", Headers(nil))
}

func getFoo() *proxy.CapturedRequest {
	return &proxy.CapturedRequest{
		Method:     "GET",
		Scheme:     "http",
		Host:       "example.com",
		Port:       80,
		Path:       "/foo",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    http.Header{"Host": {"example.com"}, "Accept": {"*/*"}},
	}
}

func TestRequestBlock(t *testing.T) {
	req := getFoo()
	req.Method = "POST"
	req.Body = []byte("a=1")

	target, block, err := RequestBlock(req)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/foo", target)
	assert.Equal(t,
		"POST http://example.com/foo HTTP/1.1\r\nAccept: */*\r\nHost: example.com\r\n\r\na=1",
		string(block))
}

func TestRequestBlock_MissingFields(t *testing.T) {
	_, _, err := RequestBlock(nil)
	assert.ErrorIs(t, err, ErrMissingField)

	req := getFoo()
	req.Host = ""
	_, _, err = RequestBlock(req)
	var rerr *ReconstructionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "host", rerr.Field)

	req = getFoo()
	req.Method = ""
	_, _, err = RequestBlock(req)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestResponseBlock_UsesRequestURL(t *testing.T) {
	resp := &proxy.CapturedResponse{
		StatusCode: 200,
		Reason:     "OK",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    http.Header{"Content-Length": {"5"}},
		Body:       []byte("hello"),
	}
	target, block, err := ResponseBlock(getFoo(), resp)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/foo", target)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", string(block))
}

func TestResponseBlock_UnknownStatusStillBuilt(t *testing.T) {
	resp := &proxy.CapturedResponse{StatusCode: 599, ProtoMajor: 1, ProtoMinor: 1}
	target, block, err := ResponseBlock(getFoo(), resp)
	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.Equal(t, "http://example.com/foo", target)
	assert.Equal(t, "HTTP/1.1 599 \r\n\r\n", string(block))
}

func TestResponseBlock_NilResponse(t *testing.T) {
	_, block, err := ResponseBlock(getFoo(), nil)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Nil(t, block)
}
