package addons

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/warc-proxy/pkg/capture"
	"github.com/fidiego/warc-proxy/pkg/filter"
	"github.com/fidiego/warc-proxy/pkg/metrics"
	"github.com/fidiego/warc-proxy/pkg/proxy"
	"github.com/fidiego/warc-proxy/pkg/warc"
)

type memSink struct {
	mu   sync.Mutex
	recs []*warc.Record
	err  error
}

func (m *memSink) Append(_ context.Context, rec *warc.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memSink) records() []*warc.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*warc.Record(nil), m.recs...)
}

func newGetFlow(host string, port int, path string) *proxy.Flow {
	return proxy.NewFlow(context.Background(), "flow-"+host, &proxy.CapturedRequest{
		Method:     "GET",
		Scheme:     "http",
		Host:       host,
		Port:       port,
		Path:       path,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    http.Header{"Host": {host}},
	})
}

func okResponse(body string) *proxy.CapturedResponse {
	return &proxy.CapturedResponse{
		StatusCode: 200,
		Reason:     "OK",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
	}
}

// runFlow drives both hooks the way the engine does.
func runFlow(a *WarcAddon, flow *proxy.Flow, resp *proxy.CapturedResponse) {
	flow.Hold()
	a.OnRequest(flow)
	flow.Response = resp
	flow.Hold()
	a.OnResponse(flow)
}

func readFile(t *testing.T, path string) []*warc.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := warc.NewReader(f)
	require.NoError(t, err)
	defer r.Close()
	recs, err := r.ReadAll()
	require.NoError(t, err)
	return recs
}

func TestWarcAddon_ExampleComFoo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.warc.gz")
	sink, err := capture.Open(capture.Options{Path: path})
	require.NoError(t, err)

	a := NewWarcAddon(sink, nil, zerolog.Nop())
	flow := newGetFlow("example.com", 80, "/foo")
	runFlow(a, flow, okResponse("hello"))
	require.NoError(t, sink.Close())

	assert.Equal(t, 2, flow.Resumes())
	assert.Empty(t, flow.Archive.Error)

	recs := readFile(t, path)
	require.Len(t, recs, 3)
	assert.Equal(t, warc.TypeInfo, recs[0].Type)

	req, resp := recs[1], recs[2]
	assert.Equal(t, warc.TypeRequest, req.Type)
	assert.Equal(t, "http://example.com/foo", req.TargetURI)
	assert.Equal(t, "GET http://example.com/foo HTTP/1.1\r\nHost: example.com\r\n\r\n", string(req.Block))
	assert.Equal(t, flow.Archive.RequestRecordID, req.ID)

	assert.Equal(t, warc.TypeResponse, resp.Type)
	assert.Equal(t, "http://example.com/foo", resp.TargetURI)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nhello", string(resp.Block))
	assert.Equal(t, req.ID, resp.ConcurrentTo)
}

func TestWarcAddon_ConcurrentFlowsAttributed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.warc")
	sink, err := capture.Open(capture.Options{Path: path})
	require.NoError(t, err)
	a := NewWarcAddon(sink, nil, zerolog.Nop())

	flows := []*proxy.Flow{
		newGetFlow("example.org", 8443, "/a"),
		newGetFlow("example.net", 80, "/b"),
	}
	flows[0].Request.Scheme = "https"

	var start, wg sync.WaitGroup
	start.Add(1)
	for _, f := range flows {
		wg.Add(1)
		go func(f *proxy.Flow) {
			defer wg.Done()
			start.Wait()
			f.Hold()
			a.OnRequest(f)
		}(f)
	}
	start.Done()
	wg.Wait()
	require.NoError(t, sink.Close())

	recs := readFile(t, path)
	require.Len(t, recs, 3)
	byID := map[string]string{}
	for _, r := range recs[1:] {
		byID[r.ID] = r.TargetURI
	}
	assert.Equal(t, "https://example.org:8443/a", byID[flows[0].Archive.RequestRecordID])
	assert.Equal(t, "http://example.net/b", byID[flows[1].Archive.RequestRecordID])
}

func TestWarcAddon_ResponseURLMatchesRequest(t *testing.T) {
	sink := &memSink{}
	a := NewWarcAddon(sink, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i, host := range []string{"a.test", "b.test", "c.test", "d.test"} {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			runFlow(a, newGetFlow(host, 8000+i, "/p?q=1"), okResponse(host))
		}(i, host)
	}
	wg.Wait()

	recs := sink.records()
	require.Len(t, recs, 8)
	reqURL := map[string]string{}
	for _, r := range recs {
		if r.Type == warc.TypeRequest {
			reqURL[r.ID] = r.TargetURI
		}
	}
	for _, r := range recs {
		if r.Type == warc.TypeResponse {
			assert.Equal(t, reqURL[r.ConcurrentTo], r.TargetURI)
		}
	}
}

func TestWarcAddon_UnknownStatusArchivedWithFallback(t *testing.T) {
	sink := &memSink{}
	a := NewWarcAddon(sink, nil, zerolog.Nop())
	before := testutil.ToFloat64(metrics.ReconstructionErrors.WithLabelValues("unknown_status"))

	flow := newGetFlow("example.com", 80, "/slow")
	runFlow(a, flow, &proxy.CapturedResponse{StatusCode: 599, Reason: "Network Connect Timeout", ProtoMajor: 1, ProtoMinor: 1})

	recs := sink.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "HTTP/1.1 599 Network Connect Timeout\r\n\r\n", string(recs[1].Block))
	assert.Contains(t, flow.Archive.Error, "unknown status")
	assert.NotEmpty(t, flow.Archive.ResponseRecordID)
	assert.Equal(t, 2, flow.Resumes())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReconstructionErrors.WithLabelValues("unknown_status")))
}

func TestWarcAddon_ResumesWhenAppendFails(t *testing.T) {
	sink := &memSink{err: &capture.CaptureError{Op: "append", Kind: capture.KindQueueFull, Err: capture.ErrQueueFull}}
	a := NewWarcAddon(sink, nil, zerolog.Nop())

	flow := newGetFlow("example.com", 80, "/")
	runFlow(a, flow, okResponse(""))

	assert.Equal(t, 2, flow.Resumes())
	assert.Contains(t, flow.Archive.Error, "queue full")
	assert.Empty(t, flow.Archive.RequestRecordID)
	require.NoError(t, flow.Wait(context.Background()))
}

func TestWarcAddon_ResumesOnMissingFields(t *testing.T) {
	sink := &memSink{}
	a := NewWarcAddon(sink, nil, zerolog.Nop())

	flow := newGetFlow("", 80, "/")
	runFlow(a, flow, nil)

	assert.Equal(t, 2, flow.Resumes())
	assert.Empty(t, sink.records())
	assert.NotEmpty(t, flow.Archive.Error)
}

func TestWarcAddon_FilterSkips(t *testing.T) {
	sink := &memSink{}
	match, err := filter.Parse("~d keep.test")
	require.NoError(t, err)
	a := NewWarcAddon(sink, match, zerolog.Nop())

	skipped := newGetFlow("drop.test", 80, "/")
	runFlow(a, skipped, okResponse("x"))
	kept := newGetFlow("keep.test", 80, "/")
	runFlow(a, kept, okResponse("y"))

	assert.True(t, skipped.Archive.Skipped)
	assert.Equal(t, 2, skipped.Resumes())
	assert.Len(t, sink.records(), 2)
	assert.NotEmpty(t, kept.Archive.ResponseRecordID)
}

func TestWarcAddon_TruncatedBodyMarked(t *testing.T) {
	sink := &memSink{}
	a := NewWarcAddon(sink, nil, zerolog.Nop())

	resp := okResponse("partial")
	resp.BodyTruncated = true
	runFlow(a, newGetFlow("example.com", 80, "/big"), resp)

	recs := sink.records()
	require.Len(t, recs, 2)
	assert.Empty(t, recs[0].Extra)
	assert.Equal(t, "length", recs[1].Extra["WARC-Truncated"])
}

func TestEngineToFile(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "from origin "+r.URL.Path)
	}))
	defer origin.Close()

	path := filepath.Join(t.TempDir(), "e2e.warc.gz")
	sink, err := capture.Open(capture.Options{Path: path})
	require.NoError(t, err)

	engine, err := proxy.New(proxy.Options{})
	require.NoError(t, err)
	engine.Addons().Add(NewWarcAddon(sink, nil, zerolog.Nop()))

	front := httptest.NewServer(engine)
	defer front.Close()

	proxyURL, err := url.Parse(front.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(origin.URL + "/foo?x=1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "from origin /foo", string(body))

	require.NoError(t, sink.Close())

	recs := readFile(t, path)
	require.Len(t, recs, 3)
	want := origin.URL + "/foo?x=1"
	assert.Equal(t, want, recs[1].TargetURI)
	assert.Contains(t, string(recs[1].Block), "GET "+want+" HTTP/1.1\r\n")
	assert.Equal(t, want, recs[2].TargetURI)
	assert.Contains(t, string(recs[2].Block), "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, string(recs[2].Block), "\r\n\r\nfrom origin /foo")
	assert.Equal(t, recs[1].ID, recs[2].ConcurrentTo)

	flows := engine.Store().All()
	require.Len(t, flows, 1)
	assert.Equal(t, proxy.FlowStateComplete, flows[0].State)
}

func TestAffinityAddon_NoReplyOwnershipNeeded(t *testing.T) {
	var _ proxy.RequestHook = (*AffinityAddon)(nil)
	_, owns := any(&AffinityAddon{}).(proxy.ReplyOwner)
	assert.False(t, owns)

	_, owns = any(&WarcAddon{}).(proxy.ReplyOwner)
	assert.True(t, owns)
}
