package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/warc-proxy/pkg/metrics"
)

type contextKey string

const flowContextKey contextKey = "flow"

// DirectUpstream is the upstream name recorded for forward-mode flows.
const DirectUpstream = "direct"

var errFlowKilled = errors.New("flow killed")

// Engine is the core proxy. It forwards absolute-form proxy requests to their
// origin, routes origin-form requests to configured upstreams, and dispatches
// every flow through the addon pipeline.
type Engine struct {
	store   *FlowStore
	addons  *AddonManager
	router  *Router
	proxies map[string]*httputil.ReverseProxy
	direct  *httputil.ReverseProxy
	opts    Options
	server  *http.Server
}

// New creates a new Engine with the given options.
func New(opts Options) (*Engine, error) {
	opts.setDefaults()

	router, err := NewRouter(opts.Upstreams)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:   NewFlowStore(opts.MaxFlows),
		addons:  NewAddonManager(),
		router:  router,
		proxies: make(map[string]*httputil.ReverseProxy),
		opts:    opts,
	}

	for i := range router.upstreams {
		u := &router.upstreams[i]
		e.proxies[u.Name] = e.newReverseProxy(Director(u))
	}
	e.direct = e.newReverseProxy(forwardDirector)

	return e, nil
}

func (e *Engine) newReverseProxy(director func(*http.Request)) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director:       director,
		Transport:      e.opts.Transport,
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.errorHandler,
		FlushInterval:  -1, // flush immediately for streaming support
	}
}

// Options returns the resolved options the engine was started with.
func (e *Engine) Options() Options { return e.opts }

// Store returns the flow store (read-only access for UI components).
func (e *Engine) Store() *FlowStore { return e.store }

// Addons returns the addon manager so callers can register addons.
func (e *Engine) Addons() *AddonManager { return e.addons }

// Router returns the router (for UI display of configured upstreams).
func (e *Engine) Router() *Router { return e.router }

// Start runs the proxy until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	e.server = &http.Server{
		Addr:    e.opts.ListenAddr,
		Handler: e,
	}

	g.Go(func() error {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutCtx)
		return nil
	})

	return g.Wait()
}

// ServeHTTP implements http.Handler. It is the main proxy entry point.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.tunnel(w, r)
		return
	}

	var (
		proxy    *httputil.ReverseProxy
		upstream string
	)
	if r.URL.IsAbs() {
		proxy, upstream = e.direct, DirectUpstream
	} else {
		u := e.router.Match(r)
		if u == nil {
			http.Error(w, "not a proxy request and no upstream matched", http.StatusBadRequest)
			return
		}
		p, ok := e.proxies[u.Name]
		if !ok {
			http.Error(w, "upstream not configured", http.StatusBadGateway)
			return
		}
		proxy, upstream = p, u.Name
	}

	// The request side is filled in before the flow is shared with the store.
	flow := e.newFlow(r, upstream)
	if err := captureRequestBody(flow, r, e.opts.MaxBodySize); err != nil {
		flow.State = FlowStateError
		flow.Error = fmt.Sprintf("capture request: %v", err)
		e.store.Add(flow)
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return
	}
	flow.Timestamps.RequestDone = time.Now()
	e.store.Add(flow)
	metrics.FlowsIntercepted.WithLabelValues("request").Inc()

	flow.Hold()
	e.addons.FireRequest(flow)
	if err := flow.Wait(r.Context()); err != nil {
		if errors.Is(err, errFlowKilled) {
			http.Error(w, "flow killed", http.StatusBadGateway)
		}
		return
	}

	// Attach the flow to the request context so modifyResponse can find it.
	r = r.WithContext(context.WithValue(r.Context(), flowContextKey, flow))
	proxy.ServeHTTP(w, r)
}

// modifyResponse is called by the reverse proxy with the upstream response.
func (e *Engine) modifyResponse(resp *http.Response) error {
	flow, ok := resp.Request.Context().Value(flowContextKey).(*Flow)
	if !ok {
		return nil
	}

	start := time.Now()
	captured, err := captureResponse(resp, e.opts.MaxBodySize)
	if err != nil {
		// Don't fail the proxy; just mark the body capture as failed.
		captured.Body = nil
		captured.BodyTruncated = true
	}
	flow.Update(func(f *Flow) {
		f.Response = captured
		f.Timestamps.ResponseStart = start
		f.Timestamps.ResponseDone = time.Now()
	})
	metrics.FlowsIntercepted.WithLabelValues("response").Inc()

	flow.Hold()
	e.addons.FireResponse(flow)
	if err := flow.Wait(resp.Request.Context()); err != nil {
		return err
	}

	flow.Update(func(f *Flow) { f.State = FlowStateComplete })
	e.addons.FireComplete(flow)
	e.store.Update(flow, FlowEventComplete)

	return nil
}

// errorHandler is called by the reverse proxy when the upstream is unreachable.
func (e *Engine) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	flow, ok := r.Context().Value(flowContextKey).(*Flow)
	if ok {
		flow.Update(func(f *Flow) {
			f.State = FlowStateError
			f.Error = err.Error()
			f.Timestamps.ResponseDone = time.Now()
		})
		e.addons.FireError(flow, err)
		e.store.Update(flow, FlowEventError)
	}
	http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
}

// newFlow builds a Flow skeleton from the incoming request.
func (e *Engine) newFlow(r *http.Request, upstream string) *Flow {
	scheme, host, port := requestTarget(r)

	headers := r.Header.Clone()
	if headers.Get("Host") == "" && r.Host != "" {
		headers.Set("Host", r.Host)
	}

	f := NewFlow(r.Context(), uuid.New().String(), &CapturedRequest{
		Method:     r.Method,
		URL:        r.URL.String(),
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		Path:       r.URL.RequestURI(),
		ProtoMajor: r.ProtoMajor,
		ProtoMinor: r.ProtoMinor,
		Headers:    headers,
	})
	f.Upstream = upstream
	return f
}

// requestTarget resolves the scheme, host and port the client addressed.
// Absolute-form requests carry them in the URL; origin-form requests fall
// back to the Host header and the connection's TLS state.
func requestTarget(r *http.Request) (scheme, host string, port int) {
	scheme = r.URL.Scheme
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}

	hostport := r.URL.Host
	if hostport == "" {
		hostport = r.Host
	}
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return scheme, strings.Trim(hostport, "[]"), defaultPort(scheme)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		port = defaultPort(scheme)
	}
	return scheme, h, port
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Replay re-sends the request from a captured flow through the proxy engine.
// The replayed flow is stored as a new entry and returned.
func (e *Engine) Replay(flowID string) (*Flow, error) {
	original := e.store.Get(flowID)
	if original == nil {
		return nil, fmt.Errorf("flow %q not found", flowID)
	}
	if original.Request == nil {
		return nil, fmt.Errorf("flow %q has no captured request", flowID)
	}

	req, err := rebuildRequest(original.Request)
	if err != nil {
		return nil, fmt.Errorf("rebuild request: %w", err)
	}

	proxy, upstream := e.direct, DirectUpstream
	if !req.URL.IsAbs() {
		u := e.router.Match(req)
		if u == nil {
			return nil, fmt.Errorf("no upstream for path %q", req.URL.Path)
		}
		p, ok := e.proxies[u.Name]
		if !ok {
			return nil, fmt.Errorf("upstream %q not configured", u.Name)
		}
		proxy, upstream = p, u.Name
	}

	flow := e.newFlow(req, upstream)
	flow.Tags = append(flow.Tags, "replay", "replay:"+flowID)
	flow.Request = cloneRequest(original.Request)
	e.store.Add(flow)

	flow.Hold()
	e.addons.FireRequest(flow)
	if err := flow.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("replay %q: %w", flowID, err)
	}

	// Forward via the upstream proxy, capturing response into a recorder.
	rec := &responseRecorder{header: make(http.Header), code: 200}
	req = req.WithContext(context.WithValue(req.Context(), flowContextKey, flow))
	proxy.ServeHTTP(rec, req)

	return flow.Snapshot(), nil
}

// tunnel relays a CONNECT request as an opaque byte stream. Tunnelled
// traffic is encrypted end to end and is not archived.
func (e *Engine) tunnel(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	upstream, err := net.DialTimeout("tcp", r.Host, e.opts.DialTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("dial %s: %v", r.Host, err), http.StatusBadGateway)
		return
	}

	clientConn, bufrw, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		return
	}
	_, _ = bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := bufrw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = upstream.Close()
		return
	}

	metrics.TunnelsOpened.Inc()
	log.Debug().Str("host", r.Host).Msg("tunnel opened; traffic not archived")

	var once sync.Once
	closeBoth := func() {
		_ = clientConn.Close()
		_ = upstream.Close()
	}
	go func() {
		_, _ = io.Copy(upstream, bufrw)
		once.Do(closeBoth)
	}()
	_, _ = io.Copy(clientConn, upstream)
	once.Do(closeBoth)
}

// forwardDirector prepares an absolute-form proxy request for its origin.
func forwardDirector(req *http.Request) {
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
	}
	if req.Host == "" {
		req.Host = req.URL.Host
	}
}

// captureRequestBody reads up to maxBytes of the request body and stores it on the flow.
func captureRequestBody(flow *Flow, r *http.Request, maxBytes int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	body, rest, truncated, err := readLimited(r.Body, maxBytes)
	if err != nil {
		return err
	}
	// Replace r.Body so the reverse proxy still forwards every byte.
	r.Body = rest

	flow.Request.Body = body
	flow.Request.BodyTruncated = truncated
	return nil
}

// captureResponse snapshots resp, reading up to maxBytes of its body. The
// returned value is never nil, even alongside an error.
func captureResponse(resp *http.Response, maxBytes int64) (*CapturedResponse, error) {
	captured := &CapturedResponse{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		ProtoMajor: resp.ProtoMajor,
		ProtoMinor: resp.ProtoMinor,
		Headers:    resp.Header.Clone(),
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return captured, nil
	}

	body, rest, truncated, err := readLimited(resp.Body, maxBytes)
	if err != nil {
		return captured, err
	}
	resp.Body = rest

	captured.Body = body
	captured.BodyTruncated = truncated
	return captured, nil
}

// reasonPhrase extracts the reason phrase from resp.Status ("200 OK" -> "OK").
func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, code))
}

// readLimited reads at most maxBytes from r. It returns the captured prefix,
// a replacement body that yields the complete original stream, and whether
// the source had more data than was captured.
func readLimited(r io.ReadCloser, maxBytes int64) ([]byte, io.ReadCloser, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		_ = r.Close()
		return nil, nil, false, err
	}
	if int64(len(data)) > maxBytes {
		rest := struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), r), r}
		return data[:maxBytes], rest, true, nil
	}
	_ = r.Close()
	return data, io.NopCloser(bytes.NewReader(data)), false, nil
}

// rebuildRequest constructs a new *http.Request from a CapturedRequest.
func rebuildRequest(cr *CapturedRequest) (*http.Request, error) {
	req, err := http.NewRequest(cr.Method, cr.URL, bytes.NewReader(cr.Body))
	if err != nil {
		return nil, err
	}
	for k, vv := range cr.Headers {
		if k == "Host" {
			req.Host = vv[0]
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if cr.ProtoMajor > 0 {
		req.ProtoMajor, req.ProtoMinor = cr.ProtoMajor, cr.ProtoMinor
		req.Proto = fmt.Sprintf("HTTP/%d.%d", cr.ProtoMajor, cr.ProtoMinor)
	}
	return req, nil
}

// cloneRequest returns a copy of a CapturedRequest (with a copy of the body slice).
func cloneRequest(cr *CapturedRequest) *CapturedRequest {
	cp := *cr
	cp.Headers = cr.Headers.Clone()
	cp.Body = append([]byte(nil), cr.Body...)
	return &cp
}

// responseRecorder is a minimal http.ResponseWriter used for internal replay.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func (r *responseRecorder) Header() http.Header         { return r.header }
func (r *responseRecorder) WriteHeader(code int)        { r.code = code }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }
