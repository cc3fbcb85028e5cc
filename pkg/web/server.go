// Package web provides the HTTP inspection UI and REST API for warc-proxy.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fidiego/warc-proxy/pkg/affinity"
	"github.com/fidiego/warc-proxy/pkg/capture"
	"github.com/fidiego/warc-proxy/pkg/proxy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// ArchiveStats reports sink activity. *capture.Sink implements it.
type ArchiveStats interface {
	Stats() capture.Stats
}

// Options wires the server to the rest of the process. Only Engine is
// required.
type Options struct {
	Engine   *proxy.Engine
	Port     int
	Archive  ArchiveStats
	Hosts    *affinity.Table
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Logger   zerolog.Logger
}

// Server serves the web inspection UI and REST API.
type Server struct {
	opts   Options
	server *http.Server
	hub    *wsHub
}

// New creates a new web Server.
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{opts: opts, hub: newWSHub()}
}

// Start runs the web server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	// Forward flow events to WebSocket clients.
	store := s.opts.Engine.Store()
	eventCh := store.Subscribe()
	go func() {
		defer store.Unsubscribe(eventCh)
		for {
			select {
			case evt, ok := <-eventCh:
				if !ok {
					return
				}
				if data, err := json.Marshal(evt); err == nil {
					s.hub.publish(data)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
	}()

	s.opts.Logger.Info().Int("port", s.opts.Port).Msgf("web UI: http://localhost:%d", s.opts.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	h := &handlers{
		engine:  s.opts.Engine,
		archive: s.opts.Archive,
		hosts:   s.opts.Hosts,
		logger:  s.opts.Logger,
	}

	// REST API
	mux.HandleFunc("GET /api/flows", h.listFlows)
	mux.HandleFunc("GET /api/flows/{id}", h.getFlow)
	mux.HandleFunc("GET /api/flows/{id}/warc", h.flowBlocks)
	mux.HandleFunc("POST /api/flows/{id}/replay", h.replayFlow)
	mux.HandleFunc("DELETE /api/flows", h.clearFlows)
	mux.HandleFunc("GET /api/config", h.getConfig)
	mux.HandleFunc("GET /api/archive", h.getArchive)
	mux.HandleFunc("GET /api/hosts", h.listHosts)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	// WebSocket
	mux.HandleFunc("GET /ws", s.handleWS)

	// Embedded HTML UI (root)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexHTML)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	if !s.hub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// corsMiddleware adds permissive CORS headers (dev-only).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- WebSocket hub ---

type wsHub struct {
	mu        sync.Mutex
	clients   map[*wsClient]bool
	closed    bool
	broadcast chan []byte
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:   make(map[*wsClient]bool),
		broadcast: make(chan []byte, 256),
	}
}

// run fans broadcast messages out until ctx ends, then drops every client.
func (h *wsHub) run(ctx context.Context) {
	for {
		select {
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.dropLocked(c)
				}
			}
			h.mu.Unlock()
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// publish never blocks; events are dropped while the hub is backed up.
func (h *wsHub) publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *wsHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *wsHub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *wsHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
