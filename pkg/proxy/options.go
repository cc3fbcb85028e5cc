package proxy

import (
	"net/http"
	"time"
)

const (
	DefaultListenAddr  = ":8000"
	DefaultWebPort     = 8001
	DefaultMaxFlows    = 1000
	DefaultMaxBody     = 32 << 20 // 32 MiB
	DefaultDialTimeout = 10 * time.Second
)

// Options configures the proxy engine.
type Options struct {
	// ListenAddr is the address for the proxy HTTP server (e.g. ":8000").
	ListenAddr string

	// WebPort is the port for the web inspection UI. 0 disables it.
	WebPort int

	// Upstreams defines the reverse-mode routing table. Absolute-form proxy
	// requests are always forwarded directly regardless of this table.
	Upstreams []Upstream

	// MaxFlows is the ring-buffer capacity for the flow store.
	MaxFlows int

	// MaxBodySize is the maximum number of bytes captured per request/response body.
	MaxBodySize int64

	// DialTimeout bounds CONNECT tunnel dials.
	DialTimeout time.Duration

	// Transport overrides the round tripper used to reach origin servers.
	Transport http.RoundTripper
}

func (o *Options) setDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.MaxFlows == 0 {
		o.MaxFlows = DefaultMaxFlows
	}
	if o.MaxBodySize == 0 {
		o.MaxBodySize = DefaultMaxBody
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}
