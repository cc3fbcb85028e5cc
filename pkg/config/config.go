// Package config handles loading warc-proxy configuration from YAML files.
//
// Loading priority (later wins):
//
//  1. Built-in defaults
//  2. Config file (warc-proxy.yml in cwd, or --config path)
//  3. Explicit CLI flags
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fidiego/warc-proxy/pkg/capture"
	"github.com/fidiego/warc-proxy/pkg/filter"
	"github.com/fidiego/warc-proxy/pkg/proxy"
	"github.com/fidiego/warc-proxy/pkg/warc"
)

// DefaultFilenames lists the config file names searched in the current
// directory when --config is not given.
var DefaultFilenames = []string{"warc-proxy.yml", "warc-proxy.yaml", ".warc-proxy.yml"}

// DefaultOutput is the archive written when no output path is configured.
const DefaultOutput = "out.warc.gz"

// UpstreamConfig is the YAML representation of a single upstream.
type UpstreamConfig struct {
	Name   string `yaml:"name"`
	Host   string `yaml:"host,omitempty"`
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
}

// WarcinfoConfig holds fields copied into the warcinfo record. Keys other
// than operator and description are written as given.
type WarcinfoConfig struct {
	Operator    string            `yaml:"operator"`
	Description string            `yaml:"description"`
	Extra       map[string]string `yaml:",inline"`
}

// Config is the full YAML configuration for warc-proxy.
type Config struct {
	// Listen is the proxy server address (e.g. ":8000").
	Listen string `yaml:"listen"`

	// Output is the WARC file path. A .gz/.gzip suffix enables compression.
	Output string `yaml:"output"`

	// QueueSize is the number of records that may wait for the writer.
	QueueSize *int `yaml:"queue_size"`

	// Overflow is the full-queue policy: block or fail.
	Overflow string `yaml:"overflow"`

	// ArchiveFilter selects which flows are archived; empty archives all.
	ArchiveFilter string `yaml:"archive_filter"`

	// MaxBodySize is the max bytes captured per request/response body.
	MaxBodySize *int64 `yaml:"max_body_size"`

	// MaxFlows is the ring-buffer capacity for the inspection flow store.
	MaxFlows *int `yaml:"max_flows"`

	// WebPort is the port for the web inspection UI. 0 disables it.
	WebPort *int `yaml:"web_port"`

	// NoTUI disables the interactive terminal UI.
	NoTUI bool `yaml:"no_tui"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// AffinityDB persists the host affinity table across restarts.
	AffinityDB string `yaml:"affinity_db"`

	// Upstream is a shorthand for a single catch-all upstream.
	Upstream string `yaml:"upstream"`

	// Upstreams defines the routing table for reverse mode.
	Upstreams []UpstreamConfig `yaml:"upstreams"`

	Warcinfo WarcinfoConfig `yaml:"warcinfo"`
}

// Load reads and parses a YAML config file from path. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// FindDefault looks for a config file in dir using DefaultFilenames.
// Returns the path of the first file found, or "" if none exist.
func FindDefault(dir string) string {
	for _, name := range DefaultFilenames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks the fields that are parsed later so bad values fail at
// startup.
func (c *Config) Validate() error {
	if _, err := capture.ParseOverflow(c.Overflow); err != nil {
		return err
	}
	if _, err := filter.Parse(c.ArchiveFilter); err != nil {
		return fmt.Errorf("archive_filter: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q (want json or text)", c.LogFormat)
	}
	if c.QueueSize != nil && *c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative")
	}
	return nil
}

// OutputPath returns the configured output path or DefaultOutput.
func (c *Config) OutputPath() string {
	if c.Output == "" {
		return DefaultOutput
	}
	return c.Output
}

// ResolvedWebPort returns the web UI port, defaulting when unset.
func (c *Config) ResolvedWebPort() int {
	if c.WebPort == nil {
		return proxy.DefaultWebPort
	}
	return *c.WebPort
}

// ArchiveMatcher compiles ArchiveFilter.
func (c *Config) ArchiveMatcher() (filter.Filter, error) {
	return filter.Parse(c.ArchiveFilter)
}

// ToOptions converts the Config into proxy.Options, applying built-in defaults
// for any fields left unset.
func (c *Config) ToOptions() proxy.Options {
	opts := proxy.Options{WebPort: c.ResolvedWebPort()}

	if c.Listen != "" {
		opts.ListenAddr = c.Listen
	}
	if c.MaxFlows != nil {
		opts.MaxFlows = *c.MaxFlows
	}
	if c.MaxBodySize != nil {
		opts.MaxBodySize = *c.MaxBodySize
	}

	if c.Upstream != "" {
		opts.Upstreams = append(opts.Upstreams, proxy.Upstream{
			Name:   "default",
			Prefix: "/",
			Target: c.Upstream,
		})
	}
	for _, u := range c.Upstreams {
		prefix := u.Prefix
		if prefix == "" {
			prefix = "/"
		}
		name := u.Name
		if name == "" {
			name = u.Host + prefix
		}
		opts.Upstreams = append(opts.Upstreams, proxy.Upstream{
			Name:   name,
			Host:   u.Host,
			Prefix: prefix,
			Target: u.Target,
		})
	}

	return opts
}

// CaptureOptions converts the archive settings into capture.Options.
// software names the program in the warcinfo record.
func (c *Config) CaptureOptions(software string) (capture.Options, error) {
	overflow, err := capture.ParseOverflow(c.Overflow)
	if err != nil {
		return capture.Options{}, err
	}
	opts := capture.Options{
		Path:     c.OutputPath(),
		Overflow: overflow,
		Software: software,
		Info:     c.Warcinfo.Fields(),
	}
	if c.QueueSize != nil {
		opts.QueueSize = *c.QueueSize
	}
	return opts, nil
}

// Fields returns the warcinfo fields in a stable order: operator,
// description, then extra keys sorted.
func (w WarcinfoConfig) Fields() []warc.Field {
	var out []warc.Field
	if w.Operator != "" {
		out = append(out, warc.Field{Name: "operator", Value: w.Operator})
	}
	if w.Description != "" {
		out = append(out, warc.Field{Name: "description", Value: w.Description})
	}
	keys := make([]string, 0, len(w.Extra))
	for k := range w.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, warc.Field{Name: k, Value: w.Extra[k]})
	}
	return out
}

// Example returns the canonical example config as a YAML string.
func Example() string {
	return `# warc-proxy configuration
# All fields are optional; CLI flags take precedence over this file.

# Proxy listen address. Point HTTP clients at it as their HTTP proxy.
listen: ":8000"

# WARC output file. A .gz or .gzip suffix writes one gzip member per record.
output: out.warc.gz

# Records that may wait for the writer, and what happens when the queue is
# full: "block" waits for room, "fail" drops the record and counts it.
queue_size: 1024
overflow: block

# Only archive flows matching this filter (empty archives everything).
# Examples: "~d example.com", "!~m OPTIONS", "~p /api & ~m POST".
archive_filter: ""

# Maximum bytes captured per request/response body (default 32 MiB).
# Larger bodies are still forwarded in full; the record is marked truncated.
max_body_size: 33554432

# Maximum number of flows held in memory for the UI (ring buffer).
max_flows: 1000

# Port for the web inspection UI. Set to 0 to disable.
web_port: 8001

# Disable the interactive terminal UI (log to stderr instead).
no_tui: false

# Logging: level is trace|debug|info|warn|error, format is json|text.
log_level: info
log_format: json

# Persist the host affinity table across restarts (bbolt file).
# affinity_db: warc-proxy.db

# Fields copied into the warcinfo record at the start of the archive.
warcinfo:
  operator: ""
  description: ""

# --- Reverse mode ---
# Origin-form requests are routed to these upstreams. Absolute-form proxy
# requests are always forwarded to their origin.

# Single upstream: send everything to one target.
# upstream: http://localhost:8081

# Multi-upstream: route by host and path prefix (longer prefixes win).
# upstreams:
#   - name: api
#     prefix: /api
#     target: http://localhost:8081
#   - name: docs
#     host: docs.local
#     target: http://localhost:4000
`
}
