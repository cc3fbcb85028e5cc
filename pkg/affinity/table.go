// Package affinity tracks per-destination state keyed by (host, port). It is
// populated from proxy hooks and is independent of the capture sink.
package affinity

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fidiego/warc-proxy/pkg/metrics"
)

// HostKey identifies a destination. Equality is by value.
type HostKey struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (k HostKey) String() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// Entry is the state kept for one destination.
type Entry struct {
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	Requests     int64     `json:"requests"`
	Responses    int64     `json:"responses"`
	LastStatus   int       `json:"lastStatus,omitempty"`
	LastUpstream string    `json:"lastUpstream,omitempty"`
}

// Table is a concurrency-safe map of destinations. Entries are never
// evicted; concurrent updates to one key are applied in lock order.
type Table struct {
	mu      sync.RWMutex
	entries map[HostKey]*Entry
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{entries: make(map[HostKey]*Entry), now: time.Now}
}

// Observe applies fn to the entry for key under the table lock, creating the
// entry first if needed.
func (t *Table) Observe(key HostKey, fn func(*Entry)) {
	now := t.now()

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{FirstSeen: now}
		t.entries[key] = e
		metrics.AffinityHosts.Set(float64(len(t.entries)))
	}
	e.LastSeen = now
	if fn != nil {
		fn(e)
	}
	t.mu.Unlock()
}

// ObserveRequest counts a request to key routed through upstream.
func (t *Table) ObserveRequest(key HostKey, upstream string) {
	t.Observe(key, func(e *Entry) {
		e.Requests++
		if upstream != "" {
			e.LastUpstream = upstream
		}
	})
}

// ObserveResponse counts a response from key.
func (t *Table) ObserveResponse(key HostKey, status int) {
	t.Observe(key, func(e *Entry) {
		e.Responses++
		e.LastStatus = status
	})
}

// Get returns a copy of the entry for key.
func (t *Table) Get(key HostKey) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of every entry.
func (t *Table) Snapshot() map[HostKey]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[HostKey]Entry, len(t.entries))
	for k, e := range t.entries {
		out[k] = *e
	}
	return out
}

// Restore merges a snapshot into the table. Keys already present keep their
// live state.
func (t *Table) Restore(snap map[HostKey]Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range snap {
		if _, ok := t.entries[k]; ok {
			continue
		}
		e := e
		t.entries[k] = &e
	}
	metrics.AffinityHosts.Set(float64(len(t.entries)))
}

// HostView is one row of Sorted.
type HostView struct {
	HostKey
	Entry
}

// Sorted returns all entries ordered by most recently seen.
func (t *Table) Sorted() []HostView {
	snap := t.Snapshot()
	out := make([]HostView, 0, len(snap))
	for k, e := range snap {
		out = append(out, HostView{HostKey: k, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].HostKey.String() < out[j].HostKey.String()
	})
	return out
}
