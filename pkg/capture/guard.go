package capture

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Guard enforces one Sink per process. Acquire with the options of the sink
// already open returns that sink; different options are refused.
type Guard struct {
	mu   sync.Mutex
	sink *Sink
	key  guardKey
}

type guardKey struct {
	path      string
	queueSize int
	overflow  Overflow
}

func keyOf(opts Options) guardKey {
	opts.setDefaults()
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		path = filepath.Clean(opts.Path)
	}
	return guardKey{path: path, queueSize: opts.QueueSize, overflow: opts.Overflow}
}

// Acquire opens the sink on first use and returns it on later calls with
// equivalent options. A call with different options returns an *InitError
// wrapping ErrAlreadyInitialized and leaves the open sink untouched.
func (g *Guard) Acquire(opts Options) (*Sink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := keyOf(opts)
	if g.sink != nil {
		if key == g.key {
			return g.sink, nil
		}
		return nil, &InitError{
			Path: opts.Path,
			Err:  fmt.Errorf("%w: writing to %s", ErrAlreadyInitialized, g.sink.Path()),
		}
	}

	s, err := Open(opts)
	if err != nil {
		return nil, err
	}
	g.sink, g.key = s, key
	return s, nil
}

// Sink returns the open sink, or nil.
func (g *Guard) Sink() *Sink {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sink
}

// Close closes the open sink, if any. A later Acquire opens a new one.
func (g *Guard) Close() error {
	g.mu.Lock()
	s := g.sink
	g.sink = nil
	g.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
