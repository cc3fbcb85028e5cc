package proxy

import "sync"

// FlowStore keeps the most recent flows in a fixed-capacity ring and fans out
// change notifications to subscribers. It is an inspection aid only; the
// archive on disk is the durable record.
type FlowStore struct {
	mu          sync.RWMutex
	ring        []*Flow
	index       map[string]*Flow
	next        int // slot the next flow goes into
	size        int
	subscribers []chan FlowEvent
}

// NewFlowStore creates a store holding up to capacity flows; the oldest flow
// is evicted when it is full.
func NewFlowStore(capacity int) *FlowStore {
	if capacity <= 0 {
		capacity = DefaultMaxFlows
	}
	return &FlowStore{
		ring:  make([]*Flow, capacity),
		index: make(map[string]*Flow),
	}
}

// Add stores a new flow and notifies subscribers.
func (s *FlowStore) Add(f *Flow) {
	s.mu.Lock()
	if old := s.ring[s.next]; old != nil {
		delete(s.index, old.ID)
	} else {
		s.size++
	}
	s.ring[s.next] = f
	s.index[f.ID] = f
	s.next = (s.next + 1) % len(s.ring)
	s.mu.Unlock()

	s.Update(f, FlowEventNew)
}

// Update notifies subscribers of a change to an existing flow. Events carry
// a Snapshot, never the live flow. Sends never block, so they happen under
// the read lock; Unsubscribe cannot close a channel mid-send.
func (s *FlowStore) Update(f *Flow, eventType FlowEventType) {
	evt := FlowEvent{Type: eventType, Flow: f.Snapshot()}
	s.mu.RLock()
	defer s.mu.RUnlock()
	notify(s.subscribers, evt)
}

// Get returns the live flow with the given ID, or nil if not found. Callers
// outside the flow's handler goroutine read it through Snapshot.
func (s *FlowStore) Get(id string) *Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[id]
}

// All returns snapshots of all flows in insertion order (oldest first).
func (s *FlowStore) All() []*Flow {
	return s.Select(nil, 0)
}

// Select returns snapshots of the flows accepted by match in insertion order,
// keeping only the newest limit of them when limit > 0. A nil match accepts
// every flow.
func (s *FlowStore) Select(match func(*Flow) bool, limit int) []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Flow, 0, s.size)
	start := (s.next - s.size + len(s.ring)) % len(s.ring)
	for i := 0; i < s.size; i++ {
		f := s.ring[(start+i)%len(s.ring)].Snapshot()
		if match == nil || match(f) {
			out = append(out, f)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear removes all flows from the store.
func (s *FlowStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = make([]*Flow, len(s.ring))
	s.index = make(map[string]*Flow)
	s.next = 0
	s.size = 0
}

// Count returns the number of flows currently held.
func (s *FlowStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Subscribe returns a channel that receives FlowEvents. The channel is
// buffered; slow consumers will have events dropped.
func (s *FlowStore) Subscribe() chan FlowEvent {
	ch := make(chan FlowEvent, 128)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *FlowStore) Unsubscribe(ch chan FlowEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func notify(subs []chan FlowEvent, evt FlowEvent) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop the event rather than blocking.
		}
	}
}
