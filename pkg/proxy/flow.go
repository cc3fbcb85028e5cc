package proxy

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// FlowState describes the current lifecycle stage of a Flow.
type FlowState string

const (
	FlowStateActive   FlowState = "active"
	FlowStateHeld     FlowState = "held"
	FlowStateComplete FlowState = "complete"
	FlowStateError    FlowState = "error"
)

// CapturedRequest holds a snapshot of an HTTP request as the client sent it.
type CapturedRequest struct {
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Scheme        string      `json:"scheme"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	Path          string      `json:"path"` // request URI: path plus raw query
	ProtoMajor    int         `json:"protoMajor"`
	ProtoMinor    int         `json:"protoMinor"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`
}

// CapturedResponse holds a snapshot of an upstream HTTP response.
type CapturedResponse struct {
	StatusCode    int         `json:"statusCode"`
	Reason        string      `json:"reason,omitempty"` // reason phrase as received
	ProtoMajor    int         `json:"protoMajor"`
	ProtoMinor    int         `json:"protoMinor"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`
}

// ArchiveInfo records what the archiving addon did with a flow.
type ArchiveInfo struct {
	RequestRecordID  string `json:"requestRecordId,omitempty"`
	ResponseRecordID string `json:"responseRecordId,omitempty"`
	Skipped          bool   `json:"skipped,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Flow represents a complete HTTP transaction.
//
// Once a flow is in a FlowStore, other goroutines read it through Snapshot.
// Field writes after that point go through Update. Request and Response are
// never modified once attached; a new value replaces the old one.
type Flow struct {
	ID       string `json:"id"`
	Upstream string `json:"upstream"` // upstream name, or "direct" in forward mode

	Request  *CapturedRequest  `json:"request"`
	Response *CapturedResponse `json:"response,omitempty"`
	Error    string            `json:"error,omitempty"`
	Archive  ArchiveInfo       `json:"archive"`

	State FlowState `json:"state"`
	Tags  []string  `json:"tags,omitempty"`

	Timestamps struct {
		Created       time.Time `json:"created"`
		RequestDone   time.Time `json:"requestDone"`
		ResponseStart time.Time `json:"responseStart,omitempty"`
		ResponseDone  time.Time `json:"responseDone,omitempty"`
	} `json:"timestamps"`

	ctx context.Context

	// mu guards the exported fields once the flow is shared, plus resumeCh
	// and killed.
	mu       sync.Mutex
	resumeCh chan struct{}
	killed   bool
	resumes  atomic.Int32
}

// NewFlow returns a flow for req bound to ctx. The context is what blocking
// hook work (such as archiving) should honour.
func NewFlow(ctx context.Context, id string, req *CapturedRequest) *Flow {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &Flow{ID: id, Request: req, State: FlowStateActive, ctx: ctx}
	f.Timestamps.Created = time.Now()
	return f
}

// Context returns the context of the connection that produced the flow.
func (f *Flow) Context() context.Context {
	if f.ctx == nil {
		return context.Background()
	}
	return f.ctx
}

// Update applies fn to the flow under its lock. fn must not call other
// Flow methods.
func (f *Flow) Update(fn func(f *Flow)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Snapshot returns a copy of the flow's exported fields taken under its
// lock. The copy shares Request and Response, which are immutable.
func (f *Flow) Snapshot() *Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := &Flow{
		ID:       f.ID,
		Upstream: f.Upstream,
		Request:  f.Request,
		Response: f.Response,
		Error:    f.Error,
		Archive:  f.Archive,
		State:    f.State,
		Tags:     append([]string(nil), f.Tags...),
		ctx:      f.ctx,
		killed:   f.killed,
	}
	cp.Timestamps = f.Timestamps
	return cp
}

// Duration returns elapsed time from flow creation to response completion,
// or to now if the flow is still in-flight.
func (f *Flow) Duration() time.Duration {
	if !f.Timestamps.ResponseDone.IsZero() {
		return f.Timestamps.ResponseDone.Sub(f.Timestamps.Created)
	}
	return time.Since(f.Timestamps.Created)
}

// Hold arms a resume gate for the hook phase about to run. The engine does
// not forward traffic past the phase until Resume or Kill is called.
func (f *Flow) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed {
		return
	}
	f.resumeCh = make(chan struct{})
	f.State = FlowStateHeld
}

// Resume releases the current hook phase. Calling it when nothing is held is
// a no-op apart from being counted.
func (f *Flow) Resume() {
	f.resumes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeCh != nil {
		close(f.resumeCh)
		f.resumeCh = nil
	}
	if f.State == FlowStateHeld {
		f.State = FlowStateActive
	}
}

// Resumes returns how many times Resume has been called on the flow.
func (f *Flow) Resumes() int { return int(f.resumes.Load()) }

// Wait blocks until the held phase is resumed or ctx is done. It returns
// errFlowKilled if the flow was killed while held.
func (f *Flow) Wait(ctx context.Context) error {
	f.mu.Lock()
	ch := f.resumeCh
	f.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.Killed() {
		return errFlowKilled
	}
	return nil
}

// Kill terminates a flow; if it is held it will be unblocked.
func (f *Flow) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	if f.resumeCh != nil {
		close(f.resumeCh)
		f.resumeCh = nil
	}
	f.State = FlowStateError
	f.Error = "flow killed"
}

// Killed reports whether Kill has been called.
func (f *Flow) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// FlowEventType describes the kind of change that occurred to a flow.
type FlowEventType string

const (
	FlowEventNew      FlowEventType = "new"
	FlowEventUpdate   FlowEventType = "update"
	FlowEventComplete FlowEventType = "complete"
	FlowEventError    FlowEventType = "error"
)

// FlowEvent carries a flow change notification to subscribers.
type FlowEvent struct {
	Type FlowEventType `json:"type"`
	Flow *Flow         `json:"flow"`
}
