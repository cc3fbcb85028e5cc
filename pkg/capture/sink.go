// Package capture owns the WARC output file. A Sink accepts records from any
// number of goroutines and hands them, through one bounded FIFO queue, to a
// single writer goroutine that is the only code touching the file.
//
// Guarantees:
//   - records are never interleaved; each one is marshalled in full and
//     written with a single write call, and a failed write is rolled back to
//     the previous record boundary;
//   - records appended by one goroutine are written in the order appended;
//   - the first record in the file is the warcinfo record written by Open.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fidiego/warc-proxy/pkg/metrics"
	"github.com/fidiego/warc-proxy/pkg/warc"
)

// DefaultQueueSize is the queue capacity used when Options.QueueSize is 0.
const DefaultQueueSize = 1024

// Overflow selects what Append does when the queue is full.
type Overflow int

const (
	// OverflowBlock makes Append wait for room, or for ctx to end while the
	// queue is still full.
	OverflowBlock Overflow = iota
	// OverflowFail makes Append return a KindQueueFull error immediately.
	OverflowFail
)

func (o Overflow) String() string {
	if o == OverflowFail {
		return "fail"
	}
	return "block"
}

// ParseOverflow parses "block" or "fail"; empty means block.
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return OverflowBlock, nil
	case "fail":
		return OverflowFail, nil
	default:
		return OverflowBlock, fmt.Errorf("invalid overflow policy %q (want block or fail)", s)
	}
}

// Options configures a Sink.
type Options struct {
	// Path of the output file. A .gz/.gzip suffix selects gzip framing.
	Path string

	// QueueSize is the number of records that may wait for the writer.
	QueueSize int

	// Overflow is the full-queue policy.
	Overflow Overflow

	// Software is written to the warcinfo record (e.g. "warc-proxy/1.2.0").
	Software string

	// Info holds extra warcinfo fields such as operator or description.
	Info []warc.Field

	// Logger receives write failures. The zero value logs nothing.
	Logger zerolog.Logger

	// OnError is called from the writer goroutine for every failed write. It
	// must not call back into the Sink.
	OnError func(error)
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Software == "" {
		o.Software = "warc-proxy"
	}
}

// file is the part of *os.File the writer needs.
type file interface {
	io.Writer
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
	Sync() error
	Close() error
}

// Stats is a snapshot of sink activity.
type Stats struct {
	Path           string `json:"path"`
	Compressed     bool   `json:"compressed"`
	RecordsWritten int64  `json:"recordsWritten"`
	BytesWritten   int64  `json:"bytesWritten"`
	WriteFailures  int64  `json:"writeFailures"`
	Rejected       int64  `json:"rejected"`
	Queued         int    `json:"queued"`
	QueueCapacity  int    `json:"queueCapacity"`
	Closed         bool   `json:"closed"`
}

// Sink is the single owner of a WARC output file.
type Sink struct {
	path       string
	compressed bool
	overflow   Overflow
	logger     zerolog.Logger
	onError    func(error)

	queue chan *warc.Record
	done  chan struct{}

	// mu orders Append's channel sends against Close closing the channel.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error

	// Owned by the writer goroutine after Open returns.
	file   file
	offset int64

	written  atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
	rejected atomic.Int64
}

// Open creates (or truncates) the output file, locks it against other
// processes, writes the warcinfo record and starts the writer. Any failure is
// an *InitError.
func Open(opts Options) (*Sink, error) {
	opts.setDefaults()
	if strings.TrimSpace(opts.Path) == "" {
		return nil, &InitError{Path: opts.Path, Err: errors.New("no output path")}
	}

	f, err := os.OpenFile(opts.Path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &InitError{Path: opts.Path, Err: err}
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, &InitError{Path: opts.Path, Err: fmt.Errorf("%w: %v", ErrLocked, err)}
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, &InitError{Path: opts.Path, Err: err}
	}

	return newSink(f, opts)
}

func newSink(f file, opts Options) (*Sink, error) {
	opts.setDefaults()
	s := &Sink{
		path:       opts.Path,
		compressed: warc.IsCompressedPath(opts.Path),
		overflow:   opts.Overflow,
		logger:     opts.Logger,
		onError:    opts.OnError,
		queue:      make(chan *warc.Record, opts.QueueSize),
		done:       make(chan struct{}),
		file:       f,
	}

	info := warc.NewInfoRecord(filepath.Base(opts.Path), infoFields(opts))
	if err := s.write(info); err != nil {
		_ = f.Close()
		return nil, &InitError{Path: opts.Path, Err: err}
	}

	go s.run()
	s.logger.Info().
		Str("path", s.path).
		Bool("gzip", s.compressed).
		Int("queue", opts.QueueSize).
		Str("overflow", opts.Overflow.String()).
		Msg("warc sink opened")
	return s, nil
}

func infoFields(opts Options) []warc.Field {
	host, _ := os.Hostname()
	fields := []warc.Field{
		{Name: "software", Value: opts.Software},
		{Name: "format", Value: "WARC File Format 1.0"},
		{Name: "conformsTo", Value: "http://bibnum.bnf.fr/WARC/WARC_ISO_28500_version1_latestdraft.pdf"},
		{Name: "hostname", Value: host},
		{Name: "pid", Value: strconv.Itoa(os.Getpid())},
	}
	return append(fields, opts.Info...)
}

// Path returns the output path the sink was opened with.
func (s *Sink) Path() string { return s.path }

// Compressed reports whether records are written as gzip members.
func (s *Sink) Compressed() bool { return s.compressed }

// Append queues rec for writing. It returns once the record is queued, not
// once it is on disk; write failures are reported through the logger,
// OnError and metrics. The returned error is always a *CaptureError.
func (s *Sink) Append(ctx context.Context, rec *warc.Record) error {
	if rec == nil {
		return &CaptureError{Op: "append", Kind: KindWriteFailed, Err: errors.New("nil record")}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return s.reject(rec, KindClosed, ErrClosed)
	}

	// A record that fits is always taken, even when ctx is already done; ctx
	// only bounds the wait for room.
	select {
	case s.queue <- rec:
	default:
		if s.overflow == OverflowFail {
			return s.reject(rec, KindQueueFull, ErrQueueFull)
		}
		select {
		case s.queue <- rec:
		case <-ctx.Done():
			return s.reject(rec, KindCanceled, ctx.Err())
		}
	}

	metrics.QueueDepth.Set(float64(len(s.queue)))
	return nil
}

func (s *Sink) reject(rec *warc.Record, kind Kind, err error) error {
	s.rejected.Add(1)
	metrics.RecordWriteFailures.WithLabelValues(string(kind)).Inc()
	return &CaptureError{Op: "append", Kind: kind, RecordID: rec.ID, Err: err}
}

// run is the writer goroutine. It exits when the queue is closed and drained.
func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.queue {
		metrics.QueueDepth.Set(float64(len(s.queue)))
		if err := s.write(rec); err != nil {
			s.failures.Add(1)
			metrics.RecordWriteFailures.WithLabelValues(string(KindWriteFailed)).Inc()
			s.logger.Warn().Err(err).Str("record_id", rec.ID).Str("uri", rec.TargetURI).Msg("warc record write failed")
			if s.onError != nil {
				s.onError(err)
			}
		}
	}
}

// write marshals rec and appends it with one write call. On a short or
// failed write the file is cut back to the last record boundary.
func (s *Sink) write(rec *warc.Record) error {
	b, err := warc.Marshal(rec, s.compressed)
	if err != nil {
		return &CaptureError{Op: "marshal", Kind: KindWriteFailed, RecordID: rec.ID, Err: err}
	}

	n, err := s.file.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if n > 0 {
			s.rollback()
		}
		return &CaptureError{Op: "write", Kind: KindWriteFailed, RecordID: rec.ID, Err: err}
	}

	s.offset += int64(n)
	s.written.Add(1)
	s.bytes.Add(int64(n))
	metrics.RecordsWritten.WithLabelValues(string(rec.Type)).Inc()
	metrics.BytesWritten.Add(float64(n))
	return nil
}

func (s *Sink) rollback() {
	if err := s.file.Truncate(s.offset); err != nil {
		s.logger.Error().Err(err).Int64("offset", s.offset).Msg("warc rollback failed; file may hold a torn record")
		return
	}
	if _, err := s.file.Seek(s.offset, io.SeekStart); err != nil {
		s.logger.Error().Err(err).Int64("offset", s.offset).Msg("warc seek after rollback failed")
	}
}

// Close stops accepting records, waits for the queue to drain, syncs and
// closes the file. It is safe to call more than once.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		<-s.done
		metrics.QueueDepth.Set(0)

		if err := s.file.Sync(); err != nil {
			s.closeErr = fmt.Errorf("capture: sync %s: %w", s.path, err)
		}
		if err := s.file.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("capture: close %s: %w", s.path, err)
		}
		s.logger.Info().
			Str("path", s.path).
			Int64("records", s.written.Load()).
			Int64("failures", s.failures.Load()).
			Msg("warc sink closed")
	})
	return s.closeErr
}

// Stats returns a snapshot of the sink's counters.
func (s *Sink) Stats() Stats {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	return Stats{
		Path:           s.path,
		Compressed:     s.compressed,
		RecordsWritten: s.written.Load(),
		BytesWritten:   s.bytes.Load(),
		WriteFailures:  s.failures.Load(),
		Rejected:       s.rejected.Load(),
		Queued:         len(s.queue),
		QueueCapacity:  cap(s.queue),
		Closed:         closed,
	}
}
