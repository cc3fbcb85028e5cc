package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/warc-proxy/pkg/warc"
)

func readBack(t *testing.T, path string) []*warc.Record {
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

func getRecord(uri string) *warc.Record {
	return warc.NewRequestRecord(uri, []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
}

func appendConcurrently(t *testing.T, s *Sink, workers, each int) {
	t.Helper()
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				uri := fmt.Sprintf("http://example.com/%d/%d", g, i)
				block := []byte(fmt.Sprintf("GET %s HTTP/1.1\r\n\r\n", uri))
				assert.NoError(t, s.Append(context.Background(), warc.NewRequestRecord(uri, block)))
			}
		}(g)
	}
	wg.Wait()
}

func checkOrder(t *testing.T, recs []*warc.Record, workers, each int) {
	t.Helper()
	next := make([]int, workers)
	for _, rec := range recs[1:] {
		var g, i int
		_, err := fmt.Sscanf(rec.TargetURI, "http://example.com/%d/%d", &g, &i)
		require.NoError(t, err)
		assert.Equal(t, next[g], i, "worker %d out of order", g)
		next[g] = i + 1
	}
	for g := range next {
		assert.Equal(t, each, next[g])
	}
}

func TestSink_ConcurrentAppends(t *testing.T) {
	for _, name := range []string{"out.warc", "out.warc.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			s, err := Open(Options{Path: path, QueueSize: 16})
			require.NoError(t, err)

			const workers, each = 8, 50
			appendConcurrently(t, s, workers, each)
			require.NoError(t, s.Close())

			recs := readBack(t, path)
			require.Len(t, recs, workers*each+1)
			assert.Equal(t, warc.TypeInfo, recs[0].Type)
			assert.Equal(t, name, recs[0].Filename)
			checkOrder(t, recs, workers, each)

			st := s.Stats()
			assert.EqualValues(t, workers*each+1, st.RecordsWritten)
			assert.Zero(t, st.WriteFailures)
			assert.True(t, st.Closed)
			assert.Equal(t, name == "out.warc.gz", st.Compressed)
		})
	}
}

func TestSink_InfoRecordFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.warc")
	s, err := Open(Options{
		Path:     path,
		Software: "warc-proxy/test",
		Info:     []warc.Field{{Name: "operator", Value: "ops@example.com"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	recs := readBack(t, path)
	require.Len(t, recs, 1)
	body := string(recs[0].Block)
	assert.Contains(t, body, "software: warc-proxy/test\r\n")
	assert.Contains(t, body, "format: WARC File Format 1.0\r\n")
	assert.Contains(t, body, "operator: ops@example.com\r\n")
}

func TestOpen_UnwritablePath(t *testing.T) {
	_, err := Open(Options{Path: filepath.Join(t.TempDir(), "missing", "out.warc")})
	require.Error(t, err)
	var ierr *InitError
	assert.True(t, errors.As(err, &ierr))

	_, err = Open(Options{Path: "  "})
	assert.True(t, errors.As(err, &ierr))
}

func TestOpen_Truncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.warc")
	require.NoError(t, os.WriteFile(path, []byte("stale bytes that are not warc"), 0o644))

	s, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Len(t, readBack(t, path), 1)
}

func TestSink_AppendAfterClose(t *testing.T) {
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "c.warc")})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Append(context.Background(), getRecord("http://a/"))
	assert.ErrorIs(t, err, ErrClosed)
	var cerr *CaptureError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindClosed, cerr.Kind)
	assert.EqualValues(t, 1, s.Stats().Rejected)
}

// memFile is an in-memory file. Writes after the first (the warcinfo record)
// can be made to block or fail.
type memFile struct {
	mu       sync.Mutex
	data     []byte
	pos      int64
	writes   int
	failOn   int // 1-based write number that fails halfway
	entered  chan struct{}
	release  chan struct{}
	truncs   []int64
	syncs    int
	isClosed bool
}

func (m *memFile) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.writes++
	n := m.writes
	m.mu.Unlock()

	if n > 1 && m.release != nil {
		m.entered <- struct{}{}
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n == m.failOn {
		half := p[:len(p)/2]
		m.put(half)
		return len(half), errors.New("disk full")
	}
	m.put(p)
	return len(p), nil
}

func (m *memFile) put(p []byte) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[m.pos:], p)
	m.pos = end
}

func (m *memFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncs = append(m.truncs, size)
	m.data = m.data[:size]
	return nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if whence != io.SeekStart {
		return 0, errors.New("unsupported whence")
	}
	m.pos = offset
	return offset, nil
}

func (m *memFile) Sync() error  { m.syncs++; return nil }
func (m *memFile) Close() error { m.isClosed = true; return nil }

func (m *memFile) records(t *testing.T) []*warc.Record {
	t.Helper()
	r, err := warc.NewReader(bytes.NewReader(m.data))
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	return recs
}

func TestSink_WriteFailureRollsBackAndContinues(t *testing.T) {
	mf := &memFile{failOn: 3}
	var failed []error
	s, err := newSink(mf, Options{Path: "mem.warc", OnError: func(err error) { failed = append(failed, err) }})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		uri := fmt.Sprintf("http://example.com/%d", i)
		require.NoError(t, s.Append(context.Background(), warc.NewRequestRecord(uri, []byte("GET / HTTP/1.1\r\n\r\n"))))
	}
	require.NoError(t, s.Close())

	require.Len(t, failed, 1)
	var cerr *CaptureError
	require.True(t, errors.As(failed[0], &cerr))
	assert.Equal(t, KindWriteFailed, cerr.Kind)
	assert.Len(t, mf.truncs, 1)

	recs := mf.records(t)
	require.Len(t, recs, 4)
	assert.Equal(t, "http://example.com/0", recs[1].TargetURI)
	assert.Equal(t, "http://example.com/2", recs[2].TargetURI)
	assert.Equal(t, "http://example.com/3", recs[3].TargetURI)

	st := s.Stats()
	assert.EqualValues(t, 1, st.WriteFailures)
	assert.EqualValues(t, 4, st.RecordsWritten)
	assert.Equal(t, 1, mf.syncs)
	assert.True(t, mf.isClosed)
}

func TestSink_QueueFull(t *testing.T) {
	mf := &memFile{entered: make(chan struct{}), release: make(chan struct{})}
	s, err := newSink(mf, Options{Path: "mem.warc", QueueSize: 1, Overflow: OverflowFail})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Append(ctx, getRecord("http://a/1")))
	<-mf.entered // writer is holding record 1
	require.NoError(t, s.Append(ctx, getRecord("http://a/2")))

	err = s.Append(ctx, getRecord("http://a/3"))
	assert.ErrorIs(t, err, ErrQueueFull)
	var cerr *CaptureError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindQueueFull, cerr.Kind)

	go func() {
		for range mf.entered {
		}
	}()
	close(mf.release)
	require.NoError(t, s.Close())
	close(mf.entered)

	assert.Len(t, mf.records(t), 3)
	assert.EqualValues(t, 1, s.Stats().Rejected)
}

func TestSink_BlockHonoursContext(t *testing.T) {
	mf := &memFile{entered: make(chan struct{}), release: make(chan struct{})}
	s, err := newSink(mf, Options{Path: "mem.warc", QueueSize: 1})
	require.NoError(t, err)

	require.NoError(t, s.Append(context.Background(), getRecord("http://a/1")))
	<-mf.entered
	require.NoError(t, s.Append(context.Background(), getRecord("http://a/2")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Append(ctx, getRecord("http://a/3"))
	assert.ErrorIs(t, err, context.Canceled)

	go func() {
		for range mf.entered {
		}
	}()
	close(mf.release)
	require.NoError(t, s.Close())
	close(mf.entered)
	assert.Len(t, mf.records(t), 3)
}

func TestSink_CanceledContextWithRoomIsQueued(t *testing.T) {
	for _, overflow := range []Overflow{OverflowBlock, OverflowFail} {
		t.Run(overflow.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.warc")
			s, err := Open(Options{Path: path, Overflow: overflow})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			for i := 0; i < 200; i++ {
				require.NoError(t, s.Append(ctx, getRecord(fmt.Sprintf("http://a/%d", i))))
			}
			require.NoError(t, s.Close())

			assert.Zero(t, s.Stats().Rejected)
			assert.Len(t, readBack(t, path), 201)
		})
	}
}

func TestParseOverflow(t *testing.T) {
	o, err := ParseOverflow("")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, o)

	o, err = ParseOverflow(" FAIL ")
	require.NoError(t, err)
	assert.Equal(t, OverflowFail, o)
	assert.Equal(t, "fail", o.String())

	_, err = ParseOverflow("drop")
	assert.Error(t, err)
}
