package warc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nlnwa/gowarc"
)

// ErrMalformed is returned by Reader.Next when the input is not valid WARC.
var ErrMalformed = errors.New("warc: malformed record")

var knownHeaders = map[string]bool{
	gowarc.WarcType:         true,
	gowarc.WarcRecordID:     true,
	gowarc.WarcDate:         true,
	gowarc.WarcTargetURI:    true,
	gowarc.WarcConcurrentTo: true,
	gowarc.WarcFilename:     true,
	gowarc.WarcBlockDigest:  true,
	gowarc.ContentType:      true,
	gowarc.ContentLength:    true,
}

// Reader reads records sequentially from a plain or gzip framed WARC stream.
type Reader struct {
	br     *bufio.Reader
	u      gowarc.Unmarshaler
	closer io.Closer
	offset int
}

// NewReader detects gzip framing from the stream's magic bytes. Gzip input is
// read as one multi-member stream, so per-record members and a single member
// holding the whole file both work.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("warc: peek: %w", err)
	}

	rd := &Reader{u: gowarc.NewUnmarshaler(gowarc.WithNoValidation())}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("warc: gzip: %w", err)
		}
		rd.closer = zr
		rd.br = bufio.NewReader(zr)
	} else {
		rd.br = br
	}
	return rd, nil
}

// Next returns the next record, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (*Record, error) {
	if err := r.skipBlankLines(); err != nil {
		return nil, err
	}

	wr, _, _, err := r.u.Unmarshal(r.br)
	if err != nil {
		return nil, r.malformed("%v", err)
	}
	defer wr.Close()

	hdr := wr.WarcHeader()
	n, err := strconv.Atoi(hdr.Get(gowarc.ContentLength))
	if err != nil || n < 0 {
		return nil, r.malformed("bad Content-Length %q", hdr.Get(gowarc.ContentLength))
	}
	if err := wr.Block().Cache(); err != nil {
		return nil, r.malformed("block: %v", err)
	}
	raw, err := wr.Block().RawBytes()
	if err != nil {
		return nil, r.malformed("block: %v", err)
	}
	block, err := io.ReadAll(raw)
	if err != nil {
		return nil, r.malformed("block: %v", err)
	}
	if len(block) != n {
		return nil, r.malformed("block is %d bytes, Content-Length says %d", len(block), n)
	}
	if want := hdr.Get(gowarc.WarcBlockDigest); want != "" && !strings.EqualFold(want, wr.Block().BlockDigest()) {
		return nil, r.malformed("block digest mismatch")
	}

	rec := &Record{
		Type:         RecordType(wr.Type().String()),
		ID:           hdr.Get(gowarc.WarcRecordID),
		TargetURI:    hdr.Get(gowarc.WarcTargetURI),
		ConcurrentTo: hdr.Get(gowarc.WarcConcurrentTo),
		Filename:     hdr.Get(gowarc.WarcFilename),
		ContentType:  hdr.Get(gowarc.ContentType),
		Block:        block,
	}
	if d := hdr.Get(gowarc.WarcDate); d != "" {
		if rec.Date, err = time.Parse(time.RFC3339Nano, d); err != nil {
			return nil, r.malformed("WARC-Date %q", d)
		}
	}
	for _, f := range *hdr {
		if knownHeaders[f.Name] || rec.Extra[f.Name] != "" {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[f.Name] = f.Value
	}

	r.offset++
	return rec, nil
}

func (r *Reader) malformed(format string, args ...any) error {
	return fmt.Errorf("%w: record %d: %s", ErrMalformed, r.offset, fmt.Sprintf(format, args...))
}

// skipBlankLines consumes the CRLFs between records. A clean end of input
// yields io.EOF.
func (r *Reader) skipBlankLines() error {
	for {
		b, err := r.br.ReadByte()
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			return r.malformed("%v", err)
		}
		if b != '\r' && b != '\n' {
			return r.br.UnreadByte()
		}
	}
}

// ReadAll reads every remaining record.
func (r *Reader) ReadAll() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close releases the gzip reader, if any. It does not close the source.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
