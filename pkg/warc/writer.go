package warc

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/nlnwa/gowarc"
)

// CompressedSuffixes are the file name suffixes that select gzip framing.
var CompressedSuffixes = []string{".gz", ".gzip"}

// IsCompressedPath reports whether a file at path should be gzip framed.
func IsCompressedPath(path string) bool {
	lower := strings.ToLower(path)
	for _, s := range CompressedSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

var recordTypes = map[RecordType]gowarc.RecordType{
	TypeInfo:     gowarc.Warcinfo,
	TypeRequest:  gowarc.Request,
	TypeResponse: gowarc.Response,
}

var marshaler = gowarc.NewMarshaler()

// build turns rec into a gowarc record. The block digest and Content-Length
// are filled in by the builder; the record ID is always ours.
func build(rec *Record) (gowarc.WarcRecord, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("warc: record has no id")
	}
	typ, ok := recordTypes[rec.Type]
	if !ok {
		return nil, fmt.Errorf("warc: unsupported record type %q", rec.Type)
	}

	rb := gowarc.NewRecordBuilder(typ,
		gowarc.WithVersion(gowarc.V1_0),
		gowarc.WithAddMissingRecordId(false),
		gowarc.WithAddMissingDigest(true),
		gowarc.WithAddMissingContentLength(true),
		gowarc.WithNoValidation(),
	)
	add := func(name, value string) {
		if value != "" {
			rb.AddWarcHeader(name, value)
		}
	}
	add(gowarc.WarcRecordID, rec.ID)
	add(gowarc.WarcDate, rec.Date.UTC().Format(DateFormat))
	add(gowarc.WarcTargetURI, rec.TargetURI)
	add(gowarc.WarcConcurrentTo, rec.ConcurrentTo)
	add(gowarc.WarcFilename, rec.Filename)
	add(gowarc.ContentType, rec.ContentType)

	keys := make([]string, 0, len(rec.Extra))
	for k := range rec.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, rec.Extra[k])
	}

	if _, err := rb.Write(rec.Block); err != nil {
		return nil, fmt.Errorf("warc: buffer block: %w", err)
	}
	wr, _, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("warc: build %s record: %w", rec.Type, err)
	}
	return wr, nil
}

// Encode writes rec in WARC/1.0 framing to w: version line, headers, blank
// line, block and the two trailing CRLFs.
func Encode(w io.Writer, rec *Record) error {
	wr, err := build(rec)
	if err != nil {
		return err
	}
	defer wr.Close()

	if _, _, err := marshaler.Marshal(w, wr, 0); err != nil {
		return fmt.Errorf("warc: marshal %s record: %w", rec.Type, err)
	}
	return nil
}

// Marshal returns the bytes of rec as they should be appended to a file. When
// compress is true the record is wrapped in its own gzip member, so a file is
// a valid multi-member gzip stream that can be truncated at any record
// boundary.
func Marshal(rec *Record, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if !compress {
		if err := Encode(&buf, rec); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	zw := gzip.NewWriter(&buf)
	if err := Encode(zw, rec); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("warc: gzip record: %w", err)
	}
	return buf.Bytes(), nil
}
