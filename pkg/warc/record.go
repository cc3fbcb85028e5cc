// Package warc adapts github.com/nlnwa/gowarc to the records warc-proxy
// writes: warcinfo, request and response records, framed either plain or as
// one gzip member per record.
package warc

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the record version line written at the top of every record.
const Version = "WARC/1.0"

// RecordType is the value of the WARC-Type header.
type RecordType string

const (
	TypeInfo     RecordType = "warcinfo"
	TypeRequest  RecordType = "request"
	TypeResponse RecordType = "response"
)

// Content types for record blocks.
const (
	ContentTypeFields   = "application/warc-fields"
	ContentTypeRequest  = "application/http; msgtype=request"
	ContentTypeResponse = "application/http; msgtype=response"
)

// DateFormat is the WARC-Date layout (UTC, second precision).
const DateFormat = "2006-01-02T15:04:05Z"

// Record is a single WARC record. Block holds the record payload exactly as
// it is written to the file.
type Record struct {
	Type         RecordType
	ID           string
	Date         time.Time
	TargetURI    string
	ConcurrentTo string
	Filename     string
	ContentType  string
	Block        []byte

	// Extra carries headers this package does not model explicitly; the
	// reader fills it, the encoder writes it after the known headers.
	Extra map[string]string
}

// Field is one "name: value" line of a warcinfo block.
type Field struct {
	Name  string
	Value string
}

// NewRecordID returns a fresh WARC-Record-ID in its bracketed URN form.
func NewRecordID() string {
	return "<urn:uuid:" + uuid.New().String() + ">"
}

// NewInfoRecord builds the warcinfo record describing a capture file.
func NewInfoRecord(filename string, fields []Field) *Record {
	var b strings.Builder
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	return &Record{
		Type:        TypeInfo,
		ID:          NewRecordID(),
		Date:        time.Now().UTC(),
		Filename:    filename,
		ContentType: ContentTypeFields,
		Block:       []byte(b.String()),
	}
}

// NewRequestRecord builds a request record for the given target URI. block is
// the full HTTP request as it appeared on the wire.
func NewRequestRecord(targetURI string, block []byte) *Record {
	return &Record{
		Type:        TypeRequest,
		ID:          NewRecordID(),
		Date:        time.Now().UTC(),
		TargetURI:   targetURI,
		ContentType: ContentTypeRequest,
		Block:       block,
	}
}

// NewResponseRecord builds a response record for the given target URI.
func NewResponseRecord(targetURI string, block []byte) *Record {
	return &Record{
		Type:        TypeResponse,
		ID:          NewRecordID(),
		Date:        time.Now().UTC(),
		TargetURI:   targetURI,
		ContentType: ContentTypeResponse,
		Block:       block,
	}
}

// Fields parses a warcinfo block back into its name/value lines.
func (r *Record) Fields() []Field {
	var out []Field
	for _, line := range strings.Split(string(r.Block), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out = append(out, Field{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return out
}
