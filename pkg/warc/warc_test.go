package warc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCompressedPath(t *testing.T) {
	assert.True(t, IsCompressedPath("out.warc.gz"))
	assert.True(t, IsCompressedPath("/tmp/OUT.WARC.GZ"))
	assert.True(t, IsCompressedPath("capture.gzip"))
	assert.False(t, IsCompressedPath("out.warc"))
	assert.False(t, IsCompressedPath("gz"))
}

func TestEncode_Framing(t *testing.T) {
	rec := NewRequestRecord("http://example.com/foo", []byte("GET http://example.com/foo HTTP/1.1\r\n\r\n"))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, Version+"\r\n"))
	assert.Contains(t, out, "WARC-Type: request\r\n")
	assert.Contains(t, out, "WARC-Record-ID: "+rec.ID+"\r\n")
	assert.Contains(t, out, "WARC-Target-URI: http://example.com/foo\r\n")
	assert.Contains(t, out, "Content-Type: application/http; msgtype=request\r\n")
	assert.Contains(t, out, "Content-Length: 39\r\n\r\nGET http://example.com/foo HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n\r\n\r\n"))
	assert.Contains(t, out, "WARC-Block-Digest: sha1:")
}

func TestEncode_RejectsIncompleteRecord(t *testing.T) {
	assert.Error(t, Encode(io.Discard, &Record{ID: NewRecordID()}))
	assert.Error(t, Encode(io.Discard, &Record{Type: TypeRequest}))
	assert.Error(t, Encode(io.Discard, &Record{Type: "revisit", ID: NewRecordID()}))
}

func TestReader_PlainAndGzip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		info := NewInfoRecord("out.warc", []Field{{"software", "warc-proxy/dev"}, {"operator", ""}})
		req := NewRequestRecord("http://example.com/", []byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
		resp := NewResponseRecord("http://example.com/", []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
		resp.ConcurrentTo = req.ID

		var file bytes.Buffer
		for _, rec := range []*Record{info, req, resp} {
			b, err := Marshal(rec, compress)
			require.NoError(t, err)
			file.Write(b)
		}
		if compress {
			assert.Equal(t, []byte{0x1f, 0x8b}, file.Bytes()[:2])
		}

		rd, err := NewReader(&file)
		require.NoError(t, err)
		recs, err := rd.ReadAll()
		require.NoError(t, err)
		require.NoError(t, rd.Close())
		require.Len(t, recs, 3)

		assert.Equal(t, TypeInfo, recs[0].Type)
		assert.Equal(t, "out.warc", recs[0].Filename)
		assert.Equal(t, []Field{{"software", "warc-proxy/dev"}}, recs[0].Fields())

		assert.Equal(t, TypeRequest, recs[1].Type)
		assert.Equal(t, req.ID, recs[1].ID)
		assert.Equal(t, req.Block, recs[1].Block)

		assert.Equal(t, TypeResponse, recs[2].Type)
		assert.Equal(t, req.ID, recs[2].ConcurrentTo)
		assert.Equal(t, "http://example.com/", recs[2].TargetURI)
		assert.Equal(t, req.Date.Unix(), recs[1].Date.Unix())
	}
}

func TestReader_ExtraHeadersSurvive(t *testing.T) {
	rec := NewRequestRecord("http://example.com/", []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	rec.Extra = map[string]string{"WARC-IP-Address": "192.0.2.1", "X-Capture-Note": "replayed"}

	b, err := Marshal(rec, false)
	require.NoError(t, err)
	rd, err := NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	got, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"WARC-IP-Address": "192.0.2.1",
		"X-Capture-Note":  "replayed",
	}, got.Extra)

	_, err = rd.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_TornRecord(t *testing.T) {
	b, err := Marshal(NewResponseRecord("http://example.com/", []byte("HTTP/1.1 200 OK\r\n\r\nbody")), false)
	require.NoError(t, err)

	rd, err := NewReader(bytes.NewReader(b[:len(b)-10]))
	require.NoError(t, err)
	_, err = rd.Next()
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestReader_DigestMismatch(t *testing.T) {
	b, err := Marshal(NewRequestRecord("http://example.com/", []byte("POST / HTTP/1.1\r\nHost: example.com\r\nContent-Length: 4\r\n\r\nabcd")), false)
	require.NoError(t, err)
	corrupted := bytes.Replace(b, []byte("\r\n\r\nabcd"), []byte("\r\n\r\nabce"), 1)
	require.NotEqual(t, b, corrupted)

	rd, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	_, err = rd.Next()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReader_Empty(t *testing.T) {
	rd, err := NewReader(bytes.NewReader(nil))
	require.NoError(t, err)
	recs, err := rd.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReader_NotWARC(t *testing.T) {
	rd, err := NewReader(strings.NewReader("not a warc\r\n"))
	require.NoError(t, err)
	_, err = rd.Next()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReader_SingleGzipMember(t *testing.T) {
	var plain bytes.Buffer
	for i := 0; i < 2; i++ {
		b, err := Marshal(NewRequestRecord("http://example.com/", []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")), false)
		require.NoError(t, err)
		plain.Write(b)
	}
	var file bytes.Buffer
	zw := gzip.NewWriter(&file)
	_, err := zw.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rd, err := NewReader(&file)
	require.NoError(t, err)
	recs, err := rd.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
