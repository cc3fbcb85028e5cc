package addons

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/warc-proxy/pkg/affinity"
)

func TestLogAddon_Complete(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogAddon(zerolog.New(&buf))

	flow := newGetFlow("example.com", 80, "/foo")
	flow.Upstream = "direct"
	flow.Response = okResponse("hello")
	flow.Archive.RequestRecordID = "<urn:uuid:x>"
	l.OnComplete(flow)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "flow", line["message"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "example.com", line["host"])
	assert.Equal(t, "/foo", line["path"])
	assert.EqualValues(t, 200, line["status"])
	assert.EqualValues(t, 5, line["size"])
	assert.Equal(t, "archived", line["archive"])
}

func TestLogAddon_Error(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogAddon(zerolog.New(&buf))

	flow := newGetFlow("down.test", 80, "/")
	flow.Archive.Skipped = true
	l.OnError(flow, errors.New("connection refused"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "connection refused", line["error"])
	assert.Equal(t, "skipped", line["archive"])
	assert.NotContains(t, line, "status")
}

func TestAffinityAddon_Observes(t *testing.T) {
	tbl := affinity.NewTable()
	a := NewAffinityAddon(tbl)

	flow := newGetFlow("example.com", 8080, "/")
	flow.Upstream = "direct"
	a.OnRequest(flow)
	flow.Response = okResponse("")
	a.OnResponse(flow)
	a.OnRequest(newGetFlow("", 80, "/"))

	e, ok := tbl.Get(affinity.HostKey{Host: "example.com", Port: 8080})
	require.True(t, ok)
	assert.EqualValues(t, 1, e.Requests)
	assert.EqualValues(t, 1, e.Responses)
	assert.Equal(t, 200, e.LastStatus)
	assert.Equal(t, "direct", e.LastUpstream)
	assert.Equal(t, 1, tbl.Len())
}
