package addons

import (
	"github.com/rs/zerolog"

	"github.com/fidiego/warc-proxy/pkg/proxy"
)

// LogAddon emits one structured log line per finished flow, in the spirit of
// mitmdump's one-line summaries.
type LogAddon struct {
	logger zerolog.Logger
}

// NewLogAddon creates a LogAddon that writes to logger.
func NewLogAddon(logger zerolog.Logger) *LogAddon {
	return &LogAddon{logger: logger}
}

func (l *LogAddon) OnComplete(flow *proxy.Flow) {
	l.write(l.logger.Info(), flow).Msg("flow")
}

func (l *LogAddon) OnError(flow *proxy.Flow, err error) {
	l.write(l.logger.Warn().Err(err), flow).Msg("flow failed")
}

func (l *LogAddon) write(ev *zerolog.Event, flow *proxy.Flow) *zerolog.Event {
	if flow.Request != nil {
		ev = ev.Str("method", flow.Request.Method).
			Str("host", flow.Request.Host).
			Str("path", flow.Request.Path)
	}
	if flow.Response != nil {
		ev = ev.Int("status", flow.Response.StatusCode).
			Int("size", len(flow.Response.Body))
	}
	ev = ev.Str("upstream", flow.Upstream).Dur("duration", flow.Duration())

	switch {
	case flow.Archive.Skipped:
		ev = ev.Str("archive", "skipped")
	case flow.Archive.Error != "":
		ev = ev.Str("archive", "failed")
	case flow.Archive.RequestRecordID != "":
		ev = ev.Str("archive", "archived")
	}
	if len(flow.Tags) > 0 {
		ev = ev.Strs("tags", flow.Tags)
	}
	return ev
}
