package addons

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/fidiego/warc-proxy/pkg/filter"
	"github.com/fidiego/warc-proxy/pkg/httpwire"
	"github.com/fidiego/warc-proxy/pkg/metrics"
	"github.com/fidiego/warc-proxy/pkg/proxy"
	"github.com/fidiego/warc-proxy/pkg/warc"
)

// Appender accepts finished WARC records. *capture.Sink implements it.
type Appender interface {
	Append(ctx context.Context, rec *warc.Record) error
}

// WarcAddon archives every intercepted request and response as a WARC
// record. It owns the reply: each hook resumes the flow exactly once, after
// the append, whatever the archiving outcome. Archive bookkeeping is written
// through Flow.Update since inspection surfaces snapshot the flow meanwhile.
type WarcAddon struct {
	sink   Appender
	filter filter.Filter
	logger zerolog.Logger
}

// NewWarcAddon returns an addon appending to sink. A nil match archives
// every flow; otherwise it is evaluated once per flow, at request time.
func NewWarcAddon(sink Appender, match filter.Filter, logger zerolog.Logger) *WarcAddon {
	if match == nil {
		match = filter.MatchAll
	}
	return &WarcAddon{sink: sink, filter: match, logger: logger}
}

func (a *WarcAddon) OwnsReply() {}

func (a *WarcAddon) OnRequest(flow *proxy.Flow) {
	defer flow.Resume()

	if !a.filter(flow) {
		flow.Update(func(f *proxy.Flow) { f.Archive.Skipped = true })
		return
	}

	target, block, err := httpwire.RequestBlock(flow.Request)
	if err != nil {
		a.reconstructionFailed(flow, err)
		return
	}

	rec := warc.NewRequestRecord(target, block)
	if flow.Request.BodyTruncated {
		rec.Extra = map[string]string{"WARC-Truncated": "length"}
	}
	if err := a.sink.Append(flow.Context(), rec); err != nil {
		a.appendFailed(flow, rec, err)
		return
	}
	flow.Update(func(f *proxy.Flow) { f.Archive.RequestRecordID = rec.ID })
}

func (a *WarcAddon) OnResponse(flow *proxy.Flow) {
	defer flow.Resume()

	if flow.Archive.Skipped {
		return
	}

	target, block, err := httpwire.ResponseBlock(flow.Request, flow.Response)
	if err != nil {
		a.reconstructionFailed(flow, err)
		if block == nil {
			return
		}
	}

	rec := warc.NewResponseRecord(target, block)
	rec.ConcurrentTo = flow.Archive.RequestRecordID
	if flow.Response.BodyTruncated {
		rec.Extra = map[string]string{"WARC-Truncated": "length"}
	}
	if err := a.sink.Append(flow.Context(), rec); err != nil {
		a.appendFailed(flow, rec, err)
		return
	}
	flow.Update(func(f *proxy.Flow) { f.Archive.ResponseRecordID = rec.ID })
}

func (a *WarcAddon) reconstructionFailed(flow *proxy.Flow, err error) {
	reason := "missing_field"
	if errors.Is(err, httpwire.ErrUnknownStatus) {
		reason = "unknown_status"
	}
	metrics.ReconstructionErrors.WithLabelValues(reason).Inc()
	flow.Update(func(f *proxy.Flow) { f.Archive.Error = err.Error() })
	a.logger.Warn().Err(err).Str("flow", flow.ID).Str("reason", reason).Msg("http message reconstruction failed")
}

func (a *WarcAddon) appendFailed(flow *proxy.Flow, rec *warc.Record, err error) {
	flow.Update(func(f *proxy.Flow) { f.Archive.Error = err.Error() })
	a.logger.Warn().Err(err).
		Str("flow", flow.ID).
		Str("record_id", rec.ID).
		Str("type", string(rec.Type)).
		Str("uri", rec.TargetURI).
		Msg("warc append failed")
}
