package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/fidiego/warc-proxy/pkg/affinity"
	"github.com/fidiego/warc-proxy/pkg/filter"
	"github.com/fidiego/warc-proxy/pkg/httpwire"
	"github.com/fidiego/warc-proxy/pkg/proxy"
)

type handlers struct {
	engine  *proxy.Engine
	archive ArchiveStats
	hosts   *affinity.Table
	logger  zerolog.Logger
}

// listFlows supports ?filter=EXPR and ?limit=N (newest N).
func (h *handlers) listFlows(w http.ResponseWriter, r *http.Request) {
	match, err := filter.Parse(r.URL.Query().Get("filter"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	jsonOK(w, h.engine.Store().Select(match, limit))
}

func (h *handlers) getFlow(w http.ResponseWriter, r *http.Request) {
	live := h.engine.Store().Get(r.PathValue("id"))
	if live == nil {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	flow := live.Snapshot()
	jsonOK(w, flow)
}

type blockView struct {
	URL   string `json:"url"`
	Block string `json:"block"`
	Error string `json:"error,omitempty"`
}

// flowBlocks renders the request and response blocks exactly as they are
// written to the archive.
func (h *handlers) flowBlocks(w http.ResponseWriter, r *http.Request) {
	live := h.engine.Store().Get(r.PathValue("id"))
	if live == nil {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	flow := live.Snapshot()

	out := map[string]*blockView{}
	target, block, err := httpwire.RequestBlock(flow.Request)
	out["request"] = newBlockView(target, block, err)
	if flow.Response != nil {
		target, block, err = httpwire.ResponseBlock(flow.Request, flow.Response)
		out["response"] = newBlockView(target, block, err)
	}
	jsonOK(w, map[string]any{"archive": flow.Archive, "blocks": out})
}

func newBlockView(target string, block []byte, err error) *blockView {
	v := &blockView{URL: target, Block: string(block)}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

func (h *handlers) replayFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.engine.Replay(r.PathValue("id"))
	if err != nil {
		h.logger.Debug().Err(err).Str("flow", r.PathValue("id")).Msg("replay failed")
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonOK(w, flow)
}

func (h *handlers) clearFlows(w http.ResponseWriter, _ *http.Request) {
	h.engine.Store().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	type upstreamInfo struct {
		Name   string `json:"name"`
		Host   string `json:"host,omitempty"`
		Prefix string `json:"prefix"`
		Target string `json:"target"`
	}
	upstreams := h.engine.Router().Upstreams()
	infos := make([]upstreamInfo, len(upstreams))
	for i, u := range upstreams {
		infos[i] = upstreamInfo{Name: u.Name, Host: u.Host, Prefix: u.Prefix, Target: u.Target}
	}
	opts := h.engine.Options()
	jsonOK(w, map[string]any{
		"listen":      opts.ListenAddr,
		"maxBodySize": opts.MaxBodySize,
		"maxFlows":    opts.MaxFlows,
		"upstreams":   infos,
		"flows":       h.engine.Store().Count(),
	})
}

func (h *handlers) getArchive(w http.ResponseWriter, _ *http.Request) {
	if h.archive == nil {
		jsonError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	jsonOK(w, h.archive.Stats())
}

func (h *handlers) listHosts(w http.ResponseWriter, _ *http.Request) {
	if h.hosts == nil {
		jsonOK(w, []affinity.HostView{})
		return
	}
	jsonOK(w, h.hosts.Sorted())
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
