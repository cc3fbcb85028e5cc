package addons

import (
	"github.com/fidiego/warc-proxy/pkg/affinity"
	"github.com/fidiego/warc-proxy/pkg/proxy"
)

// AffinityAddon feeds the host affinity table from proxy hooks. It never
// resumes flows itself.
type AffinityAddon struct {
	table *affinity.Table
}

func NewAffinityAddon(table *affinity.Table) *AffinityAddon {
	return &AffinityAddon{table: table}
}

func (a *AffinityAddon) OnRequest(flow *proxy.Flow) {
	if key, ok := hostKey(flow); ok {
		a.table.ObserveRequest(key, flow.Upstream)
	}
}

func (a *AffinityAddon) OnResponse(flow *proxy.Flow) {
	if key, ok := hostKey(flow); ok && flow.Response != nil {
		a.table.ObserveResponse(key, flow.Response.StatusCode)
	}
}

func hostKey(flow *proxy.Flow) (affinity.HostKey, bool) {
	if flow.Request == nil || flow.Request.Host == "" {
		return affinity.HostKey{}, false
	}
	return affinity.HostKey{Host: flow.Request.Host, Port: flow.Request.Port}, true
}
