// Package metrics exposes the server's optional /metrics endpoint,
// grounded in runZeroInc-sockstats/pkg/exporter's use of
// github.com/prometheus/client_golang for per-connection counters.
// SPEC_FULL.md adds this as supplemental operational surface; spec.md's
// core has no metrics concept and none of its invariants depend on it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts substream lifecycle events and backend byte
// throughput. All fields are safe for concurrent use.
type Collector struct {
	SubstreamsOpened  prometheus.Counter
	SubstreamsClosed  prometheus.Counter
	SubstreamsReset   prometheus.Counter
	BytesIn           prometheus.Counter
	BytesOut          prometheus.Counter
	RecordLayerErrors *prometheus.CounterVec

	handler http.Handler
}

// New registers a fresh set of collectors on their own registry so a
// caller that never calls Handler never pays for global-registry
// bookkeeping.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		SubstreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtun_substreams_opened_total",
			Help: "Substreams that have received a SYN.",
		}),
		SubstreamsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtun_substreams_closed_total",
			Help: "Substreams torn down via FIN.",
		}),
		SubstreamsReset: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtun_substreams_reset_total",
			Help: "Substreams torn down via RST.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtun_backend_bytes_in_total",
			Help: "Bytes read from the backend transport.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtun_backend_bytes_out_total",
			Help: "Bytes written to the backend transport.",
		}),
		RecordLayerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtun_record_layer_errors_total",
			Help: "Record-layer errors by kind (spec.md 7 taxonomy).",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.SubstreamsOpened, c.SubstreamsClosed, c.SubstreamsReset,
		c.BytesIn, c.BytesOut, c.RecordLayerErrors)
	c.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return c
}

// Handler serves the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return c.handler
}
