// Package metrics exposes the master's operational counters as
// Prometheus collectors (session counts, per-reason replication and
// deletion counters, changelog back-pressure) and an optional promhttp
// listener. Grounded on the teacher's own reach for
// github.com/prometheus/client_golang among its declared dependencies;
// the counter/gauge split mirrors the in-memory Stats struct in
// _examples/rclone-rclone/accounting.go, reimplemented on Prometheus
// collectors instead of a hand-rolled mutex-guarded struct.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfscore/mfsmaster/internal/ledger"
)

// Registry bundles every collector the master updates.
type Registry struct {
	reg *prometheus.Registry

	Sessions          prometheus.Gauge
	HeavyLoadSessions prometheus.Gauge
	PendingOps        prometheus.Gauge
	ChangelogDelay    prometheus.Gauge
	ChangelogVersion  prometheus.Gauge

	ReplWriteErrors *prometheus.CounterVec
	ReplReadErrors  *prometheus.CounterVec
	DelErrors       *prometheus.CounterVec
}

// New constructs a Registry with every collector registered against a
// fresh prometheus.Registry (kept private rather than the global
// DefaultRegisterer, so multiple masters in one process/test binary
// don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mfsmaster", Subsystem: "matocs", Name: "sessions",
			Help: "Live MATOCS chunk server sessions.",
		}),
		HeavyLoadSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mfsmaster", Subsystem: "matocs", Name: "heavy_load_sessions",
			Help: "Chunk server sessions currently flagged heavy-loaded.",
		}),
		PendingOps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mfsmaster", Subsystem: "ledger", Name: "pending_total",
			Help: "Outstanding operations and replications across all servers.",
		}),
		ChangelogDelay: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mfsmaster", Subsystem: "changelog", Name: "delay_seconds",
			Help: "now - last_acked_changelog_timestamp - 1, the bg-saver back-pressure indicator.",
		}),
		ChangelogVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mfsmaster", Subsystem: "changelog", Name: "version",
			Help: "Current changelog version.",
		}),
	}

	r.ReplWriteErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mfsmaster", Subsystem: "ledger", Name: "replication_write_errors_total",
		Help: "Replication write failures by reason.",
	}, []string{"reason"})
	r.ReplReadErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mfsmaster", Subsystem: "ledger", Name: "replication_read_errors_total",
		Help: "Replication read failures by reason.",
	}, []string{"reason"})
	r.DelErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mfsmaster", Subsystem: "ledger", Name: "delete_errors_total",
		Help: "Delete-operation failures by reason.",
	}, []string{"reason"})
	return r
}

// ObserveServerStats adds one server's ledger.ServerStats reason counters
// to the per-reason vectors. The ledger keeps raw cumulative counts and
// each call adds the counts it is given, so passing the same cumulative
// ServerStats twice counts them twice. Only the tests call it.
func (r *Registry) ObserveServerStats(stats *ledger.ServerStats) {
	for reason, n := range stats.ReplWriteErr {
		r.ReplWriteErrors.WithLabelValues(string(reason)).Add(float64(n))
	}
	for reason, n := range stats.ReplReadErr {
		r.ReplReadErrors.WithLabelValues(string(reason)).Add(float64(n))
	}
	for reason, n := range stats.DelErr {
		r.DelErrors.WithLabelValues(string(reason)).Add(float64(n))
	}
}

// Handler returns the promhttp handler for this registry, for wiring
// into an optional diagnostics listener (spec Non-goals excludes a full
// HTTP UI, not a bare metrics endpoint).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve runs a minimal HTTP server exposing /metrics until ctx is
// cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
