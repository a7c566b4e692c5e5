// Package metrics exposes engine statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/docstate/internal/state"
)

const namespace = "docstate"

// StatsSource is anything that can report engine statistics.
type StatsSource interface {
	Stats() state.Stats
}

// Collector reads a StatsSource at scrape time.
type Collector struct {
	src StatsSource

	documents     *prometheus.Desc
	documentBytes *prometheus.Desc
	namespaces    *prometheus.Desc
	queueLength   *prometheus.Desc
	subscriptions *prometheus.Desc
	snapshots     *prometheus.Desc
	snapshotBytes *prometheus.Desc
	activeTx      *prometheus.Desc
}

// NewCollector returns a collector over src.
func NewCollector(src StatsSource) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		src:           src,
		documents:     desc("documents", "Documents currently held by the store."),
		documentBytes: desc("documents_bytes", "Serialized size of all documents."),
		namespaces:    desc("namespaces", "Distinct document namespaces."),
		queueLength:   desc("queue_length", "Pending offline operations."),
		subscriptions: desc("subscriptions", "Active change subscriptions."),
		snapshots:     desc("snapshots", "Retained snapshots across all documents."),
		snapshotBytes: desc("snapshots_bytes", "Total size of retained snapshots."),
		activeTx:      desc("active_transactions", "Transactions begun but not finished."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.documents
	ch <- c.documentBytes
	ch <- c.namespaces
	ch <- c.queueLength
	ch <- c.subscriptions
	ch <- c.snapshots
	ch <- c.snapshotBytes
	ch <- c.activeTx
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	gauge(c.documents, s.Documents)
	gauge(c.documentBytes, s.TotalSize)
	gauge(c.namespaces, s.Namespaces)
	gauge(c.queueLength, s.QueueLength)
	gauge(c.subscriptions, s.Subscriptions)
	gauge(c.snapshots, s.Snapshots)
	gauge(c.snapshotBytes, s.SnapshotsSize)
	gauge(c.activeTx, s.ActiveTransactions)
}

// Registry builds a registry holding the engine collector plus the
// standard Go and process collectors.
func Registry(src StatsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
