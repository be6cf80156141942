package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS - Prometheus registry shared by every component in the process
// ═══════════════════════════════════════════════════════════════════════════════

const namespace = "polymaker"

// Registry holds every polymaker collector; the default registry is unused.
var Registry = prometheus.NewRegistry()

var (
	FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "events_total",
		Help:      "Feed events by kind (price_change, book, best_bid_ask, trade, unknown)",
	}, []string{"kind"})

	FeedFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "filtered_total",
		Help:      "Events for instruments that are not subscribed",
	})

	FeedParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "parse_errors_total",
		Help:      "Wire messages that could not be decoded",
	})

	FeedReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Websocket reconnect attempts",
	})

	SnapshotUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "snapshot_updates_total",
		Help:      "Snapshot merges that advanced a sequence",
	})

	StoreFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "store_flushes_total",
		Help:      "Shared store writes by result",
	}, []string{"result"})

	TrackedInstruments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "tracked_instruments",
		Help:      "Instruments with a live snapshot",
	})

	FeedDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "degraded",
		Help:      "1 while the upstream feed is degraded",
	})

	WorkersByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "workers",
		Help:      "Worker records by lifecycle state",
	}, []string{"state"})

	WorkerExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "worker_exits_total",
		Help:      "Worker terminations by exit reason",
	}, []string{"reason"})

	AdmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "admission_rejects_total",
		Help:      "Candidates rejected at admission by market status",
	}, []string{"status"})

	Liquidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "total_liquidations_total",
		Help:      "Aggregate liquidation triggers",
	})

	OrderAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exec",
		Name:      "order_attempts_total",
		Help:      "Order placement attempts by result",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		FeedEvents, FeedFiltered, FeedParseErrors, FeedReconnects,
		SnapshotUpdates, StoreFlushes, TrackedInstruments, FeedDegraded,
		WorkersByState, WorkerExits, AdmissionRejects,
		Liquidations, OrderAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Serve exposes /metrics on addr until ctx is done. An empty addr disables it.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("📈 Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
