package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RebuildDuration times each Schema Router snapshot rebuild: introspect
	// + publish (§4.F, §8's hot-swap liveness property).
	RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pghatch_rebuild_duration_seconds",
		Help:    "Duration of Schema Router snapshot rebuilds",
		Buckets: prometheus.DefBuckets,
	})

	// RebuildTotal counts rebuilds by outcome ("ok", "error").
	RebuildTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pghatch_rebuild_total",
			Help: "Total number of Schema Router rebuilds by outcome",
		},
		[]string{"outcome"},
	)

	// RequestDuration times each resolved HTTP request by method and
	// target relation/callable.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pghatch_request_duration_seconds",
			Help:    "Duration of resolved HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "relation"},
	)

	// PoolExhaustedTotal counts failed pool.Acquire calls in
	// authhook.Middleware, timeouts and any other acquisition error alike.
	PoolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pghatch_pool_exhausted_total",
		Help: "Total number of connection pool acquisition timeouts",
	})

	// WatcherReconnectsTotal counts DDL Watcher reconnect attempts.
	WatcherReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pghatch_watcher_reconnects_total",
		Help: "Total number of DDL Watcher listen-connection reconnects",
	})
)

// PromServerOpts configures the standalone Prometheus metrics HTTP server.
type PromServerOpts struct {
	Addr              string
	Path              string        // defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given
// options. The server gracefully shuts down when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("starting prometheus metrics server on %s", effectiveOpts.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("error shutting down metrics server: %v", err)
		}

		select {
		case <-serverClosed:
			log.Println("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Println("metrics server shutdown timed out")
		}
	}()
}
