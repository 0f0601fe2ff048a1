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
	SessionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kafdeck_sessions_running",
			Help: "Number of consumer sessions currently polling",
		},
	)

	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafdeck_messages_consumed_total",
			Help: "Total number of records delivered to the broadcast channel by topic",
		},
		[]string{"topic"},
	)

	MessagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafdeck_messages_skipped_total",
			Help: "Total number of records skipped due to decode failures by topic",
		},
		[]string{"topic"},
	)

	SessionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kafdeck_session_errors_total",
			Help: "Total number of sessions terminated by a consumer client error",
		},
	)

	BroadcastDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafdeck_broadcast_drops_total",
			Help: "Total number of events dropped on full subscriber channels by event type",
		},
		[]string{"event_type"},
	)

	HeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kafdeck_heartbeat_evictions_total",
			Help: "Total number of subscriber channels evicted for missed heartbeats",
		},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kafdeck_poll_duration_seconds",
			Help:    "Duration of individual consumer poll calls",
			Buckets: prometheus.DefBuckets,
		},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
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

	// Increment wait group
	wg.Add(1)

	// Start server
	go func() {
		defer wg.Done()
		log.Printf("Starting Prometheus metrics server on %s", effectiveOpts.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	// Monitor context cancellation in a separate goroutine
	go func() {
		<-ctx.Done()

		// Create a timeout context for shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		// Attempt graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}

		// Wait for server to close or timeout
		select {
		case <-serverClosed:
			log.Println("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Println("Metrics server shutdown timed out")
		}
	}()
}
