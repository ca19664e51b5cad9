package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded, 0 otherwise.",
	})
)

// Auction engine metrics.
var (
	AuctionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auctions_created_total",
		Help: "Auctions created.",
	})
	AuctionsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auctions_cancelled_total",
		Help: "Auctions cancelled by their owner.",
	})
	AuctionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auctions_closed_total",
			Help: "Auctions closed, by trigger (manual or sweep).",
		},
		[]string{"trigger"},
	)
	BidsPlacedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bids_placed_total",
		Help: "Bids accepted.",
	})
	BidsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bids_cancelled_total",
		Help: "Bids withdrawn before close.",
	})
	OutbidsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbids_total",
		Help: "Leader changes caused by a lower incoming bid.",
	})
	NotificationsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Notifications handed to the dispatcher, by type.",
		},
		[]string{"type"},
	)
	NotificationsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_dropped_total",
		Help: "Notifications dropped because the dispatch queue was full.",
	})
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expiration_sweep_runs_total",
		Help: "Expiration sweeper ticks executed.",
	})
	SweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expiration_sweep_failures_total",
		Help: "Auction closes that failed during a sweep.",
	})
	StoreRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_transient_retries_total",
		Help: "Transactions retried after a serialization or lock conflict.",
	})
)

// Init registers all metrics in the default registry. Call once from main.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		AuctionsCreatedTotal, AuctionsCancelledTotal, AuctionsClosedTotal,
		BidsPlacedTotal, BidsCancelledTotal, OutbidsTotal,
		NotificationsDispatchedTotal, NotificationsDroppedTotal,
		SweepRunsTotal, SweepFailuresTotal, StoreRetriesTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// Instrument wraps a handler and records RPS, latency and in-flight counts.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses entity identifiers so metric labels stay low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "auctions" && len(parts) == 3:
		return "/v1/auctions/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "auctions":
		return "/v1/auctions/:id/" + parts[3]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "bids":
		return "/v1/bids/:id/" + parts[3]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "notifications":
		return "/v1/notifications/:id/" + parts[3]
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumented chain.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
