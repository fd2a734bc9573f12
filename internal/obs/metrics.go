package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes recorded by PollsTotal.
const (
	PollOK      = "ok"
	PollError   = "error"
	PollSkipped = "skipped"
	PollHidden  = "hidden"
)

var (
	initOnce sync.Once

	// PollsTotal counts synchronizer ticks by outcome.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeshot_polls_total",
			Help: "Event polls by outcome (ok, error, skipped, hidden).",
		},
		[]string{"view", "result"},
	)

	// PollDuration observes GET /events latency as seen by the synchronizer.
	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifeshot_poll_duration_seconds",
			Help:    "Latency of event polls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	// ActiveAlerts is the size of the active alert list after the last render.
	ActiveAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lifeshot_active_alerts",
			Help: "Number of alert-worthy events after the last poll.",
		},
		[]string{"view"},
	)

	// AlertCues counts audible cues, one per transition into the alert state.
	AlertCues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeshot_alert_cues_total",
			Help: "Alert cues played on transition into the alert state.",
		},
		[]string{"view"},
	)

	// APIRequestsTotal counts calls made to the backend collaborators.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeshot_api_requests_total",
			Help: "Outgoing API requests by method, path and status.",
		},
		[]string{"method", "path", "status"},
	)

	// DetectorTriggers counts detector runs by result.
	DetectorTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeshot_detector_triggers_total",
			Help: "Detector trigger attempts by result.",
		},
		[]string{"result"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lifeshot_status_in_flight_requests",
		Help: "In-flight requests on the local status server.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeshot_status_requests_total",
			Help: "Requests served by the local status server.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifeshot_status_request_duration_seconds",
			Help:    "Local status server latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			PollsTotal, PollDuration, ActiveAlerts, AlertCues,
			APIRequestsTotal, DetectorTriggers,
			httpInFlight, httpRequestsTotal, httpRequestDuration,
		)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures rate, latency and in-flight requests of the wrapped handler.
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

// CanonicalPath collapses event identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "events" && parts[3] == "dismiss" {
		return "/v1/events/:id/dismiss"
	}
	return p
}

// Flush makes the statusWriter usable behind the SSE endpoint.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
