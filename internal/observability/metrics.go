package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Save outcomes recorded by RecordSave.
const (
	SaveOutcomeSaved      = "saved"
	SaveOutcomeInvalid    = "invalid"
	SaveOutcomeConflict   = "conflict"
	SaveOutcomeInProgress = "in_progress"
	SaveOutcomeError      = "error"
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	ValidationRunsTotal   *prometheus.CounterVec
	ValidationErrorsTotal *prometheus.CounterVec

	WorkflowSavesTotal   *prometheus.CounterVec
	WorkflowSaveDuration prometheus.Histogram

	SessionsOpenedTotal   *prometheus.CounterVec
	SessionMutationsTotal *prometheus.CounterVec
	TemplatesLoaded       prometheus.Gauge

	RoleFetchesTotal          *prometheus.CounterVec
	RoleCacheHitsTotal        prometheus.Counter
	RoleCacheMissesTotal      prometheus.Counter
	RoleDirectoryBreakerState prometheus.Gauge

	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
}

// NewMetrics builds the service instruments and registers them with reg.
// Registering twice on the same registerer panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvalflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvalflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvalflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		ValidationRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvalflow_validation_runs_total",
			Help: "Total workflow validations by result.",
		}, []string{"result"}),
		ValidationErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvalflow_validation_errors_total",
			Help: "Total validation errors by code.",
		}, []string{"code"}),

		WorkflowSavesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvalflow_workflow_saves_total",
			Help: "Total workflow save attempts by outcome.",
		}, []string{"outcome"}),
		WorkflowSaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvalflow_workflow_save_duration_seconds",
			Help:    "Workflow save duration in seconds, validation included.",
			Buckets: storeDurationBuckets,
		}),

		SessionsOpenedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvalflow_sessions_opened_total",
			Help: "Total authoring sessions opened by origin.",
		}, []string{"origin"}),
		SessionMutationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvalflow_session_mutations_total",
			Help: "Total authoring session mutations by operation.",
		}, []string{"operation"}),
		TemplatesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "approvalflow_templates_loaded",
			Help: "Number of workflow templates in the catalog.",
		}),

		RoleFetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvalflow_role_fetches_total",
			Help: "Total role directory fetches by outcome.",
		}, []string{"outcome"}),
		RoleCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "approvalflow_role_cache_hits_total",
			Help: "Total role cache hits.",
		}),
		RoleCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "approvalflow_role_cache_misses_total",
			Help: "Total role cache misses.",
		}),
		RoleDirectoryBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "approvalflow_role_directory_breaker_state",
			Help: "Role directory circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		CapabilityCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "approvalflow_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "approvalflow_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordValidation records one validation run and the codes of its errors.
func (m *Metrics) RecordValidation(errorCodes []string) {
	if len(errorCodes) == 0 {
		m.ValidationRunsTotal.WithLabelValues("valid").Inc()
		return
	}
	m.ValidationRunsTotal.WithLabelValues("invalid").Inc()
	for _, code := range errorCodes {
		m.ValidationErrorsTotal.WithLabelValues(code).Inc()
	}
}

// RecordSave records a save attempt.
func (m *Metrics) RecordSave(outcome string, duration time.Duration) {
	m.WorkflowSavesTotal.WithLabelValues(outcome).Inc()
	m.WorkflowSaveDuration.Observe(duration.Seconds())
}

// RecordSessionOpened records a new authoring session. Origin is one of
// new, workflow or template.
func (m *Metrics) RecordSessionOpened(origin string) {
	m.SessionsOpenedTotal.WithLabelValues(origin).Inc()
}

// RecordSessionMutation records a builder operation applied to a session.
func (m *Metrics) RecordSessionMutation(operation string) {
	m.SessionMutationsTotal.WithLabelValues(operation).Inc()
}

// SetTemplatesLoaded sets the template catalog size.
func (m *Metrics) SetTemplatesLoaded(count int) {
	m.TemplatesLoaded.Set(float64(count))
}

// RecordRoleFetch records a role directory fetch. Outcome is ok or degraded.
func (m *Metrics) RecordRoleFetch(outcome string) {
	m.RoleFetchesTotal.WithLabelValues(outcome).Inc()
}

// RecordRoleCacheLookup records a role cache hit or miss.
func (m *Metrics) RecordRoleCacheLookup(hit bool) {
	if hit {
		m.RoleCacheHitsTotal.Inc()
		return
	}
	m.RoleCacheMissesTotal.Inc()
}

// SetRoleDirectoryBreakerState sets the breaker gauge from its state name.
func (m *Metrics) SetRoleDirectoryBreakerState(state string) {
	switch state {
	case "open":
		m.RoleDirectoryBreakerState.Set(2)
	case "half-open":
		m.RoleDirectoryBreakerState.Set(1)
	default:
		m.RoleDirectoryBreakerState.Set(0)
	}
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// MetricsMiddleware records request count, latency and response size
// labelled by chi route pattern, keeping label cardinality bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)
		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start), rec.bytes)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern is the matched chi pattern, or the raw path for requests
// served outside a chi router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// responseRecorder captures the status code and body size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
