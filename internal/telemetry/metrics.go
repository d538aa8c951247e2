package telemetry

import (
	"net/http"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	RequestsTotal      = "http.requests"
	RequestsClientErr  = "http.responses.4xx"
	RequestsServerErr  = "http.responses.5xx"
	PredictionsTotal   = "predictions.total"
	PredictionsLowConf = "predictions.low_confidence"
	PredictionsFailed  = "predictions.failed"
	CacheHits          = "predictions.cache_hits"
	ArchivedUploads    = "uploads.archived"
	InferenceTime      = "inference.duration"
)

// Metrics keeps its own registry so tests do not share state through
// gometrics.DefaultRegistry.
type Metrics struct {
	Registry gometrics.Registry

	requests      gometrics.Counter
	clientErrors  gometrics.Counter
	serverErrors  gometrics.Counter
	predictions   gometrics.Counter
	lowConfidence gometrics.Counter
	failed        gometrics.Counter
	cacheHits     gometrics.Counter
	archived      gometrics.Counter
	inference     gometrics.Timer
}

func New() *Metrics {
	r := gometrics.NewRegistry()
	return &Metrics{
		Registry:      r,
		requests:      gometrics.NewRegisteredCounter(RequestsTotal, r),
		clientErrors:  gometrics.NewRegisteredCounter(RequestsClientErr, r),
		serverErrors:  gometrics.NewRegisteredCounter(RequestsServerErr, r),
		predictions:   gometrics.NewRegisteredCounter(PredictionsTotal, r),
		lowConfidence: gometrics.NewRegisteredCounter(PredictionsLowConf, r),
		failed:        gometrics.NewRegisteredCounter(PredictionsFailed, r),
		cacheHits:     gometrics.NewRegisteredCounter(CacheHits, r),
		archived:      gometrics.NewRegisteredCounter(ArchivedUploads, r),
		inference:     gometrics.NewRegisteredTimer(InferenceTime, r),
	}
}

func (m *Metrics) Prediction(lowConfidence bool) {
	m.predictions.Inc(1)
	if lowConfidence {
		m.lowConfidence.Inc(1)
	}
}

func (m *Metrics) PredictionFailed() { m.failed.Inc(1) }
func (m *Metrics) CacheHit() { m.cacheHits.Inc(1) }
func (m *Metrics) Archived() { m.archived.Inc(1) }
func (m *Metrics) ObserveInference(start time.Time) { m.inference.UpdateSince(start) }

// Count returns the value of a registered counter, or 0 if name is unknown.
func (m *Metrics) Count(name string) int64 {
	if c, ok := m.Registry.Get(name).(gometrics.Counter); ok {
		return c.Count()
	}
	if t, ok := m.Registry.Get(name).(gometrics.Timer); ok {
		return t.Count()
	}
	return 0
}

// Middleware counts requests and error responses by status class.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Inc(1)

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		switch {
		case wrapped.status >= 500:
			m.serverErrors.Inc(1)
		case wrapped.status >= 400:
			m.clientErrors.Inc(1)
		}
	})
}

// Handler writes a JSON snapshot of the registry.
func (m *Metrics) Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	gometrics.WriteJSONOnce(m.Registry, w)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
