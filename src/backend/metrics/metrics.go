package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the redaction pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Recognizer latency and failures by recognizer name
	RecognizerLatency *prometheus.HistogramVec
	RecognizerErrors  *prometheus.CounterVec

	// Spans kept after overlap resolution
	SpansDetected *prometheus.CounterVec

	// Redaction requests by language, mode, bridged and outcome
	Requests       *prometheus.CounterVec
	RequestLatency prometheus.Histogram

	// Translation calls by direction and outcome
	TranslationLatency *prometheus.HistogramVec
	TranslationErrors  *prometheus.CounterVec
	TranslationCache   *prometheus.CounterVec

	// Placeholders lost in back-translation
	PlaceholderDrift prometheus.Counter
}

// New registers all pipeline metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecognizerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piibridge_recognizer_duration_seconds",
			Help:    "Duration of a single recognizer run",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"recognizer"}),

		RecognizerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piibridge_recognizer_errors_total",
			Help: "Recognizer runs that failed or timed out",
		}, []string{"recognizer"}),

		SpansDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piibridge_spans_detected_total",
			Help: "Spans kept after overlap resolution by entity type and language",
		}, []string{"entity_type", "language"}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piibridge_redact_requests_total",
			Help: "Redaction requests by language, mode, bridging and outcome",
		}, []string{"language", "mode", "bridged", "outcome"}),

		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "piibridge_redact_duration_seconds",
			Help:    "Duration of a full redaction request",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		TranslationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piibridge_translation_duration_seconds",
			Help:    "Duration of translation calls by language pair",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"from", "to"}),

		TranslationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piibridge_translation_errors_total",
			Help: "Failed translation calls by language pair",
		}, []string{"from", "to"}),

		TranslationCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piibridge_translation_cache_total",
			Help: "Translation cache lookups by result",
		}, []string{"result"}), // result: "hit", "miss", "error", "bypass"

		PlaceholderDrift: factory.NewCounter(prometheus.CounterOpts{
			Name: "piibridge_placeholder_drift_total",
			Help: "Placeholders that did not survive back-translation",
		}),
	}
}

// ObserveRecognizer records one recognizer run.
func (m *Metrics) ObserveRecognizer(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RecognizerLatency.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		m.RecognizerErrors.WithLabelValues(name).Inc()
	}
}

// IncrementSpans records a resolved span.
func (m *Metrics) IncrementSpans(entityType, language string) {
	if m != nil {
		m.SpansDetected.WithLabelValues(entityType, language).Inc()
	}
}

// ObserveRequest records a finished redaction request.
func (m *Metrics) ObserveRequest(language, mode string, bridged bool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	b := "false"
	if bridged {
		b = "true"
	}
	m.Requests.WithLabelValues(language, mode, b, outcome).Inc()
	m.RequestLatency.Observe(d.Seconds())
}

// ObserveTranslation records one translation call.
func (m *Metrics) ObserveTranslation(from, to string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.TranslationLatency.WithLabelValues(from, to).Observe(d.Seconds())
	if err != nil {
		m.TranslationErrors.WithLabelValues(from, to).Inc()
	}
}

// IncrementCache records a cache lookup result.
func (m *Metrics) IncrementCache(result string) {
	if m != nil {
		m.TranslationCache.WithLabelValues(result).Inc()
	}
}

// AddPlaceholderDrift records lost placeholders.
func (m *Metrics) AddPlaceholderDrift(n int) {
	if m != nil && n > 0 {
		m.PlaceholderDrift.Add(float64(n))
	}
}
