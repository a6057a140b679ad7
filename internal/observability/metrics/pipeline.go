package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

const namespace = "statement"

// PipelineMetrics implements ports.PipelineObserver and exposes the
// worker's queue task timings.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	documentsTotal      *prometheus.CounterVec
	documentsInFlight   prometheus.Gauge
	pagesTotal          *prometheus.CounterVec
	pageConfidence      *prometheus.HistogramVec
	recognitionDuration *prometheus.HistogramVec
	patternCount        prometheus.Gauge
	accuracyEstimate    prometheus.Gauge
	taskTotal           *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	serviceLabel := prometheus.Labels{"service": service}

	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "documents_total",
			Help:        "Total processed documents by result status.",
			ConstLabels: serviceLabel,
		},
		[]string{"status"},
	)
	documentsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "documents_in_flight",
			Help:        "Number of documents currently being processed.",
			ConstLabels: serviceLabel,
		},
	)
	pagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "pages_total",
			Help:        "Total extracted pages by recognition method and error kind.",
			ConstLabels: serviceLabel,
		},
		[]string{"method", "error_kind"},
	)
	pageConfidence := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "pipeline",
			Name:        "page_confidence",
			Help:        "Distribution of page confidence by recognition method.",
			Buckets:     []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			ConstLabels: serviceLabel,
		},
		[]string{"method"},
	)
	recognitionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "recognition",
			Name:        "duration_seconds",
			Help:        "Per-page recognition duration in seconds by method.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: serviceLabel,
		},
		[]string{"method"},
	)
	patternCount := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "learning",
			Name:        "patterns",
			Help:        "Number of learned patterns.",
			ConstLabels: serviceLabel,
		},
	)
	accuracyEstimate := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "learning",
			Name:        "accuracy_estimate",
			Help:        "Current system accuracy estimate.",
			ConstLabels: serviceLabel,
		},
	)
	taskTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "tasks_total",
			Help:        "Total queue tasks handled by subject and status.",
			ConstLabels: serviceLabel,
		},
		[]string{"subject", "status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "task_duration_seconds",
			Help:        "Queue task duration in seconds by subject and status.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: serviceLabel,
		},
		[]string{"subject", "status"},
	)

	registry.MustRegister(
		documentsTotal,
		documentsInFlight,
		pagesTotal,
		pageConfidence,
		recognitionDuration,
		patternCount,
		accuracyEstimate,
		taskTotal,
		taskDuration,
	)

	return &PipelineMetrics{
		registry:            registry,
		service:             service,
		documentsTotal:      documentsTotal,
		documentsInFlight:   documentsInFlight,
		pagesTotal:          pagesTotal,
		pageConfidence:      pageConfidence,
		recognitionDuration: recognitionDuration,
		patternCount:        patternCount,
		accuracyEstimate:    accuracyEstimate,
		taskTotal:           taskTotal,
		taskDuration:        taskDuration,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PipelineMetrics) StartDocument() {
	m.documentsInFlight.Inc()
}

func (m *PipelineMetrics) FinishDocument(status domain.ResultStatus, pages []domain.ExtractedPage) {
	m.documentsInFlight.Dec()
	m.documentsTotal.WithLabelValues(string(status)).Inc()
	for _, p := range pages {
		kind := string(p.ErrorKind)
		if kind == "" {
			kind = "none"
		}
		m.pagesTotal.WithLabelValues(string(p.Method), kind).Inc()
		m.pageConfidence.WithLabelValues(string(p.Method)).Observe(p.Confidence)
	}
}

func (m *PipelineMetrics) ObserveRecognition(method domain.RecognitionMethod, seconds float64) {
	if seconds < 0 {
		return
	}
	m.recognitionDuration.WithLabelValues(string(method)).Observe(seconds)
}

func (m *PipelineMetrics) ObserveLearning(patternCount int, accuracy float64) {
	m.patternCount.Set(float64(patternCount))
	m.accuracyEstimate.Set(accuracy)
}

// ObserveTask records one queue handler invocation.
func (m *PipelineMetrics) ObserveTask(subject string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.taskTotal.WithLabelValues(subject, status).Inc()
	m.taskDuration.WithLabelValues(subject, status).Observe(duration.Seconds())
}
