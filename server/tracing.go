package server

import (
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/openzipkin/zipkin-go-opentracing"
	"github.com/openzipkin/zipkin-go-opentracing/thrift/gen-go/zipkincore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const spanLabelPrefix = "pixure"

var tracerOnce sync.Once

// SetTracer installs the global tracer once per process. Spans always feed
// prometheus; they are also sent to zipkin when zipkinURL is set
// (e.g. "http://zipkin:9411/api/v1/spans").
func SetTracer(ownURL string, zipkinURL string) {
	tracerOnce.Do(func() {
		setTracer(ownURL, zipkinURL)
	})
}

func setTracer(serviceHostPort string, zipkinHTTPEndpoint string) {
	const (
		debugMode   = false
		serviceName = "pixure"
	)

	var collector zipkintracer.Collector

	// custom Zipkin collector to send tracing spans to Prometheus
	promCollector := NewPrometheusCollector()

	logger := zipkintracer.LoggerFunc(func(i ...interface{}) error { logrus.Error(i...); return nil })

	if zipkinHTTPEndpoint != "" {
		httpCollector, zipErr := zipkintracer.NewHTTPCollector(zipkinHTTPEndpoint, zipkintracer.HTTPLogger(logger))
		if zipErr != nil {
			logrus.WithError(zipErr).Fatalln("couldn't start Zipkin trace collector")
		}
		collector = zipkintracer.MultiCollector{httpCollector, promCollector}
	} else {
		collector = promCollector
	}

	ziptracer, err := zipkintracer.NewTracer(zipkintracer.NewRecorder(collector, debugMode, serviceHostPort, serviceName),
		zipkintracer.ClientServerSameSpan(true),
		zipkintracer.TraceID128Bit(true),
	)
	if err != nil {
		logrus.WithError(err).Fatalln("couldn't start tracer")
	}

	opentracing.SetGlobalTracer(ziptracer)
	logrus.WithFields(logrus.Fields{"url": zipkinHTTPEndpoint}).Info("started tracer")
}

// PrometheusCollector is a custom Collector
// which sends ZipKin traces to Prometheus
type PrometheusCollector struct {
	mu sync.Mutex

	// Each span name is published as a separate Histogram metric
	// Using metric names of the form pixure_span_<span-name>_duration_secs_histogram
	histogramVecMap map[string]*prometheus.HistogramVec

	// The label keys each span name's metrics were created with
	registeredLabelKeysMap map[string][]string

	// Summaries for computing span duration quantiles
	summaryVecMap map[string]*prometheus.SummaryVec

	registerer prometheus.Registerer
}

// NewPrometheusCollector returns a new PrometheusCollector registering its metrics with the default registry
func NewPrometheusCollector() *PrometheusCollector {
	return newPrometheusCollector(prometheus.DefaultRegisterer)
}

func newPrometheusCollector(registerer prometheus.Registerer) *PrometheusCollector {
	return &PrometheusCollector{
		histogramVecMap:        make(map[string]*prometheus.HistogramVec),
		registeredLabelKeysMap: make(map[string][]string),
		summaryVecMap:          make(map[string]*prometheus.SummaryVec),
		registerer:             registerer,
	}
}

// Collect implements Collector.
func (pc *PrometheusCollector) Collect(span *zipkincore.Span) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	name := metricName(span.GetName())
	labelKeysFromSpan, labelValuesFromSpan := getLabels(span)

	var labelValuesToUse map[string]string
	expectedLabelKeys, found := pc.registeredLabelKeysMap[name]
	if !found {
		histogramVec := prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "pixure_span_" + name + "_duration_secs_histogram",
				Help: "Span " + span.GetName() + " duration, by span name",
			},
			labelKeysFromSpan,
		)
		summaryVec := prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       "pixure_span_" + name + "_duration_secs_summary",
				Help:       "Span " + span.GetName() + " duration, by span name",
				Objectives: map[float64]float64{0.5: 0.01, 0.9: 0.01, 0.99: 0.001},
			},
			labelKeysFromSpan,
		)
		if err := pc.registerer.Register(histogramVec); err != nil {
			return err
		}
		if err := pc.registerer.Register(summaryVec); err != nil {
			pc.registerer.Unregister(histogramVec)
			return err
		}
		pc.histogramVecMap[name] = histogramVec
		pc.summaryVecMap[name] = summaryVec
		pc.registeredLabelKeysMap[name] = labelKeysFromSpan
		labelValuesToUse = labelValuesFromSpan
	} else {
		// the label keys must match those the metric was created with, or prometheus
		// panics with "inconsistent label cardinality"
		labelValuesToUse = make(map[string]string)
		for _, key := range expectedLabelKeys {
			labelValuesToUse[key] = labelValuesFromSpan[key]
		}
	}

	duration := (time.Duration(span.GetDuration()) * time.Microsecond).Seconds()
	pc.histogramVecMap[name].With(labelValuesToUse).Observe(duration)
	pc.summaryVecMap[name].With(labelValuesToUse).Observe(duration)
	return nil
}

// extract from the specified span the key/value pairs that we want to add as labels to the Prometheus metric for this span
// returns an array of keys, and a map of key-value pairs
func getLabels(span *zipkincore.Span) ([]string, map[string]string) {
	var keys []string
	labelMap := make(map[string]string)

	for _, annotation := range span.GetBinaryAnnotations() {
		key := annotation.GetKey()
		if annotation.GetAnnotationType() == zipkincore.AnnotationType_STRING && strings.HasPrefix(key, spanLabelPrefix) {
			keys = append(keys, key)
			labelMap[key] = string(annotation.GetValue())
		}
	}
	return keys, labelMap
}

func metricName(spanName string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		return '_'
	}, spanName)
}

// Close implements Collector.
func (*PrometheusCollector) Close() error { return nil }
