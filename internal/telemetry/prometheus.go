package telemetry

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metric constructors are reached from concurrent worker paths
	metricMu sync.Mutex

	counterMetricMap   = map[string]prometheus.Counter{}
	gaugeMetricMap     = map[string]prometheus.Gauge{}
	histogramMetricMap = map[string]prometheus.Histogram{}
)

func getKey(metric string, labels map[string]string) string {
	eventMetricKey := metric
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		eventMetricKey += "/" + key + ":" + labels[key]
	}
	return eventMetricKey
}

func NewCounter(metric string, labels map[string]string) prometheus.Counter {
	metricKey := getKey(metric, labels)

	metricMu.Lock()
	defer metricMu.Unlock()
	if _, ok := counterMetricMap[metricKey]; !ok {
		counterMetricMap[metricKey] = promauto.NewCounter(prometheus.CounterOpts{Name: metric, ConstLabels: labels})
	}
	return counterMetricMap[metricKey]
}

func NewGauge(metric string, labels map[string]string) prometheus.Gauge {
	metricKey := getKey(metric, labels)

	metricMu.Lock()
	defer metricMu.Unlock()
	if _, ok := gaugeMetricMap[metricKey]; !ok {
		gaugeMetricMap[metricKey] = promauto.NewGauge(prometheus.GaugeOpts{Name: metric, ConstLabels: labels})
	}
	return gaugeMetricMap[metricKey]
}

func NewHistogram(metric string, labels map[string]string) prometheus.Histogram {
	metricKey := getKey(metric, labels)

	metricMu.Lock()
	defer metricMu.Unlock()
	if _, ok := histogramMetricMap[metricKey]; !ok {
		histogramMetricMap[metricKey] = promauto.NewHistogram(prometheus.HistogramOpts{Name: metric, ConstLabels: labels})
	}
	return histogramMetricMap[metricKey]
}
