package importer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JonMunkholm/catalogimport/internal/store"
)

type metrics struct {
	rows          *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	active        prometheus.Gauge
	reverts       prometheus.Counter
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		rows: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalogimport",
			Name:      "rows_total",
			Help:      "Total number of processed import rows.",
		}, []string{"result"}),
		outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalogimport",
			Name:      "entity_outcomes_total",
			Help:      "Entity resolutions by entity and outcome.",
		}, []string{"entity", "outcome"}),
		batches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalogimport",
			Name:      "batches_total",
			Help:      "Total number of batches that reached a terminal status.",
		}, []string{"status"}),
		batchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "catalogimport",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of batch processing.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"status"}),
		active: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "catalogimport",
			Name:      "active_batches",
			Help:      "Batches currently being processed by this process.",
		}),
		reverts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "catalogimport",
			Name:      "reverts_total",
			Help:      "Total number of reverted batches.",
		}),
	}
})

func getMetrics() *metrics { return metricsSingleton() }

func (m *metrics) row(r *store.Row) {
	if m == nil {
		return
	}
	if r.HasErrors {
		m.rows.WithLabelValues("error").Inc()
		return
	}
	m.rows.WithLabelValues("success").Inc()

	for _, e := range []struct {
		name string
		o    store.Outcome
	}{
		{"machine", r.Machine}, {"engine", r.Engine}, {"part", r.Part},
		{"vendor", r.Vendor}, {"build_list", r.BuildList}, {"kit", r.Kit},
	} {
		if e.o.ID == nil {
			continue
		}
		outcome := "skipped"
		switch {
		case e.o.Created:
			outcome = "created"
		case e.o.Updated:
			outcome = "updated"
		}
		m.outcomes.WithLabelValues(e.name, outcome).Inc()
	}
}

func (m *metrics) started() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *metrics) finished(status store.BatchStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.batches.WithLabelValues(string(status)).Inc()
	m.batchDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// swept counts a batch another process abandoned.
func (m *metrics) swept() {
	if m != nil {
		m.batches.WithLabelValues(string(store.StatusFailed)).Inc()
	}
}

func (m *metrics) reverted() {
	if m != nil {
		m.reverts.Inc()
	}
}
