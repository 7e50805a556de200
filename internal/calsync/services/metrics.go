package services

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/calsync/internal/calsync/models"
	"github.com/dmitrijs2005/calsync/internal/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pass outcomes to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	passes      *prometheus.CounterVec
	events      *prometheus.CounterVec
	errors      *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewMetrics registers the sync collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_passes_total",
			Help: "Sync passes by result",
		}, []string{"result"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_events_total",
			Help: "Events and links written by sync passes, by action",
		}, []string{"action"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_errors_total",
			Help: "Non-fatal and fatal sync errors, by kind",
		}, []string{"kind"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "calsync_pass_duration_seconds",
			Help:    "Duration of sync passes in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "calsync_last_success_timestamp_seconds",
			Help: "Unix time of the last pass that finished without a fatal error",
		}),
	}
}

// ObservePass records one finished pass.
func (m *Metrics) ObservePass(stats models.PassStats, took time.Duration, err error) {
	if m == nil {
		return
	}

	m.duration.Observe(took.Seconds())

	for action, n := range map[string]int{
		"inserted":     stats.Inserted,
		"updated":      stats.Updated,
		"soft_deleted": stats.SoftDeleted,
		"swept":        stats.Swept,
		"skipped":      stats.Skipped,
		"stale":        stats.Stale,
		"links_added":  stats.LinksAdded,
		"links_pruned": stats.LinksPruned,
	} {
		m.events.WithLabelValues(action).Add(float64(n))
	}

	m.errors.WithLabelValues("invalid_record").Add(float64(stats.Invalid))
	m.errors.WithLabelValues("event").Add(float64(stats.Failed))
	m.errors.WithLabelValues("page").Add(float64(stats.FailedPages))

	if err == nil {
		m.passes.WithLabelValues("ok").Inc()
		m.lastSuccess.SetToCurrentTime()
		return
	}

	result := "failed"
	switch {
	case errors.Is(err, common.ErrPassInProgress):
		result = "skipped"
	case errors.Is(err, common.ErrAuth):
		m.errors.WithLabelValues("auth").Inc()
	case errors.Is(err, common.ErrTransientRemote):
		m.errors.WithLabelValues("transient_remote").Inc()
	}
	m.passes.WithLabelValues(result).Inc()
}
