// Package observability holds the Prometheus collectors for challenge scoring.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	joinsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wellness",
		Subsystem: "challenge",
		Name:      "joins_total",
		Help:      "Number of participations created.",
	})
	activitiesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wellness",
		Subsystem: "challenge",
		Name:      "activities_recorded_total",
		Help:      "Number of activities recorded, labeled by activity type.",
	}, []string{"activity_type"})
	pointsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wellness",
		Subsystem: "challenge",
		Name:      "points_awarded_total",
		Help:      "Sum of points awarded, labeled by activity type.",
	}, []string{"activity_type"})
	completionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wellness",
		Subsystem: "challenge",
		Name:      "completions_total",
		Help:      "Number of participations that reached the reward threshold.",
	})
	lastActivityGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wellness",
		Subsystem: "challenge",
		Name:      "last_activity_recorded_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity recorded.",
	})
)

func init() {
	prometheus.MustRegister(joinsCounter, activitiesCounter, pointsCounter, completionsCounter, lastActivityGauge)
}

// RecordJoin counts a new participation.
func RecordJoin() {
	joinsCounter.Inc()
}

// RecordActivity counts an activity and its points and moves the watermark gauge.
func RecordActivity(activityType string, points int, ts time.Time) {
	activitiesCounter.WithLabelValues(activityType).Inc()
	pointsCounter.WithLabelValues(activityType).Add(float64(points))
	if ts.IsZero() {
		return
	}
	lastActivityGauge.Set(float64(ts.Unix()))
}

// RecordCompletion counts a completed participation.
func RecordCompletion() {
	completionsCounter.Inc()
}
