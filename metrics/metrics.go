package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmailsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "followup_emails_recorded_total",
		Help: "Sent emails stored in the database",
	})

	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_smtp_sends_total",
		Help: "SMTP send attempts by outcome",
	}, []string{"result"})

	// FollowUpsCreated is labelled by origin: initial, external or chain.
	FollowUpsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_follow_ups_created_total",
		Help: "Follow-up rows created",
	}, []string{"source"})

	FollowUpsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_follow_ups_completed_total",
		Help: "Follow-ups completed, by what happened to the chain",
	}, []string{"result"})

	CalendarQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_calendar_queries_total",
		Help: "Calendar month lookups",
	}, []string{"scope"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RegisterDBStats exposes database/sql pool statistics as gauges.
func RegisterDBStats(db *sql.DB) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_open_connections",
			Help: "Established connections, in use and idle",
		}, func() float64 {
			return float64(db.Stats().OpenConnections)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_in_use_connections",
			Help: "Connections currently in use",
		}, func() float64 {
			return float64(db.Stats().InUse)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_idle_connections",
			Help: "Idle connections",
		}, func() float64 {
			return float64(db.Stats().Idle)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_wait_count",
			Help: "Total number of connections waited for",
		}, func() float64 {
			return float64(db.Stats().WaitCount)
		}),
	)
}
