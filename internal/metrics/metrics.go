package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Bot metrics
	UpdatesTotal         *prometheus.CounterVec
	UpdateOutcomes       *prometheus.CounterVec
	AssistantRunDuration *prometheus.HistogramVec
	MembershipChecks     *prometheus.CounterVec

	// Admin metrics
	LoginAttempts *prometheus.CounterVec

	// User store gauges, refreshed periodically
	UsersTotal       prometheus.Gauge
	UsersBanned      prometheus.Gauge
	DailyActiveUsers prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		UpdatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telegram_updates_total",
				Help: "Telegram updates received",
			},
			[]string{"kind"}, // text, voice, command, callback, other
		),
		UpdateOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telegram_update_outcomes_total",
				Help: "How handled updates ended",
			},
			[]string{"outcome"},
		),
		AssistantRunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_run_duration_seconds",
				Help:    "Time from run creation to a terminal status",
				Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45},
			},
			[]string{"status"},
		),
		MembershipChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channel_membership_checks_total",
				Help: "Required channel checks by result",
			},
			[]string{"result"}, // subscribed, missing
		),

		LoginAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_login_attempts_total",
				Help: "Admin login attempts",
			},
			[]string{"status"}, // success, failed
		),

		UsersTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "users_total",
			Help: "Known Telegram users",
		}),
		UsersBanned: f.NewGauge(prometheus.GaugeOpts{
			Name: "users_banned",
			Help: "Banned Telegram users",
		}),
		DailyActiveUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "users_daily_active",
			Help: "Users with at least one request today",
		}),
	}
}

func (m *Metrics) Update(kind string) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.UpdateOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AssistantRun(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.AssistantRunDuration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) Membership(subscribed bool) {
	if m == nil {
		return
	}
	result := "missing"
	if subscribed {
		result = "subscribed"
	}
	m.MembershipChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Login(success bool) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "success"
	}
	m.LoginAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) SetUserCounts(total, banned, dailyActive int64) {
	if m == nil {
		return
	}
	m.UsersTotal.Set(float64(total))
	m.UsersBanned.Set(float64(banned))
	m.DailyActiveUsers.Set(float64(dailyActive))
}

// Middleware creates an Echo middleware for Prometheus metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			// Route pattern, not the raw path, to keep label cardinality bounded.
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			labels := []string{c.Request().Method, path, strconv.Itoa(status)}
			m.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
			m.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
