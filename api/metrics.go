package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/murmur/session"
)

// Metrics holds the Prometheus collectors for the auth endpoints.
type Metrics struct {
	registry      *prometheus.Registry
	authAttempts *prometheus.CounterVec
	logins        *prometheus.CounterVec
	registrations *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "auth_attempts_total",
			Help:      "Session authentication attempts by result.",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "logins_total",
			Help:      "Password logins by outcome.",
		}, []string{"outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "registrations_total",
			Help:      "Account registrations by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "rate_limited_total",
			Help:      "Requests refused by a rate limiter.",
		}, []string{"limiter"}),
	}
	reg.MustRegister(
		m.authAttempts,
		m.logins,
		m.registrations,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveSession counts one session authentication. Pass it to
// session.WithReporter.
func (m *Metrics) ObserveSession(result session.Result) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(string(result)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) registration(outcome string) {
	if m != nil {
		m.registrations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) limited(limiter string) {
	if m != nil {
		m.rateLimited.WithLabelValues(limiter).Inc()
	}
}

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRegistrationSpike AlertType = "registration_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// alertCollector keeps sliding windows of audit events and raises an alert
// when one fills up.
type alertCollector struct {
	mu sync.Mutex

	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	registrations []time.Time
	regWindow     time.Duration
	regThreshold  int

	now     func() time.Time
	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultRegistrationWindow    = 5 * time.Minute
	defaultRegistrationThreshold = 100
)

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		loginWindow:    defaultLoginFailureWindow,
		loginThreshold: defaultLoginFailureThreshold,
		regWindow:      defaultRegistrationWindow,
		regThreshold:   defaultRegistrationThreshold,
		now:            time.Now,
		alertFn:        alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant window.
func (c *alertCollector) recordEvent(event AuditEvent) {
	if c == nil || c.alertFn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch event {
	case AuditLoginFailure:
		c.loginFailures = c.record(c.loginFailures, now, c.loginWindow, c.loginThreshold,
			AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditRegister:
		c.registrations = c.record(c.registrations, now, c.regWindow, c.regThreshold,
			AlertRegistrationSpike, "registration rate exceeds threshold")
	}
}

func (c *alertCollector) record(times []time.Time, now time.Time, window time.Duration, threshold int, typ AlertType, msg string) []time.Time {
	times = trimWindow(append(times, now), now, window)
	if len(times) < threshold {
		return times
	}
	c.alertFn(AlertEvent{
		Type:      typ,
		Message:   msg,
		Count:     len(times),
		Threshold: threshold,
		Timestamp: now,
	})
	// Reset so one spike raises one alert.
	return times[:0]
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
