// Package metrics exposes agent health as Prometheus metrics, gathered
// at scrape time from the live components.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallCounts exposes registry occupancy. Implemented by the call
// registry via its atomic gauges, so scraping never touches the engine
// loop.
type CallCounts interface {
	ActiveSessionCount() int
	PendingInviteCount() int
}

// PushCounter reports how many push wake-ups were dispatched.
type PushCounter interface {
	Handled() int64
}

// RegistrationAge reports the age of the push-registration binding.
type RegistrationAge interface {
	Age(ctx context.Context) (time.Duration, bool)
}

// Collector is a prometheus.Collector that gathers DialCore metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	calls        CallCounts
	pushes       PushCounter
	registration RegistrationAge
	startTime    time.Time

	activeCallsDesc     *prometheus.Desc
	pendingInvitesDesc  *prometheus.Desc
	pushesHandledDesc   *prometheus.Desc
	registrationAgeDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(calls CallCounts, pushes PushCounter, registration RegistrationAge, startTime time.Time) *Collector {
	return &Collector{
		calls:        calls,
		pushes:       pushes,
		registration: registration,
		startTime:    startTime,

		activeCallsDesc: prometheus.NewDesc(
			"dialcore_active_calls",
			"Number of live call sessions in the registry",
			nil, nil,
		),
		pendingInvitesDesc: prometheus.NewDesc(
			"dialcore_pending_invites",
			"Number of incoming-call invites awaiting answer or cancel",
			nil, nil,
		),
		pushesHandledDesc: prometheus.NewDesc(
			"dialcore_push_wakeups_total",
			"Total push wake-ups dispatched since start",
			nil, nil,
		),
		registrationAgeDesc: prometheus.NewDesc(
			"dialcore_registration_age_seconds",
			"Age of the push-registration binding; absent when unbound",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialcore_uptime_seconds",
			"Seconds since the agent started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.pendingInvitesDesc
	ch <- c.pushesHandledDesc
	ch <- c.registrationAgeDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc,
			prometheus.GaugeValue, float64(c.calls.ActiveSessionCount()))
		ch <- prometheus.MustNewConstMetric(c.pendingInvitesDesc,
			prometheus.GaugeValue, float64(c.calls.PendingInviteCount()))
	}

	if c.pushes != nil {
		ch <- prometheus.MustNewConstMetric(c.pushesHandledDesc,
			prometheus.CounterValue, float64(c.pushes.Handled()))
	}

	if c.registration != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if age, ok := c.registration.Age(ctx); ok {
			ch <- prometheus.MustNewConstMetric(c.registrationAgeDesc,
				prometheus.GaugeValue, age.Seconds())
		}
		cancel()
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc,
		prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
