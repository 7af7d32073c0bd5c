// Package metrics holds the Prometheus collectors of the bot and the HTTP
// endpoint that exposes them. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "shiftbot"

type Metrics struct {
	reg *prometheus.Registry

	assignments   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	conflicts     prometheus.Counter
	events        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	panics        *prometheus.CounterVec
	activeTimers  prometheus.Gauge
	openSessions  prometheus.Gauge
	tickDuration  prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_total",
			Help: "Assignment requests by outcome.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_total",
			Help: "Applied task status transitions by target status.",
		}, []string{"to"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transition_conflicts_total",
			Help: "Guarded updates that lost a race.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Task lifecycle events seen on the event bus.",
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notifier outcomes.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Background job runs by job name and result.",
		}, []string{"job", "result"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "goroutine_panics_total",
			Help: "Recovered goroutine panics.",
		}, []string{"name"}),
		activeTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_timers",
			Help: "Running timer presentation loops.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_shift_sessions",
			Help: "Workers and supervisors currently on shift.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Scheduler tick duration.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.assignments, m.transitions, m.conflicts, m.events, m.notifications,
		m.jobs, m.panics, m.activeTimers, m.openSessions, m.tickDuration,
	)
	return m
}

// Registry exposes the registry for the HTTP handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Assignment(result string) {
	if m != nil {
		m.assignments.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Transition(to string) {
	if m != nil {
		m.transitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) Event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Notification(result string) {
	if m != nil {
		m.notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Job(name, result string) {
	if m != nil {
		m.jobs.WithLabelValues(name, result).Inc()
	}
}

func (m *Metrics) Panic(name string) {
	if m != nil {
		m.panics.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) SetActiveTimers(n int) {
	if m != nil {
		m.activeTimers.Set(float64(n))
	}
}

func (m *Metrics) SetOpenSessions(n int) {
	if m != nil {
		m.openSessions.Set(float64(n))
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m != nil {
		m.tickDuration.Observe(d.Seconds())
	}
}
