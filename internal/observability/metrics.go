// Package observability exposes Prometheus metrics for the alerting
// pipeline. Counters are driven off the event bus so instrumentation
// stays out of the core components.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsgate/opsgate/internal/alerting"
)

// Metrics holds the Prometheus instruments and the bus subscription
// feeding them.
type Metrics struct {
	registry *prometheus.Registry

	alertsCreated       *prometheus.CounterVec
	alertsResolved      prometheus.Counter
	alertsSuppressed    prometheus.Counter
	notificationsSent   prometheus.Counter
	notificationsFailed prometheus.Counter
	escalations         prometheus.Counter
	incidentsCreated    prometheus.Counter
	incidentsResolved   prometheus.Counter
	eventsDropped       prometheus.GaugeFunc

	unsubscribe func()
	done        chan struct{}
}

// New registers the instruments and starts consuming bus events. Call
// Stop to release the subscription.
func New(bus *alerting.Bus) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "alerts_created_total",
			Help:      "Alerts created, by severity.",
		}, []string{"severity"}),
		alertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "alerts_resolved_total",
			Help:      "Alerts resolved.",
		}),
		alertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "alerts_suppressed_total",
			Help:      "Alerts suppressed at creation or by operator.",
		}),
		notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered successfully.",
		}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "notifications_failed_total",
			Help:      "Notifications that exhausted their retry budget.",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "escalations_total",
			Help:      "Escalation pages fired.",
		}),
		incidentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "incidents_created_total",
			Help:      "Incidents opened.",
		}),
		incidentsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Name:      "incidents_resolved_total",
			Help:      "Incidents resolved.",
		}),
		eventsDropped: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "opsgate",
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped due to full subscriber buffers.",
		}, func() float64 { return float64(bus.Dropped()) }),
		done: make(chan struct{}),
	}

	registry.MustRegister(
		m.alertsCreated,
		m.alertsResolved,
		m.alertsSuppressed,
		m.notificationsSent,
		m.notificationsFailed,
		m.escalations,
		m.incidentsCreated,
		m.incidentsResolved,
		m.eventsDropped,
	)

	events, unsubscribe := bus.Subscribe(
		alerting.EventAlertCreated,
		alerting.EventAlertResolved,
		alerting.EventAlertSuppressed,
		alerting.EventNotificationSent,
		alerting.EventNotificationFailed,
		alerting.EventEscalationTriggered,
		alerting.EventIncidentCreated,
		alerting.EventIncidentResolved,
	)
	m.unsubscribe = unsubscribe
	go m.consume(events)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Stop unsubscribes from the bus and waits for the consumer to exit.
func (m *Metrics) Stop() {
	m.unsubscribe()
	<-m.done
}

func (m *Metrics) consume(events <-chan alerting.Event) {
	defer close(m.done)
	for event := range events {
		m.observe(event)
	}
}

func (m *Metrics) observe(event alerting.Event) {
	switch event.Type {
	case alerting.EventAlertCreated:
		severity, _ := event.Data["severity"].(string)
		if severity == "" {
			severity = "unknown"
		}
		m.alertsCreated.WithLabelValues(severity).Inc()
		if status, _ := event.Data["status"].(string); status == alerting.AlertStatusSuppressed {
			m.alertsSuppressed.Inc()
		}
	case alerting.EventAlertResolved:
		m.alertsResolved.Inc()
	case alerting.EventAlertSuppressed:
		m.alertsSuppressed.Inc()
	case alerting.EventNotificationSent:
		m.notificationsSent.Inc()
	case alerting.EventNotificationFailed:
		m.notificationsFailed.Inc()
	case alerting.EventEscalationTriggered:
		m.escalations.Inc()
	case alerting.EventIncidentCreated:
		m.incidentsCreated.Inc()
	case alerting.EventIncidentResolved:
		m.incidentsResolved.Inc()
	}
}
