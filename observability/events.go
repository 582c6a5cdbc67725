package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"itemmarket/core/events"
)

// EventMetrics counts published domain events by type.
type EventMetrics struct {
	published *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the lazily registered event counters.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = NewEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

// NewEventMetrics builds event counters registered on reg when non-nil.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "itemmarket",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Count of domain events published segmented by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.published)
	}
	return m
}

// Emit implements events.Emitter so the counters can sit in an emitter fan-out.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	m.published.WithLabelValues(eventType).Inc()
}
