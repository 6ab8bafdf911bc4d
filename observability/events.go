package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"dealescrow/core/events"
	"dealescrow/native/escrow"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	volume  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted escrow events. It
// implements events.Emitter so it can be attached to the event hub.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of escrow events segmented by type.",
			}, []string{"type"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "custody",
				Name:      "volume_total",
				Help:      "Units moved into or out of custody segmented by asset and direction.",
			}, []string{"asset", "direction"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.volume)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(evt.EventType()).Inc()
	payload, ok := events.PayloadOf(evt)
	if !ok {
		return
	}
	asset := labelAsset(payload.Attributes["asset"])
	switch evt.EventType() {
	case escrow.EventTypeDealFunded:
		m.recordVolume(asset, "in", payload.Attributes["amount"])
	case escrow.EventTypeDealReleased, escrow.EventTypeDealRefunded:
		m.recordVolume(asset, "out", payload.Attributes["paid"])
	}
}

func (m *eventMetrics) recordVolume(asset, direction, raw string) {
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || amount == 0 {
		return
	}
	m.volume.WithLabelValues(asset, direction).Add(float64(amount))
}
