// Package metrics holds the Prometheus collectors of the checkbox server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frame kinds counted by FramesTotal.
const (
	FrameMutation   = "mutation"
	FrameRangeQuery = "range_query"
	FrameRelayed    = "relayed"
	FrameInvalid    = "invalid"
)

// SessionsActive is the number of open websocket sessions.
var SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "checkboxes",
	Name:      "sessions_active",
	Help:      "Number of connected websocket sessions",
})

// FramesTotal counts frames handled by sessions, labelled by kind.
var FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "checkboxes",
	Name:      "frames_total",
	Help:      "Frames handled by sessions, by kind",
}, []string{"kind"})

// RelayEventsTotal counts changes the relay received from the bus.
var RelayEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "checkboxes",
	Name:      "relay_events_total",
	Help:      "Change events received from the bus by the relay",
})

// RelayDroppedTotal counts changes dropped for sessions that fell behind.
var RelayDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "checkboxes",
	Name:      "relay_dropped_total",
	Help:      "Change events discarded because a session fell behind",
})

// StoreErrorsTotal counts failed gateway calls, labelled by operation.
var StoreErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "checkboxes",
	Name:      "store_errors_total",
	Help:      "Failed gateway operations, by operation",
}, []string{"op"})

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		SessionsActive,
		FramesTotal,
		RelayEventsTotal,
		RelayDroppedTotal,
		StoreErrorsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
