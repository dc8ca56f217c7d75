package realtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the realtime gateway's operational counters on the
// default Prometheus registry.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ReplacedTotal     prometheus.Counter
	ActiveCalls       prometheus.Gauge
	CallsTotal        *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	DroppedDeliveries prometheus.Counter
	ReapedTotal       *prometheus.CounterVec
	OpenRooms         prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide metrics set. Collectors register
// once; repeated calls (tests constructing multiple gateways) share the
// same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "realtime_active_connections",
				Help: "Number of open WebSocket connections",
			}),
			ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "realtime_connections_total",
				Help: "Total accepted WebSocket connections",
			}),
			ReplacedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "realtime_connections_replaced_total",
				Help: "Connections superseded by a newer session for the same user",
			}),
			ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "realtime_active_calls",
				Help: "Number of calls currently ringing or connected",
			}),
			CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "realtime_calls_total",
				Help: "Completed call lifecycles by outcome",
			}, []string{"outcome"}),
			EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "realtime_events_total",
				Help: "Inbound events processed by type",
			}, []string{"type"}),
			DroppedDeliveries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "realtime_dropped_deliveries_total",
				Help: "Outbound events dropped due to full send buffers",
			}),
			ReapedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "realtime_reaped_total",
				Help: "Stale state removed by the reaper, by kind",
			}, []string{"kind"}),
			OpenRooms: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "realtime_open_rooms",
				Help: "Chat rooms with at least one subscriber",
			}),
		}
	})
	return metricsInstance
}
