// Package telemetry defines the process's Prometheus metrics, named and
// structured the way telemetry/flow-ingest/internal/metrics/metrics.go
// lays out its own.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pingcanvas_build_info",
		Help: "Build information of pingcanvasd.",
	}, []string{"version", "commit", "date"})

	PacketsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingcanvas_sniffer_packets_captured_total",
		Help: "Total frames read from the capture handle.",
	})
	PacketsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingcanvas_sniffer_packets_decoded_total",
		Help: "Total frames successfully decoded into a pixel update.",
	})
	PacketsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingcanvas_sniffer_packets_rejected_total",
		Help: "Total frames that failed to decode into a pixel update.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pingcanvas_queue_depth",
		Help: "Current number of buffered pixel updates awaiting the aggregator.",
	})
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingcanvas_queue_dropped_total",
		Help: "Total pixel updates dropped because the queue was full.",
	})

	PublishedPPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pingcanvas_aggregator_pps",
		Help: "Most recently published global packets-per-second rate.",
	})
	CanvasPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingcanvas_aggregator_canvas_publishes_total",
		Help: "Total full/delta canvas PNG publishes.",
	})

	AbuseTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pingcanvas_abuse_table_size",
		Help: "Current number of tracked /48 prefixes in the anti-abuse table.",
	})
	AbuseEmergencyDisables = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingcanvas_abuse_emergency_disables_total",
		Help: "Total times the anti-abuse tracker hit Cap A and disabled itself.",
	})

	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pingcanvas_ws_live_connections",
		Help: "Current number of open websocket sessions.",
	})
	SubscriberLag = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingcanvas_broadcast_subscriber_lag_total",
		Help: "Total messages dropped for a lagging broadcast subscriber, by topic.",
	}, []string{"topic"})
)
