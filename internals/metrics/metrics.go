// Package metrics exposes the host's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_connected_peers",
		Help: "Number of registered peer connections",
	})

	RoomPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_room_peers",
		Help: "Number of peers joined to the room",
	})

	IndexFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_index_files",
		Help: "Number of guest files in the shared index",
	})

	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venuehost_active_transfers",
		Help: "Number of in-flight relay transfers",
	})

	RelayedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_relayed_bytes_total",
		Help: "Total relay payload bytes forwarded to requesters",
	})

	TransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_transfers_completed_total",
		Help: "Total relay transfers that finished successfully",
	})

	TransfersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_transfers_failed_total",
		Help: "Total relay transfers that ended in error or cancellation",
	}, []string{"reason"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_messages_received_total",
		Help: "Total control messages received, by type",
	}, []string{"type"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_messages_sent_total",
		Help: "Total control messages sent, by type",
	}, []string{"type"})

	PeersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venuehost_peers_evicted_total",
		Help: "Total peers evicted after missing heartbeats",
	})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venuehost_protocol_errors_total",
		Help: "Total ERROR replies sent, by code",
	}, []string{"code"})
)

func RecordMessageReceived(msgType string) {
	MessagesReceived.WithLabelValues(msgType).Inc()
}

func RecordMessageSent(msgType string) {
	MessagesSent.WithLabelValues(msgType).Inc()
}

func RecordProtocolError(code string) {
	ProtocolErrors.WithLabelValues(code).Inc()
}

func RecordTransferFailed(reason string) {
	TransfersFailed.WithLabelValues(reason).Inc()
	ActiveTransfers.Dec()
}

func RecordTransferCompleted() {
	TransfersCompleted.Inc()
	ActiveTransfers.Dec()
}
