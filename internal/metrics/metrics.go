package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_session_transitions_total",
			Help: "FSM state transitions.",
		},
		[]string{"peer", "from", "to"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_messages_total",
			Help: "BGP messages by direction and type.",
		},
		[]string{"peer", "direction", "type"},
	)

	SessionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_session_errors_total",
			Help: "Session teardowns by error kind.",
		},
		[]string{"peer", "kind"},
	)

	RIBRoutes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacond_rib_routes",
			Help: "Adj-RIB route counts.",
		},
		[]string{"peer", "table"},
	)

	ArchiveRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_archive_records_total",
			Help: "MRT records written per stream.",
		},
		[]string{"stream"},
	)

	ArchiveEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacond_archive_events_dropped_total",
			Help: "Archival events dropped under backpressure.",
		},
	)

	ArchiveRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_archive_rotations_total",
			Help: "Segment rotations by trigger (interval, bytes, records, manual).",
		},
		[]string{"trigger"},
	)

	ReplicationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_replication_attempts_total",
			Help: "Replication ship attempts by destination and outcome.",
		},
		[]string{"destination", "outcome"},
	)

	ReplicationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacond_replication_queue_depth",
			Help: "Segments queued or in flight for replication.",
		},
	)

	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacond_control_requests_total",
			Help: "Control protocol requests by command and outcome.",
		},
		[]string{"cmd", "outcome"},
	)
)

var registerOnce sync.Once

// Register installs every collector into the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionTransitionsTotal,
			MessagesTotal,
			SessionErrorsTotal,
			RIBRoutes,
			ArchiveRecordsTotal,
			ArchiveEventsDroppedTotal,
			ArchiveRotationsTotal,
			ReplicationAttemptsTotal,
			ReplicationQueueDepth,
			ControlRequestsTotal,
		)
	})
}
