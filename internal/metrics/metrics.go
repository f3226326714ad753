// Package metrics exposes Prometheus collectors for the chat service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_accepted_total",
		Help: "Chat messages persisted after passing the send gate",
	})

	SendRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_send_rejections_total",
		Help: "Messages refused by the send gate, by reason",
	}, []string{"reason"})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_commands_total",
		Help: "Prefixed commands processed, by command and outcome",
	}, []string{"command", "outcome"})

	ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_actions_total",
		Help: "Moderation actions applied, by action",
	}, []string{"action"})

	ProfileLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_profile_lookups_total",
		Help: "Author profile resolutions, by result (cache, store, fallback)",
	}, []string{"result"})

	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_realtime_dropped_events_total",
		Help: "Realtime events dropped because a subscriber was full or the payload was malformed",
	}, []string{"cause"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_sessions",
		Help: "Chat sessions currently joined to a stream",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Open WebSocket connections",
	})

	HistoryLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_history_load_duration_seconds",
		Help:    "Time to load and resolve a stream's recent history",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveSince records the time elapsed since start in obs.
func ObserveSince(obs prometheus.Observer, start time.Time) {
	obs.Observe(time.Since(start).Seconds())
}
