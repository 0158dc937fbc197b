// File: metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room Metrics
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicesync_rooms_active",
		Help: "The current number of voice rooms with a playback session.",
	})
	IdleKicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicesync_idle_kicks_total",
		Help: "The total number of rooms torn down because of inactivity.",
	})
	MirroredCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicesync_mirrored_commands_total",
		Help: "The total number of host events mirrored to the room, by kind.",
	}, []string{"kind"})
	SearchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicesync_search_misses_total",
		Help: "The total number of tracks for which the provider found no match.",
	})

	// Remote Session Metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicesync_remote_sessions_active",
		Help: "The current number of open remote control connections.",
	})
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicesync_reconnects_total",
		Help: "The total number of reconnect attempts, by outcome.",
	}, []string{"outcome"})
	AckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicesync_ack_failures_total",
		Help: "The total number of state acknowledgments rejected after retry.",
	})
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicesync_token_refreshes_total",
		Help: "The total number of access token refreshes, by outcome.",
	}, []string{"outcome"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Presence Metrics
	PresenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicesync_presence_errors_total",
		Help: "The total number of failed presence store operations.",
	}, []string{"op"})
)
