// Package metrics provides Prometheus instrumentation for the room
// server. It exposes gauges for connection, room, and game-cache
// population, and counters for protocol traffic and security events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of connected clients,
	// labeled by transport: "tcp" or "ws".
	ConnectionsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomserver_connections_total",
		Help: "Current number of connected clients",
	}, []string{"transport"})

	// ActiveRooms tracks the current number of populated game rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomserver_active_rooms",
		Help: "Current number of populated game rooms",
	})

	// CachedGames tracks the number of games resident in the name hash.
	CachedGames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomserver_cached_games",
		Help: "Current number of hash-resident cached games",
	})

	// DirtyGames tracks the write-back backlog depth.
	DirtyGames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomserver_dirty_games",
		Help: "Games queued for write-back to the cache directory",
	})

	// Transactions counts processed protocol lines, labeled by
	// direction: "in" or "out".
	Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomserver_transactions_total",
		Help: "Total protocol lines processed",
	}, []string{"direction"})

	// ChecksumErrors counts lines rejected for a bad transport checksum.
	ChecksumErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomserver_checksum_errors_total",
		Help: "Lines rejected for a bad transport checksum",
	})

	// UnusualEvents counts security-relevant protocol irregularities.
	UnusualEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomserver_unusual_events_total",
		Help: "Security-relevant protocol irregularities",
	})

	// BlockedClients counts transitions into the write-blocked state.
	BlockedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomserver_blocked_clients_total",
		Help: "Times a client's socket stopped accepting output",
	})

	// BansTotal counts ban events, labeled by kind: "user" or "ip".
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomserver_bans_total",
		Help: "Total ban events",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		CachedGames,
		DirtyGames,
		Transactions,
		ChecksumErrors,
		UnusualEvents,
		BlockedClients,
		BansTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
