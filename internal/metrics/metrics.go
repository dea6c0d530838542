// Package metrics registers the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetzap_matches_total",
		Help: "Pairs of sessions connected by the matchmaker.",
	})

	ClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetzap_claim_conflicts_total",
		Help: "Connect attempts that lost the conditional claim to another matcher.",
	})

	PartialConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetzap_partial_connects_total",
		Help: "Connect attempts where only one side was written.",
	})

	SelfHealsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetzap_self_heals_total",
		Help: "Chatting sessions reset to waiting because the partner reference was not mutual.",
	})

	StaleSessionsEndedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetzap_stale_sessions_ended_total",
		Help: "Sessions ended by the sweeper after missing heartbeats.",
	})

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetzap_signals_total",
		Help: "Signals relayed, by type.",
	}, []string{"type"})

	ChatMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetzap_chat_messages_total",
		Help: "Chat messages stored.",
	})

	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meetzap_hub_clients",
		Help: "WebSocket clients registered in this node's hub.",
	})
)
