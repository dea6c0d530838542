package config

import "time"

const (
	// Liveness
	FreshnessWindow   = 60 * time.Second
	HeartbeatInterval = 15 * time.Second

	// Matching
	MatchScanInterval = 3 * time.Second
	MatchScanLimit    = 200
	StaleSweepEvery   = 30 * time.Second

	// Chat
	ChatPollInterval = 4 * time.Second
	ChatFetchLimit   = 50
	ChatMaxLength    = 1000

	// Auth
	TokenTTL = 72 * time.Hour
)

// DefaultICEServers is used by the headless client when ICE_SERVERS is unset.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}
