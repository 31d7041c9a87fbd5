package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultJWTSecret signs dev tokens when JWT_SECRET is unset.
const DefaultJWTSecret = "gridsync-dev-secret"

type ServerConfig struct {
	Port      string
	JWTSecret string
	// Failure modes the client must survive
	LongPollUnsupported bool
	PushDisabled        bool
	TextSnapshots       bool
	// Simulation
	SimEnabled     bool
	SimInterval    time.Duration
	SeedGames      int
	MaxPollTimeout time.Duration
	// WebSocket configuration
	WSHeartbeatTimeout time.Duration
}

func LoadServerConfig() (*ServerConfig, error) {
	simInterval, err := time.ParseDuration(getEnvOrDefault("SIM_INTERVAL", "2s"))
	if err != nil {
		simInterval = 2 * time.Second // Default to 2s on parse error
	}

	maxPoll, err := time.ParseDuration(getEnvOrDefault("MAX_POLL_TIMEOUT", "60s"))
	if err != nil {
		maxPoll = time.Minute
	}

	hbTimeout, err := time.ParseDuration(getEnvOrDefault("WS_HEARTBEAT_TIMEOUT", "60s"))
	if err != nil {
		hbTimeout = time.Minute
	}

	seed, err := strconv.Atoi(getEnvOrDefault("SEED_GAMES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid SEED_GAMES: %w", err)
	}

	cfg := &ServerConfig{
		Port:                getEnvOrDefault("PORT", "8080"),
		JWTSecret:           getEnvOrDefault("JWT_SECRET", DefaultJWTSecret),
		LongPollUnsupported: getEnvOrDefault("LONGPOLL_UNSUPPORTED", "false") == "true",
		PushDisabled:        getEnvOrDefault("PUSH_DISABLED", "false") == "true",
		TextSnapshots:       getEnvOrDefault("TEXT_SNAPSHOTS", "false") == "true",
		SimEnabled:          getEnvOrDefault("SIM_ENABLED", "true") == "true",
		SimInterval:         simInterval,
		SeedGames:           seed,
		MaxPollTimeout:      maxPoll,
		WSHeartbeatTimeout:  hbTimeout,
	}

	// Validate
	if _, err := strconv.ParseUint(cfg.Port, 10, 16); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", cfg.Port)
	}
	if cfg.SeedGames < 0 {
		return nil, fmt.Errorf("invalid SEED_GAMES: %d (must be >= 0)", cfg.SeedGames)
	}
	if cfg.MaxPollTimeout < time.Second {
		return nil, fmt.Errorf("invalid MAX_POLL_TIMEOUT: %s (must be at least 1s)", cfg.MaxPollTimeout)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
