package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the CLI reads from the environment. A .env file in
// the working directory is honored but optional.
type Config struct {
	// URL of the realtime voice backend, e.g. ws://localhost:8080/ws
	URL string

	// VoiceID selects the synthesized voice announced in the config event
	VoiceID string

	// TokenSecret signs and validates session tokens. The simulator and the
	// client must agree on it.
	TokenSecret string

	// TokenTTL bounds how long a minted session token stays valid
	TokenTTL time.Duration

	// SimPort is the listen port for the simulator backend
	SimPort int

	// SimIdleTimeout closes simulator sessions that stay silent
	SimIdleTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		URL:            getEnv("VOICELINK_URL", "ws://localhost:8080/ws"),
		VoiceID:        getEnv("VOICELINK_VOICE", "matthew"),
		TokenSecret:    getEnv("VOICELINK_TOKEN_SECRET", "development-secret"),
		TokenTTL:       24 * time.Hour,
		SimPort:        8080,
		SimIdleTimeout: 5 * time.Minute,
	}

	if ttl := os.Getenv("VOICELINK_TOKEN_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid VOICELINK_TOKEN_TTL: %w", err)
		}
		cfg.TokenTTL = d
	}
	if port := os.Getenv("VOICELINK_SIM_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid VOICELINK_SIM_PORT: %q", port)
		}
		cfg.SimPort = p
	}
	if idle := os.Getenv("VOICELINK_SIM_IDLE_TIMEOUT"); idle != "" {
		d, err := time.ParseDuration(idle)
		if err != nil {
			return nil, fmt.Errorf("invalid VOICELINK_SIM_IDLE_TIMEOUT: %w", err)
		}
		cfg.SimIdleTimeout = d
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
