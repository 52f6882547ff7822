// Package config collects the process configuration from environment
// variables, with defaults suitable for local development.
package config

import (
	"os"
	"time"
)

// Config holds the chat-core configuration.
type Config struct {
	HTTPAddr string

	NatsURL  string
	NatsUser string
	NatsPass string

	KeycloakURL       string
	KeycloakRealm     string
	KeycloakIssuerURL string

	// AllowDevAuth admits connections that carry only an X-User-Id header
	// and no bearer token. Development and testing only.
	AllowDevAuth bool

	PresenceLease time.Duration
	SweepInterval time.Duration
	IdleTimeout   time.Duration

	RingTimeout time.Duration

	BridgeTimeout time.Duration
	BridgeSlotTTL time.Duration

	StorageTimeout time.Duration
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		HTTPAddr: envOrDefault("HTTP_ADDR", ":8085"),

		NatsURL:  envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser: envOrDefault("NATS_USER", "chat-core"),
		NatsPass: envOrDefault("NATS_PASS", "chat-core-secret"),

		KeycloakURL:       envOrDefault("KEYCLOAK_URL", "http://localhost:8080"),
		KeycloakRealm:     envOrDefault("KEYCLOAK_REALM", "social-network"),
		KeycloakIssuerURL: envOrDefault("KEYCLOAK_ISSUER_URL", ""),

		AllowDevAuth: envOrDefault("ALLOW_DEV_AUTH", "false") == "true",

		PresenceLease: durationOrDefault("PRESENCE_LEASE", 5*time.Minute),
		SweepInterval: durationOrDefault("PRESENCE_SWEEP_INTERVAL", time.Minute),
		IdleTimeout:   durationOrDefault("PRESENCE_IDLE_TIMEOUT", 2*time.Minute),

		RingTimeout: durationOrDefault("CALL_RING_TIMEOUT", 30*time.Second),

		BridgeTimeout: durationOrDefault("BRIDGE_TIMEOUT", 5*time.Second),
		BridgeSlotTTL: durationOrDefault("BRIDGE_SLOT_TTL", time.Minute),

		StorageTimeout: durationOrDefault("STORAGE_TIMEOUT", 5*time.Second),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
