package config

import (
	"os"
	"time"
)

// Config carries the server's runtime settings. Everything comes from
// the environment with working defaults for local development.
type Config struct {
	Port      string
	DBPath    string
	RedisAddr string // empty means in-process presence

	// ActiveWindow bounds "who is here now" queries; StaleTTL and
	// SweepInterval drive abandoned-presence eviction. The live window
	// is deliberately much shorter than the sweep TTL.
	ActiveWindow  time.Duration
	StaleTTL      time.Duration
	SweepInterval time.Duration
}

func Default() Config {
	return Config{
		Port:          "8080",
		DBPath:        "./data/collab.db",
		ActiveWindow:  30 * time.Second,
		StaleTTL:      5 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// FromEnv builds a Config from the environment, falling back to
// defaults for anything unset or unparseable.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("COLLAB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("COLLAB_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if d, ok := envDuration("COLLAB_ACTIVE_WINDOW"); ok {
		cfg.ActiveWindow = d
	}
	if d, ok := envDuration("COLLAB_STALE_TTL"); ok {
		cfg.StaleTTL = d
	}
	if d, ok := envDuration("COLLAB_SWEEP_INTERVAL"); ok {
		cfg.SweepInterval = d
	}

	return cfg
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
