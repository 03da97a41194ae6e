// Package conductorenv reads process-level tunables from the environment,
// falling back to the same defaults cmd/conductor would otherwise hardcode.
package conductorenv

import (
	"os"
	"strconv"
	"time"

	"github.com/swarmforge/conductor/internal/phase"
	"github.com/swarmforge/conductor/internal/run"
)

// Config bundles every env-tunable setting a conductor process reads at
// startup.
type Config struct {
	HTTPAddr             string
	DataDir              string
	NATSURL              string
	MaxGlobalConcurrency int
	Strategy             run.Strategy
	FailurePolicy        phase.FailurePolicy
	CancelRetention      time.Duration
	CancelCleanupEvery   time.Duration
}

// Load reads Config from the environment, defaulting every field a
// variable does not override.
func Load() Config {
	return Config{
		HTTPAddr:             getEnvDefault("CONDUCTOR_HTTP_ADDR", ":8080"),
		DataDir:              getEnvDefault("CONDUCTOR_DATA_DIR", "./data"),
		NATSURL:              getEnvDefault("CONDUCTOR_NATS_URL", "nats://localhost:4222"),
		MaxGlobalConcurrency: getEnvInt("CONDUCTOR_MAX_CONCURRENCY", 16),
		Strategy:             run.Strategy(getEnvDefault("CONDUCTOR_STRATEGY", string(run.StrategyMax))),
		FailurePolicy:        phase.FailurePolicy(getEnvDefault("CONDUCTOR_FAILURE_POLICY", string(phase.PolicyContinue))),
		CancelRetention:      getEnvDuration("CONDUCTOR_CANCEL_RETENTION", 24*time.Hour),
		CancelCleanupEvery:   getEnvDuration("CONDUCTOR_CANCEL_CLEANUP_INTERVAL", 10*time.Minute),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
