package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Pattern: DEVLOOP_[SECTION]_[KEY] (e.g., DEVLOOP_WATCH_DEBOUNCE).
func ApplyEnvOverrides(cfg *Config) {
	// Paths
	setEnvString(&cfg.Paths.ProjectRoot, "DEVLOOP_PATHS_PROJECT_ROOT")
	setEnvString(&cfg.Paths.CacheDir, "DEVLOOP_PATHS_CACHE_DIR")
	setEnvString(&cfg.Paths.Manifest, "DEVLOOP_PATHS_MANIFEST")
	setEnvString(&cfg.Paths.ArtifactsDir, "DEVLOOP_PATHS_ARTIFACTS_DIR")
	setEnvString(&cfg.Paths.HistoryDB, "DEVLOOP_PATHS_HISTORY_DB")

	// Watch
	setEnvDuration(&cfg.Watch.Debounce, "DEVLOOP_WATCH_DEBOUNCE")

	// Layers
	setEnvString(&cfg.Layers.Propagation, "DEVLOOP_LAYERS_PROPAGATION")

	// Server
	setEnvFields(&cfg.Server.Command, "DEVLOOP_SERVER_COMMAND")
	setEnvString(&cfg.Server.Dir, "DEVLOOP_SERVER_DIR")
	setEnvDuration(&cfg.Server.StopTimeout, "DEVLOOP_SERVER_STOP_TIMEOUT")
	setEnvString(&cfg.Server.HotSignal, "DEVLOOP_SERVER_HOT_SIGNAL")
	setEnvBool(&cfg.Server.AutoRelaunch, "DEVLOOP_SERVER_AUTO_RELAUNCH")
	setEnvDuration(&cfg.Server.RestartInterval, "DEVLOOP_SERVER_RESTART_INTERVAL")
	setEnvInt(&cfg.Server.RestartBurst, "DEVLOOP_SERVER_RESTART_BURST")

	// Compiler
	setEnvFields(&cfg.Compiler.Command, "DEVLOOP_COMPILER_COMMAND")

	// Health
	setEnvBool(&cfg.Health.Enabled, "DEVLOOP_HEALTH_ENABLED")
	setEnvDuration(&cfg.Health.Debounce, "DEVLOOP_HEALTH_DEBOUNCE")
	setEnvDuration(&cfg.Health.InitTimeout, "DEVLOOP_HEALTH_INIT_TIMEOUT")
	setEnvDuration(&cfg.Health.CheckTimeout, "DEVLOOP_HEALTH_CHECK_TIMEOUT")
	setEnvInt(&cfg.Health.MaxRedeliveries, "DEVLOOP_HEALTH_MAX_REDELIVERIES")
	setEnvString(&cfg.Health.Isolation, "DEVLOOP_HEALTH_ISOLATION")

	// History
	setEnvBool(&cfg.History.Enabled, "DEVLOOP_HISTORY_ENABLED")

	// Observability
	setEnvBool(&cfg.Observability.Enabled, "DEVLOOP_OBSERVABILITY_ENABLED")
	setEnvString(&cfg.Observability.Address, "DEVLOOP_OBSERVABILITY_ADDRESS")
	setEnvString(&cfg.Observability.OTLPEndpoint, "DEVLOOP_OBSERVABILITY_OTLP_ENDPOINT")
	setEnvBool(&cfg.Observability.Insecure, "DEVLOOP_OBSERVABILITY_INSECURE")
}

func setEnvString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		log.Printf("Applying env override: %s=%s", key, val)
		*target = val
	}
}

// setEnvFields splits a command line on whitespace.
func setEnvFields(target *[]string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		fields := strings.Fields(val)
		if len(fields) == 0 {
			return
		}
		log.Printf("Applying env override: %s=%s", key, val)
		*target = fields
	}
}

func setEnvInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = i
		}
	}
}

func setEnvBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = b
		}
	}
}

func setEnvDuration(target *time.Duration, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = d
		}
	}
}
