package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, err
	}

	// Booleans that default to true cannot be told apart from an explicit
	// false after decoding, so consult the metadata.
	if !md.IsDefined("health", "enabled") {
		cfg.Health.Enabled = true
	}
	if !md.IsDefined("server", "auto_relaunch") {
		cfg.Server.AutoRelaunch = true
	}
	if !md.IsDefined("history", "enabled") {
		cfg.History.Enabled = true
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}

	if strings.TrimSpace(cfg.Paths.CacheDir) == "" {
		cfg.Paths.CacheDir = ".devloop/cache"
	}
	if strings.TrimSpace(cfg.Paths.Manifest) == "" {
		cfg.Paths.Manifest = ".devloop/manifest.json"
	}
	if strings.TrimSpace(cfg.Paths.ArtifactsDir) == "" {
		cfg.Paths.ArtifactsDir = ".devloop/cache/modules"
	}
	if strings.TrimSpace(cfg.Paths.HistoryDB) == "" {
		cfg.Paths.HistoryDB = ".devloop/history.db"
	}

	if len(cfg.WatchPaths) == 0 {
		cfg.WatchPaths = []string{"."}
	}
	if len(cfg.Exclude.Dirs) == 0 {
		cfg.Exclude.Dirs = []string{"node_modules", ".git", ".devloop", "dist", "build", "coverage"}
	}
	if len(cfg.Exclude.Files) == 0 {
		cfg.Exclude.Files = []string{"*.log", "*.swp", "*~", ".DS_Store"}
	}

	// Default debounce if not set.
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 75 * time.Millisecond
	}

	if len(cfg.Sources.Extensions) == 0 {
		cfg.Sources.Extensions = []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs", ".json"}
	}
	if len(cfg.Sources.Include) == 0 {
		cfg.Sources.Include = []string{".env", ".env.*"}
	}

	if strings.TrimSpace(cfg.Layers.Propagation) == "" {
		cfg.Layers.Propagation = PropagationClosure
	}
	if len(cfg.Layers.Env) == 0 {
		cfg.Layers.Env = []string{".env", ".env.*", "**/.env", "**/.env.*"}
	}
	if len(cfg.Layers.Entry) == 0 {
		cfg.Layers.Entry = []string{"main.{ts,js,mts,mjs}", "src/main.{ts,js,mts,mjs}", "server.{ts,js,mts,mjs}", "src/server.{ts,js,mts,mjs}"}
	}
	if len(cfg.Layers.Config) == 0 {
		cfg.Layers.Config = []string{"**.config.{ts,js,mts,mjs,cjs,json}", "config/**", "**/config/**", "package.json", "tsconfig*.json"}
	}
	if len(cfg.Layers.Route) == 0 {
		cfg.Layers.Route = []string{"**.routes.{ts,js}", "**.route.{ts,js}", "routes/**", "**/routes/**"}
	}
	if len(cfg.Layers.Controller) == 0 {
		cfg.Layers.Controller = []string{"**.controller.{ts,js}", "controllers/**", "**/controllers/**"}
	}
	if len(cfg.Layers.Service) == 0 {
		cfg.Layers.Service = []string{"**.service.{ts,js}", "services/**", "**/services/**"}
	}
	if len(cfg.Layers.Model) == 0 {
		cfg.Layers.Model = []string{"**.model.{ts,js}", "**.entity.{ts,js}", "models/**", "**/models/**"}
	}

	if cfg.Server.StopTimeout <= 0 {
		cfg.Server.StopTimeout = 5 * time.Second
	}
	if strings.TrimSpace(cfg.Server.HotSignal) == "" {
		cfg.Server.HotSignal = HotSignalStdin
	}
	if cfg.Server.RestartInterval <= 0 {
		cfg.Server.RestartInterval = 2 * time.Second
	}
	if cfg.Server.RestartBurst <= 0 {
		cfg.Server.RestartBurst = 5
	}

	if len(cfg.Compiler.Extensions) == 0 {
		cfg.Compiler.Extensions = []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs"}
	}

	if cfg.Health.Debounce <= 0 {
		cfg.Health.Debounce = 300 * time.Millisecond
	}
	if cfg.Health.InitTimeout <= 0 {
		cfg.Health.InitTimeout = 10 * time.Second
	}
	if cfg.Health.CheckTimeout <= 0 {
		cfg.Health.CheckTimeout = 30 * time.Second
	}
	if cfg.Health.MaxRedeliveries <= 0 {
		cfg.Health.MaxRedeliveries = 1
	}
	if cfg.Health.RetryBaseDelay <= 0 {
		cfg.Health.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Health.RetryMaxDelay <= 0 {
		cfg.Health.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Health.MaxInitAttempts <= 0 {
		cfg.Health.MaxInitAttempts = 5
	}
	if strings.TrimSpace(cfg.Health.Isolation) == "" {
		cfg.Health.Isolation = IsolationProcess
	}
	if len(cfg.Health.Workers) == 0 {
		cfg.Health.Workers = []HealthWorker{{Kind: WorkerKindSyntax}}
	}
	for i := range cfg.Health.Workers {
		w := &cfg.Health.Workers[i]
		w.Kind = strings.ToLower(strings.TrimSpace(w.Kind))
		if w.Kind == WorkerKindLint && len(w.ConfigFiles) == 0 {
			w.ConfigFiles = DefaultLintConfigFiles()
		}
	}

	if strings.TrimSpace(cfg.Observability.Address) == "" {
		cfg.Observability.Address = "127.0.0.1:9465"
	}
}

// DefaultLintConfigFiles lists the file names whose presence at the project
// root means the lint worker has a configuration to run.
func DefaultLintConfigFiles() []string {
	return []string{
		"eslint.config.js", "eslint.config.mjs", "eslint.config.cjs", "eslint.config.ts",
		".eslintrc", ".eslintrc.js", ".eslintrc.cjs", ".eslintrc.json", ".eslintrc.yml", ".eslintrc.yaml",
	}
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist, then applies DEVLOOP_* overrides and re-validates.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	found := true
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, false, err
		}
		cfg = Default()
		found = false
	}
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, found, err
	}
	return cfg, found, nil
}
