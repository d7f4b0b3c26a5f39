package config

import (
	"time"
)

type Config struct {
	Version       int           `toml:"version"`
	Paths         Paths         `toml:"paths"`
	WatchPaths    []string      `toml:"watch_paths"`
	Exclude       Exclude       `toml:"exclude"`
	Watch         Watch         `toml:"watch"`
	Sources       Sources       `toml:"sources"`
	Layers        Layers        `toml:"layers"`
	Rules         []ImportRule  `toml:"rules"`
	Server        Server        `toml:"server"`
	Compiler      Compiler      `toml:"compiler"`
	Health        Health        `toml:"health"`
	History       History       `toml:"history"`
	Observability Observability `toml:"observability"`
}

type Paths struct {
	ProjectRoot  string `toml:"project_root"`
	CacheDir     string `toml:"cache_dir"`
	Manifest     string `toml:"manifest"`
	ArtifactsDir string `toml:"artifacts_dir"`
	HistoryDB    string `toml:"history_db"`
}

type Exclude struct {
	Dirs  []string `toml:"dirs"`
	Files []string `toml:"files"`
}

type Watch struct {
	Debounce time.Duration `toml:"debounce"`
}

// Sources selects which files under the watch paths are tracked. A file is
// tracked when its extension is listed or its base name matches an include
// glob (dotenv files have no useful extension).
type Sources struct {
	Extensions []string `toml:"extensions"`
	Include    []string `toml:"include"`
}

// Layers maps project-relative globs to file types. Types are tested in the
// order env, entry, config, route, controller, service, model; the first
// match wins and anything unmatched is "other".
type Layers struct {
	Propagation string   `toml:"propagation"`
	Env         []string `toml:"env"`
	Entry       []string `toml:"entry"`
	Config      []string `toml:"config"`
	Route       []string `toml:"route"`
	Controller  []string `toml:"controller"`
	Service     []string `toml:"service"`
	Model       []string `toml:"model"`
}

// ImportRule restricts what the files it covers may import. Patterns are
// project-relative globs or path prefixes; "type:<name>" matches every file
// of that type instead.
type ImportRule struct {
	Name    string   `toml:"name"`
	Files   []string `toml:"files"`
	Allow   []string `toml:"allow"`
	Deny    []string `toml:"deny"`
	Exclude []string `toml:"exclude"`
}

type Server struct {
	Command         []string      `toml:"command"`
	Dir             string        `toml:"dir"`
	Env             []string      `toml:"env"`
	StopTimeout     time.Duration `toml:"stop_timeout"`
	HotSignal       string        `toml:"hot_signal"`
	AutoRelaunch    bool          `toml:"auto_relaunch"`
	RestartInterval time.Duration `toml:"restart_interval"`
	RestartBurst    int           `toml:"restart_burst"`
}

// Compiler is the external transpiler. An empty command copies sources
// into the artifact cache unchanged.
type Compiler struct {
	Command    []string `toml:"command"`
	Extensions []string `toml:"extensions"`
}

type Health struct {
	Enabled         bool           `toml:"enabled"`
	Debounce        time.Duration  `toml:"debounce"`
	InitTimeout     time.Duration  `toml:"init_timeout"`
	CheckTimeout    time.Duration  `toml:"check_timeout"`
	MaxRedeliveries int            `toml:"max_redeliveries"`
	RetryBaseDelay  time.Duration  `toml:"retry_base_delay"`
	RetryMaxDelay   time.Duration  `toml:"retry_max_delay"`
	MaxInitAttempts int            `toml:"max_init_attempts"`
	Isolation       string         `toml:"isolation"`
	Workers         []HealthWorker `toml:"workers"`
}

type HealthWorker struct {
	Kind        string   `toml:"kind"`
	Command     []string `toml:"command"`
	ConfigFiles []string `toml:"config_files"`

	// Secrets worker tuning. Zero values select the detector defaults.
	EntropyThreshold float64         `toml:"entropy_threshold"`
	MinTokenLength   int             `toml:"min_token_length"`
	Patterns         []SecretPattern `toml:"patterns"`
}

type SecretPattern struct {
	Name     string `toml:"name"`
	Regex    string `toml:"regex"`
	Severity string `toml:"severity"`
}

type History struct {
	Enabled bool `toml:"enabled"`
}

type Observability struct {
	Enabled      bool   `toml:"enabled"`
	Address      string `toml:"address"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

const (
	PropagationClosure       = "closure"
	PropagationStopAtRestart = "stop_at_restart"

	HotSignalStdin = "stdin"
	HotSignalNone  = "none"

	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"

	WorkerKindSyntax  = "syntax"
	WorkerKindLint    = "lint"
	WorkerKindSecrets = "secrets"
)

// Default returns a configuration with every default applied, used when no
// config file is present.
func Default() *Config {
	cfg := &Config{
		Server:  Server{AutoRelaunch: true},
		Health:  Health{Enabled: true},
		History: History{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}
