package ports

import (
	"context"
	"time"

	"devloop/internal/data/history"
	"devloop/internal/data/manifest"
	"devloop/internal/data/source"
	"devloop/internal/engine/parser"
)

// SourceTree abstracts listing and reading the tracked project files.
type SourceTree interface {
	Root() string
	Rel(abs string) (string, error)
	Abs(rel string) string
	Tracked(abs string) bool
	List(ctx context.Context) ([]source.File, error)
	Read(rel string) ([]byte, time.Time, error)
}

// DependencyExtractor finds the project files a source file imports.
type DependencyExtractor interface {
	Supports(path string) bool
	Dependencies(path string, content []byte) (parser.Dependencies, error)
}

// Compiler transpiles one source file into a loadable module.
type Compiler interface {
	Handles(path string) bool
	Compile(ctx context.Context, path string, content []byte) ([]byte, error)
}

// ServerProcess is the lifecycle hook of the supervised dev server.
type ServerProcess interface {
	Start(ctx context.Context) error
	// Restart terminates the running process, waits for it to exit and
	// launches a new one.
	Restart(ctx context.Context, reason string) error
	// NotifyHot tells the running process which modules were swapped.
	NotifyHot(modules []string) error
	Stop(ctx context.Context) error
	Running() bool
}

// HealthFile is one file forwarded to the health checkers.
type HealthFile struct {
	Path         string
	RelativePath string
	Content      []byte
}

// HealthSink receives content changes off the critical path. Calls must not
// block on checking.
type HealthSink interface {
	Check(files []HealthFile)
	FilesDeleted(files []HealthFile)
}

// BuildHistory persists batch, restart and worker-crash records.
type BuildHistory interface {
	RecordBatch(e history.BatchEntry) error
	RecordRestart(e history.RestartEntry) error
	RecordWorkerCrash(e history.CrashEntry) error
}

// Diagnostic is a path-addressed build problem surfaced to driving adapters.
type Diagnostic struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BuildUpdate summarizes one processed batch.
type BuildUpdate struct {
	BatchID     string        `json:"batchId"`
	At          time.Time     `json:"at"`
	Tier        manifest.Tier `json:"tier"`
	Changed     []string      `json:"changed"`
	Dirty       []string      `json:"dirty"`
	Cycles      [][]string    `json:"cycles,omitempty"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// BuildService exposes the build pipeline to driving adapters.
type BuildService interface {
	Start(ctx context.Context) (BuildUpdate, error)
	Subscribe(handler func(BuildUpdate)) (unsubscribe func())
	LastUpdate() (BuildUpdate, bool)
}
