package history

import "time"

const SchemaVersion = 1

// BatchEntry records one processed change batch.
type BatchEntry struct {
	ID       string
	At       time.Time
	Tier     string
	Changed  int
	Dirty    int
	Duration time.Duration
	Outcome  string
	Detail   string
}

// RestartEntry records one server launch or exit.
type RestartEntry struct {
	At       time.Time
	Reason   string
	ExitCode int
}

// CrashEntry records a health worker crash or timeout.
type CrashEntry struct {
	At        time.Time
	Kind      string
	SessionID string
	Reason    string
}

// Summary aggregates the history for status displays.
type Summary struct {
	Batches        int
	HotBatches     int
	RestartBatches int
	FailedBatches  int
	Restarts       int
	WorkerCrashes  int
	LastBatch      *BatchEntry
}
