package util

import (
	"runtime"
)

// RuntimeStats is the process snapshot reported on the health endpoint.
type RuntimeStats struct {
	HeapAllocMB uint64 `json:"heap_alloc_mb"`
	Goroutines  int    `json:"goroutines"`
}

// ReadRuntimeStats samples heap usage and goroutine count.
func ReadRuntimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeStats{
		HeapAllocMB: m.Alloc / 1024 / 1024,
		Goroutines:  runtime.NumGoroutine(),
	}
}
