package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"devloop/internal/data/history"
)

func RenderHistoryTSV(batches []history.BatchEntry) ([]byte, error) {
	var buf strings.Builder

	buf.WriteString("Timestamp\tBatch\tTier\tChanged\tDirty\tDurationMs\tOutcome\tDetail\n")
	for _, b := range batches {
		buf.WriteString(fmt.Sprintf("%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			b.At.UTC().Format(time.RFC3339),
			b.ID,
			b.Tier,
			b.Changed,
			b.Dirty,
			b.Duration.Milliseconds(),
			b.Outcome,
			strings.ReplaceAll(b.Detail, "\t", " "),
		))
	}
	return []byte(buf.String()), nil
}

type historyBatch struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Tier       string    `json:"tier"`
	Changed    int       `json:"changed"`
	Dirty      int       `json:"dirty"`
	DurationMs int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

type historyDocument struct {
	Batches        int            `json:"batches"`
	HotBatches     int            `json:"hot_batches"`
	RestartBatches int            `json:"restart_batches"`
	FailedBatches  int            `json:"failed_batches"`
	Restarts       int            `json:"restarts"`
	WorkerCrashes  int            `json:"worker_crashes"`
	Recent         []historyBatch `json:"recent"`
}

func RenderHistoryJSON(summary history.Summary, batches []history.BatchEntry) ([]byte, error) {
	doc := historyDocument{
		Batches:        summary.Batches,
		HotBatches:     summary.HotBatches,
		RestartBatches: summary.RestartBatches,
		FailedBatches:  summary.FailedBatches,
		Restarts:       summary.Restarts,
		WorkerCrashes:  summary.WorkerCrashes,
		Recent:         make([]historyBatch, 0, len(batches)),
	}
	for _, b := range batches {
		doc.Recent = append(doc.Recent, historyBatch{
			ID:         b.ID,
			At:         b.At.UTC(),
			Tier:       b.Tier,
			Changed:    b.Changed,
			Dirty:      b.Dirty,
			DurationMs: b.Duration.Milliseconds(),
			Outcome:    b.Outcome,
			Detail:     b.Detail,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}
