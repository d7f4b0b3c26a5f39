package app

import (
	"context"
	"fmt"
	"time"
)

type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// Probe reports one extra component. ok=false degrades the overall status.
type Probe func(ctx context.Context) (name, detail string, ok bool)

type HealthService struct {
	app    *App
	probes []Probe
}

func NewHealthService(app *App, probes ...Probe) *HealthService {
	return &HealthService{app: app, probes: probes}
}

func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:     "up",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]string),
	}

	g := s.app.Graph()
	if broken := len(g.ParseErrors()); broken > 0 {
		status.Status = "degraded"
		status.Components["graph"] = fmt.Sprintf("%d files, %d edges, %d unparseable", g.NodeCount(), g.EdgeCount(), broken)
	} else {
		status.Components["graph"] = fmt.Sprintf("ok (%d files, %d edges)", g.NodeCount(), g.EdgeCount())
	}

	status.Components["manifest"] = fmt.Sprintf("ok (%d records)", s.app.store.Len())

	switch {
	case s.app.server == nil:
		status.Components["server"] = "not configured"
	case s.app.server.Running():
		status.Components["server"] = "running"
	default:
		status.Status = "degraded"
		status.Components["server"] = "stopped"
	}

	if update, ok := s.app.LastUpdate(); ok {
		status.Components["last_batch"] = fmt.Sprintf("%s (%s, %d dirty, %d diagnostics)", update.BatchID, update.Tier, len(update.Dirty), len(update.Diagnostics))
	}

	for _, probe := range s.probes {
		name, detail, ok := probe(ctx)
		status.Components[name] = detail
		if !ok {
			status.Status = "degraded"
		}
	}
	return status
}
