package cli

import (
	"context"
	"errors"

	"devloop/internal/core/ports"
	"devloop/internal/engine/health"

	tea "github.com/charmbracelet/bubbletea"
)

func runUI(ctx context.Context, rt *runtime, initial ports.BuildUpdate, fatal <-chan error) error {
	m := initialModel(rt.paths.ProjectRoot)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	// Subscribers must not block, so updates are parked here and forwarded
	// to the program from a separate goroutine.
	pending := newLatestEvents()
	pending.put("build", initial)
	pending.put("health", rt.orch.View().Snapshot())

	unsubBuild := rt.app.Subscribe(func(u ports.BuildUpdate) { pending.put("build", u) })
	defer unsubBuild()
	unsubHealth := rt.orch.View().Subscribe(func(s health.Snapshot) { pending.put("health", s) })
	defer unsubHealth()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-fatal:
				p.Send(fatalMsg{err: err})
			case <-pending.notify:
				p.Send(rt.uiUpdate(pending.take()))
			}
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (rt *runtime) uiUpdate(events []streamEvent) updateMsg {
	g := rt.app.Graph()
	msg := updateMsg{
		fileCount: g.NodeCount(),
		edgeCount: g.EdgeCount(),
		server:    "not configured",
	}
	if rt.supervisor != nil && rt.supervisor.Configured() {
		msg.server = "stopped"
		if rt.supervisor.Running() {
			msg.server = "running"
		}
	}
	for _, ev := range events {
		switch data := ev.data.(type) {
		case ports.BuildUpdate:
			msg.build = &data
		case health.Snapshot:
			msg.health = &data
		}
	}
	return msg
}
