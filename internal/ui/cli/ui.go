package cli

import (
	"fmt"
	"strings"
	"time"

	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/engine/health"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			MarginLeft(2).
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true).
			Render

	docStyle = lipgloss.NewStyle().Margin(1, 2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B")).
			Italic(true)
)

type item struct {
	title, desc string
	path        string
	line        int
}

func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title + i.desc }

type panelMode int

const (
	panelBuild panelMode = iota
	panelHealth
)

type model struct {
	buildList  list.Model
	healthList list.Model
	mode       panelMode
	root       string

	build      ports.BuildUpdate
	hasBuild   bool
	snapshot   health.Snapshot
	fileCount  int
	edgeCount  int
	server     string
	lastUpdate time.Time

	fatal            string
	sourceJumpStatus string
}

// updateMsg carries a build update, a health snapshot or both.
type updateMsg struct {
	build     *ports.BuildUpdate
	health    *health.Snapshot
	fileCount int
	edgeCount int
	server    string
}

type fatalMsg struct {
	err error
}

type sourceJumpResultMsg struct {
	target string
	err    error
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return handleKeyActions(msg, m)
	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		width := msg.Width - h
		height := msg.Height - v - 8
		if height < 5 {
			height = 5
		}
		m.buildList.SetSize(width, height)
		m.healthList.SetSize(width, height)
	case updateMsg:
		m.lastUpdate = time.Now()
		m.fileCount = msg.fileCount
		m.edgeCount = msg.edgeCount
		if msg.server != "" {
			m.server = msg.server
		}
		if msg.build != nil {
			m.build = *msg.build
			m.hasBuild = true
			m.buildList.SetItems(buildItems(m.build))
		}
		if msg.health != nil {
			m.snapshot = *msg.health
			m.healthList.SetItems(healthItems(m.snapshot))
		}
	case fatalMsg:
		m.fatal = msg.err.Error()
	case sourceJumpResultMsg:
		if msg.err != nil {
			m.sourceJumpStatus = statusStyle.Render(fmt.Sprintf("Source jump failed: %v", msg.err))
		} else {
			m.sourceJumpStatus = statusStyle.Render(fmt.Sprintf("Opened source: %s", msg.target))
		}
	}

	var cmd tea.Cmd
	if m.mode == panelBuild {
		m.buildList, cmd = m.buildList.Update(msg)
	} else {
		m.healthList, cmd = m.healthList.Update(msg)
	}
	return m, cmd
}

func buildItems(u ports.BuildUpdate) []list.Item {
	items := []list.Item{}
	for _, c := range u.Cycles {
		first := ""
		if len(c) > 0 {
			first = c[0]
		}
		items = append(items, item{
			title: "Import Cycle",
			desc:  strings.Join(c, " -> "),
			path:  first,
			line:  1,
		})
	}
	for _, d := range u.Diagnostics {
		if d.Code == string(domainerrors.CodeGraphCycleDetected) {
			continue
		}
		items = append(items, item{
			title: d.Code,
			desc:  fmt.Sprintf("%s: %s", d.Path, d.Message),
			path:  d.Path,
			line:  1,
		})
	}
	return items
}

func healthItems(snap health.Snapshot) []list.Item {
	items := []list.Item{}
	for _, f := range snap.Files {
		if f.Healthy && len(f.Warnings) == 0 {
			continue
		}
		it := item{
			title: f.Path,
			desc:  fmt.Sprintf("%d error(s), %d warning(s)", len(f.Errors), len(f.Warnings)),
			path:  f.Path,
			line:  1,
		}
		switch {
		case len(f.Errors) > 0:
			it.desc += " | " + diagnosticText(f.Errors[0])
			it.line = max(f.Errors[0].Line, 1)
		case len(f.Warnings) > 0:
			it.desc += " | " + diagnosticText(f.Warnings[0])
			it.line = max(f.Warnings[0].Line, 1)
		}
		items = append(items, it)
	}
	return items
}

func (m model) View() string {
	status := statusStyle.Render(fmt.Sprintf("Last update: %v | %d files | %d imports | server %s",
		m.lastUpdate.Format("15:04:05"), m.fileCount, m.edgeCount, m.server))

	tier := "idle"
	if m.hasBuild {
		tier = fmt.Sprintf("last batch %s in %s", m.build.Tier, m.build.Duration.Round(time.Millisecond))
	}

	var summary string
	issues := len(m.buildList.Items())
	if issues == 0 && m.snapshot.Healthy {
		summary = successStyle.Render("All Healthy")
	} else {
		summary = fmt.Sprintf("%s | %s",
			errorStyle.Render(fmt.Sprintf("%d build issues", issues)),
			warnStyle.Render(fmt.Sprintf("%d unhealthy files", m.snapshot.Unhealthy)))
	}

	header := fmt.Sprintf("%s\n%s | %s | %s\n", titleStyle("devloop"), status, statusStyle.Render(tier), summary)
	help := renderHelp(m)

	body := m.buildList.View()
	if m.mode == panelHealth {
		body = m.healthList.View()
	}
	if m.sourceJumpStatus != "" {
		body += "\n\n" + m.sourceJumpStatus
	}
	if m.fatal != "" {
		body += "\n\n" + errorStyle.Render("Server supervision ended: "+m.fatal)
	}

	return docStyle.Render(header + "\n" + help + "\n\n" + body)
}

func renderHelp(m model) string {
	keys := "Keys: tab panel | / filter | o open source | q quit"
	if m.mode == panelHealth {
		keys = "Keys: tab panel | / filter | o open first diagnostic | q quit"
	}
	return statusStyle.Render(keys)
}

func initialModel(root string) model {
	buildList := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	buildList.Title = "Build Issues"
	buildList.SetShowStatusBar(false)
	buildList.SetFilteringEnabled(true)

	healthList := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	healthList.Title = "File Health"
	healthList.SetShowStatusBar(false)
	healthList.SetFilteringEnabled(true)

	return model{
		buildList:  buildList,
		healthList: healthList,
		mode:       panelBuild,
		root:       root,
		snapshot:   health.Snapshot{Healthy: true},
		server:     "not configured",
		lastUpdate: time.Now(),
	}
}
