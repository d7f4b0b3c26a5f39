package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

func handleKeyActions(msg tea.KeyMsg, m model) (tea.Model, tea.Cmd) {
	active := &m.buildList
	if m.mode == panelHealth {
		active = &m.healthList
	}

	// While filtering, keys belong to the filter input.
	if active.SettingFilter() {
		var cmd tea.Cmd
		*active, cmd = active.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "tab":
		if m.mode == panelBuild {
			m.mode = panelHealth
		} else {
			m.mode = panelBuild
		}
		return m, nil
	case "o":
		target, ok := selectedSourceTarget(m)
		if !ok {
			m.sourceJumpStatus = statusStyle.Render("No source target available.")
			return m, nil
		}
		return m, jumpToSourceCmd(target)
	}

	var cmd tea.Cmd
	*active, cmd = active.Update(msg)
	return m, cmd
}

type sourceTarget struct {
	file string
	line int
}

func selectedSourceTarget(m model) (sourceTarget, bool) {
	l := m.buildList
	if m.mode == panelHealth {
		l = m.healthList
	}
	it, ok := l.SelectedItem().(item)
	if !ok || it.path == "" {
		return sourceTarget{}, false
	}
	file := it.path
	if !filepath.IsAbs(file) && m.root != "" {
		file = filepath.Join(m.root, file)
	}
	line := it.line
	if line < 1 {
		line = 1
	}
	return sourceTarget{file: file, line: line}, true
}

func jumpToSourceCmd(target sourceTarget) tea.Cmd {
	editor := strings.TrimSpace(os.Getenv("EDITOR"))
	if editor == "" {
		editor = "vi"
	}
	args := []string{target.file}
	if strings.Contains(editor, "vim") || strings.Contains(editor, "nvim") || strings.HasSuffix(editor, "/vi") || editor == "vi" {
		args = []string{fmt.Sprintf("+%d", target.line), target.file}
	} else if strings.HasSuffix(editor, "code") {
		args = []string{"--goto", fmt.Sprintf("%s:%d", target.file, target.line)}
	}
	cmd := exec.Command(editor, args...)
	label := fmt.Sprintf("%s:%d", target.file, target.line)
	return tea.ExecProcess(cmd, func(err error) tea.Msg {
		return sourceJumpResultMsg{target: label, err: err}
	})
}
