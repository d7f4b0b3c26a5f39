package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ESLintChecker runs an ESLint-compatible command per file with
// `--format json --stdin --stdin-filename <path>`. Without a config file at
// the project root, or without the command installed, it has no config.
type ESLintChecker struct {
	command     []string
	configFiles []string
	cwd         string
}

func NewESLintChecker(command, configFiles []string) *ESLintChecker {
	return &ESLintChecker{
		command:     append([]string(nil), command...),
		configFiles: append([]string(nil), configFiles...),
	}
}

func (c *ESLintChecker) Init(_ context.Context, cwd string) (bool, error) {
	c.cwd = cwd
	if len(c.command) == 0 {
		return false, errors.New("lint command is empty")
	}

	found := ""
	for _, name := range c.configFiles {
		if info, err := os.Stat(filepath.Join(cwd, name)); err == nil && !info.IsDir() {
			found = name
			break
		}
	}
	if found == "" {
		return false, nil
	}

	if _, err := exec.LookPath(c.command[0]); err != nil {
		slog.Warn("linter not installed, lint checks disabled", "command", c.command[0])
		return false, nil
	}
	slog.Debug("lint config found", "file", found)
	return true, nil
}

func (c *ESLintChecker) IsLintableFile(path string) bool {
	return isScript(path)
}

func (c *ESLintChecker) Check(ctx context.Context, f FileInput) (FileResult, error) {
	args := append(append([]string(nil), c.command[1:]...),
		"--format", "json", "--stdin", "--stdin-filename", f.Path)
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Dir = c.cwd
	cmd.Stdin = strings.NewReader(f.Content)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	// Exit status 1 means problems were reported; anything else without
	// output is a failed run.
	var exitErr *exec.ExitError
	if runErr != nil && !(errors.As(runErr, &exitErr) && exitErr.ExitCode() == 1) {
		return FileResult{}, fmt.Errorf("%s: %w: %s", c.command[0], runErr, strings.TrimSpace(stderr.String()))
	}
	return parseESLintOutput(f, stdout.Bytes())
}

type eslintFile struct {
	FilePath string          `json:"filePath"`
	Messages []eslintMessage `json:"messages"`
}

type eslintMessage struct {
	RuleID    string `json:"ruleId"`
	Severity  int    `json:"severity"`
	Message   string `json:"message"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"endLine"`
	EndColumn int    `json:"endColumn"`
	Fatal     bool   `json:"fatal"`
}

// parseESLintOutput converts ESLint's JSON formatter output. Severity 2 and
// fatal messages are errors; severity 1 is a warning.
func parseESLintOutput(f FileInput, out []byte) (FileResult, error) {
	res := HealthyResult(f)
	if len(bytes.TrimSpace(out)) == 0 {
		return res, nil
	}

	var files []eslintFile
	if err := json.Unmarshal(out, &files); err != nil {
		return FileResult{}, fmt.Errorf("parse eslint output: %w", err)
	}
	for _, file := range files {
		for _, m := range file.Messages {
			d := Diagnostic{
				Message: m.Message,
				Line:    max(m.Line, 1),
				Column:  max(m.Column, 1),
				Length:  1,
				RuleID:  m.RuleID,
			}
			if m.EndLine == m.Line && m.EndColumn > m.Column {
				d.Length = m.EndColumn - m.Column
			}
			if m.Severity >= 2 || m.Fatal {
				res.Errors = append(res.Errors, d)
			} else {
				res.Warnings = append(res.Warnings, d)
			}
		}
	}
	res.Healthy = len(res.Errors) == 0
	return res, nil
}
