package layer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type extensionSet map[string]bool

func newExtensionSet(exts []string) extensionSet {
	set := make(extensionSet, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

func (s extensionSet) handles(path string) bool {
	return s[strings.ToLower(filepath.Ext(path))]
}

// PassthroughCompiler copies sources unchanged. It serves projects whose
// server loads plain JavaScript.
type PassthroughCompiler struct {
	exts extensionSet
}

func NewPassthroughCompiler(extensions []string) *PassthroughCompiler {
	return &PassthroughCompiler{exts: newExtensionSet(extensions)}
}

func (c *PassthroughCompiler) Handles(path string) bool { return c.exts.handles(path) }

func (c *PassthroughCompiler) Compile(_ context.Context, _ string, content []byte) ([]byte, error) {
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// CommandCompiler runs an external transpiler per file. The source is piped
// to stdin and the module is read from stdout; the project-relative path is
// available as DEVLOOP_FILE and substituted for "{file}" in arguments.
type CommandCompiler struct {
	command []string
	dir     string
	exts    extensionSet
}

func NewCommandCompiler(command []string, dir string, extensions []string) (*CommandCompiler, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("compiler command must not be empty")
	}
	return &CommandCompiler{
		command: append([]string(nil), command...),
		dir:     dir,
		exts:    newExtensionSet(extensions),
	}, nil
}

func (c *CommandCompiler) Handles(path string) bool { return c.exts.handles(path) }

func (c *CommandCompiler) Compile(ctx context.Context, path string, content []byte) ([]byte, error) {
	args := make([]string, 0, len(c.command)-1)
	for _, a := range c.command[1:] {
		args = append(args, strings.ReplaceAll(a, "{file}", path))
	}

	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), "DEVLOOP_FILE="+path)
	cmd.Stdin = bytes.NewReader(content)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", c.command[0], err)
		}
		return nil, fmt.Errorf("%s: %w: %s", c.command[0], err, msg)
	}
	return stdout.Bytes(), nil
}
