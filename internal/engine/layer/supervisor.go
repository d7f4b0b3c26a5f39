package layer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"devloop/internal/core/config"
	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/data/history"
	"devloop/internal/shared/observability"
	"devloop/internal/shared/util"
)

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	done     chan struct{}
	exitCode int
	stopping atomic.Bool
}

// Supervisor runs the dev server process. Restarts wait for the previous
// process to exit before launching the next one. Unexpected exits are
// relaunched through a token bucket; running out of tokens is fatal.
type Supervisor struct {
	command      []string
	dir          string
	env          []string
	stopTimeout  time.Duration
	hotSignal    string
	autoRelaunch bool
	limiter      *util.Limiter
	history      ports.BuildHistory

	Stdout io.Writer
	Stderr io.Writer

	mu       sync.Mutex
	proc     *process
	closed   bool
	lastExit int
	launches int

	fatal chan error
}

func NewSupervisor(cfg config.Server, root string, hist ports.BuildHistory) *Supervisor {
	dir := cfg.Dir
	if dir == "" {
		dir = root
	} else {
		dir = config.ResolveRelative(root, dir)
	}
	return &Supervisor{
		command:      append([]string(nil), cfg.Command...),
		dir:          dir,
		env:          append([]string(nil), cfg.Env...),
		stopTimeout:  cfg.StopTimeout,
		hotSignal:    cfg.HotSignal,
		autoRelaunch: cfg.AutoRelaunch,
		limiter:      util.NewEveryLimiter(cfg.RestartInterval, cfg.RestartBurst),
		history:      hist,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		fatal:        make(chan error, 1),
	}
}

// Configured reports whether a server command is set.
func (s *Supervisor) Configured() bool { return len(s.command) > 0 }

// Fatal delivers the error that ended supervision.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.proc != nil || !s.Configured() {
		return nil
	}
	return s.launchLocked("start")
}

// Restart stops the running server, waits for it to exit and launches a new
// one.
func (s *Supervisor) Restart(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.Configured() {
		return nil
	}
	s.stopLocked(ctx)
	return s.launchLocked(reason)
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked(ctx)
	return nil
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// LastExitCode returns the exit code of the most recently exited process.
func (s *Supervisor) LastExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

func (s *Supervisor) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

type hotMessage struct {
	Type    string   `json:"type"`
	Modules []string `json:"modules"`
}

// NotifyHot writes {"type":"hot","modules":[...]} to the server's stdin when
// the stdin hot signal is enabled.
func (s *Supervisor) NotifyHot(modules []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hotSignal != config.HotSignalStdin || s.proc == nil || s.proc.stdin == nil || len(modules) == 0 {
		return nil
	}
	line, err := json.Marshal(hotMessage{Type: "hot", Modules: modules})
	if err != nil {
		return err
	}
	if _, err := s.proc.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("notify server: %w", err)
	}
	return nil
}

func (s *Supervisor) launchLocked(reason string) error {
	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	p := &process{cmd: cmd, done: make(chan struct{})}
	if s.hotSignal == config.HotSignalStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return domainerrors.Wrap(err, domainerrors.CodeFullRestartFailure, "server stdin")
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		return domainerrors.AddContext(
			domainerrors.Wrap(err, domainerrors.CodeFullRestartFailure, "launch server"),
			domainerrors.CtxOperation, reason,
		)
	}
	s.proc = p
	s.launches++
	observability.ServerRestartsTotal.WithLabelValues(reason).Inc()
	slog.Info("server started", "pid", cmd.Process.Pid, "reason", reason)

	go s.wait(p)
	return nil
}

func (s *Supervisor) wait(p *process) {
	err := p.cmd.Wait()
	p.exitCode = exitCode(err)
	close(p.done)
	s.onExit(p)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (s *Supervisor) onExit(p *process) {
	s.mu.Lock()
	s.lastExit = p.exitCode
	if s.proc == p {
		s.proc = nil
	}
	intentional := p.stopping.Load() || s.closed
	s.mu.Unlock()

	reason := "exit"
	if !intentional {
		reason = "crash"
	}
	s.record(history.RestartEntry{At: time.Now().UTC(), Reason: reason, ExitCode: p.exitCode})
	if intentional {
		return
	}

	slog.Warn("server exited unexpectedly", "exit_code", p.exitCode)
	if !s.autoRelaunch {
		return
	}
	if !s.limiter.Allow(1) {
		s.fail(domainerrors.AddContext(
			domainerrors.New(domainerrors.CodeFullRestartFailure, "server keeps exiting, relaunch budget exhausted"),
			domainerrors.CtxExitCode, p.exitCode,
		))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.proc != nil {
		return
	}
	if err := s.launchLocked("relaunch"); err != nil {
		s.fail(domainerrors.AddContext(err, domainerrors.CtxExitCode, p.exitCode))
	}
}

// stopLocked terminates the running process and waits for it to exit,
// killing it after the stop timeout.
func (s *Supervisor) stopLocked(ctx context.Context) {
	p := s.proc
	if p == nil {
		return
	}
	p.stopping.Store(true)
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		slog.Warn("server did not stop in time, killing", "pid", p.cmd.Process.Pid, "timeout", s.stopTimeout)
		_ = p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	s.proc = nil
	s.lastExit = p.exitCode
}

func (s *Supervisor) record(e history.RestartEntry) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordRestart(e); err != nil {
		slog.Warn("failed to record restart", "error", err)
	}
}

func (s *Supervisor) fail(err error) {
	slog.Error("server supervision failed", "error", err)
	select {
	case s.fatal <- err:
	default:
	}
}
