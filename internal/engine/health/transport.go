package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// Transport carries protocol messages to and from one worker instance.
type Transport interface {
	Send(req Request) error
	Responses() <-chan Response
	// Done is closed once the worker has terminated.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed. Killed workers report -1.
	ExitCode() int
	CloseInput() error
	Kill()
}

// Spawner starts a fresh worker of the given kind.
type Spawner func(ctx context.Context, kind string) (Transport, error)

// pump reads responses until the stream ends. Malformed lines are logged and
// skipped.
type pump struct {
	responses chan Response
	done      chan struct{}
	quit      chan struct{}
	quitOnce  sync.Once
	exitCode  atomic.Int64
}

func newPump() *pump {
	return &pump{
		responses: make(chan Response, 16),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
	}
}

func (p *pump) run(kind string, conn *Conn) {
	for {
		resp, err := conn.ReadResponse()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				slog.Warn("ignoring malformed worker message", "kind", kind, "error", err)
				continue
			}
			return
		}
		select {
		case p.responses <- resp:
		case <-p.quit:
			return
		}
	}
}

func (p *pump) stop() { p.quitOnce.Do(func() { close(p.quit) }) }

func (p *pump) Responses() <-chan Response { return p.responses }
func (p *pump) Done() <-chan struct{}      { return p.done }
func (p *pump) ExitCode() int              { return int(p.exitCode.Load()) }

type processTransport struct {
	*pump
	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *Conn
}

// ProcessSpawner runs each worker as `<self> --worker <kind>` over stdio.
// configPath is forwarded so the worker sees the same checker settings.
func ProcessSpawner(configPath string) Spawner {
	return func(ctx context.Context, kind string) (Transport, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		args := []string{"--worker", kind}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return startProcess(kind, exec.Command(self, args...))
	}
}

func startProcess(kind string, cmd *exec.Cmd) (*processTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = stderrLogger{kind: kind}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", kind, err)
	}

	t := &processTransport{pump: newPump(), cmd: cmd, stdin: stdin}
	t.conn = NewConn(stdout, stdin)
	go func() {
		t.run(kind, t.conn)
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err != nil {
			code = -1
		}
		t.exitCode.Store(int64(code))
		close(t.done)
	}()
	return t, nil
}

// stderrLogger forwards worker stderr to the debug log.
type stderrLogger struct{ kind string }

func (l stderrLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			slog.Debug("worker", "kind", l.kind, "line", line)
		}
	}
	return len(p), nil
}

func (t *processTransport) Send(req Request) error { return t.conn.Write(req) }
func (t *processTransport) CloseInput() error      { return t.stdin.Close() }

func (t *processTransport) Kill() {
	t.stop()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

type pipeTransport struct {
	*pump
	conn     *Conn
	reqW     *io.PipeWriter
	reqR     *io.PipeReader
	respR    *io.PipeReader
	cancel   context.CancelFunc
	killed   atomic.Bool
	killOnce sync.Once
}

// InProcessSpawner runs Serve on a goroutine connected by pipes. factory
// builds a fresh checker for every spawn.
func InProcessSpawner(factory func(kind string) (Checker, error)) Spawner {
	return func(ctx context.Context, kind string) (Transport, error) {
		checker, err := factory(kind)
		if err != nil {
			return nil, err
		}
		return startInProcess(ctx, kind, checker), nil
	}
}

func startInProcess(ctx context.Context, kind string, checker Checker) *pipeTransport {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ctx, cancel := context.WithCancel(ctx)

	t := &pipeTransport{
		pump:   newPump(),
		conn:   NewConn(respR, reqW),
		reqW:   reqW,
		reqR:   reqR,
		respR:  respR,
		cancel: cancel,
	}

	served := make(chan int, 1)
	go func() {
		code := 0
		if err := Serve(ctx, reqR, respW, checker); err != nil && ctx.Err() == nil {
			slog.Error("in-process worker failed", "kind", kind, "error", err)
			code = 1
		}
		served <- code
		_ = respW.Close()
	}()
	go func() {
		t.run(kind, t.conn)
		code := -1
		select {
		case code = <-served:
			if t.killed.Load() {
				code = -1
			}
		case <-t.quit:
		}
		t.exitCode.Store(int64(code))
		close(t.done)
	}()
	return t
}

func (t *pipeTransport) Send(req Request) error { return t.conn.Write(req) }
func (t *pipeTransport) CloseInput() error      { return t.reqW.Close() }

func (t *pipeTransport) Kill() {
	t.killOnce.Do(func() {
		t.killed.Store(true)
		t.stop()
		t.cancel()
		_ = t.reqR.CloseWithError(io.ErrClosedPipe)
		_ = t.respR.Close()
	})
}
