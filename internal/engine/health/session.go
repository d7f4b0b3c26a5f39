package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domainerrors "devloop/internal/core/errors"

	"github.com/google/uuid"
)

// State is a worker session's lifecycle state.
type State string

const (
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateChecking     State = "checking"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
	StateCrashed      State = "crashed"
)

var transitions = map[State][]State{
	StateStarting:     {StateReady, StateCrashed, StateShuttingDown},
	StateReady:        {StateChecking, StateShuttingDown, StateCrashed},
	StateChecking:     {StateReady, StateShuttingDown, StateCrashed},
	StateShuttingDown: {StateTerminated, StateCrashed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrRejected is returned when a worker answers a check with an error
// response. The worker itself is still usable.
var ErrRejected = errors.New("worker rejected request")

// Session is one spawned worker. Methods are not safe for concurrent use;
// the orchestrator drives each session from a single goroutine.
type Session struct {
	ID   string
	Kind string

	transport Transport
	mu        sync.Mutex
	state     State
	hasConfig bool
}

func NewSession(kind string, t Transport) *Session {
	return &Session{ID: uuid.NewString(), Kind: kind, transport: t, state: StateStarting}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) HasConfig() bool { return s.hasConfig }

// Done is closed when the underlying worker terminates.
func (s *Session) Done() <-chan struct{} { return s.transport.Done() }

func (s *Session) ExitCode() int { return s.transport.ExitCode() }

func (s *Session) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

func (s *Session) failure(code domainerrors.ErrorCode, cause error, msg string) *domainerrors.DomainError {
	return (&domainerrors.DomainError{Code: code, Message: msg, Err: cause}).
		WithContext(domainerrors.CtxKind, s.Kind)
}

func (s *Session) crash(reason string) error {
	s.transport.Kill()
	_ = s.setState(StateCrashed)
	return s.failure(domainerrors.CodeWorkerCrash, nil, reason)
}

// Start sends init and waits for initialized. A worker without a usable
// config is still ready and reports every file healthy.
func (s *Session) Start(ctx context.Context, cwd string, timeout time.Duration) error {
	if err := s.transport.Send(Request{Type: RequestInit, Cwd: cwd}); err != nil {
		s.transport.Kill()
		_ = s.setState(StateCrashed)
		return s.failure(domainerrors.CodeWorkerInitFailure, err, "send init")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-s.transport.Responses():
			if resp.Type != ResponseInitialized {
				continue
			}
			if !resp.Success {
				s.transport.Kill()
				_ = s.setState(StateCrashed)
				return s.failure(domainerrors.CodeWorkerInitFailure, nil, resp.Error)
			}
			s.hasConfig = resp.HasConfig
			return s.setState(StateReady)
		case <-s.transport.Done():
			_ = s.setState(StateCrashed)
			return s.failure(domainerrors.CodeWorkerInitFailure, nil, "worker exited during init").
				WithContext(domainerrors.CtxExitCode, s.transport.ExitCode())
		case <-timer.C:
			s.transport.Kill()
			_ = s.setState(StateCrashed)
			return s.failure(domainerrors.CodeWorkerInitFailure, nil, "init timed out")
		case <-ctx.Done():
			s.transport.Kill()
			_ = s.setState(StateCrashed)
			return ctx.Err()
		}
	}
}

// Check sends one batch and waits for the matching results. A worker that
// exits or stays silent past timeout is killed and reported as a
// WORKER_CRASH.
func (s *Session) Check(ctx context.Context, files []FileInput, timeout time.Duration) ([]FileResult, error) {
	if !s.hasConfig {
		results := make([]FileResult, 0, len(files))
		for _, f := range files {
			results = append(results, HealthyResult(f))
		}
		return results, nil
	}
	if err := s.setState(StateChecking); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := s.transport.Send(Request{Type: RequestCheck, ID: id, Files: files}); err != nil {
		return nil, s.crash("send check: " + err.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-s.transport.Responses():
			if resp.ID != "" && resp.ID != id {
				continue
			}
			switch resp.Type {
			case ResponseResults:
				return resp.Results, s.setState(StateReady)
			case ResponseError:
				_ = s.setState(StateReady)
				return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
			}
		case <-s.transport.Done():
			if results, ok := s.drain(id); ok {
				_ = s.setState(StateReady)
				return results, nil
			}
			_ = s.setState(StateCrashed)
			return nil, s.failure(domainerrors.CodeWorkerCrash, nil, "worker exited mid-check").
				WithContext(domainerrors.CtxExitCode, s.transport.ExitCode())
		case <-timer.C:
			return nil, s.crash("check timed out")
		case <-ctx.Done():
			return nil, s.crash("check cancelled")
		}
	}
}

// drain picks up results that arrived just before the worker exited.
func (s *Session) drain(id string) ([]FileResult, bool) {
	for {
		select {
		case resp := <-s.transport.Responses():
			if resp.Type == ResponseResults && resp.ID == id {
				return resp.Results, true
			}
		default:
			return nil, false
		}
	}
}

// Deleted tells the worker files went away. No response is expected.
func (s *Session) Deleted(files []FileInput) error {
	if s.State() != StateReady {
		return nil
	}
	return s.transport.Send(Request{Type: RequestFilesDeleted, Files: files})
}

// Shutdown asks the worker to exit and kills it if it has not within
// timeout.
func (s *Session) Shutdown(timeout time.Duration) {
	switch s.State() {
	case StateTerminated, StateCrashed:
		return
	}
	_ = s.setState(StateShuttingDown)
	_ = s.transport.Send(Request{Type: RequestShutdown})
	_ = s.transport.CloseInput()

	select {
	case <-s.transport.Done():
	case <-time.After(timeout):
		s.transport.Kill()
		<-s.transport.Done()
	}
	_ = s.setState(StateTerminated)
}
