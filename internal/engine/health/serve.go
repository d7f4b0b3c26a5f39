package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

type serveState int

const (
	serveStarting serveState = iota
	serveReady
)

// Serve runs the worker side of the protocol on r and w until shutdown, EOF
// or ctx cancellation. A clean shutdown and EOF both return nil.
func Serve(ctx context.Context, r io.Reader, w io.Writer, checker Checker) error {
	conn := NewConn(r, w)
	state := serveStarting
	hasConfig := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := conn.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			if errors.Is(err, ErrMalformed) {
				if werr := conn.Write(Response{Type: ResponseError, Message: err.Error()}); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		switch req.Type {
		case RequestInit:
			ok, initErr := checker.Init(ctx, req.Cwd)
			resp := Response{Type: ResponseInitialized, Success: initErr == nil, HasConfig: ok && initErr == nil}
			if initErr != nil {
				resp.Error = initErr.Error()
			} else {
				hasConfig = ok
				state = serveReady
			}
			if err := conn.Write(resp); err != nil {
				return err
			}

		case RequestCheck:
			if state == serveStarting {
				if err := conn.Write(Response{Type: ResponseError, ID: req.ID, Message: "check before init"}); err != nil {
					return err
				}
				continue
			}
			results := make([]FileResult, 0, len(req.Files))
			for _, f := range req.Files {
				results = append(results, checkOne(ctx, checker, hasConfig, f))
			}
			if err := conn.Write(Response{Type: ResponseResults, ID: req.ID, Results: results}); err != nil {
				return err
			}

		case RequestFilesDeleted:
			// Workers hold no per-file state.

		case RequestShutdown:
			return nil

		default:
			if err := conn.Write(Response{Type: ResponseError, ID: req.ID, Message: fmt.Sprintf("unknown request type %q", req.Type)}); err != nil {
				return err
			}
		}
	}
}

// checkOne never fails: a checker error or panic reports the file healthy so
// one bad file cannot block the batch.
func checkOne(ctx context.Context, checker Checker, hasConfig bool, f FileInput) (res FileResult) {
	if !hasConfig || !checker.IsLintableFile(f.Path) {
		return HealthyResult(f)
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("checker panicked", "path", f.Path, "panic", r)
			res = HealthyResult(f)
		}
	}()
	res, err := checker.Check(ctx, f)
	if err != nil {
		slog.Warn("check failed", "path", f.Path, "error", err)
		return HealthyResult(f)
	}
	return res
}
