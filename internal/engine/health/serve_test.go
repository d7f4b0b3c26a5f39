package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	hasConfig bool
	initErr   error
	check     func(FileInput) (FileResult, error)
}

func (c *stubChecker) Init(context.Context, string) (bool, error) { return c.hasConfig, c.initErr }
func (c *stubChecker) IsLintableFile(path string) bool            { return strings.HasSuffix(path, ".ts") }
func (c *stubChecker) Check(_ context.Context, f FileInput) (FileResult, error) {
	return c.check(f)
}

func unhealthy(f FileInput, msg string) FileResult {
	r := HealthyResult(f)
	r.Healthy = false
	r.Errors = append(r.Errors, Diagnostic{Message: msg, Line: 1, Column: 1, Length: 1})
	return r
}

// serveSession runs Serve over pipes and returns a client connection.
func serveSession(t *testing.T, checker Checker) (*Conn, func() error) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(context.Background(), reqR, respW, checker)
		_ = respW.Close()
	}()
	client := NewConn(respR, reqW)
	wait := func() error {
		_ = reqW.Close()
		return <-errc
	}
	return client, wait
}

func roundTrip(t *testing.T, c *Conn, req Request) Response {
	t.Helper()
	require.NoError(t, c.Write(req))
	resp, err := c.ReadResponse()
	require.NoError(t, err)
	return resp
}

func TestServe_Lifecycle(t *testing.T) {
	checker := &stubChecker{hasConfig: true, check: func(f FileInput) (FileResult, error) {
		switch f.RelativePath {
		case "bad.ts":
			return unhealthy(f, "boom"), nil
		case "err.ts":
			return FileResult{}, errors.New("checker exploded")
		case "panic.ts":
			panic("unexpected")
		}
		return HealthyResult(f), nil
	}}
	c, wait := serveSession(t, checker)

	t.Run("check before init", func(t *testing.T) {
		resp := roundTrip(t, c, Request{Type: RequestCheck, ID: "early"})
		assert.Equal(t, ResponseError, resp.Type)
		assert.Equal(t, "early", resp.ID)
	})

	t.Run("init", func(t *testing.T) {
		resp := roundTrip(t, c, Request{Type: RequestInit, Cwd: t.TempDir()})
		assert.Equal(t, ResponseInitialized, resp.Type)
		assert.True(t, resp.Success)
		assert.True(t, resp.HasConfig)
	})

	t.Run("check isolates files", func(t *testing.T) {
		resp := roundTrip(t, c, Request{Type: RequestCheck, ID: "c1", Files: []FileInput{
			{Path: "/p/bad.ts", RelativePath: "bad.ts"},
			{Path: "/p/err.ts", RelativePath: "err.ts"},
			{Path: "/p/panic.ts", RelativePath: "panic.ts"},
			{Path: "/p/README.md", RelativePath: "README.md"},
		}})
		assert.Equal(t, ResponseResults, resp.Type)
		assert.Equal(t, "c1", resp.ID)
		require.Len(t, resp.Results, 4)
		assert.False(t, resp.Results[0].Healthy)
		assert.Equal(t, "boom", resp.Results[0].Errors[0].Message)
		for _, r := range resp.Results[1:] {
			assert.True(t, r.Healthy, r.RelativePath)
		}
	})

	t.Run("malformed and unknown", func(t *testing.T) {
		_, err := c.w.Write([]byte("{not json\n"))
		require.NoError(t, err)
		resp, err := c.ReadResponse()
		require.NoError(t, err)
		assert.Equal(t, ResponseError, resp.Type)

		resp = roundTrip(t, c, Request{Type: "reticulate"})
		assert.Equal(t, ResponseError, resp.Type)
		assert.Contains(t, resp.Message, "reticulate")
	})

	t.Run("shutdown", func(t *testing.T) {
		require.NoError(t, c.Write(Request{Type: RequestFilesDeleted, Files: []FileInput{{Path: "/p/bad.ts"}}}))
		require.NoError(t, c.Write(Request{Type: RequestShutdown}))
		assert.NoError(t, wait())
	})
}

func TestServe_NoConfigReportsHealthy(t *testing.T) {
	checker := &stubChecker{check: func(f FileInput) (FileResult, error) {
		return unhealthy(f, "should not run"), nil
	}}
	c, wait := serveSession(t, checker)

	resp := roundTrip(t, c, Request{Type: RequestInit})
	assert.True(t, resp.Success)
	assert.False(t, resp.HasConfig)

	resp = roundTrip(t, c, Request{Type: RequestCheck, ID: "x", Files: []FileInput{{Path: "/p/a.ts", RelativePath: "a.ts"}}})
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].Healthy)
	assert.NoError(t, wait())
}

func TestServe_InitFailure(t *testing.T) {
	c, wait := serveSession(t, &stubChecker{initErr: errors.New("no tsconfig")})
	resp := roundTrip(t, c, Request{Type: RequestInit})
	assert.False(t, resp.Success)
	assert.Equal(t, "no tsconfig", resp.Error)

	resp = roundTrip(t, c, Request{Type: RequestCheck, ID: "x"})
	assert.Equal(t, ResponseError, resp.Type)
	assert.NoError(t, wait())
}

func TestServe_WireKeepsFalseAndEmptyFields(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"type":"init","cwd":"/p"}`,
		`{"type":"check","id":"empty","files":[]}`,
		`{"type":"shutdown"}`,
	}, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), in, &out, &stubChecker{}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var initialized map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &initialized))
	assert.Equal(t, ResponseInitialized, initialized["type"])
	assert.Equal(t, true, initialized["success"])
	assert.Equal(t, false, initialized["hasConfig"])

	var results map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &results))
	assert.Equal(t, ResponseResults, results["type"])
	assert.Equal(t, []any{}, results["results"])

	failed, err := json.Marshal(Response{Type: ResponseInitialized, Error: "no tsconfig"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"initialized","success":false,"hasConfig":false,"error":"no tsconfig","results":null}`, string(failed))
}
