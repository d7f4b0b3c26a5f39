package health

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Request types sent to a worker.
const (
	RequestInit         = "init"
	RequestCheck        = "check"
	RequestFilesDeleted = "filesDeleted"
	RequestShutdown     = "shutdown"
)

// Response types sent by a worker.
const (
	ResponseInitialized = "initialized"
	ResponseResults     = "results"
	ResponseError       = "error"
)

// FileInput is one file in a check or filesDeleted request.
type FileInput struct {
	Path         string `json:"path"`
	Content      string `json:"content,omitempty"`
	RelativePath string `json:"relativePath"`
}

type Request struct {
	Type  string      `json:"type"`
	ID    string      `json:"id,omitempty"`
	Cwd   string      `json:"cwd,omitempty"`
	Files []FileInput `json:"files,omitempty"`
}

// Diagnostic is one error or warning. Line and column are 1-based.
type Diagnostic struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Length  int    `json:"length"`
	RuleID  string `json:"ruleId,omitempty"`
}

// FileResult is the health of one file as seen by one worker.
type FileResult struct {
	Path         string       `json:"path"`
	RelativePath string       `json:"relativePath"`
	Healthy      bool         `json:"healthy"`
	Errors       []Diagnostic `json:"errors"`
	Warnings     []Diagnostic `json:"warnings"`
}

type Response struct {
	Type      string       `json:"type"`
	ID        string       `json:"id,omitempty"`
	Success   bool         `json:"success"`
	HasConfig bool         `json:"hasConfig"`
	Error     string       `json:"error,omitempty"`
	Results   []FileResult `json:"results"`
	Message   string       `json:"message,omitempty"`
}

// HealthyResult reports f as healthy with no diagnostics.
func HealthyResult(f FileInput) FileResult {
	return FileResult{
		Path:         f.Path,
		RelativePath: f.RelativePath,
		Healthy:      true,
		Errors:       []Diagnostic{},
		Warnings:     []Diagnostic{},
	}
}

// Conn reads and writes newline-delimited JSON messages.
type Conn struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{w: w}
	if r != nil {
		c.r = bufio.NewReaderSize(r, 64*1024)
	}
	return c
}

// Write encodes v as one line.
func (c *Conn) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.w.Write(data)
	return err
}

// ReadLine returns the next non-blank line without its terminator.
func (c *Conn) ReadLine() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ErrMalformed marks a line that is not a valid message. The stream itself
// is still usable.
var ErrMalformed = errors.New("malformed message")

func (c *Conn) ReadRequest() (Request, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %q: %v", ErrMalformed, truncate(line, 80), err)
	}
	return req, nil
}

func (c *Conn) ReadResponse() (Response, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %q: %v", ErrMalformed, truncate(line, 80), err)
	}
	return resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
