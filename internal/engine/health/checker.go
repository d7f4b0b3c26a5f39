package health

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"devloop/internal/core/config"
	"devloop/internal/engine/parser"
	"devloop/internal/engine/secrets"
)

// Checker is the capability a worker wraps, such as a linter or the built-in
// syntax check.
type Checker interface {
	// Init prepares the checker for the project at cwd. hasConfig false
	// means the checker has nothing to enforce and every file is healthy.
	Init(ctx context.Context, cwd string) (hasConfig bool, err error)
	IsLintableFile(path string) bool
	Check(ctx context.Context, file FileInput) (FileResult, error)
}

var scriptExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".mts": true, ".cts": true,
	".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
}

func isScript(path string) bool {
	return scriptExtensions[strings.ToLower(filepath.Ext(path))]
}

// NewChecker builds the checker for a configured worker kind.
func NewChecker(w config.HealthWorker) (Checker, error) {
	switch w.Kind {
	case config.WorkerKindSyntax:
		return NewSyntaxChecker(nil), nil
	case config.WorkerKindLint:
		return NewESLintChecker(w.Command, w.ConfigFiles), nil
	case config.WorkerKindSecrets:
		return NewSecretsChecker(secrets.ConfigFrom(w))
	default:
		return nil, fmt.Errorf("unknown health worker kind %q", w.Kind)
	}
}

// SyntaxChecker reports tree-sitter ERROR and MISSING nodes. It always has a
// configuration.
type SyntaxChecker struct {
	pools *parser.Pools
}

func NewSyntaxChecker(pools *parser.Pools) *SyntaxChecker {
	if pools == nil {
		pools = parser.NewPools()
	}
	return &SyntaxChecker{pools: pools}
}

func (c *SyntaxChecker) Init(context.Context, string) (bool, error) { return true, nil }

func (c *SyntaxChecker) IsLintableFile(path string) bool {
	return parser.LanguageFor(path) != parser.LangNone
}

func (c *SyntaxChecker) Check(_ context.Context, f FileInput) (FileResult, error) {
	res := HealthyResult(f)
	for _, issue := range c.pools.SyntaxIssues(f.Path, []byte(f.Content)) {
		res.Errors = append(res.Errors, Diagnostic{
			Message: issue.Message,
			Line:    issue.Line,
			Column:  issue.Column,
			Length:  issue.Length,
			RuleID:  "syntax",
		})
	}
	res.Healthy = len(res.Errors) == 0
	return res, nil
}
