package health

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"devloop/internal/engine/secrets"
)

// SecretsChecker flags credentials committed to source and env files.
// High and critical findings are errors, the rest warnings.
type SecretsChecker struct {
	detector *secrets.Detector
}

func NewSecretsChecker(cfg secrets.Config) (*SecretsChecker, error) {
	d, err := secrets.NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	return &SecretsChecker{detector: d}, nil
}

func (c *SecretsChecker) Init(context.Context, string) (bool, error) { return true, nil }

func (c *SecretsChecker) IsLintableFile(path string) bool {
	if isScript(path) {
		return true
	}
	base := strings.ToLower(filepath.Base(path))
	return base == ".env" || strings.HasPrefix(base, ".env.") || strings.HasSuffix(base, ".json")
}

func (c *SecretsChecker) Check(_ context.Context, f FileInput) (FileResult, error) {
	res := HealthyResult(f)
	for _, finding := range c.detector.Detect([]byte(f.Content)) {
		d := Diagnostic{
			Message: fmt.Sprintf("possible %s (%s)", finding.Kind, finding.Value),
			Line:    finding.Line,
			Column:  finding.Column,
			Length:  finding.Length,
			RuleID:  finding.Kind,
		}
		if finding.Blocking() {
			res.Errors = append(res.Errors, d)
		} else {
			res.Warnings = append(res.Warnings, d)
		}
	}
	res.Healthy = len(res.Errors) == 0
	return res, nil
}
