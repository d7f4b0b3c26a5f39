package secrets

import (
	"strings"
	"testing"

	"devloop/internal/core/config"
)

func TestDetector_DetectsBuiltInPattern(t *testing.T) {
	d, err := NewDetector(Config{})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}

	content := []byte("import x from './x';\nconst key = \"AKIA1234567890ABCDEF\";\n")
	findings := d.Detect(content)
	if len(findings) == 0 {
		t.Fatal("expected at least one secret finding")
	}
	f := findings[0]
	if f.Kind != "aws-access-key-id" {
		t.Fatalf("expected aws-access-key-id finding, got %q", f.Kind)
	}
	if f.Line != 2 || f.Column != 14 || f.Length != 20 {
		t.Fatalf("unexpected position %d:%d len %d", f.Line, f.Column, f.Length)
	}
	if !f.Blocking() {
		t.Fatal("high severity findings should block")
	}
	if strings.Contains(f.Value, "1234567890") {
		t.Fatalf("value should be masked, got %q", f.Value)
	}
}

func TestDetector_DetectsContextSensitiveAssignment(t *testing.T) {
	d, err := NewDetector(Config{EntropyThreshold: 3.5, MinTokenLength: 16})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}

	content := []byte("const password = \"P4s$w0rdVeryLongToken99\";\n")
	findings := d.Detect(content)

	found := false
	for _, finding := range findings {
		if finding.Kind == "sensitive-assignment" {
			found = true
			if finding.Blocking() {
				t.Fatal("medium severity findings should only warn")
			}
		}
	}
	if !found {
		t.Fatalf("expected sensitive-assignment finding, got %#v", findings)
	}
}

func TestDetector_SkipsObviousPlaceholder(t *testing.T) {
	d, err := NewDetector(Config{EntropyThreshold: 3.0, MinTokenLength: 10})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}

	content := []byte("const api_key = \"example_test_token_123456\";\n")
	if findings := d.Detect(content); len(findings) != 0 {
		t.Fatalf("expected no findings for placeholder token, got %#v", findings)
	}
}

func TestDetector_CustomPattern(t *testing.T) {
	w := config.HealthWorker{
		Kind:     config.WorkerKindSecrets,
		Patterns: []config.SecretPattern{{Name: "internal-token", Regex: `itk_[a-z0-9]{24}`, Severity: "critical"}},
	}
	d, err := NewDetector(ConfigFrom(w))
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}

	findings := d.Detect([]byte("export const t = 'itk_abcdefghijklmnopqrstuvwx';\n"))
	if len(findings) == 0 || findings[0].Kind != "internal-token" || findings[0].Severity != "critical" {
		t.Fatalf("expected internal-token finding, got %#v", findings)
	}

	if _, err := NewDetector(Config{Patterns: []config.SecretPattern{{Name: "bad", Regex: "(["}}}); err == nil {
		t.Fatal("expected invalid pattern to fail")
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("ABCDEFGH"); got != "********" {
		t.Fatalf("unexpected short mask result: %q", got)
	}
	if got := MaskValue("ABCDEFGHIJKLMNOP"); got != "ABCD...MNOP" {
		t.Fatalf("unexpected long mask result: %q", got)
	}
}
