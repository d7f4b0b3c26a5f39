package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		err := New(CodeCorruptManifest, "manifest unreadable")
		if err.Error() != "[CORRUPT_MANIFEST] manifest unreadable" {
			t.Errorf("expected [CORRUPT_MANIFEST] manifest unreadable, got %s", err.Error())
		}
	})

	t.Run("Wrap", func(t *testing.T) {
		original := errors.New("exit status 2")
		err := Wrap(original, CodeHotReplaceFailure, "compile failed")
		expected := "[HOT_REPLACE_FAILURE] compile failed: exit status 2"
		if err.Error() != expected {
			t.Errorf("expected %s, got %s", expected, err.Error())
		}
		if !errors.Is(err, original) {
			t.Error("expected wrapped error to unwrap to original")
		}
	})

	t.Run("IsCodeThroughFmtWrap", func(t *testing.T) {
		err := fmt.Errorf("batch: %w", New(CodeWorkerCrash, "worker exited"))
		if !IsCode(err, CodeWorkerCrash) {
			t.Error("expected IsCode to see through fmt wrapping")
		}
		if IsCode(err, CodeWorkerInitFailure) {
			t.Error("expected IsCode to return false for a different code")
		}
	})

	t.Run("AddContext", func(t *testing.T) {
		err := AddContext(New(CodeDependencyParseFailure, "bad syntax"), CtxPath, "src/a.ts")
		var de *DomainError
		if !errors.As(err, &de) {
			t.Fatal("expected DomainError")
		}
		if de.Context[CtxPath] != "src/a.ts" {
			t.Errorf("expected path context, got %v", de.Context)
		}

		foreign := AddContext(errors.New("boom"), CtxKind, "lint")
		if CodeOf(foreign) != CodeInternal {
			t.Errorf("expected foreign error to be wrapped as internal, got %q", CodeOf(foreign))
		}
	})

	t.Run("IsFatal", func(t *testing.T) {
		if !IsFatal(Wrap(errors.New("x"), CodeFullRestartFailure, "relaunch failed")) {
			t.Error("expected full restart failure to be fatal")
		}
		if IsFatal(New(CodeHotReplaceFailure, "x")) {
			t.Error("expected hot replace failure to be non-fatal")
		}
		if CodeOf(errors.New("plain")) != "" {
			t.Error("expected empty code for plain error")
		}
	})
}
