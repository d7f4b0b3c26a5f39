package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if err := validateVersion(cfg); err != nil {
		return err
	}
	if err := validateWatch(cfg); err != nil {
		return err
	}
	if err := validateLayers(cfg); err != nil {
		return err
	}
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateHealth(cfg); err != nil {
		return err
	}
	if err := validateRules(cfg); err != nil {
		return err
	}
	return nil
}

func validateVersion(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d; supported version is 1", cfg.Version)
	}
	return nil
}

func validateWatch(cfg *Config) error {
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must be positive, got %s", cfg.Watch.Debounce)
	}
	for i, p := range cfg.WatchPaths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("watch_paths[%d] must not be empty", i)
		}
	}
	if err := compileAll("exclude.dirs", cfg.Exclude.Dirs); err != nil {
		return err
	}
	if err := compileAll("exclude.files", cfg.Exclude.Files); err != nil {
		return err
	}
	if err := compileAll("sources.include", cfg.Sources.Include); err != nil {
		return err
	}
	for _, ext := range cfg.Sources.Extensions {
		if !strings.HasPrefix(strings.TrimSpace(ext), ".") {
			return fmt.Errorf("sources.extensions entries must start with '.', got %q", ext)
		}
	}
	return nil
}

func validateLayers(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Layers.Propagation)) {
	case PropagationClosure, PropagationStopAtRestart:
	default:
		return fmt.Errorf("layers.propagation must be one of: %s, %s", PropagationClosure, PropagationStopAtRestart)
	}

	groups := []struct {
		name     string
		patterns []string
	}{
		{"layers.env", cfg.Layers.Env},
		{"layers.entry", cfg.Layers.Entry},
		{"layers.config", cfg.Layers.Config},
		{"layers.route", cfg.Layers.Route},
		{"layers.controller", cfg.Layers.Controller},
		{"layers.service", cfg.Layers.Service},
		{"layers.model", cfg.Layers.Model},
	}
	for _, g := range groups {
		if err := compileAll(g.name, g.patterns); err != nil {
			return err
		}
	}
	return nil
}

func validateServer(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Server.HotSignal)) {
	case HotSignalStdin, HotSignalNone:
	default:
		return fmt.Errorf("server.hot_signal must be one of: %s, %s", HotSignalStdin, HotSignalNone)
	}
	for i, arg := range cfg.Server.Command {
		if i == 0 && strings.TrimSpace(arg) == "" {
			return fmt.Errorf("server.command[0] must not be empty")
		}
	}
	for _, kv := range cfg.Server.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("server.env entries must be KEY=VALUE, got %q", kv)
		}
	}
	return nil
}

func validateHealth(cfg *Config) error {
	h := cfg.Health
	switch strings.ToLower(strings.TrimSpace(h.Isolation)) {
	case IsolationProcess, IsolationInProcess:
	default:
		return fmt.Errorf("health.isolation must be one of: %s, %s", IsolationProcess, IsolationInProcess)
	}
	if h.RetryMaxDelay < h.RetryBaseDelay {
		return fmt.Errorf("health.retry_max_delay (%s) must be >= health.retry_base_delay (%s)", h.RetryMaxDelay, h.RetryBaseDelay)
	}

	seen := make(map[string]bool, len(h.Workers))
	for i, w := range h.Workers {
		ref := fmt.Sprintf("health.workers[%d]", i)
		switch w.Kind {
		case WorkerKindSyntax:
		case WorkerKindLint:
			if len(w.Command) == 0 || strings.TrimSpace(w.Command[0]) == "" {
				return fmt.Errorf("%s.command is required for kind %q", ref, w.Kind)
			}
		case WorkerKindSecrets:
			if w.EntropyThreshold < 0 || w.MinTokenLength < 0 {
				return fmt.Errorf("%s entropy_threshold and min_token_length must not be negative", ref)
			}
			for j, p := range w.Patterns {
				if strings.TrimSpace(p.Name) == "" {
					return fmt.Errorf("%s.patterns[%d].name must not be empty", ref, j)
				}
				if _, err := regexp.Compile(p.Regex); err != nil || strings.TrimSpace(p.Regex) == "" {
					return fmt.Errorf("%s.patterns[%d] invalid regex %q", ref, j, p.Regex)
				}
			}
		default:
			return fmt.Errorf("%s.kind must be one of: %s, %s, %s", ref, WorkerKindSyntax, WorkerKindLint, WorkerKindSecrets)
		}
		if seen[w.Kind] {
			return fmt.Errorf("duplicate health worker kind %q", w.Kind)
		}
		seen[w.Kind] = true
	}
	return nil
}

func validateRules(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		ref := fmt.Sprintf("rules[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%s.name must not be empty", ref)
		}
		if seen[name] {
			return fmt.Errorf("duplicate rule name %q", name)
		}
		seen[name] = true
		if len(r.Files) == 0 {
			return fmt.Errorf("%s.files must not be empty", ref)
		}
		if len(r.Allow) == 0 && len(r.Deny) == 0 {
			return fmt.Errorf("%s needs allow or deny patterns", ref)
		}
		for field, patterns := range map[string][]string{"files": r.Files, "allow": r.Allow, "deny": r.Deny, "exclude": r.Exclude} {
			for j, p := range patterns {
				if t, ok := strings.CutPrefix(p, RuleTypePrefix); ok {
					if !knownFileType(t) {
						return fmt.Errorf("%s.%s[%d] unknown file type %q", ref, field, j, t)
					}
					continue
				}
				if strings.TrimSpace(p) == "" {
					return fmt.Errorf("%s.%s[%d] must not be empty", ref, field, j)
				}
				if _, err := glob.Compile(p, '/'); err != nil {
					return fmt.Errorf("%s.%s[%d] invalid pattern %q: %w", ref, field, j, p, err)
				}
			}
		}
	}
	return nil
}

// RuleTypePrefix marks an import rule pattern that names a file type.
const RuleTypePrefix = "type:"

func knownFileType(t string) bool {
	switch t {
	case "env", "entry", "config", "route", "controller", "service", "model", "other":
		return true
	}
	return false
}

func compileAll(ref string, patterns []string) error {
	for i, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("%s[%d] must not be empty", ref, i)
		}
		if _, err := glob.Compile(pattern, '/'); err != nil {
			return fmt.Errorf("%s[%d] invalid pattern %q: %w", ref, i, pattern, err)
		}
	}
	return nil
}
