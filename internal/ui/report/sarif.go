package report

import (
	"encoding/json"
	"fmt"
	"strings"

	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/engine/health"
)

// SARIF v2.1.0 schema, see https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json

const (
	sarifSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
	sarifVersion = "2.1.0"

	ruleIDCycle         = "DEV001"
	ruleIDBuild         = "DEV002"
	ruleIDHealthError   = "DEV003"
	ruleIDHealthWarning = "DEV004"
	ruleIDImportRule    = "DEV005"
)

type sarifReport struct {
	Schema  string     `json:"$schema"`
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Rules   []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	ShortDescription sarifMessage           `json:"shortDescription"`
	DefaultConfig    sarifRuleDefaultConfig `json:"defaultConfiguration"`
}

type sarifRuleDefaultConfig struct {
	Level string `json:"level"`
}

type sarifResult struct {
	RuleID    string          `json:"ruleId"`
	Level     string          `json:"level"`
	Message   sarifMessage    `json:"message"`
	Locations []sarifLocation `json:"locations,omitempty"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           *sarifRegion          `json:"region,omitempty"`
}

type sarifArtifactLocation struct {
	URI       string `json:"uri"`
	URIBaseID string `json:"uriBaseId"`
}

type sarifRegion struct {
	StartLine   int `json:"startLine,omitempty"`
	StartColumn int `json:"startColumn,omitempty"`
	EndColumn   int `json:"endColumn,omitempty"`
}

// GenerateSARIF builds a SARIF v2.1.0 document from the last build update and
// the health aggregate. URIs are relative to projectRoot.
func GenerateSARIF(projectRoot, toolVersion string, update ports.BuildUpdate, snap health.Snapshot) ([]byte, error) {
	results := make([]sarifResult, 0)
	seen := make(map[string]bool)

	for _, cycle := range update.Cycles {
		if len(cycle) == 0 {
			continue
		}
		seen[ruleIDCycle] = true
		results = append(results, sarifResult{
			RuleID:    ruleIDCycle,
			Level:     "warning",
			Message:   sarifMessage{Text: "Import cycle: " + strings.Join(cycle, " -> ")},
			Locations: []sarifLocation{fileLocation(projectRoot, cycle[0], nil)},
		})
	}

	for _, d := range update.Diagnostics {
		if d.Code == string(domainerrors.CodeGraphCycleDetected) {
			continue
		}
		ruleID := ruleIDBuild
		if d.Code == string(domainerrors.CodeImportRuleViolation) {
			ruleID = ruleIDImportRule
		}
		seen[ruleID] = true
		result := sarifResult{
			RuleID:  ruleID,
			Level:   "error",
			Message: sarifMessage{Text: d.Message},
		}
		if d.Path != "" {
			result.Locations = []sarifLocation{fileLocation(projectRoot, d.Path, nil)}
		}
		results = append(results, result)
	}

	for _, f := range snap.Files {
		for _, d := range f.Errors {
			seen[ruleIDHealthError] = true
			results = append(results, healthResult(projectRoot, ruleIDHealthError, "error", f.Path, d))
		}
		for _, d := range f.Warnings {
			seen[ruleIDHealthWarning] = true
			results = append(results, healthResult(projectRoot, ruleIDHealthWarning, "warning", f.Path, d))
		}
	}

	report := sarifReport{
		Schema:  sarifSchema,
		Version: sarifVersion,
		Runs: []sarifRun{{
			Tool: sarifTool{Driver: sarifDriver{
				Name:    "devloop",
				Version: toolVersion,
				Rules:   buildSARIFRules(seen),
			}},
			Results: results,
		}},
	}
	return json.MarshalIndent(report, "", "  ")
}

func healthResult(projectRoot, ruleID, level, path string, d health.Diagnostic) sarifResult {
	text := d.Message
	if d.RuleID != "" {
		text = fmt.Sprintf("%s (%s)", d.Message, d.RuleID)
	}
	var region *sarifRegion
	if d.Line > 0 {
		region = &sarifRegion{StartLine: d.Line, StartColumn: d.Column}
		if d.Length > 0 {
			region.EndColumn = d.Column + d.Length
		}
	}
	return sarifResult{
		RuleID:    ruleID,
		Level:     level,
		Message:   sarifMessage{Text: text},
		Locations: []sarifLocation{fileLocation(projectRoot, path, region)},
	}
}

func fileLocation(projectRoot, path string, region *sarifRegion) sarifLocation {
	return sarifLocation{PhysicalLocation: sarifPhysicalLocation{
		ArtifactLocation: sarifArtifactLocation{URI: relativeURI(projectRoot, path), URIBaseID: "%SRCROOT%"},
		Region:           region,
	}}
}

// buildSARIFRules returns only the rules that have results.
func buildSARIFRules(seen map[string]bool) []sarifRule {
	all := []sarifRule{
		{ID: ruleIDCycle, Name: "ImportCycle", ShortDescription: sarifMessage{Text: "Files import each other in a cycle."}, DefaultConfig: sarifRuleDefaultConfig{Level: "warning"}},
		{ID: ruleIDBuild, Name: "BuildFailure", ShortDescription: sarifMessage{Text: "A file could not be parsed, compiled or reloaded."}, DefaultConfig: sarifRuleDefaultConfig{Level: "error"}},
		{ID: ruleIDHealthError, Name: "HealthError", ShortDescription: sarifMessage{Text: "A health checker reported an error."}, DefaultConfig: sarifRuleDefaultConfig{Level: "error"}},
		{ID: ruleIDHealthWarning, Name: "HealthWarning", ShortDescription: sarifMessage{Text: "A health checker reported a warning."}, DefaultConfig: sarifRuleDefaultConfig{Level: "warning"}},
		{ID: ruleIDImportRule, Name: "ImportRuleViolation", ShortDescription: sarifMessage{Text: "An import is forbidden by a configured rule."}, DefaultConfig: sarifRuleDefaultConfig{Level: "error"}},
	}
	rules := make([]sarifRule, 0, len(all))
	for _, r := range all {
		if seen[r.ID] {
			rules = append(rules, r)
		}
	}
	return rules
}
