package report

import (
	"fmt"
	"os"
	"strings"

	"devloop/internal/shared/util"
)

// InjectDiagram replaces the block between the devloop markers named marker
// in the markdown file at filePath. The file is rewritten atomically.
func InjectDiagram(filePath, marker, diagram string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("stat markdown file %q: %w", filePath, err)
	}
	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read markdown file %q: %w", filePath, err)
	}

	next, err := ReplaceBetweenMarkers(string(content), marker, "```mermaid\n"+strings.TrimRight(diagram, "\n")+"\n```")
	if err != nil {
		return err
	}
	if next == string(content) {
		return nil
	}
	if err := util.WriteFileAtomic(filePath, []byte(next), info.Mode().Perm()); err != nil {
		return fmt.Errorf("replace markdown file %q: %w", filePath, err)
	}
	return nil
}

func ReplaceBetweenMarkers(content, marker, replacement string) (string, error) {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return "", fmt.Errorf("markdown marker must not be empty")
	}

	newline := "\n"
	if strings.Contains(content, "\r\n") {
		newline = "\r\n"
	}

	start := fmt.Sprintf("<!-- devloop:%s:start -->", marker)
	end := fmt.Sprintf("<!-- devloop:%s:end -->", marker)

	if strings.Count(content, start) != 1 || strings.Count(content, end) != 1 {
		return "", fmt.Errorf("markdown marker %q must appear exactly once for start and end", marker)
	}

	startIdx := strings.Index(content, start)
	endIdx := strings.Index(content, end)
	if endIdx < startIdx {
		return "", fmt.Errorf("invalid marker order for %q", marker)
	}

	prefix := content[:startIdx+len(start)]
	suffix := content[endIdx:]
	body := strings.ReplaceAll(strings.TrimRight(replacement, "\r\n"), "\n", newline)
	return prefix + newline + body + newline + suffix, nil
}
