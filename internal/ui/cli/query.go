package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	coreapp "devloop/internal/core/app"
	"devloop/internal/core/config"
	"devloop/internal/data/query"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// runQueryMode brings the manifest up to date without starting the server
// or health workers, then prints the files matching opts.query.
func runQueryMode(ctx context.Context, w io.Writer, cfg *config.Config, paths config.ResolvedPaths, opts cliOptions) error {
	if _, err := query.ParseCQL(opts.query); err != nil {
		return err
	}

	app, err := coreapp.New(cfg, paths, nil, nil, nil)
	if err != nil {
		return err
	}
	if _, _, err := app.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile manifest: %w", err)
	}

	rows, err := query.NewService(app.Manifest()).ExecuteCQL(ctx, opts.query, opts.queryLimit)
	if err != nil {
		return err
	}
	if opts.queryJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	printQueryRows(w, rows)
	return nil
}

func printQueryRows(w io.Writer, rows []query.FileRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No matching files.")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PATH", "TYPE", "TIER", "FAN IN", "FAN OUT", "VERSION")
	for _, r := range rows {
		t.Row(r.Path, r.Type, r.Tier, strconv.Itoa(r.FanIn), strconv.Itoa(r.FanOut), strconv.Itoa(r.Version))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d file(s)\n", len(rows))
}
