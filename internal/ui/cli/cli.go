package cli

import "flag"

const versionString = "1.0.0"
const defaultConfigPath = "./devloop.toml"

type cliOptions struct {
	configPath    string
	once          bool
	ui            bool
	worker        string
	history       bool
	historyLimit  int
	historyTSV    string
	historyJSON   string
	sarif         string
	graphMermaid  string
	graphMarkdown string
	query         string
	queryJSON     bool
	queryLimit    int
	verbose       bool
	version       bool
	args          []string
}

func parseOptions(args []string) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("devloop", flag.ContinueOnError)

	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	fs.BoolVar(&opts.once, "once", false, "Build, run one health pass, print a summary and exit")
	fs.BoolVar(&opts.ui, "ui", false, "Enable terminal UI mode")
	fs.StringVar(&opts.worker, "worker", "", "Run as a health worker of the given kind over stdio")
	fs.BoolVar(&opts.history, "history", false, "Print recorded build history and exit")
	fs.IntVar(&opts.historyLimit, "history-limit", 20, "Number of recent batches for --history")
	fs.StringVar(&opts.historyTSV, "history-tsv", "", "Write recent batches as TSV to this path (requires --history)")
	fs.StringVar(&opts.historyJSON, "history-json", "", "Write the history summary as JSON to this path (requires --history)")
	fs.StringVar(&opts.sarif, "sarif", "", "Write build and health findings as SARIF to this path (requires --once)")
	fs.StringVar(&opts.graphMermaid, "graph-mermaid", "", "Write the import graph as a Mermaid flowchart to this path (requires --once)")
	fs.StringVar(&opts.graphMarkdown, "graph-markdown", "", "Inject the import graph between devloop:graph markers in this markdown file (requires --once)")
	fs.StringVar(&opts.query, "query", "", `Print tracked files matching a query, e.g. 'SELECT files WHERE type = "controller" AND fan_in > 2'`)
	fs.BoolVar(&opts.queryJSON, "query-json", false, "Print --query results as JSON")
	fs.IntVar(&opts.queryLimit, "query-limit", 0, "Maximum number of --query rows (0 = unlimited)")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	opts.args = fs.Args()
	return opts, nil
}
