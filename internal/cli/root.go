// Package cli implements the taskorch command tree: the scheduler and
// state-updater daemons, the status API, and client commands that query it.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/taskorch/internal/config"
	"github.com/me/taskorch/internal/logging"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

var (
	flagConfig    string
	flagServer    string
	flagDebug     bool
	flagDB        string
	flagBroker    string
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
	client *Client
)

// flagKeys maps command-line flags onto config keys. Only flags set
// explicitly become overrides, so env and file values survive defaults.
var flagKeys = map[string]string{
	"db":         "db_path",
	"broker":     "broker",
	"log-level":  "log_level",
	"log-format": "log_format",
	"addr":       "addr",
}

// defaultServer returns the API URL, checking TASKORCH_SERVER first.
func defaultServer() string {
	if s := os.Getenv("TASKORCH_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for taskorch.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskorch",
		Short: "taskorch: distributed task orchestrator",
		Long: "taskorch dispatches scripted tasks to worker queues once their gates open,\n" +
			"retries failed scripts, and records task and worker state from runner events.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			overrides := make(map[string]string)
			for name, key := range flagKeys {
				if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
					overrides[key] = f.Value.String()
				}
			}
			if flagDebug {
				overrides["log_level"] = "debug"
			}

			var err error
			cfg, err = config.Load(flagConfig, overrides)
			if err != nil {
				return err
			}
			logger = logging.New(cfg.LogLevel, cfg.LogFormat)
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (YAML, or TOML with a .toml extension)")
	pf.StringVar(&flagServer, "server", defaultServer(), "taskorch API URL for client commands (or TASKORCH_SERVER env)")
	pf.BoolVar(&flagDebug, "debug", false, "Shorthand for --log-level=debug")
	pf.StringVar(&flagDB, "db", "", "SQLite database path")
	pf.StringVar(&flagBroker, "broker", "", "Dispatch broker (kafka, memory)")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json, auto)")

	root.AddCommand(
		newSchedulerCmd(),
		newStateUpdaterCmd(),
		newServeCmd(),
		newMigrateCmd(),
		newVersionCmd(),
		newTasksCmd(),
		newTeamsCmd(),
		newScriptsCmd(),
		newWorkersCmd(),
		newQueuesCmd(),
	)

	return root
}
