package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/cmd/vigil/commands"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "vigil - rule engine and admission scheduler for capture workloads",
	Long: `vigil watches a media-capture machine, evaluates user rules against
file, schedule and capture events, and admits heavy jobs (transcodes,
proxies, uploads) only when the machine has headroom.

Available commands:
  daemon      - Run watcher, rule engine, admission scheduler and API
  jobs        - Inspect, submit and cancel jobs
  rules       - List, import and toggle rules
  guardrails  - Check whether heavy work may run now
  am          - Show configuration ("I am")
  mcp         - Serve inspection tools over MCP (stdio)

Examples:
  vigil daemon
  vigil jobs ls --blocked
  vigil rules import rules.yaml
  vigil guardrails check --cpu 60 --exit-code`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show and version write machine-readable output only
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		return initLogger(cmd)
	},
}

func initLogger(cmd *cobra.Command) error {
	opts := logger.Options{Level: "info"}
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	var (
		cfg *am.Config
		err error
	)
	if path != "" {
		cfg, err = am.LoadFromFile(path)
	} else {
		cfg, err = am.Load()
	}
	if err == nil {
		opts = logger.Options{
			Level:      cfg.Log.Level,
			JSON:       cfg.Log.JSON,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	if v, _ := cmd.Root().PersistentFlags().GetCount("verbose"); v > 0 {
		opts.Level = "debug"
	}
	if err := logger.Initialize(opts); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (skips the merged search path)")
	rootCmd.PersistentFlags().Bool("json", false, "Output JSON instead of tables")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RulesCmd)
	rootCmd.AddCommand(commands.GuardrailsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.McpCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

// exitCoder lets a command choose its exit status.
type exitCoder interface {
	ExitCode() int
}

func main() {
	// A missing .env is normal
	_ = godotenv.Load()

	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		var ec exitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
