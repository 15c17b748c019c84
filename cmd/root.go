package cmd

import (
	"context"
	"os"

	"nathanbeddoewebdev/benchctl/cmd/commands/auth"
	cfgcmd "nathanbeddoewebdev/benchctl/cmd/commands/config"
	"nathanbeddoewebdev/benchctl/cmd/commands/history"
	"nathanbeddoewebdev/benchctl/cmd/commands/monitor"
	"nathanbeddoewebdev/benchctl/cmd/commands/run"
	stepscmd "nathanbeddoewebdev/benchctl/cmd/commands/steps"
	"nathanbeddoewebdev/benchctl/internal/config"
	"nathanbeddoewebdev/benchctl/internal/logging"
	"nathanbeddoewebdev/benchctl/internal/steps"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
func rootCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "benchctl",
		Short: "Run benchmark and stress-test plans across many machines",
		Long: `benchctl runs test plans made of ordered steps across a set of worker
machines. Steps start commands locally or over ssh, supervise them with
timeouts and exit-code policies, and collect telemetry from a monitor
agent on every worker while a benchmark runs.

Quick start:
  benchctl config set host.node1 10.0.0.1     # name a worker
  benchctl steps template shell benchmark     # start a plan
  benchctl run plan.yaml                      # run it
  benchctl history show                       # inspect the last run`,
		PersistentPreRunE: setupLogging,
	}

	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error (default from config)")
	cmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	cmd.AddCommand(auth.NewCommand())
	cmd.AddCommand(cfgcmd.NewCommand())
	cmd.AddCommand(history.NewCommand())
	cmd.AddCommand(monitor.NewCommand())
	cmd.AddCommand(run.NewCommand())
	cmd.AddCommand(stepscmd.NewCommand())

	return cmd
}

// setupLogging attaches the logger selected by the flags and config to the
// command context. Logs go to stderr.
func setupLogging(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	if level == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level = cfg.EffectiveLogLevel()
	}

	opts := logging.Options{Level: level, Timestamps: true}
	if jsonLogs {
		opts.Format = logging.FormatJSON
	}
	log, err := logging.New(cmd.ErrOrStderr(), opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logr.NewContext(ctx, log))
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	steps.RegisterAll()

	var root = rootCmd()
	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
