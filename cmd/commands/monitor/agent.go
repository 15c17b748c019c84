package monitor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nathanbeddoewebdev/benchctl/internal/logging"
	"nathanbeddoewebdev/benchctl/internal/monitor"
	"nathanbeddoewebdev/benchctl/internal/sampler"

	"github.com/spf13/cobra"
)

// AgentCommand returns the "monitor agent" command.
func AgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the monitor protocol on stdin and stdout",
		Long: `Sample the given probes and serve the monitor protocol on stdin and
stdout. Log output shares stdout with the responses.

Example:
  benchctl monitor agent --probe gpu:0,1 --probe host --interval 500ms`,
		Args:         cobra.NoArgs,
		RunE:         runAgent,
		SilenceUsage: true,
	}

	cmd.Flags().StringArray("probe", nil, "Probe to sample (repeatable); defaults to host")
	cmd.Flags().Duration("interval", sampler.DefaultInterval, "Sampling interval")
	cmd.Flags().String("log-dir", "", "Directory receiving one raw sample log per measurement")

	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	specs, _ := cmd.Flags().GetStringArray("probe")
	interval, _ := cmd.Flags().GetDuration("interval")
	logDir, _ := cmd.Flags().GetString("log-dir")
	level, _ := cmd.Flags().GetString("log-level")

	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	if len(specs) == 0 {
		specs = []string{"host"}
	}

	probes := make([]sampler.Probe, 0, len(specs))
	for _, spec := range specs {
		p, err := sampler.ParseProbe(spec, sampler.ProbeEnv{})
		if err != nil {
			return err
		}
		probes = append(probes, p)
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	out := monitor.NewLineWriter(cmd.OutOrStdout())
	log, err := logging.New(out, logging.Options{Level: level, Timestamps: true})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group := sampler.NewGroup(sampler.Config{Interval: interval, LogDir: logDir, Logger: log}, probes...)
	return monitor.NewAgent(group, log).Serve(ctx, cmd.InOrStdin(), out)
}
