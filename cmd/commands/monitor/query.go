package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"nathanbeddoewebdev/benchctl/internal/auth"
	"nathanbeddoewebdev/benchctl/internal/config"
	"nathanbeddoewebdev/benchctl/internal/inventory"
	"nathanbeddoewebdev/benchctl/internal/monitor"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

// QueryCommand returns the "monitor query" command.
func QueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [host]",
		Short: "Sample a host for a while and print the statistics",
		Long: `Start the agent on a host (locally when no host is given), sample for
the given duration and print every statistic it collected.

Examples:
  benchctl monitor query node1 --probe gpu:0 --duration 10s
  benchctl monitor query --probe host --search CPU`,
		Args:         cobra.MaximumNArgs(1),
		RunE:         runQuery,
		SilenceUsage: true,
	}

	cmd.Flags().StringArray("probe", nil, "Probe to sample (repeatable); defaults to host")
	cmd.Flags().Duration("duration", 5*time.Second, "How long to sample")
	cmd.Flags().Duration("interval", 0, "Sampling interval (agent default when 0)")
	cmd.Flags().String("search", "", "Only print measurements matching this regular expression")
	cmd.Flags().String("agent", "", "Agent command (overrides the monitor-command setting)")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logr.FromContextOrDiscard(ctx)

	probes, _ := cmd.Flags().GetStringArray("probe")
	duration, _ := cmd.Flags().GetDuration("duration")
	interval, _ := cmd.Flags().GetDuration("interval")
	search, _ := cmd.Flags().GetString("search")
	agent, _ := cmd.Flags().GetString("agent")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if agent == "" {
		agent = cfg.EffectiveMonitorCommand()
	}
	for _, p := range probes {
		agent += " --probe " + shellescape.Quote(p)
	}
	if interval > 0 {
		agent += " --interval " + interval.String()
	}

	var host string
	if len(args) == 1 {
		host = args[0]
	}

	sp := inventory.NewSpawner(cfg, auth.DefaultStore(), log)
	s, err := monitor.Open(logr.NewContext(ctx, log), sp, host, agent, monitor.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(duration):
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
		return monitor.ErrSessionClosed
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}

	values, err := s.GetAll(ctx)
	if err != nil {
		return err
	}
	var names []string
	if search != "" {
		if names, err = s.Search(ctx, search); err != nil {
			return err
		}
	}
	return printValues(cmd, values, names, search != "")
}

func printValues(cmd *cobra.Command, values map[string]float64, names []string, filter bool) error {
	keep := func(spec string) bool {
		if !filter {
			return true
		}
		for _, n := range names {
			if strings.HasPrefix(spec, n+".") {
				return true
			}
		}
		return false
	}

	specs := make([]string, 0, len(values))
	for spec := range values {
		if keep(spec) {
			specs = append(specs, spec)
		}
	}
	sort.Strings(specs)

	if len(specs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No measurements.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATISTIC\tVALUE")
	for _, spec := range specs {
		fmt.Fprintf(w, "%s\t%g\n", spec, values[spec])
	}
	return w.Flush()
}
