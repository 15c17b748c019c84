// Package run implements "benchctl run", which executes a test plan.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"nathanbeddoewebdev/benchctl/internal/auth"
	"nathanbeddoewebdev/benchctl/internal/config"
	"nathanbeddoewebdev/benchctl/internal/inventory"
	"nathanbeddoewebdev/benchctl/internal/plan"
	"nathanbeddoewebdev/benchctl/internal/runstore"
	"nathanbeddoewebdev/benchctl/internal/styles"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

// ErrRunFailed is returned when a run ends without passing.
var ErrRunFailed = errors.New("run did not pass")

// storeFactory returns the token store used for cloud lookups. Tests
// replace it.
var storeFactory = auth.DefaultStore

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a test plan",
		Long: `Run the steps of a YAML test plan in order.

Each run gets its own directory under the logs directory holding one
subdirectory per step. Progress and attempts are recorded in the local run
history unless --no-history is given.

Interrupting with Ctrl-C stops the run: running processes are killed and
the remaining steps are skipped. A later run with --resume continues from
the first step that failed or did not run.

Examples:
  benchctl run nightly.yaml
  benchctl run nightly.yaml --resume
  benchctl run nightly.yaml --from 3 --logs-dir /scratch/logs`,
		Args:         cobra.ExactArgs(1),
		RunE:         runPlan,
		SilenceUsage: true,
	}

	cmd.Flags().Bool("resume", false, "Continue from where the last run of this plan stopped")
	cmd.Flags().Int("from", 1, "1-based number of the first step to run")
	cmd.Flags().String("logs-dir", "", "Root directory for run logs (overrides config)")
	cmd.Flags().Bool("no-history", false, "Do not record this run in the run history")
	cmd.MarkFlagsMutuallyExclusive("resume", "from")
	cmd.MarkFlagsMutuallyExclusive("resume", "no-history")

	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logr.FromContextOrDiscard(ctx)

	resume, _ := cmd.Flags().GetBool("resume")
	from, _ := cmd.Flags().GetInt("from")
	logsDir, _ := cmd.Flags().GetString("logs-dir")
	noHistory, _ := cmd.Flags().GetBool("no-history")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logsDir == "" {
		logsDir = cfg.EffectiveLogsDir()
	}

	file, err := plan.LoadFile(args[0])
	if err != nil {
		return err
	}

	out := &statusPrinter{w: cmd.OutOrStdout()}
	env := &plan.Env{
		Logger:         log,
		LogsDir:        logsDir,
		Spawner:        inventory.NewSpawner(cfg, storeFactory(), log),
		MonitorCommand: cfg.EffectiveMonitorCommand(),
		Hooks: plan.Hooks{
			OnStepStatusChanged: out.stepChanged,
		},
	}

	var store *runstore.Store
	if !noHistory {
		store, err = runstore.Open(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		env.Recorder = store
	}

	seq, err := file.Sequence(env)
	if err != nil {
		return err
	}

	opts := plan.RunOptions{From: from - 1}
	if resume {
		opts.From, err = store.ResumeIndex(ctx, seq.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resuming %s at step %d\n", seq.Name, opts.From+1)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	results, err := seq.Start(ctx, opts)
	if err != nil {
		return err
	}

	var res plan.Result
	select {
	case res = <-results:
	case <-sigCtx.Done():
		log.Info("Stopping run")
		seq.Stop()
		res = <-results
	}
	printSummary(cmd.OutOrStdout(), seq, res)

	switch {
	case res.Err != nil:
		return res.Err
	case !res.Passed:
		return ErrRunFailed
	}
	return nil
}

// statusPrinter writes one line per step status change.
type statusPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *statusPrinter) stepChanged(index int, st *plan.Step) {
	status := st.Status()
	if status == plan.StatusIdle {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("[%d] %s %s", index+1, styles.AccentText.Render(st.Describe()), styles.StatusIndicator(status.String()))
	if err := st.Err(); err != nil {
		line += " " + styles.ErrorText.Render(err.Error())
	}
	fmt.Fprintln(p.w, line)
}

func printSummary(w io.Writer, seq *plan.Sequence, res plan.Result) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tKIND\tSTATUS")
	for i, st := range seq.Steps() {
		status := st.Status().String()
		if !st.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, st.Name, st.Kind, status)
	}
	tw.Flush()

	outcome := runstore.StatusFailed
	switch {
	case res.Err != nil:
		outcome = runstore.StatusError
	case res.Stopped:
		outcome = runstore.StatusStopped
	case res.Passed:
		outcome = runstore.StatusPassed
	}
	fmt.Fprintf(w, "\nRun %s %s in %s\n", res.RunID, styles.StatusIndicator(outcome),
		res.Finished.Sub(res.Started).Round(time.Millisecond))
}
