package history

import (
	"fmt"
	"text/tabwriter"

	"nathanbeddoewebdev/benchctl/internal/runstore"
	"nathanbeddoewebdev/benchctl/internal/styles"

	"github.com/spf13/cobra"
)

func ShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show the attempts and measurements of a run",
		Long: `Show the attempts and measurements of a run. The run ID may be
abbreviated to any unique prefix. Without an ID the most recent run is shown.

Examples:
  benchctl history show
  benchctl history show 3f2a9c1d
  benchctl history show --plan nightly`,
		Args:         cobra.MaximumNArgs(1),
		RunE:         runShow,
		SilenceUsage: true,
	}

	cmd.Flags().String("plan", "", "Show the most recent run of this plan")

	return cmd
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name, _ := cmd.Flags().GetString("plan")

	store, err := runstore.Open(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var run *runstore.RunRecord
	switch {
	case len(args) == 1:
		run, err = store.GetRun(ctx, args[0])
		if err == nil && run == nil {
			err = fmt.Errorf("no run matches %q", args[0])
		}
	default:
		run, err = store.LastRun(ctx, name)
	}
	if err != nil {
		return err
	}

	attempts, err := store.Attempts(ctx, run.ID)
	if err != nil {
		return err
	}
	measurements, err := store.Measurements(ctx, run.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", styles.Label.Render("Run"), run.ID)
	fmt.Fprintf(w, "%s\t%s\n", styles.Label.Render("Plan"), run.Sequence)
	fmt.Fprintf(w, "%s\t%s\n", styles.Label.Render("Status"), styles.StatusIndicator(run.Status))
	fmt.Fprintf(w, "%s\t%s\n", styles.Label.Render("Started"), run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "%s\t%s\n", styles.Label.Render("Duration"), formatDuration(run.Elapsed()))
	fmt.Fprintf(w, "%s\t%d\n", styles.Label.Render("First step"), run.From+1)
	fmt.Fprintf(w, "%s\t%s\n", styles.Label.Render("Logs"), run.LogsDir)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "%s\t%s\n", styles.Label.Render("Error"), styles.ErrorText.Render(run.ErrorMessage))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render("Attempts"))
	if len(attempts) == 0 {
		fmt.Fprintln(out, "No attempts recorded.")
	} else {
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tNAME\tKIND\tREPEAT\tTRY\tRESULT\tDURATION\tERROR")
		for _, a := range attempts {
			result := "passed"
			if !a.Passed {
				result = "failed"
			}
			errMsg := a.ErrorMessage
			if errMsg == "" {
				errMsg = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				a.StepIndex+1, a.StepName, a.Kind, a.Repeat+1, a.Try, result,
				formatDuration(a.FinishedAt.Sub(a.StartedAt)), errMsg)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(measurements) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render("Measurements"))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tMEASUREMENT\tCOUNT\tMIN\tMAX\tAVG\tRATE AVG")
	for _, m := range measurements {
		rate := "-"
		if m.HasRate {
			rate = fmt.Sprintf("%g", m.RateAvg)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%g\t%g\t%g\t%s\n",
			m.StepIndex+1, m.Name, m.Count, m.Min, m.Max, m.Avg, rate)
	}
	return w.Flush()
}
