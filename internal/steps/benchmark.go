package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"nathanbeddoewebdev/benchctl/internal/monitor"
	"nathanbeddoewebdev/benchctl/internal/plan"
	"nathanbeddoewebdev/benchctl/internal/process"
	"nathanbeddoewebdev/benchctl/internal/stats"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

var (
	monitorHostsAttr = plan.ListAttr{Name: "monitor-hosts", Help: "hosts to sample; defaults to hosts"}
	probesAttr       = plan.ListAttr{Name: "probes", Help: "probe specs passed to the monitor agent, e.g. gpu:0,1"}
	measurementsAttr = plan.ListAttr{Name: "measurements", Help: "measurements to collect; the first one is primary", Required: true}
	intervalAttr     = plan.DurationAttr{Name: "interval", Help: "sampling interval; 0 uses the agent default"}
	minAvgAttr       = plan.StringAttr{Name: "min-avg", Help: "fail when the primary average is below this value"}
)

// ErrBelowThreshold is returned when the primary measurement average is
// below the configured minimum.
var ErrBelowThreshold = errors.New("measurement below threshold")

func benchmarkKind() plan.Kind {
	return plan.Kind{
		Name:        "benchmark",
		Description: "Run a job while sampling measurements on the monitor hosts",
		Attributes: []plan.Attribute{hostsAttr, commandAttr, monitorHostsAttr, probesAttr, measurementsAttr,
			intervalAttr, timeoutAttr, sigtermOKAttr, minAvgAttr},
		New: func() plan.Action { return benchmarkAction{} },
	}
}

type benchmarkAction struct{}

func (benchmarkAction) Perform(ctx context.Context, run *plan.Run, step *plan.Step, index int) error {
	attrs := step.Attrs
	names := measurementsAttr.Get(attrs)
	minAvg, hasMin, err := parseThreshold(minAvgAttr.Get(attrs))
	if err != nil {
		return err
	}
	if run.Env.MonitorCommand == "" {
		return fmt.Errorf("steps: %s: no monitor command configured", step.Name)
	}

	monitorHosts := monitorHostsAttr.Get(attrs)
	if len(monitorHosts) == 0 {
		monitorHosts = hostsAttr.Get(attrs)
	}
	agent := agentCommand(run.Env.MonitorCommand, probesAttr.Get(attrs), intervalAttr.Get(attrs))

	lctx, log := stepLogger(ctx, run, step, index)
	sessions, err := openSessions(lctx, run, step, index, targets(monitorHosts), agent)
	if err != nil {
		return err
	}
	defer closeSessions(log, sessions)

	if err := eachSession(lctx, sessions, (*monitor.Session).Start); err != nil {
		return fmt.Errorf("steps: %s: start sampling: %w", step.Name, err)
	}
	log.Info("Sampling started", "hosts", len(sessions))

	sigtermOK := sigtermOKAttr.Get(attrs)
	jobErr := runProcesses(ctx, run, step, index, hostsAttr.Get(attrs), commandAttr.Get(attrs),
		timeoutAttr.Get(attrs), func(p *process.Process) bool {
			if sigtermOK && p.Err() == nil && !p.TimedOut() && p.Terminated() {
				return true
			}
			return p.Succeeded()
		})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := eachSession(lctx, sessions, (*monitor.Session).Stop); err != nil {
		return errors.Join(jobErr, fmt.Errorf("steps: %s: stop sampling: %w", step.Name, err))
	}
	if jobErr != nil {
		return jobErr
	}

	summaries, err := collect(lctx, sessions, names)
	if err != nil {
		return fmt.Errorf("steps: %s: collect measurements: %w", step.Name, err)
	}
	for _, m := range summaries {
		log.Info("Measurement", "summary", m.String())
		run.RecordMeasurement(ctx, step, m)
	}
	if err := writeSummary(step, index, summaries); err != nil {
		log.Error(err, "Failed to write measurement summary")
	}

	if hasMin {
		primary := summaries[0].Value()
		if avg := primary.Avg(); avg < minAvg {
			return fmt.Errorf("steps: %s: %s average %g < %g: %w", step.Name, summaries[0].Name, avg, minAvg, ErrBelowThreshold)
		}
	}
	return nil
}

func parseThreshold(s string) (float64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("steps: invalid min-avg %q", s)
	}
	return v, true, nil
}

// agentCommand appends the probe and interval flags to the configured
// monitor agent command.
func agentCommand(base string, probes []string, interval time.Duration) string {
	var b strings.Builder
	b.WriteString(base)
	for _, p := range probes {
		b.WriteString(" --probe ")
		b.WriteString(shellescape.Quote(p))
	}
	if interval > 0 {
		b.WriteString(" --interval ")
		b.WriteString(interval.String())
	}
	return b.String()
}

func openSessions(ctx context.Context, run *plan.Run, step *plan.Step, index int, hosts []string, agent string) ([]*monitor.Session, error) {
	sp := spawner(run)
	sessions := make([]*monitor.Session, len(hosts))

	var g errgroup.Group
	for i, host := range hosts {
		g.Go(func() error {
			s, err := monitor.Open(ctx, sp, host, agent, monitor.Options{
				Title:   "monitor",
				LogPath: logPath(step, "monitor", host, index),
			})
			if err != nil {
				return err
			}
			sessions[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, fmt.Errorf("steps: %s: %w", step.Name, err)
	}
	return sessions, nil
}

func eachSession(ctx context.Context, sessions []*monitor.Session, fn func(*monitor.Session, context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error { return fn(s, gctx) })
	}
	return g.Wait()
}

func closeSessions(log logr.Logger, sessions []*monitor.Session) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				log.V(1).Info("Monitor session closed with error", "server", s.Host, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

// collect fetches every named measurement from every session and reduces
// them into one cluster-wide measurement per name, in the order of names.
func collect(ctx context.Context, sessions []*monitor.Session, names []string) ([]*stats.Measurement, error) {
	perHost := make([][]*stats.Measurement, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		g.Go(func() error {
			for _, name := range names {
				m, err := fetch(gctx, s, name)
				if err != nil {
					return err
				}
				perHost[i] = append(perHost[i], m)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*stats.Measurement, len(names))
	for j := range names {
		for i := range sessions {
			if out[j] == nil {
				out[j] = perHost[i][j].Snapshot()
				continue
			}
			out[j].Reduce(perHost[i][j])
		}
	}
	return out, nil
}

// fetch reads name from s, including its rate when the agent tracks one.
func fetch(ctx context.Context, s *monitor.Session, name string) (*stats.Measurement, error) {
	_, err := s.Get(ctx, name+".rate.count")
	var remote *monitor.RemoteError
	switch {
	case err == nil:
		return s.Measurement(ctx, name, true)
	case errors.As(err, &remote):
		return s.Measurement(ctx, name, false)
	default:
		return nil, err
	}
}

func writeSummary(step *plan.Step, index int, summaries []*stats.Measurement) error {
	if step.LogsDir == "" {
		return nil
	}
	var b strings.Builder
	for _, m := range summaries {
		b.WriteString(m.String())
		b.WriteByte('\n')
	}
	path := filepath.Join(step.LogsDir, fmt.Sprintf("measurements-%d.txt", index))
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
