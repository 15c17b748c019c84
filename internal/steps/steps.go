// Package steps provides the built-in step kinds: shell commands, process
// cleanup, pauses and monitored benchmark jobs.
package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/plan"
	"nathanbeddoewebdev/benchctl/internal/process"

	"github.com/go-logr/logr"
)

// Attributes shared by several kinds.
var (
	hostsAttr     = plan.ListAttr{Name: "hosts", Help: "hosts to run on; empty runs locally"}
	timeoutAttr   = plan.DurationAttr{Name: "timeout", Help: "give up after this long; 0 waits forever"}
	sigtermOKAttr = plan.BoolAttr{Name: "sigterm-ok", Help: "treat an exit caused by SIGTERM as success"}
)

// RegisterAll adds the built-in kinds to the plan registry. It panics when
// called twice without a plan.Reset in between.
func RegisterAll() {
	plan.Register(shellKind())
	plan.Register(killKind())
	plan.Register(sleepKind())
	plan.Register(benchmarkKind())
}

// targets returns the hosts to spawn on, with a single empty entry meaning
// the local machine.
func targets(hosts []string) []string {
	if len(hosts) == 0 {
		return []string{""}
	}
	return hosts
}

func spawner(run *plan.Run) *process.Spawner {
	if run.Env.Spawner != nil {
		return run.Env.Spawner
	}
	return &process.Spawner{Logger: run.Logger()}
}

func stepLogger(ctx context.Context, run *plan.Run, step *plan.Step, index int) (context.Context, logr.Logger) {
	log := run.Logger().WithValues("step", step.Name, "repeat", index)
	return logr.NewContext(ctx, log), log
}

// logPath returns the per-process log file for title on host, or "" when
// the step keeps no logs.
func logPath(step *plan.Step, title, host string, index int) string {
	if step.LogsDir == "" {
		return ""
	}
	if host == "" {
		host = "local"
	}
	return filepath.Join(step.LogsDir, fmt.Sprintf("%s-%s-%d.log", slug(title), slug(host), index))
}

func slug(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}

// runProcesses spawns command on every target, supervises them and kills
// whatever outlived the timeout. It returns a descriptive error when any
// process failed.
func runProcesses(ctx context.Context, run *plan.Run, step *plan.Step, index int, hosts []string, command string,
	timeout time.Duration, done func(p *process.Process) bool) error {
	ctx, log := stepLogger(ctx, run, step, index)
	sp := spawner(run)

	procs := make([]*process.Process, 0, len(hosts))
	for _, host := range targets(hosts) {
		opts := []process.Option{process.WithTitle(step.Name)}
		if path := logPath(step, step.Name, host, index); path != "" {
			opts = append(opts, process.WithLog(path))
		}
		procs = append(procs, sp.Spawn(ctx, host, command, opts...))
	}

	var failed []string
	cb := run.Callbacks(func(p *process.Process) bool {
		ok := done(p)
		if !ok {
			failed = append(failed, describeFailure(p))
		}
		return ok
	})
	ok, err := process.Wait(ctx, procs, timeout, cb)
	killTimedOut(log, procs)

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return fmt.Errorf("steps: %s: %w", step.Name, err)
	case !ok:
		return fmt.Errorf("steps: %s: %d of %d processes failed: %s", step.Name, len(failed), len(procs), strings.Join(failed, "; "))
	}
	return nil
}

func killTimedOut(log logr.Logger, procs []*process.Process) {
	for _, p := range procs {
		if !p.TimedOut() {
			continue
		}
		if err := p.Kill(); err != nil {
			log.Error(err, "Failed to stop timed out process", "title", p.Title, "server", p.Server)
		}
	}
}

func describeFailure(p *process.Process) string {
	switch {
	case p.Err() != nil:
		return fmt.Sprintf("%s: %v", p.Describe(), p.Err())
	case p.TimedOut():
		return fmt.Sprintf("%s: timed out after %s", p.Describe(), p.Elapsed().Round(time.Millisecond))
	default:
		return fmt.Sprintf("%s: exit code %d", p.Describe(), p.ExitCode())
	}
}
