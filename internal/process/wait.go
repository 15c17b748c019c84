package process

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
)

// Callbacks are the hooks Wait invokes. They may run on any goroutine;
// OnOutput for a single process is always called from the same goroutine,
// in output order.
type Callbacks struct {
	// OnStart is called once per process before its output is drained.
	OnStart func(p *Process)
	// OnOutput is called for every output line.
	OnOutput func(line string, p *Process)
	// OnDone is called exactly once per process, after it finished or timed
	// out, and decides whether it succeeded. When nil, a process succeeds
	// only if it started cleanly and exited with code 0.
	OnDone func(p *Process) bool
}

// DefaultDone is the OnDone policy used when none is supplied.
func DefaultDone(p *Process) bool {
	return p.Succeeded()
}

// Wait drives procs to completion concurrently and reports whether every
// OnDone returned true.
//
// A timeout of zero waits forever. Processes still running when the timeout
// elapses are marked TimedOut and reported through OnDone; they are not
// killed, which is left to the caller. Cancelling ctx kills every pending
// process group and keeps waiting for the processes to exit.
//
// The returned error joins the spawn and I/O errors captured on the
// processes; a non-nil error always comes with a false result.
func Wait(ctx context.Context, procs []*Process, timeout time.Duration, cb Callbacks) (bool, error) {
	log := logr.FromContextOrDiscard(ctx)
	onDone := cb.OnDone
	if onDone == nil {
		onDone = DefaultDone
	}

	finished := make(chan *Process, len(procs))
	pending := make(map[*Process]struct{}, len(procs))
	for _, p := range procs {
		pending[p] = struct{}{}
		if cb.OnStart != nil {
			cb.OnStart(p)
		}
		go func() {
			p.drain(func(line string) {
				if cb.OnOutput != nil {
					cb.OnOutput(line, p)
				}
			})
			finished <- p
		}()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ok := true
	complete := func(p *Process) {
		p.closeLog()
		if !onDone(p) {
			ok = false
		}
		if p.Err() != nil {
			ok = false
		}
	}

	cancelled := ctx.Done()
	for len(pending) > 0 {
		select {
		case p := <-finished:
			if _, waiting := pending[p]; !waiting {
				continue
			}
			delete(pending, p)
			logExit(log, p)
			complete(p)

		case <-deadline:
			for p := range pending {
				p.markTimedOut()
				log.Info("Process timed out", "title", p.Title, "server", p.Server, "pid", p.Pid(),
					"timeout", timeout, "elapsed", p.Elapsed().Round(time.Millisecond))
				complete(p)
			}
			clear(pending)
			ok = false

		case <-cancelled:
			cancelled = nil
			log.Info("Stopping processes", "count", len(pending))
			for p := range pending {
				if err := p.Kill(); err != nil {
					log.Error(err, "Failed to stop process", "title", p.Title, "server", p.Server)
				}
			}
		}
	}

	var errs []error
	for _, p := range procs {
		if err := p.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return ok, nil
}

func logExit(log logr.Logger, p *Process) {
	switch {
	case p.Err() != nil:
		log.Error(p.Err(), "Process failed", "title", p.Title, "server", p.Server)
	case p.ExitCode() != 0:
		log.Info("Process exited with failure", "title", p.Title, "server", p.Server, "pid", p.Pid(),
			"exitCode", p.ExitCode(), "elapsed", p.Elapsed().Round(time.Millisecond))
	default:
		log.V(1).Info("Process finished", "title", p.Title, "server", p.Server, "pid", p.Pid(),
			"elapsed", p.Elapsed().Round(time.Millisecond))
	}
}
