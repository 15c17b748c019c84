package plan

import (
	"context"
	"time"

	"nathanbeddoewebdev/benchctl/internal/process"
	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/go-logr/logr"
)

// Hooks are optional observers of a run. They may be called from any
// goroutine.
type Hooks struct {
	OnNewProcess func(p *process.Process)
	// OnProcessDone sees every finished process after the step's own
	// policy. Returning false fails the process.
	OnProcessDone       func(p *process.Process) bool
	OnOutput            func(line string, p *process.Process)
	OnStepStatusChanged func(index int, step *Step)
	OnRunDone           func(result Result)
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	ID       string
	Sequence string
	LogsDir  string
	From     int
	Started  time.Time
	Steps    []*Step
}

// Attempt describes one finished attempt of a step.
type Attempt struct {
	RunID    string
	Index    int
	Step     *Step
	Repeat   int
	Try      int
	Err      error
	Started  time.Time
	Finished time.Time
}

// Recorder persists run history. Recorder errors are logged and do not
// affect the run.
type Recorder interface {
	RunStarted(ctx context.Context, info RunInfo) error
	AttemptFinished(ctx context.Context, a Attempt) error
	MeasurementRecorded(ctx context.Context, runID string, index int, step *Step, m *stats.Measurement) error
	RunFinished(ctx context.Context, result Result) error
}

// Env is the configuration shared by every step of a run.
type Env struct {
	Logger logr.Logger
	// LogsDir is the root directory; each run gets a subdirectory.
	LogsDir string
	Spawner *process.Spawner
	// MonitorCommand starts the monitor agent on a worker host.
	MonitorCommand string
	Hooks          Hooks
	Recorder       Recorder
}

// Run is the per-run view of the environment handed to actions.
type Run struct {
	ID       string
	Sequence string
	LogsDir  string
	Env      *Env

	stopped func() bool
}

// Logger returns the run logger.
func (r *Run) Logger() logr.Logger {
	return r.Env.Logger.WithValues("run", r.ID)
}

// Stopped reports whether a stop was requested.
func (r *Run) Stopped() bool {
	return r.stopped != nil && r.stopped()
}

// Callbacks returns supervisor callbacks that apply done as the process
// policy and forward every event to the environment hooks.
func (r *Run) Callbacks(done func(p *process.Process) bool) process.Callbacks {
	if done == nil {
		done = process.DefaultDone
	}
	h := r.Env.Hooks
	return process.Callbacks{
		OnStart: func(p *process.Process) {
			if h.OnNewProcess != nil {
				h.OnNewProcess(p)
			}
		},
		OnOutput: func(line string, p *process.Process) {
			if h.OnOutput != nil {
				h.OnOutput(line, p)
			}
		},
		OnDone: func(p *process.Process) bool {
			ok := done(p)
			if h.OnProcessDone != nil && !h.OnProcessDone(p) {
				ok = false
			}
			return ok
		},
	}
}

// RecordMeasurement hands m to the recorder, if any.
func (r *Run) RecordMeasurement(ctx context.Context, step *Step, m *stats.Measurement) {
	if r.Env.Recorder == nil {
		return
	}
	if err := r.Env.Recorder.MeasurementRecorded(context.WithoutCancel(ctx), r.ID, step.Position(), step, m); err != nil {
		r.Logger().Error(err, "Failed to record measurement", "step", step.Name, "measurement", m.Name)
	}
}
