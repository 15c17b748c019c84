// Package plan implements test plans: typed step attributes, the step
// kind registry and the sequence state machine that runs steps in order
// with repeat, retry and stop-on-failure semantics.
package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nathanbeddoewebdev/benchctl/internal/retry"

	"github.com/google/uuid"
)

var (
	// ErrRunning is returned for operations not allowed while a run is in
	// progress.
	ErrRunning = errors.New("plan: sequence is running")
	// ErrStopped is the error of a step interrupted by Stop.
	ErrStopped = errors.New("plan: run stopped")
)

// PanicError wraps a panic raised by a step action.
type PanicError struct {
	Step  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plan: step %q panicked: %v", e.Step, e.Value)
}

// RunOptions controls one run.
type RunOptions struct {
	// From is the index of the first step to consider. Earlier steps stay
	// idle.
	From int
	// RunID defaults to a new UUID.
	RunID string
}

// Result summarises a run.
type Result struct {
	RunID    string
	Sequence string
	Passed   bool
	Stopped  bool
	// Failed lists the indices of failed steps.
	Failed []int
	// Err is set when the run could not complete normally, e.g. after a
	// step panicked.
	Err      error
	Started  time.Time
	Finished time.Time
}

// Sequence is an ordered list of steps.
type Sequence struct {
	Name string
	env  *Env

	mu      sync.Mutex
	steps   []*Step
	running bool
	cancel  context.CancelFunc
	stop    atomic.Bool
}

// NewSequence returns a sequence running steps in env.
func NewSequence(name string, env *Env, steps ...*Step) *Sequence {
	if env == nil {
		env = &Env{}
	}
	return &Sequence{Name: name, env: env, steps: steps}
}

// Steps returns the steps in order.
func (s *Sequence) Steps() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Step(nil), s.steps...)
}

// Len returns the number of steps.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Running reports whether a run is in progress.
func (s *Sequence) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Append adds step at the end.
func (s *Sequence) Append(step *Step) error {
	return s.Insert(s.Len(), step)
}

// Insert adds step at index i.
func (s *Sequence) Insert(i int, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if i < 0 || i > len(s.steps) {
		return fmt.Errorf("plan: insert index %d out of range [0,%d]", i, len(s.steps))
	}
	s.steps = append(s.steps[:i], append([]*Step{step}, s.steps[i:]...)...)
	return nil
}

// Remove deletes and returns the step at index i.
func (s *Sequence) Remove(i int) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrRunning
	}
	if i < 0 || i >= len(s.steps) {
		return nil, fmt.Errorf("plan: remove index %d out of range [0,%d)", i, len(s.steps))
	}
	step := s.steps[i]
	s.steps = append(s.steps[:i], s.steps[i+1:]...)
	return step, nil
}

// Move relocates the step at from so that it ends up at index to.
func (s *Sequence) Move(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	n := len(s.steps)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("plan: move %d -> %d out of range [0,%d)", from, to, n)
	}
	step := s.steps[from]
	rest := append(append([]*Step(nil), s.steps[:from]...), s.steps[from+1:]...)
	s.steps = append(rest[:to], append([]*Step{step}, rest[to:]...)...)
	return nil
}

// Stop requests the current run to stop. The running step's context is
// cancelled and no further step starts.
func (s *Sequence) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
}

// Start runs the sequence on a new goroutine. The run is already in
// progress when Start returns, so a following Stop always applies to it.
// The result is delivered to OnRunDone and on the returned channel.
func (s *Sequence) Start(ctx context.Context, opts RunOptions) (<-chan Result, error) {
	started := time.Now()
	ctx, cancel, steps, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Result, 1)
	go func() {
		out <- s.execute(ctx, cancel, steps, opts, started)
		close(out)
	}()
	return out, nil
}

// Run executes the enabled steps in order and blocks until the run ends.
func (s *Sequence) Run(ctx context.Context, opts RunOptions) Result {
	started := time.Now()
	ctx, cancel, steps, err := s.begin(ctx)
	if err != nil {
		result := Result{RunID: opts.RunID, Sequence: s.Name, Started: started, Err: err}
		result.Finished = time.Now()
		return result
	}
	return s.execute(ctx, cancel, steps, opts, started)
}

// begin claims the sequence for a new run and clears any stop request
// left from an earlier one.
func (s *Sequence) begin(ctx context.Context) (context.Context, context.CancelFunc, []*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, nil, ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.stop.Store(false)
	return ctx, cancel, append([]*Step(nil), s.steps...), nil
}

func (s *Sequence) execute(ctx context.Context, cancel context.CancelFunc, steps []*Step, opts RunOptions, started time.Time) Result {
	result := Result{RunID: opts.RunID, Sequence: s.Name, Started: started}
	if result.RunID == "" {
		result.RunID = uuid.NewString()
	}

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		if s.env.Hooks.OnRunDone != nil {
			s.env.Hooks.OnRunDone(result)
		}
	}()

	run := &Run{ID: result.RunID, Sequence: s.Name, Env: s.env, stopped: s.stop.Load}
	if s.env.LogsDir != "" {
		run.LogsDir = filepath.Join(s.env.LogsDir, runDirName(result.Started, result.RunID))
	}
	log := run.Logger()

	for i, st := range steps {
		st.setPosition(i)
		st.LogsDir = ""
		s.setStatus(i, st, StatusIdle, nil)
	}

	if opts.From < 0 || opts.From > len(steps) {
		result.Err = fmt.Errorf("plan: start index %d out of range [0,%d]", opts.From, len(steps))
		result.Finished = time.Now()
		return result
	}
	for _, st := range steps {
		if !st.Enabled {
			continue
		}
		if err := st.Validate(); err != nil {
			result.Err = err
			result.Finished = time.Now()
			return result
		}
	}

	s.record(ctx, func(rctx context.Context, r Recorder) error {
		return r.RunStarted(rctx, RunInfo{ID: run.ID, Sequence: s.Name, LogsDir: run.LogsDir, From: opts.From, Started: result.Started, Steps: steps})
	})
	log.Info("Run started", "sequence", s.Name, "steps", len(steps), "from", opts.From)

	result.Passed = true
	for i := opts.From; i < len(steps); i++ {
		if s.stop.Load() || ctx.Err() != nil {
			result.Stopped = true
			break
		}
		st := steps[i]
		if !st.Enabled {
			log.V(1).Info("Skipping disabled step", "index", i, "step", st.Name)
			continue
		}

		err := s.runStep(ctx, run, i, st)
		if err == nil {
			continue
		}
		result.Passed = false
		result.Failed = append(result.Failed, i)

		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			result.Err = err
			break
		}
		if errors.Is(err, ErrStopped) {
			result.Stopped = true
			break
		}
		if st.StopOnFailure {
			log.Info("Stopping run after failed step", "index", i, "step", st.Name)
			break
		}
	}
	if result.Stopped {
		result.Passed = false
	}

	result.Finished = time.Now()
	s.record(ctx, func(rctx context.Context, r Recorder) error {
		return r.RunFinished(rctx, result)
	})
	log.Info("Run finished", "passed", result.Passed, "stopped", result.Stopped,
		"failed", len(result.Failed), "elapsed", result.Finished.Sub(result.Started).Round(time.Millisecond))
	return result
}

func (s *Sequence) runStep(ctx context.Context, run *Run, index int, st *Step) error {
	log := run.Logger().WithValues("index", index, "step", st.Name)
	if run.LogsDir != "" {
		st.LogsDir = filepath.Join(run.LogsDir, stepDirName(index, st.Name))
		if err := os.MkdirAll(st.LogsDir, 0o755); err != nil {
			err = fmt.Errorf("plan: create logs directory for step %q: %w", st.Name, err)
			s.setStatus(index, st, StatusFailed, err)
			return err
		}
	}

	s.setStatus(index, st, StatusRunning, nil)
	log.Info("Step started", "repeat", st.Repeat)
	started := time.Now()

	var err error
	for rep := 0; rep < st.Repeat && err == nil; rep++ {
		if s.stop.Load() {
			err = ErrStopped
			break
		}
		cfg := retry.Config{
			MaxAttempts: st.Retries + 1,
			BaseDelay:   st.RetryDelay,
			MaxDelay:    st.RetryDelay * 8,
			OnRetry: func(try int, err error, delay time.Duration) {
				log.Info("Attempt failed, retrying", "repeat", rep, "try", try, "delay", delay, "error", err.Error())
			},
		}
		err = retry.Do(ctx, cfg, s.retryable, func(try int) error {
			attemptStart := time.Now()
			aerr := s.perform(ctx, run, st, rep)
			s.record(ctx, func(rctx context.Context, r Recorder) error {
				return r.AttemptFinished(rctx, Attempt{RunID: run.ID, Index: index, Step: st, Repeat: rep, Try: try,
					Err: aerr, Started: attemptStart, Finished: time.Now()})
			})
			return aerr
		})
		if err != nil && (s.stop.Load() || errors.Is(err, context.Canceled)) {
			err = errors.Join(ErrStopped, err)
		}
	}

	elapsed := time.Since(started).Round(time.Millisecond)
	if err != nil {
		s.setStatus(index, st, StatusFailed, err)
		log.Error(err, "Step failed", "elapsed", elapsed)
		return err
	}
	s.setStatus(index, st, StatusPassed, nil)
	log.Info("Step passed", "elapsed", elapsed)
	return nil
}

func (s *Sequence) retryable(err error) bool {
	if s.stop.Load() || errors.Is(err, context.Canceled) {
		return false
	}
	var panicErr *PanicError
	return !errors.As(err, &panicErr)
}

func (s *Sequence) perform(ctx context.Context, run *Run, st *Step, rep int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: st.Name, Value: r, Stack: debug.Stack()}
		}
	}()
	return st.action.Perform(ctx, run, st, rep)
}

func (s *Sequence) setStatus(index int, st *Step, status Status, err error) {
	st.setStatus(status, err)
	if s.env.Hooks.OnStepStatusChanged != nil {
		s.env.Hooks.OnStepStatusChanged(index, st)
	}
}

func (s *Sequence) record(ctx context.Context, fn func(context.Context, Recorder) error) {
	if s.env.Recorder == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), s.env.Recorder); err != nil {
		s.env.Logger.Error(err, "Failed to record run history")
	}
}

func runDirName(t time.Time, id string) string {
	short, _, _ := strings.Cut(id, "-")
	return t.Format("20060102-150405") + "-" + short
}

func stepDirName(index int, name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return fmt.Sprintf("%02d-%s", index+1, b.String())
}
