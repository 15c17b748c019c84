package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"nathanbeddoewebdev/benchctl/internal/process"
	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script is an action failing on the listed 1-based call numbers.
type script struct {
	mu    sync.Mutex
	calls []int
	fail  map[int]bool
}

func (s *script) Perform(_ context.Context, _ *Run, _ *Step, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, index)
	if s.fail[len(s.calls)] {
		return errors.New("attempt failed")
	}
	return nil
}

func (s *script) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func statuses(seq *Sequence) []Status {
	var out []Status
	for _, st := range seq.Steps() {
		out = append(out, st.Status())
	}
	return out
}

func TestSequence_StopOnFailure(t *testing.T) {
	tests := []struct {
		name          string
		stopOnFailure bool
		wantCalls     []int
		wantStatus    []Status
	}{
		{
			name:          "stop",
			stopOnFailure: true,
			wantCalls:     []int{1, 1, 0},
			wantStatus:    []Status{StatusPassed, StatusFailed, StatusIdle},
		},
		{
			name:          "continue",
			stopOnFailure: false,
			wantCalls:     []int{1, 1, 1},
			wantStatus:    []Status{StatusPassed, StatusFailed, StatusPassed},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := []*script{{}, {fail: map[int]bool{1: true}}, {}}
			var steps []*Step
			for i, a := range actions {
				st := NewCustomStep("step"+string(rune('1'+i)), a)
				st.StopOnFailure = tt.stopOnFailure
				steps = append(steps, st)
			}
			seq := NewSequence("p6", nil, steps...)

			res := seq.Run(context.Background(), RunOptions{})

			assert.False(t, res.Passed)
			assert.False(t, res.Stopped)
			assert.NoError(t, res.Err)
			assert.Equal(t, []int{1}, res.Failed)
			var calls []int
			for _, a := range actions {
				calls = append(calls, a.count())
			}
			assert.Equal(t, tt.wantCalls, calls)
			if diff := cmp.Diff(tt.wantStatus, statuses(seq)); diff != "" {
				t.Errorf("unexpected statuses (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSequence_RepeatStopsAtFirstFailure(t *testing.T) {
	a := &script{fail: map[int]bool{2: true}}
	st := NewCustomStep("bench", a)
	st.Repeat = 3
	seq := NewSequence("p7", nil, st)

	res := seq.Run(context.Background(), RunOptions{})

	assert.False(t, res.Passed)
	assert.Equal(t, []int{0, 1}, a.calls, "repeat indices passed to Perform")
	assert.Equal(t, StatusFailed, st.Status())
	assert.ErrorContains(t, st.Err(), "attempt failed")
}

func TestSequence_RepeatAllPass(t *testing.T) {
	a := &script{}
	st := NewCustomStep("bench", a)
	st.Repeat = 3
	res := NewSequence("", nil, st).Run(context.Background(), RunOptions{})

	assert.True(t, res.Passed)
	assert.Equal(t, []int{0, 1, 2}, a.calls)
	assert.Equal(t, StatusPassed, st.Status())
}

func TestSequence_RetriesWithinRepeat(t *testing.T) {
	a := &script{fail: map[int]bool{1: true, 3: true}}
	st := NewCustomStep("flaky", a)
	st.Repeat = 2
	st.Retries = 1

	rec := &memRecorder{}
	res := NewSequence("", &Env{Recorder: rec}, st).Run(context.Background(), RunOptions{})

	assert.True(t, res.Passed)
	assert.Equal(t, []int{0, 0, 1, 1}, a.calls)
	var tries []int
	for _, at := range rec.attempts {
		tries = append(tries, at.Try)
	}
	assert.Equal(t, []int{1, 2, 1, 2}, tries)
}

func TestSequence_DisabledAndFrom(t *testing.T) {
	a, b, c := &script{}, &script{}, &script{}
	s1, s2, s3 := NewCustomStep("a", a), NewCustomStep("b", b), NewCustomStep("c", c)
	s3.Enabled = false
	seq := NewSequence("", nil, s1, s2, s3)

	res := seq.Run(context.Background(), RunOptions{From: 1})

	assert.True(t, res.Passed)
	assert.Equal(t, []int{0, 1, 0}, []int{a.count(), b.count(), c.count()})
	assert.Equal(t, []Status{StatusIdle, StatusPassed, StatusIdle}, statuses(seq))

	res = seq.Run(context.Background(), RunOptions{From: 4})
	assert.Error(t, res.Err)
}

func TestSequence_ResetsStatusesEachRun(t *testing.T) {
	a := &script{fail: map[int]bool{1: true}}
	st := NewCustomStep("a", a)
	other := NewCustomStep("b", &script{})
	seq := NewSequence("", nil, st, other)

	seq.Run(context.Background(), RunOptions{})
	require.Equal(t, []Status{StatusFailed, StatusIdle}, statuses(seq))

	var seen []string
	var mu sync.Mutex
	seq.env.Hooks.OnStepStatusChanged = func(index int, step *Step) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%d:%s", index, step.Status()))
	}
	res := seq.Run(context.Background(), RunOptions{})
	assert.True(t, res.Passed)
	assert.Equal(t, []string{"0:idle", "1:idle", "0:running", "0:passed", "1:running", "1:passed"}, seen)
}

func TestSequence_StopInterruptsStep(t *testing.T) {
	started := make(chan struct{})
	blocking := ActionFunc(func(ctx context.Context, _ *Run, _ *Step, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	next := &script{}
	first := NewCustomStep("wait", blocking)
	first.StopOnFailure = false
	first.Retries = 3
	seq := NewSequence("", nil, first, NewCustomStep("next", next))

	var done Result
	var doneCalled bool
	seq.env.Hooks.OnRunDone = func(r Result) { done, doneCalled = r, true }

	results, err := seq.Start(context.Background(), RunOptions{})
	require.NoError(t, err)
	<-started
	assert.True(t, seq.Running())
	_, err = seq.Start(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrRunning)
	assert.ErrorIs(t, seq.Insert(0, NewCustomStep("x", next)), ErrRunning)

	seq.Stop()
	res := <-results

	assert.True(t, res.Stopped)
	assert.False(t, res.Passed)
	assert.Equal(t, 0, next.count(), "no step may start after stop")
	assert.Equal(t, StatusFailed, first.Status())
	assert.ErrorIs(t, first.Err(), ErrStopped)
	assert.True(t, doneCalled)
	assert.Equal(t, res.RunID, done.RunID)
	assert.False(t, seq.Running())
}

func TestSequence_StopRightAfterStart(t *testing.T) {
	first, next := &script{}, &script{}
	seq := NewSequence("", nil, NewCustomStep("first", first), NewCustomStep("next", next))

	// Hold the run before its first step until Stop has been issued.
	release := make(chan struct{})
	var once sync.Once
	seq.env.Hooks.OnStepStatusChanged = func(int, *Step) { once.Do(func() { <-release }) }

	results, err := seq.Start(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, seq.Running())
	seq.Stop()
	close(release)
	res := <-results

	assert.True(t, res.Stopped)
	assert.False(t, res.Passed)
	assert.Empty(t, res.Failed)
	assert.Zero(t, first.count())
	assert.Zero(t, next.count())
	assert.Equal(t, []Status{StatusIdle, StatusIdle}, statuses(seq))

	// The stop request belongs to that run only.
	seq.env.Hooks.OnStepStatusChanged = nil
	res = seq.Run(context.Background(), RunOptions{})
	assert.True(t, res.Passed)
	assert.False(t, res.Stopped)
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, next.count())
}

func TestSequence_StopBeforeRunIsDiscarded(t *testing.T) {
	a := &script{}
	seq := NewSequence("", nil, NewCustomStep("a", a))
	seq.Stop()

	res := seq.Run(context.Background(), RunOptions{})

	assert.True(t, res.Passed)
	assert.Equal(t, 1, a.count())
}

func TestSequence_StopCancellationPoints(t *testing.T) {
	tests := []struct {
		name       string
		repeat     int
		retries    int
		fail       bool
		wantFirst  Status
		wantFailed []int
	}{
		{name: "between steps", repeat: 1, wantFirst: StatusPassed},
		{name: "between repeats", repeat: 3, wantFirst: StatusFailed, wantFailed: []int{0}},
		{name: "before retry", repeat: 1, retries: 2, fail: true, wantFirst: StatusFailed, wantFailed: []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seq *Sequence
			var calls []int
			first := NewCustomStep("first", ActionFunc(func(_ context.Context, _ *Run, _ *Step, index int) error {
				calls = append(calls, index)
				seq.Stop()
				if tt.fail {
					return errors.New("attempt failed")
				}
				return nil
			}))
			first.Repeat = tt.repeat
			first.Retries = tt.retries
			next := &script{}
			seq = NewSequence("", nil, first, NewCustomStep("next", next))

			res := seq.Run(context.Background(), RunOptions{})

			assert.True(t, res.Stopped)
			assert.False(t, res.Passed)
			assert.Equal(t, tt.wantFailed, res.Failed)
			assert.Equal(t, []int{0}, calls, "only the first attempt runs")
			assert.Zero(t, next.count())
			assert.Equal(t, []Status{tt.wantFirst, StatusIdle}, statuses(seq))
			if tt.wantFirst == StatusFailed {
				assert.ErrorIs(t, first.Err(), ErrStopped)
			}
		})
	}
}

func TestSequence_PanicIsCaptured(t *testing.T) {
	boom := ActionFunc(func(context.Context, *Run, *Step, int) error { panic("kaboom") })
	st := NewCustomStep("boom", boom)
	st.StopOnFailure = false
	st.Retries = 2
	after := &script{}
	seq := NewSequence("", nil, st, NewCustomStep("after", after))

	res := seq.Run(context.Background(), RunOptions{})

	var perr *PanicError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.False(t, res.Passed)
	assert.Equal(t, 0, after.count())
	assert.Equal(t, StatusFailed, st.Status())
}

func TestSequence_LogsDirsAndRecorder(t *testing.T) {
	root := t.TempDir()
	var stepDir string
	action := ActionFunc(func(ctx context.Context, run *Run, step *Step, _ int) error {
		stepDir = step.LogsDir
		m := stats.NewMeasurement("GPU-0", false)
		m.Update(50)
		run.RecordMeasurement(ctx, step, m)
		return nil
	})
	rec := &memRecorder{}
	seq := NewSequence("nightly", &Env{LogsDir: root, Recorder: rec},
		NewCustomStep("noop", &script{}), NewCustomStep("Train Model", action))

	res := seq.Run(context.Background(), RunOptions{RunID: "0123abcd-0000-0000-0000-000000000000"})
	require.True(t, res.Passed)

	assert.True(t, strings.HasPrefix(stepDir, root), stepDir)
	assert.True(t, strings.HasSuffix(stepDir, "-0123abcd/02-train_model"), stepDir)
	info, err := os.Stat(stepDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.Len(t, rec.started, 1)
	assert.Equal(t, "nightly", rec.started[0].Sequence)
	assert.Equal(t, filepath.Dir(stepDir), rec.started[0].LogsDir)
	require.Len(t, rec.measurements, 1)
	assert.Equal(t, 1, rec.measurements[0])
	require.Len(t, rec.finished, 1)
	assert.True(t, rec.finished[0].Passed)
}

func TestSequence_ValidationFailsRun(t *testing.T) {
	st := NewCustomStep("bad", &script{})
	st.Repeat = 0
	res := NewSequence("", nil, st).Run(context.Background(), RunOptions{})
	assert.ErrorContains(t, res.Err, "repeat must be at least 1")
	assert.False(t, res.Passed)
}

func TestSequence_Editing(t *testing.T) {
	mk := func(name string) *Step { return NewCustomStep(name, &script{}) }
	seq := NewSequence("", nil, mk("a"), mk("b"), mk("c"))
	names := func() string {
		var out []string
		for _, st := range seq.Steps() {
			out = append(out, st.Name)
		}
		return strings.Join(out, "")
	}

	require.NoError(t, seq.Move(0, 2))
	assert.Equal(t, "bca", names())
	require.NoError(t, seq.Move(2, 0))
	assert.Equal(t, "abc", names())
	require.NoError(t, seq.Insert(1, mk("x")))
	assert.Equal(t, "axbc", names())
	require.NoError(t, seq.Append(mk("z")))
	assert.Equal(t, "axbcz", names())
	removed, err := seq.Remove(1)
	require.NoError(t, err)
	assert.Equal(t, "x", removed.Name)
	assert.Equal(t, "abcz", names())

	assert.Error(t, seq.Move(0, 4))
	assert.Error(t, seq.Insert(9, mk("y")))
	_, err = seq.Remove(-1)
	assert.Error(t, err)
}

func TestRun_CallbacksForwardHooks(t *testing.T) {
	var started, outputs int
	env := &Env{Hooks: Hooks{
		OnNewProcess:  func(*process.Process) { started++ },
		OnOutput:      func(string, *process.Process) { outputs++ },
		OnProcessDone: func(p *process.Process) bool { return p.Title != "vetoed" },
	}}
	run := &Run{Env: env}
	cb := run.Callbacks(func(*process.Process) bool { return true })

	p := &process.Process{Title: "ok"}
	cb.OnStart(p)
	cb.OnOutput("line", p)
	assert.True(t, cb.OnDone(p))
	assert.False(t, cb.OnDone(&process.Process{Title: "vetoed"}))
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, outputs)
}

type memRecorder struct {
	mu           sync.Mutex
	started      []RunInfo
	attempts     []Attempt
	measurements []int
	finished     []Result
}

func (r *memRecorder) RunStarted(_ context.Context, info RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
	return nil
}

func (r *memRecorder) AttemptFinished(_ context.Context, a Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *memRecorder) MeasurementRecorded(_ context.Context, _ string, index int, _ *Step, _ *stats.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measurements = append(r.measurements, index)
	return nil
}

func (r *memRecorder) RunFinished(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
	return nil
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
