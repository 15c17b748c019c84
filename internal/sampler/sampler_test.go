package sampler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	m        *stats.Measurement
	n        atomic.Int64
	resetErr error
	failOdd  bool
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{m: stats.NewMeasurement("FAKE-0", false)}
}

func (f *fakeProbe) Name() string                       { return "fake" }
func (f *fakeProbe) Measurements() []*stats.Measurement { return []*stats.Measurement{f.m} }
func (f *fakeProbe) Reset(context.Context) error        { return f.resetErr }

func (f *fakeProbe) Sample(context.Context) error {
	n := f.n.Add(1)
	if f.failOdd && n%2 == 1 {
		return errors.New("odd tick")
	}
	f.m.Update(float64(n))
	return nil
}

type fakeRunner struct {
	lines []string
	err   error
	got   []string
}

func (r *fakeRunner) Run(_ context.Context, command string) ([]string, error) {
	r.got = append(r.got, command)
	return r.lines, r.err
}

func TestSampler_WritesSampleLogs(t *testing.T) {
	dir := t.TempDir()
	probe := newFakeProbe()
	s := New(probe, Config{Interval: 10 * time.Millisecond, LogDir: dir, Logger: logr.Discard()})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	require.Eventually(t, func() bool { return s.Ticks() >= 3 }, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	require.NoError(t, s.WaitForStop(5*time.Second))
	assert.False(t, s.Running())
	assert.False(t, s.Failed())

	data, err := os.ReadFile(filepath.Join(dir, "FAKE-0.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	for i, line := range lines {
		ts, val, ok := strings.Cut(line, ", ")
		require.True(t, ok, line)
		_, err := strconv.ParseFloat(ts, 64)
		require.NoError(t, err, line)
		assert.Equal(t, strconv.Itoa(i+1), val)
	}

	v := probe.m.Value()
	assert.Equal(t, uint64(len(lines)), v.Count)
}

func TestSampler_ResetFailurePreventsStart(t *testing.T) {
	probe := newFakeProbe()
	probe.resetErr = errors.New("no baseline")
	s := New(probe, Config{Interval: 10 * time.Millisecond})

	err := s.Start(context.Background())
	require.ErrorContains(t, err, "no baseline")
	assert.False(t, s.Running())
	assert.NoError(t, s.WaitForStop(time.Second))
}

func TestSampler_FailedTickSetsFlag(t *testing.T) {
	probe := newFakeProbe()
	probe.failOdd = true
	s := New(probe, Config{Interval: 5 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Ticks() >= 2 }, 5*time.Second, 5*time.Millisecond)
	s.Stop()
	require.NoError(t, s.WaitForStop(5*time.Second))

	assert.True(t, s.Failed())
	assert.ErrorContains(t, s.LastError(), "odd tick")
	// Failed ticks leave the measurement untouched.
	assert.Equal(t, 2.0, probe.m.Value().Min)
}

func TestSampler_StartTwice(t *testing.T) {
	s := New(newFakeProbe(), Config{Interval: time.Hour})
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	s.Stop()
	require.NoError(t, s.WaitForStop(5*time.Second))

	// A stopped sampler can be started again.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.WaitForStop(5*time.Second))
}

func TestSampler_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(newFakeProbe(), Config{Interval: time.Millisecond})
	require.NoError(t, s.Start(ctx))
	cancel()
	require.NoError(t, s.WaitForStop(5*time.Second))
}

func TestGroup(t *testing.T) {
	a, b := newFakeProbe(), &fakeProbe{m: stats.NewMeasurement("FAKE-1", false)}
	g := NewGroup(Config{Interval: 5 * time.Millisecond}, a, b)

	require.NoError(t, g.Start(context.Background()))
	assert.True(t, g.Running())
	require.Eventually(t, func() bool {
		return a.m.Value().Count > 0 && b.m.Value().Count > 0
	}, 5*time.Second, 5*time.Millisecond)
	g.Stop()
	require.NoError(t, g.WaitForStop(5*time.Second))
	assert.False(t, g.Running())

	names := []string{}
	for _, m := range g.Measurements() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"FAKE-0", "FAKE-1"}, names)
	m, ok := g.Measurement("FAKE-1")
	require.True(t, ok)
	assert.Same(t, b.m, m)
}

func TestGroup_StartFailureStopsStarted(t *testing.T) {
	good := newFakeProbe()
	bad := newFakeProbe()
	bad.resetErr = errors.New("boom")
	g := NewGroup(Config{Interval: time.Millisecond}, good, bad)

	require.Error(t, g.Start(context.Background()))
	assert.False(t, g.Running())
}

func TestGPUProbe(t *testing.T) {
	r := &fakeRunner{lines: []string{"0, 35 %", "1, 70 %", "2, 5 %"}}
	p := NewGPUProbe(r, []int{0, 1, 1})

	require.Len(t, p.Measurements(), 2)
	require.NoError(t, p.Sample(context.Background()))
	assert.Equal(t, []string{gpuQuery}, r.got)
	assert.Equal(t, 35.0, p.Measurements()[0].Value().Last)
	assert.Equal(t, 70.0, p.Measurements()[1].Value().Last)

	r.lines = []string{"0, 40 %"}
	assert.ErrorContains(t, p.Sample(context.Background()), "GPU 1 missing")

	r.lines = []string{"No devices were found"}
	assert.ErrorContains(t, p.Sample(context.Background()), "unexpected nvidia-smi line")

	r.err = errors.New("not installed")
	assert.ErrorContains(t, p.Sample(context.Background()), "not installed")
}

func TestProcProbe(t *testing.T) {
	r := &fakeRunner{lines: []string{" 12.5  2048", "  7.5  1024", ""}}
	p := NewProcProbe(r, "python")

	require.NoError(t, p.Sample(context.Background()))
	assert.Equal(t, "proc:python", p.Name())
	assert.Equal(t, 20.0, p.cpu.Value().Last)
	assert.Equal(t, 3.0, p.mem.Value().Last)

	r.lines = nil
	require.NoError(t, p.Sample(context.Background()))
	assert.Equal(t, 0.0, p.cpu.Value().Last)

	r.lines = []string{"abc 10"}
	assert.Error(t, p.Sample(context.Background()))
}

func writeCounter(t *testing.T, path string, v int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(v)+"\n"), 0o644))
}

func TestCounterProbe_InfiniBand(t *testing.T) {
	sys := t.TempDir()
	sources := InfiniBandPort(sys, "mlx5_0", 1)
	require.Len(t, sources, 2)
	rcv, xmit := sources[0].Path, sources[1].Path
	assert.Equal(t, filepath.Join(sys, "class/infiniband/mlx5_0/ports/1/counters/port_rcv_data"), rcv)

	writeCounter(t, rcv, 100)
	writeCounter(t, xmit, 0)
	p := NewCounterProbe("ib", sources)
	require.NoError(t, p.Reset(context.Background()))

	writeCounter(t, rcv, 140)
	writeCounter(t, xmit, 10)
	require.NoError(t, p.Sample(context.Background()))

	ms := p.Measurements()
	assert.Equal(t, "RDTA-mlx5_0:1", ms[0].Name)
	assert.Equal(t, 160.0, ms[0].Value().Last)
	assert.Equal(t, 40.0, ms[1].Value().Last)
	assert.True(t, ms[0].TracksRate())

	writeCounter(t, rcv, 120)
	assert.ErrorIs(t, p.Sample(context.Background()), stats.ErrCounterDecreased)
	assert.Equal(t, 160.0, ms[0].Value().Last)
}

func TestCounterProbe_MissingFile(t *testing.T) {
	p := NewCounterProbe("ib", InfiniBandPort(t.TempDir(), "mlx5_9", 1))
	assert.ErrorIs(t, p.Reset(context.Background()), os.ErrNotExist)
}

func writeNetDev(t *testing.T, procRoot string, rx, tx int) {
	t.Helper()
	content := "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n" +
		fmt.Sprintf("  eth0: %d 10 0 0 0 0 0 0 %d 20 0 0 0 0 0 0\n", rx, tx) +
		"    lo: 500 5 0 0 0 0 0 0 500 5 0 0 0 0 0 0\n"
	path := filepath.Join(procRoot, "net", "dev")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNetDevProbe(t *testing.T) {
	proc := t.TempDir()
	writeNetDev(t, proc, 1000, 2000)

	p, err := NewNetDevProbe(proc, []string{"eth0"})
	require.NoError(t, err)
	require.NoError(t, p.Reset(context.Background()))

	writeNetDev(t, proc, 1500, 2600)
	require.NoError(t, p.Sample(context.Background()))

	ms := p.Measurements()
	require.Len(t, ms, 2)
	assert.Equal(t, "RXB-eth0", ms[0].Name)
	assert.Equal(t, 500.0, ms[0].Value().Last)
	assert.Equal(t, "TXB-eth0", ms[1].Name)
	assert.Equal(t, 600.0, ms[1].Value().Last)
}

func TestNetDevProbe_UnknownInterface(t *testing.T) {
	proc := t.TempDir()
	writeNetDev(t, proc, 1, 1)
	p, err := NewNetDevProbe(proc, []string{"ib7"})
	require.NoError(t, err)
	assert.ErrorContains(t, p.Reset(context.Background()), `"ib7" not found`)
}

func TestHostProbe(t *testing.T) {
	p := NewHostProbe()
	require.NoError(t, p.Reset(context.Background()))
	require.NoError(t, p.Sample(context.Background()))
	mem := p.mem.Value()
	assert.Equal(t, uint64(1), mem.Count)
	assert.Greater(t, mem.Last, 0.0)
	assert.LessOrEqual(t, mem.Last, 100.0)
}

func TestParseProbe(t *testing.T) {
	proc := t.TempDir()
	writeNetDev(t, proc, 1, 1)
	env := ProbeEnv{Runner: &fakeRunner{}, SysRoot: t.TempDir(), ProcRoot: proc}

	tests := []struct {
		spec    string
		name    string
		metrics []string
		wantErr string
	}{
		{spec: "gpu:0,1", name: "gpu", metrics: []string{"GPU-0", "GPU-1"}},
		{spec: "GPU: 2", name: "gpu", metrics: []string{"GPU-2"}},
		{spec: "proc:python", name: "proc:python", metrics: []string{"CPU-python", "MEM-python"}},
		{spec: "ib:mlx5_0:1", name: "ib:mlx5_0:1", metrics: []string{"RDTA-mlx5_0:1", "TDTA-mlx5_0:1"}},
		{spec: "netdev:eth0", name: "netdev", metrics: []string{"RXB-eth0", "TXB-eth0"}},
		{spec: "host", name: "host", metrics: []string{"HOST-CPU", "HOST-MEM"}},
		{spec: "gpu:", wantErr: "missing GPU index"},
		{spec: "gpu:x", wantErr: "invalid GPU index"},
		{spec: "proc", wantErr: "missing process name"},
		{spec: "ib:mlx5_0", wantErr: "want ib:<device>:<port>"},
		{spec: "netdev:", wantErr: "missing interface"},
		{spec: "disk", wantErr: "unknown probe kind"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			p, err := ParseProbe(tt.spec, env)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, p.Name())
			var names []string
			for _, m := range p.Measurements() {
				names = append(names, m.Name)
			}
			assert.Equal(t, tt.metrics, names)
		})
	}
}

func TestShellRunner(t *testing.T) {
	r := ShellRunner{Timeout: 5 * time.Second}
	lines, err := r.Run(context.Background(), "echo one; echo two; echo noise 1>&2")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)

	_, err = r.Run(context.Background(), "exit 2")
	assert.ErrorContains(t, err, "exited with code 2")

	r.Timeout = 100 * time.Millisecond
	_, err = r.Run(context.Background(), "sleep 10")
	assert.ErrorContains(t, err, "timed out")
}

func TestFormatSample(t *testing.T) {
	ts := time.Unix(1700000000, 250_000_000)
	assert.Equal(t, "1700000000.250, 42.5\n", FormatSample(ts, 42.5))
	assert.Equal(t, "GPU-0.log", LogFileName("GPU-0"))
}
