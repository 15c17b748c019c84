package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"nathanbeddoewebdev/benchctl/internal/logging"
	"nathanbeddoewebdev/benchctl/internal/process"
	"nathanbeddoewebdev/benchctl/internal/sampler"
	"nathanbeddoewebdev/benchctl/internal/stats"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const helperEnv = "BENCHCTL_MONITOR_TEST_AGENT"

var t0 = time.Unix(1700000000, 0)

// TestMain lets the test binary double as a monitor agent.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperAgent())
	}
	os.Exit(m.Run())
}

func runHelperAgent() int {
	out := NewLineWriter(os.Stdout)
	log, err := logging.New(out, logging.Options{Level: "info"})
	if err != nil {
		return 2
	}
	group := sampler.NewGroup(sampler.Config{Interval: 10 * time.Millisecond, Logger: log}, newStaticProbe())
	if err := NewAgent(group, log).Serve(context.Background(), os.Stdin, out); err != nil {
		log.Error(err, "Agent failed")
		return 1
	}
	return 0
}

func helperCommand() string {
	return "exec env " + helperEnv + "=1 " + shellescape.Quote(os.Args[0]) + " " + shellescape.Quote("-test.run=^$")
}

// staticProbe exposes fixed measurements and never changes them.
type staticProbe struct {
	gpu *stats.Measurement
	ib  *stats.Measurement
}

func newStaticProbe() *staticProbe {
	p := &staticProbe{
		gpu: stats.NewMeasurement("GPU-0", false),
		ib:  stats.NewMeasurement("RDTA-mlx5_0:1", true),
	}
	for i, v := range []float64{10, 20, 30} {
		p.gpu.UpdateAt(v, t0.Add(time.Duration(i)*time.Second))
	}
	for i, v := range []float64{0, 100, 300} {
		p.ib.UpdateAt(v, t0.Add(time.Duration(i)*time.Second))
	}
	return p
}

func (p *staticProbe) Name() string                       { return "static" }
func (p *staticProbe) Measurements() []*stats.Measurement { return []*stats.Measurement{p.gpu, p.ib} }
func (p *staticProbe) Reset(context.Context) error        { return nil }
func (p *staticProbe) Sample(context.Context) error       { return nil }

func serveLines(t *testing.T, input string) []string {
	t.Helper()
	group := sampler.NewGroup(sampler.Config{Interval: time.Hour}, newStaticProbe())
	var buf strings.Builder
	err := NewAgent(group, logr.Discard()).Serve(context.Background(), strings.NewReader(input), NewLineWriter(&buf))
	require.NoError(t, err)
	assert.False(t, group.Running())
	return strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
}

func TestAgent_Commands(t *testing.T) {
	got := serveLines(t, strings.Join([]string{
		"print GPU-0.last GPU-0.count",
		"@3 search ^RDTA",
		"bogus",
		"@4 print nope.avg",
		"",
		"print RDTA-mlx5_0:1.rate.avg GPU-0.rate.avg",
		"@5 quit",
		"print GPU-0.last",
	}, "\n"))

	want := []string{
		">>> 30 3",
		">>> @3 RDTA-mlx5_0:1",
		`>>> error unknown command "bogus"`,
		`>>> @4 error unknown measurement "nope"`,
		`>>> error stats: measurement "GPU-0" has no rate`,
		">>> @5 ok",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected responses (-want +got):\n%s", diff)
	}
}

func TestAgent_PrintAll(t *testing.T) {
	got := serveLines(t, "print\n")
	require.Len(t, got, 1)

	resp, ok := ParseResponse(got[0])
	require.True(t, ok)
	assert.Contains(t, resp.Tokens, "GPU-0.avg=20")
	assert.Contains(t, resp.Tokens, "GPU-0.time=1.700000002e+09")
	assert.Contains(t, resp.Tokens, "RDTA-mlx5_0:1.rate.max=200")
	assert.NotContains(t, resp.Tokens, "GPU-0.rate.max=0")
	// 7 fields for GPU-0, 14 for the rate-tracking counter.
	assert.Len(t, resp.Tokens, 21)
}

func TestAgent_StartStop(t *testing.T) {
	got := serveLines(t, "start\nstart\nstop\nsearch (\n")
	require.Len(t, got, 4)
	assert.Equal(t, ">>> ok", got[0])
	assert.Equal(t, ">>> error sampler already started", got[1])
	assert.Equal(t, ">>> ok", got[2])
	assert.True(t, strings.HasPrefix(got[3], ">>> error error parsing regexp"), got[3])
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		line string
		want Response
		ok   bool
	}{
		{line: ">>> ok", want: Response{Tokens: []string{"ok"}}, ok: true},
		{line: ">>> @12 1.5 2", want: Response{Seq: "@12", Tokens: []string{"1.5", "2"}}, ok: true},
		{line: ">>>", want: Response{Tokens: []string{}}, ok: true},
		{line: ">>> @3", want: Response{Seq: "@3", Tokens: []string{}}, ok: true},
		{line: "INFO sampler started", ok: false},
		{line: " >>> indented", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ParseResponse(tt.line)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.want.Seq, got.Seq)
			assert.Empty(t, cmp.Diff(tt.want.Tokens, got.Tokens, cmpEmptyEqual))
		})
	}
}

var cmpEmptyEqual = cmp.FilterValues(func(a, b []string) bool {
	return len(a) == 0 && len(b) == 0
}, cmp.Ignore())

func TestParseCommand(t *testing.T) {
	c := ParseCommand("  @2 SEARCH  ^GPU-[0-9] ")
	assert.Equal(t, Command{Seq: "@2", Verb: "search", Arg: "^GPU-[0-9]"}, c)
	assert.Equal(t, "@2 search ^GPU-[0-9]", c.String())

	assert.Equal(t, Command{Verb: "quit"}, ParseCommand("quit"))
	assert.Equal(t, ">>> @2 ok", FormatResponse("@2", "ok"))
	assert.Equal(t, ">>>", FormatResponse(""))
}

func TestResponseErr(t *testing.T) {
	r, _ := ParseResponse(">>> @1 error unknown measurement \"x\"")
	var remote *RemoteError
	require.ErrorAs(t, r.Err(), &remote)
	assert.Equal(t, `unknown measurement "x"`, remote.Message)

	r, _ = ParseResponse(">>> 1 2")
	assert.NoError(t, r.Err())
}

func openHelper(t *testing.T) *Session {
	t.Helper()
	ctx := logr.NewContext(context.Background(), zapr.NewLogger(zaptest.NewLogger(t)))
	s, err := Open(ctx, &process.Spawner{}, "", helperCommand(), Options{
		RequestTimeout: 10 * time.Second,
		LogPath:        filepath.Join(t.TempDir(), "monitor.log"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_RoundTrip(t *testing.T) {
	s := openHelper(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))

	names, err := s.Search(ctx, "^GPU")
	require.NoError(t, err)
	assert.Equal(t, []string{"GPU-0"}, names)

	avg, err := s.GetFloat(ctx, "GPU-0.avg")
	require.NoError(t, err)
	assert.Equal(t, 20.0, avg)

	vals, err := s.Get(ctx, "GPU-0.max", "GPU-0.count")
	require.NoError(t, err)
	assert.Equal(t, []string{"30", "3"}, vals)

	_, err = s.GetFloat(ctx, "NOPE.avg")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown measurement")

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, all["GPU-0.min"])
	assert.Equal(t, 200.0, all["RDTA-mlx5_0:1.rate.max"])

	m := stats.NewMeasurement("RDTA-mlx5_0:1", true)
	require.NoError(t, s.FillMeasurement(ctx, m))
	v := m.Value()
	assert.Equal(t, uint64(3), v.Count)
	assert.Equal(t, 300.0, v.Last)
	assert.Equal(t, 400.0, v.Total)
	assert.True(t, v.LastUpdate.Equal(t0.Add(2*time.Second)), v.LastUpdate)
	rate, ok := m.Rate()
	require.True(t, ok)
	assert.Equal(t, uint64(2), rate.Count)
	assert.Equal(t, 150.0, rate.Avg())

	gpu, err := s.Measurement(ctx, "GPU-0", false)
	require.NoError(t, err)
	assert.Equal(t, 20.0, gpu.Value().Avg())

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Process().ExitCode())

	_, err = s.Search(ctx, ".")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return "/bin/sh " + shellescape.Quote(path)
}

func TestSession_DropsUnsolicitedAndTimesOut(t *testing.T) {
	script := writeScript(t, `
echo '>>> @99 stale'
echo 'free-form log line'
while read seq cmd rest; do
  case "$cmd" in
    print) echo ">>> $seq 42" ;;
    search) ;;
    *) echo ">>> $seq ok" ;;
  esac
  [ "$cmd" = quit ] && exit 0
done
`)
	s, err := Open(context.Background(), &process.Spawner{}, "", script, Options{RequestTimeout: 300 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	v, err := s.GetFloat(ctx, "X.last")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	_, err = s.Search(ctx, ".*")
	assert.ErrorIs(t, err, ErrResponseTimeout)

	// The session stays usable after a lost response.
	v, err = s.GetFloat(ctx, "X.avg")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	require.NoError(t, s.Close())
}

func TestSession_AgentExitFailsPending(t *testing.T) {
	script := writeScript(t, "read line\nexit 0\n")
	s, err := Open(context.Background(), &process.Spawner{}, "", script, Options{RequestTimeout: 10 * time.Second})
	require.NoError(t, err)

	start := time.Now()
	err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Less(t, time.Since(start), 5*time.Second)

	<-s.Done()
	assert.ErrorIs(t, s.Stop(context.Background()), ErrSessionClosed)
	assert.NoError(t, s.Close())
}

func TestSession_CloseKillsUnresponsiveAgent(t *testing.T) {
	script := writeScript(t, "while true; do sleep 0.1; done\n")
	s, err := Open(context.Background(), &process.Spawner{}, "", script, Options{
		RequestTimeout: 200 * time.Millisecond,
		CloseGrace:     200 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, s.Process().Terminated(), "exit code %d", s.Process().ExitCode())
}

func TestSession_CloseTerminatesLeftoverChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, "sleep 30 </dev/null >/dev/null 2>&1 &\n"+
		"echo $! > "+shellescape.Quote(pidFile)+"\n"+
		"read line\n"+
		"exit 0\n")
	s, err := Open(context.Background(), &process.Spawner{}, "", script, Options{
		RequestTimeout: 200 * time.Millisecond,
		CloseGrace:     2 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Process().ExitCode(), "agent exits on its own")

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !running(pid) }, 5*time.Second, 20*time.Millisecond,
		"child %d survived the session", pid)
}

// running reports whether pid exists and is not a zombie.
func running(pid int) bool {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z"
}

func TestSession_ContextCancel(t *testing.T) {
	script := writeScript(t, "while read l; do :; done\n")
	s, err := Open(context.Background(), &process.Spawner{}, "", script, Options{
		RequestTimeout: time.Minute,
		CloseGrace:     200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.Search(ctx, ".")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), err)
}

func TestOpen_SpawnFailure(t *testing.T) {
	sp := &process.Spawner{Resolve: func(context.Context, string) (string, error) {
		return "", errors.New("unknown host")
	}}
	_, err := Open(context.Background(), sp, "ghost", "benchctl monitor agent", Options{})
	assert.ErrorContains(t, err, "unknown host")
}
