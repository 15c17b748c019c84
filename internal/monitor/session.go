package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"nathanbeddoewebdev/benchctl/internal/process"
	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/go-logr/logr"
)

// Defaults for Options.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultCloseGrace     = 5 * time.Second
)

var (
	// ErrResponseTimeout is returned when the agent does not answer a
	// request in time.
	ErrResponseTimeout = errors.New("monitor: response timeout")
	// ErrSessionClosed is returned for requests on a session whose agent
	// exited or that was closed.
	ErrSessionClosed = errors.New("monitor: session closed")
)

// Options controls a Session.
type Options struct {
	// Title names the agent process in logs. Defaults to "monitor".
	Title string
	// LogPath, when set, receives the raw agent output.
	LogPath string
	// RequestTimeout bounds every request. Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// CloseGrace is how long Close waits for the agent to quit before
	// killing it. Defaults to DefaultCloseGrace.
	CloseGrace time.Duration
}

type pendingCall struct {
	seq string
	ch  chan Response
}

// Session is the controller side of a running agent. Requests are
// serialised; each one waits for its own response.
type Session struct {
	Host string

	proc    *process.Process
	stdin   io.WriteCloser
	log     logr.Logger
	timeout time.Duration
	grace   time.Duration

	reqMu sync.Mutex
	seq   uint64

	pendMu  sync.Mutex
	pending *pendingCall

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Open spawns agentCommand on host (locally when host is empty) and starts
// the output listener. Cancelling ctx kills the agent.
func Open(ctx context.Context, sp *process.Spawner, host, agentCommand string, opts Options) (*Session, error) {
	title := opts.Title
	if title == "" {
		title = "monitor"
	}
	spawnOpts := []process.Option{process.WithTitle(title), process.WithStdin()}
	if opts.LogPath != "" {
		spawnOpts = append(spawnOpts, process.WithLog(opts.LogPath))
	}

	p := sp.Spawn(ctx, host, agentCommand, spawnOpts...)
	if err := p.Err(); err != nil {
		return nil, fmt.Errorf("monitor: open session on %q: %w", host, err)
	}

	s := &Session{
		Host:    host,
		proc:    p,
		stdin:   p.Stdin(),
		log:     logr.FromContextOrDiscard(ctx).WithValues("server", host, "process", title),
		timeout: opts.RequestTimeout,
		grace:   opts.CloseGrace,
		done:    make(chan struct{}),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}
	if s.grace <= 0 {
		s.grace = DefaultCloseGrace
	}

	go s.listen(ctx)
	return s, nil
}

// Process returns the agent process.
func (s *Session) Process() *process.Process { return s.proc }

// Done is closed once the agent exited and its output was drained.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) listen(ctx context.Context) {
	defer close(s.done)
	_, err := process.Wait(ctx, []*process.Process{s.proc}, 0, process.Callbacks{
		OnOutput: func(line string, _ *process.Process) { s.route(line) },
		OnDone: func(p *process.Process) bool {
			s.log.V(1).Info("Monitor agent exited", "exitCode", p.ExitCode())
			return process.DefaultDone(p)
		},
	})
	s.waitErr = err
	s.pendMu.Lock()
	s.pending = nil
	s.pendMu.Unlock()
}

func (s *Session) route(line string) {
	resp, ok := ParseResponse(line)
	if !ok {
		s.log.Info(line)
		return
	}

	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if s.pending == nil || s.pending.seq != resp.Seq {
		s.log.Info("Dropping unsolicited monitor response", "seq", resp.Seq, "response", strings.Join(resp.Tokens, " "))
		return
	}
	s.pending.ch <- resp
	s.pending = nil
}

// request sends one command and waits for its response.
func (s *Session) request(ctx context.Context, verb, arg string) (Response, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	select {
	case <-s.done:
		return Response{}, ErrSessionClosed
	default:
	}

	s.seq++
	cmd := Command{Seq: seqTag(s.seq), Verb: verb, Arg: arg}
	call := &pendingCall{seq: cmd.Seq, ch: make(chan Response, 1)}
	s.pendMu.Lock()
	s.pending = call
	s.pendMu.Unlock()
	defer func() {
		s.pendMu.Lock()
		if s.pending == call {
			s.pending = nil
		}
		s.pendMu.Unlock()
	}()

	if _, err := io.WriteString(s.stdin, cmd.String()+"\n"); err != nil {
		return Response{}, fmt.Errorf("monitor: send %q to %s: %w", verb, s.Host, errors.Join(ErrSessionClosed, err))
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case resp := <-call.ch:
		return resp, resp.Err()
	case <-s.done:
		select {
		case resp := <-call.ch:
			return resp, resp.Err()
		default:
		}
		return Response{}, fmt.Errorf("monitor: %s on %s: %w", verb, s.Host, ErrSessionClosed)
	case <-timer.C:
		return Response{}, fmt.Errorf("monitor: %s on %s after %s: %w", verb, s.Host, s.timeout, ErrResponseTimeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Start starts the remote samplers.
func (s *Session) Start(ctx context.Context) error {
	_, err := s.request(ctx, VerbStart, "")
	return err
}

// Stop stops the remote samplers.
func (s *Session) Stop(ctx context.Context) error {
	_, err := s.request(ctx, VerbStop, "")
	return err
}

// Get returns the raw values of specs such as "GPU-0.avg".
func (s *Session) Get(ctx context.Context, specs ...string) ([]string, error) {
	if len(specs) == 0 {
		return nil, errors.New("monitor: no measurement spec")
	}
	resp, err := s.request(ctx, VerbPrint, strings.Join(specs, " "))
	if err != nil {
		return nil, err
	}
	if len(resp.Tokens) != len(specs) {
		return nil, fmt.Errorf("monitor: print returned %d values for %d specs", len(resp.Tokens), len(specs))
	}
	return resp.Tokens, nil
}

// GetFloat returns one scalar.
func (s *Session) GetFloat(ctx context.Context, spec string) (float64, error) {
	vals, err := s.Get(ctx, spec)
	if err != nil {
		return 0, err
	}
	return parseFloat(vals[0])
}

// GetAll returns every field of every measurement keyed by spec.
func (s *Session) GetAll(ctx context.Context) (map[string]float64, error) {
	resp, err := s.request(ctx, VerbPrint, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Tokens))
	for _, tok := range resp.Tokens {
		spec, val, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("monitor: malformed print token %q", tok)
		}
		v, err := parseFloat(val)
		if err != nil {
			return nil, err
		}
		out[spec] = v
	}
	return out, nil
}

// Search returns the names of measurements matching pattern.
func (s *Session) Search(ctx context.Context, pattern string) ([]string, error) {
	resp, err := s.request(ctx, VerbSearch, pattern)
	if err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// FillMeasurement replaces the aggregates of m with those of the remote
// measurement of the same name, including the rate when m tracks one.
func (s *Session) FillMeasurement(ctx context.Context, m *stats.Measurement) error {
	var specs, paths []string
	for _, path := range m.Fields() {
		if path == stats.FieldAvg || strings.HasSuffix(path, "."+stats.FieldAvg) {
			continue
		}
		paths = append(paths, path)
		specs = append(specs, m.Name+"."+path)
	}

	vals, err := s.Get(ctx, specs...)
	if err != nil {
		return err
	}

	value, rate := stats.NewValue(), stats.NewValue()
	for i, path := range paths {
		v, err := parseFloat(vals[i])
		if err != nil {
			return err
		}
		target, field := &value, path
		if rest, ok := strings.CutPrefix(path, "rate."); ok {
			target, field = &rate, rest
		}
		if err := target.SetField(field, v); err != nil {
			return err
		}
	}
	m.Set(value, rate)
	return nil
}

// Measurement fetches the remote measurement name as a new local one.
func (s *Session) Measurement(ctx context.Context, name string, trackRate bool) (*stats.Measurement, error) {
	m := stats.NewMeasurement(name, trackRate)
	if err := s.FillMeasurement(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Close asks the agent to quit and waits for it for the grace period.
// Its process group is then terminated in every case, so children the
// agent left behind do not outlive the session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
	})
	return s.closeErr
}

func (s *Session) close() error {
	var errs []error

	select {
	case <-s.done:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), s.grace)
		if _, err := s.request(ctx, VerbQuit, ""); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.V(1).Info("Quit request failed", "error", err.Error())
		}
		cancel()
		if err := s.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.V(1).Info("Failed to close agent stdin", "error", err.Error())
		}
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.done:
		if err := s.proc.Kill(); err != nil {
			s.log.V(1).Info("Failed to clean up agent process group", "error", err.Error())
		}
	case <-timer.C:
		s.log.Info("Monitor agent did not exit, killing it")
		if err := s.proc.Kill(); err != nil {
			errs = append(errs, err)
		}
		<-s.done
	}

	if s.waitErr != nil {
		errs = append(errs, s.waitErr)
	}
	return errors.Join(errs...)
}
