package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/sampler"
	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/go-logr/logr"
)

// DefaultStopTimeout bounds how long the agent waits for its samplers to
// exit on stop and quit.
const DefaultStopTimeout = 10 * time.Second

// Agent serves the monitor protocol for a sampler group.
type Agent struct {
	group       *sampler.Group
	log         logr.Logger
	StopTimeout time.Duration
}

// NewAgent returns an agent serving group.
func NewAgent(group *sampler.Group, log logr.Logger) *Agent {
	return &Agent{group: group, log: log, StopTimeout: DefaultStopTimeout}
}

// Serve reads commands from in and writes responses to out until quit, EOF
// on in, or ctx is done. The samplers are stopped before Serve returns.
//
// out should be shared with the agent's logger through a LineWriter.
func (a *Agent) Serve(ctx context.Context, in io.Reader, out *LineWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	defer a.shutdown()
	a.log.Info("Monitor agent ready", "measurements", len(a.group.Measurements()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("monitor: read commands: %w", err)
			}
			a.log.V(1).Info("Command stream closed")
			return nil
		case line := <-lines:
			cmd := ParseCommand(line)
			if cmd.Verb == "" {
				continue
			}
			tokens, quit := a.handle(ctx, cmd)
			if err := out.WriteLine(FormatResponse(cmd.Seq, tokens...)); err != nil {
				return fmt.Errorf("monitor: write response: %w", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, cmd Command) (tokens []string, quit bool) {
	a.log.V(1).Info("Handling command", "command", cmd.String())
	var err error
	switch cmd.Verb {
	case VerbStart:
		if err = a.group.Start(ctx); err == nil {
			tokens = []string{tokenOK}
		}
	case VerbStop:
		if err = a.stop(); err == nil {
			tokens = []string{tokenOK}
		}
	case VerbPrint:
		tokens, err = a.print(strings.Fields(cmd.Arg))
	case VerbSearch:
		tokens, err = a.search(cmd.Arg)
	case VerbQuit:
		if err = a.stop(); err == nil {
			tokens = []string{tokenOK}
		}
		quit = true
	default:
		err = fmt.Errorf("unknown command %q", cmd.Verb)
	}
	if err != nil {
		a.log.Error(err, "Command failed", "command", cmd.String())
		return []string{tokenError, oneLine(err.Error())}, quit
	}
	return tokens, quit
}

func (a *Agent) stop() error {
	a.group.Stop()
	return a.group.WaitForStop(a.StopTimeout)
}

func (a *Agent) shutdown() {
	if err := a.stop(); err != nil {
		a.log.Error(err, "Failed to stop samplers")
	}
}

func (a *Agent) print(specs []string) ([]string, error) {
	if len(specs) == 0 {
		var tokens []string
		for _, m := range a.group.Measurements() {
			for _, path := range m.Fields() {
				v, err := m.Lookup(path)
				if err != nil {
					return nil, err
				}
				tokens = append(tokens, m.Name+"."+path+"="+formatFloat(v))
			}
		}
		return tokens, nil
	}

	tokens := make([]string, 0, len(specs))
	for _, spec := range specs {
		name, path, err := stats.ParseSpec(spec)
		if err != nil {
			return nil, err
		}
		m, ok := a.group.Measurement(name)
		if !ok {
			return nil, fmt.Errorf("unknown measurement %q", name)
		}
		v, err := m.Lookup(path)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, formatFloat(v))
	}
	return tokens, nil
}

func (a *Agent) search(pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range a.group.Measurements() {
		if re.MatchString(m.Name) {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
