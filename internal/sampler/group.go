package sampler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/stats"
	"nathanbeddoewebdev/benchctl/internal/util"
)

// Group runs several samplers as one unit.
type Group struct {
	samplers []*Sampler
}

// NewGroup wraps every probe in a Sampler sharing cfg.
func NewGroup(cfg Config, probes ...Probe) *Group {
	g := &Group{}
	for _, p := range probes {
		g.samplers = append(g.samplers, New(p, cfg))
	}
	return g
}

// Samplers returns the samplers in probe order.
func (g *Group) Samplers() []*Sampler { return g.samplers }

// Start starts every sampler. If one fails, the ones already started are
// stopped again and the error is returned.
func (g *Group) Start(ctx context.Context) error {
	for i, s := range g.samplers {
		if err := s.Start(ctx); err != nil {
			for _, started := range g.samplers[:i] {
				started.Stop()
				started.WaitForStop(0)
			}
			return err
		}
	}
	return nil
}

// Stop asks every sampler to stop.
func (g *Group) Stop() {
	for _, s := range g.samplers {
		s.Stop()
	}
}

// WaitForStop waits for every sampler, sharing one overall timeout.
func (g *Group) WaitForStop(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var errs []error
	for _, s := range g.samplers {
		var left time.Duration
		if !deadline.IsZero() {
			left = max(time.Until(deadline), time.Millisecond)
		}
		if err := s.WaitForStop(left); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Running reports whether any sampler is running.
func (g *Group) Running() bool {
	for _, s := range g.samplers {
		if s.Running() {
			return true
		}
	}
	return false
}

// Failed reports whether any sampler saw a failing tick.
func (g *Group) Failed() bool {
	for _, s := range g.samplers {
		if s.Failed() {
			return true
		}
	}
	return false
}

// Measurements returns every measurement of every sampler.
func (g *Group) Measurements() []*stats.Measurement {
	var ms []*stats.Measurement
	for _, s := range g.samplers {
		ms = append(ms, s.Measurements()...)
	}
	return ms
}

// Measurement returns the measurement called name.
func (g *Group) Measurement(name string) (*stats.Measurement, bool) {
	for _, m := range g.Measurements() {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// ProbeEnv supplies what probes need from the host.
type ProbeEnv struct {
	Runner   Runner
	SysRoot  string
	ProcRoot string
}

func (e ProbeEnv) runner() Runner {
	if e.Runner != nil {
		return e.Runner
	}
	return ShellRunner{}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ProbeKinds lists the probe kinds accepted by ParseProbe.
var ProbeKinds = []string{"gpu", "proc", "ib", "netdev", "host"}

// ParseProbe builds a probe from a spec:
//
//	gpu:0,1          GPU utilisation of GPUs 0 and 1
//	proc:python      CPU and memory of processes named python
//	ib:mlx5_0:1      InfiniBand data counters of device mlx5_0 port 1
//	netdev:eth0,ib0  network interface byte counters
//	host             whole-host CPU and memory
func ParseProbe(spec string, env ProbeEnv) (Probe, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	kind = util.NormalizeKey(kind)

	switch kind {
	case "gpu":
		indices, err := parseIndices(arg)
		if err != nil {
			return nil, fmt.Errorf("sampler: probe %q: %w", spec, err)
		}
		return NewGPUProbe(env.runner(), indices), nil

	case "proc":
		if arg == "" {
			return nil, fmt.Errorf("sampler: probe %q: missing process name", spec)
		}
		return NewProcProbe(env.runner(), arg), nil

	case "ib":
		device, portStr, ok := strings.Cut(arg, ":")
		port, err := strconv.Atoi(portStr)
		if !ok || device == "" || err != nil || port < 1 {
			return nil, fmt.Errorf("sampler: probe %q: want ib:<device>:<port>", spec)
		}
		return NewCounterProbe("ib:"+arg, InfiniBandPort(orDefault(env.SysRoot, "/sys"), device, port)), nil

	case "netdev":
		ifaces := splitList(arg)
		if len(ifaces) == 0 {
			return nil, fmt.Errorf("sampler: probe %q: missing interface", spec)
		}
		return NewNetDevProbe(orDefault(env.ProcRoot, "/proc"), ifaces)

	case "host":
		return NewHostProbe(), nil
	}
	return nil, fmt.Errorf("sampler: unknown probe kind %q (want one of %s)", kind, strings.Join(ProbeKinds, ", "))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIndices(s string) ([]int, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, errors.New("missing GPU index")
	}
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		i, err := strconv.Atoi(part)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("invalid GPU index %q", part)
		}
		out = append(out, i)
	}
	return out, nil
}
