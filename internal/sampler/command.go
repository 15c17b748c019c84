package sampler

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/process"
	"nathanbeddoewebdev/benchctl/internal/stats"

	"al.essio.dev/pkg/shellescape"
)

// DefaultCommandTimeout bounds a single probe command.
const DefaultCommandTimeout = 10 * time.Second

// Runner runs a local command and returns its stdout lines.
type Runner interface {
	Run(ctx context.Context, command string) ([]string, error)
}

// ShellRunner runs commands through the process supervisor.
type ShellRunner struct {
	Spawner *process.Spawner
	Timeout time.Duration
}

// Run implements Runner. Stderr is discarded, a non-zero exit is an error
// and a command exceeding the timeout is killed.
func (r ShellRunner) Run(ctx context.Context, command string) ([]string, error) {
	sp := r.Spawner
	if sp == nil {
		sp = &process.Spawner{}
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	p := sp.Local(command, process.WithStderr(io.Discard))
	var lines []string
	ok, err := process.Wait(ctx, []*process.Process{p}, timeout, process.Callbacks{
		OnOutput: func(line string, _ *process.Process) { lines = append(lines, line) },
		OnDone: func(p *process.Process) bool {
			if p.TimedOut() {
				p.Kill()
			}
			return process.DefaultDone(p)
		},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		if p.TimedOut() {
			return nil, fmt.Errorf("sampler: %q timed out after %s", command, timeout)
		}
		return nil, fmt.Errorf("sampler: %q exited with code %d", command, p.ExitCode())
	}
	return lines, nil
}

const gpuQuery = "nvidia-smi --query-gpu=index,utilization.gpu --format=csv,noheader"

var gpuLine = regexp.MustCompile(`^\s*(\d+)\s*,\s*(\d+(?:\.\d+)?)\s*%?\s*$`)

// GPUProbe samples per-GPU utilisation in percent from nvidia-smi.
type GPUProbe struct {
	runner Runner
	gpus   map[int]*stats.Measurement
	order  []*stats.Measurement
}

// NewGPUProbe returns a probe for the given GPU indices. Measurements are
// named "GPU-<index>".
func NewGPUProbe(runner Runner, indices []int) *GPUProbe {
	g := &GPUProbe{runner: runner, gpus: make(map[int]*stats.Measurement, len(indices))}
	for _, i := range indices {
		if _, dup := g.gpus[i]; dup {
			continue
		}
		m := stats.NewMeasurement("GPU-"+strconv.Itoa(i), false)
		g.gpus[i] = m
		g.order = append(g.order, m)
	}
	return g
}

func (g *GPUProbe) Name() string                       { return "gpu" }
func (g *GPUProbe) Measurements() []*stats.Measurement { return g.order }
func (g *GPUProbe) Reset(context.Context) error        { return nil }

// Sample queries nvidia-smi once and updates every tracked GPU. A GPU
// missing from the output fails the tick.
func (g *GPUProbe) Sample(ctx context.Context) error {
	lines, err := g.runner.Run(ctx, gpuQuery)
	if err != nil {
		return err
	}
	now := time.Now()
	seen := make(map[int]bool, len(g.gpus))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		match := gpuLine.FindStringSubmatch(line)
		if match == nil {
			return fmt.Errorf("sampler: unexpected nvidia-smi line %q", line)
		}
		idx, _ := strconv.Atoi(match[1])
		m, ok := g.gpus[idx]
		if !ok {
			continue
		}
		util, err := strconv.ParseFloat(match[2], 64)
		if err != nil {
			return fmt.Errorf("sampler: parse utilisation %q: %w", match[2], err)
		}
		m.UpdateAt(util, now)
		seen[idx] = true
	}
	for idx := range g.gpus {
		if !seen[idx] {
			return fmt.Errorf("sampler: GPU %d missing from nvidia-smi output", idx)
		}
	}
	return nil
}

// ProcProbe samples the summed CPU percentage and resident memory (MiB) of
// every process with a given command name.
type ProcProbe struct {
	runner  Runner
	process string
	cpu     *stats.Measurement
	mem     *stats.Measurement
}

// NewProcProbe returns a probe for processes named name. Measurements are
// named "CPU-<name>" and "MEM-<name>".
func NewProcProbe(runner Runner, name string) *ProcProbe {
	return &ProcProbe{
		runner:  runner,
		process: name,
		cpu:     stats.NewMeasurement("CPU-"+name, false),
		mem:     stats.NewMeasurement("MEM-"+name, false),
	}
}

func (p *ProcProbe) Name() string                       { return "proc:" + p.process }
func (p *ProcProbe) Measurements() []*stats.Measurement { return []*stats.Measurement{p.cpu, p.mem} }
func (p *ProcProbe) Reset(context.Context) error        { return nil }

// Sample runs ps once. No matching process samples as zero.
func (p *ProcProbe) Sample(ctx context.Context) error {
	// ps exits 1 when nothing matches.
	lines, err := p.runner.Run(ctx, "ps -C "+shellescape.Quote(p.process)+" -o pcpu=,rss= || true")
	if err != nil {
		return err
	}
	var cpu, rssKiB float64
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return fmt.Errorf("sampler: unexpected ps line %q", line)
		}
		c, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("sampler: parse pcpu %q: %w", fields[0], err)
		}
		r, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("sampler: parse rss %q: %w", fields[1], err)
		}
		cpu += c
		rssKiB += r
	}
	now := time.Now()
	p.cpu.UpdateAt(cpu, now)
	p.mem.UpdateAt(rssKiB/1024, now)
	return nil
}
