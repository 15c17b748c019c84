package sampler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/prometheus/procfs"
)

// InfiniBand data counters count 32-bit words.
const ibWordBytes = 4

// CounterSource describes one monotonically increasing counter file.
type CounterSource struct {
	Name  string
	Path  string
	Scale float64
}

// InfiniBandPort returns the receive and transmit data counters of one
// InfiniBand port under sysRoot (normally "/sys"). The measurements are
// named "RDTA-<device>:<port>" and "TDTA-<device>:<port>" and count bytes.
func InfiniBandPort(sysRoot, device string, port int) []CounterSource {
	dir := filepath.Join(sysRoot, "class", "infiniband", device, "ports", strconv.Itoa(port), "counters")
	suffix := device + ":" + strconv.Itoa(port)
	return []CounterSource{
		{Name: "RDTA-" + suffix, Path: filepath.Join(dir, "port_rcv_data"), Scale: ibWordBytes},
		{Name: "TDTA-" + suffix, Path: filepath.Join(dir, "port_xmit_data"), Scale: ibWordBytes},
	}
}

// CounterProbe samples counter files through sticky counters, so each
// measurement holds the growth since Reset and its rate.
type CounterProbe struct {
	name     string
	counters []*stats.StickyCounter
}

// NewCounterProbe returns a probe reading sources.
func NewCounterProbe(name string, sources []CounterSource) *CounterProbe {
	p := &CounterProbe{name: name}
	for _, src := range sources {
		c := stats.NewStickyCounter(stats.NewMeasurement(src.Name, true), readCounterFile(src.Path))
		if src.Scale != 0 {
			c.Scale = src.Scale
		}
		p.counters = append(p.counters, c)
	}
	return p
}

func (p *CounterProbe) Name() string { return p.name }

func (p *CounterProbe) Measurements() []*stats.Measurement {
	ms := make([]*stats.Measurement, len(p.counters))
	for i, c := range p.counters {
		ms[i] = c.Measurement
	}
	return ms
}

// Reset captures the baseline of every counter.
func (p *CounterProbe) Reset(context.Context) error {
	for _, c := range p.counters {
		if err := c.ResetBase(); err != nil {
			return err
		}
	}
	return nil
}

// Sample updates every counter and joins the failures.
func (p *CounterProbe) Sample(context.Context) error {
	var errs []error
	for _, c := range p.counters {
		if err := c.Update(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readCounterFile(path string) stats.ReadFunc {
	return func() (float64, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse counter %s: %w", path, err)
		}
		return float64(v), nil
	}
}

// NetDevProbe samples received and transmitted bytes of network interfaces
// from /proc/net/dev. Measurements are named "RXB-<iface>" and
// "TXB-<iface>" and track their rate in bytes per second.
type NetDevProbe struct {
	fs       procfs.FS
	ifaces   []string
	counters []*stats.StickyCounter
	snapshot procfs.NetDev
}

// NewNetDevProbe returns a probe for ifaces reading the proc filesystem
// mounted at procRoot (normally "/proc").
func NewNetDevProbe(procRoot string, ifaces []string) (*NetDevProbe, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("sampler: open procfs at %s: %w", procRoot, err)
	}
	p := &NetDevProbe{fs: fs, ifaces: ifaces}
	for _, iface := range ifaces {
		p.counters = append(p.counters,
			stats.NewStickyCounter(stats.NewMeasurement("RXB-"+iface, true), p.field(iface, func(l procfs.NetDevLine) uint64 { return l.RxBytes })),
			stats.NewStickyCounter(stats.NewMeasurement("TXB-"+iface, true), p.field(iface, func(l procfs.NetDevLine) uint64 { return l.TxBytes })),
		)
	}
	return p, nil
}

func (p *NetDevProbe) Name() string { return "netdev" }

func (p *NetDevProbe) Measurements() []*stats.Measurement {
	ms := make([]*stats.Measurement, len(p.counters))
	for i, c := range p.counters {
		ms[i] = c.Measurement
	}
	return ms
}

// Reset captures the byte counters of every interface.
func (p *NetDevProbe) Reset(context.Context) error {
	if err := p.refresh(); err != nil {
		return err
	}
	for _, c := range p.counters {
		if err := c.ResetBase(); err != nil {
			return err
		}
	}
	return nil
}

// Sample reads /proc/net/dev once and updates every counter.
func (p *NetDevProbe) Sample(context.Context) error {
	if err := p.refresh(); err != nil {
		return err
	}
	var errs []error
	for _, c := range p.counters {
		if err := c.Update(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *NetDevProbe) refresh() error {
	nd, err := p.fs.NetDev()
	if err != nil {
		return fmt.Errorf("sampler: read net/dev: %w", err)
	}
	p.snapshot = nd
	return nil
}

func (p *NetDevProbe) field(iface string, get func(procfs.NetDevLine) uint64) stats.ReadFunc {
	return func() (float64, error) {
		line, ok := p.snapshot[iface]
		if !ok {
			return 0, fmt.Errorf("interface %q not found", iface)
		}
		return float64(get(line)), nil
	}
}
