package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// rateField prefixes fields addressed on the derived rate.
const rateField = "rate"

// Measurement is a named Value, optionally paired with a Value tracking
// the rate of change between consecutive updates.
//
// A Measurement is written by a single sampler goroutine; the embedded lock
// lets any number of readers take consistent snapshots while it runs.
type Measurement struct {
	Name string

	mu    sync.RWMutex
	value Value
	rate  *Value
}

// NewMeasurement returns an empty measurement. When trackRate is set every
// update after the first also feeds the derived rate.
func NewMeasurement(name string, trackRate bool) *Measurement {
	m := &Measurement{Name: name, value: NewValue()}
	if trackRate {
		r := NewValue()
		m.rate = &r
	}
	return m
}

// Update absorbs a sample taken now.
func (m *Measurement) Update(x float64) {
	m.UpdateAt(x, time.Now())
}

// UpdateAt absorbs a sample taken at t. A rate sample is only derived when
// t is strictly after the previous update.
func (m *Measurement) UpdateAt(x float64, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rate != nil && m.value.Count > 0 {
		dt := t.Sub(m.value.LastUpdate).Seconds()
		if dt > 0 {
			m.rate.UpdateAt((x-m.value.Last)/dt, t)
		}
	}
	m.value.UpdateAt(x, t)
}

// TracksRate reports whether a rate is derived from updates.
func (m *Measurement) TracksRate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rate != nil
}

// Value returns a copy of the base aggregate.
func (m *Measurement) Value() Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value
}

// Rate returns a copy of the rate aggregate and whether one is tracked.
func (m *Measurement) Rate() (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rate == nil {
		return Value{}, false
	}
	return *m.rate, true
}

// Snapshot returns an independent copy of m.
func (m *Measurement) Snapshot() *Measurement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &Measurement{Name: m.Name, value: m.value}
	if m.rate != nil {
		r := *m.rate
		c.rate = &r
	}
	return c
}

// Set replaces the aggregates wholesale. rate is ignored when m does not
// track a rate.
func (m *Measurement) Set(value Value, rate Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
	if m.rate != nil {
		*m.rate = rate
	}
}

// Reduce merges other into m. The rate is merged only when both sides
// track one.
func (m *Measurement) Reduce(other *Measurement) {
	if other == nil || other == m {
		return
	}
	o := other.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.value.Reduce(o.value)
	if m.rate != nil && o.rate != nil {
		m.rate.Reduce(*o.rate)
	}
}

// Lookup reads a scalar addressed by "field" or "rate.field".
func (m *Measurement) Lookup(path string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target := m.value
	field := path
	if rest, ok := strings.CutPrefix(path, rateField+"."); ok {
		if m.rate == nil {
			return 0, fmt.Errorf("stats: measurement %q has no rate", m.Name)
		}
		target = *m.rate
		field = rest
	}
	return target.Field(field)
}

// Fields returns every addressable path of m, e.g. "avg" or "rate.max".
func (m *Measurement) Fields() []string {
	paths := append([]string(nil), Fields...)
	if m.TracksRate() {
		for _, f := range Fields {
			paths = append(paths, rateField+"."+f)
		}
	}
	return paths
}

// String formats the measurement for logs.
func (m *Measurement) String() string {
	s := m.Snapshot()
	if s.rate == nil {
		return fmt.Sprintf("%s: %s", s.Name, s.value)
	}
	return fmt.Sprintf("%s: %s rate: %s", s.Name, s.value, *s.rate)
}

// ParseSpec splits a measurement spec such as "GPU-0.avg" or
// "RDTA-mlx5_0:1.rate.max" into the measurement name and the field path
// ("avg", "rate.max"). The field is always the last dotted element, so
// measurement names may contain dots themselves.
func ParseSpec(spec string) (name, path string, err error) {
	i := strings.LastIndexByte(spec, '.')
	if i <= 0 || i == len(spec)-1 {
		return "", "", fmt.Errorf("stats: invalid measurement spec %q", spec)
	}
	name, path = spec[:i], spec[i+1:]
	if n, ok := strings.CutSuffix(name, "."+rateField); ok && n != "" {
		name, path = n, rateField+"."+path
	}
	return name, path, nil
}
