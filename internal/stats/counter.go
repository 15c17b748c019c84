package stats

import (
	"errors"
	"fmt"
	"time"
)

// ErrCounterDecreased is returned when a counter that must only grow reads
// lower than before, which usually means it wrapped or was reset.
var ErrCounterDecreased = errors.New("counter decreased")

// ErrBaseNotSet is returned by StickyCounter.Update before ResetBase.
var ErrBaseNotSet = errors.New("counter base not set")

// ReadFunc reads the current value of an external counter.
type ReadFunc func() (float64, error)

// StickyCounter feeds a Measurement with the cumulative delta of an
// external counter relative to the value captured by ResetBase.
type StickyCounter struct {
	Measurement *Measurement

	// Scale multiplies every delta, e.g. 4 for counters kept in 32-bit words.
	Scale float64

	read    ReadFunc
	base    float64
	last    float64
	hasBase bool
	now     func() time.Time
}

// NewStickyCounter returns a counter feeding m from read.
func NewStickyCounter(m *Measurement, read ReadFunc) *StickyCounter {
	return &StickyCounter{Measurement: m, Scale: 1, read: read, now: time.Now}
}

// ResetBase captures the current counter value as the baseline.
func (c *StickyCounter) ResetBase() error {
	v, err := c.read()
	if err != nil {
		return fmt.Errorf("stats: reset %s: %w", c.Measurement.Name, err)
	}
	c.base, c.last, c.hasBase = v, v, true
	return nil
}

// Update reads the counter and feeds (value - base) * Scale to the
// measurement. A decrease is reported and not absorbed.
func (c *StickyCounter) Update() error {
	if !c.hasBase {
		return fmt.Errorf("stats: update %s: %w", c.Measurement.Name, ErrBaseNotSet)
	}
	v, err := c.read()
	if err != nil {
		return fmt.Errorf("stats: update %s: %w", c.Measurement.Name, err)
	}
	if v < c.last {
		return fmt.Errorf("stats: update %s: %w (%v after %v)", c.Measurement.Name, ErrCounterDecreased, v, c.last)
	}
	c.last = v
	c.Measurement.UpdateAt((v-c.base)*c.Scale, c.now())
	return nil
}
