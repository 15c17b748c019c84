// Package stats implements the online aggregates used to summarise noisy
// periodic telemetry samples: a running Value, a named Measurement with an
// optional derived rate, and a StickyCounter that feeds a Measurement from a
// monotonically increasing external counter.
package stats

import (
	"fmt"
	"math"
	"time"
)

// Field names understood by Value.Field and Value.SetField.
const (
	FieldLast  = "last"
	FieldTotal = "total"
	FieldCount = "count"
	FieldMin   = "min"
	FieldMax   = "max"
	FieldAvg   = "avg"
	FieldTime  = "time"
)

// Fields lists every readable field in the order the monitor protocol
// reports them.
var Fields = []string{FieldLast, FieldTotal, FieldCount, FieldMin, FieldMax, FieldAvg, FieldTime}

// Value is a running aggregate over a numeric stream.
//
// The zero Value is not ready for use because Min and Max must start at
// +Inf and -Inf; use NewValue.
type Value struct {
	Last       float64
	Total      float64
	Count      uint64
	Min        float64
	Max        float64
	LastUpdate time.Time
}

// NewValue returns an empty aggregate.
func NewValue() Value {
	return Value{Min: math.Inf(1), Max: math.Inf(-1)}
}

// Update absorbs one sample taken now.
func (v *Value) Update(x float64) {
	v.UpdateAt(x, time.Now())
}

// UpdateAt absorbs one sample taken at t. NaN and Inf are not filtered.
func (v *Value) UpdateAt(x float64, t time.Time) {
	v.Last = x
	v.Total += x
	v.Count++
	if x < v.Min {
		v.Min = x
	}
	if x > v.Max {
		v.Max = x
	}
	v.LastUpdate = t
}

// Avg returns Total/Count, or 0 before the first sample.
func (v Value) Avg() float64 {
	if v.Count == 0 {
		return 0
	}
	return v.Total / float64(v.Count)
}

// Reduce merges other into v. Count, Total, Min and Max combine
// independently of order; Last and LastUpdate follow whichever side was
// updated most recently.
func (v *Value) Reduce(other Value) {
	v.Total += other.Total
	v.Count += other.Count
	v.Min = math.Min(v.Min, other.Min)
	v.Max = math.Max(v.Max, other.Max)
	if other.LastUpdate.After(v.LastUpdate) {
		v.Last = other.Last
		v.LastUpdate = other.LastUpdate
	}
}

// Field returns the named scalar.
func (v Value) Field(name string) (float64, error) {
	switch name {
	case FieldLast:
		return v.Last, nil
	case FieldTotal:
		return v.Total, nil
	case FieldCount:
		return float64(v.Count), nil
	case FieldMin:
		return v.Min, nil
	case FieldMax:
		return v.Max, nil
	case FieldAvg:
		return v.Avg(), nil
	case FieldTime:
		return epochSeconds(v.LastUpdate), nil
	default:
		return 0, fmt.Errorf("stats: unknown field %q", name)
	}
}

// SetField assigns the named scalar. It is used to rebuild a Value from
// fields read one at a time; avg is derived and cannot be set.
func (v *Value) SetField(name string, x float64) error {
	switch name {
	case FieldLast:
		v.Last = x
	case FieldTotal:
		v.Total = x
	case FieldCount:
		if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) || x >= math.MaxUint64 {
			return fmt.Errorf("stats: invalid count %v", x)
		}
		v.Count = uint64(x)
	case FieldMin:
		v.Min = x
	case FieldMax:
		v.Max = x
	case FieldTime:
		v.LastUpdate = FromEpochSeconds(x)
	case FieldAvg:
		return fmt.Errorf("stats: field %q is derived", name)
	default:
		return fmt.Errorf("stats: unknown field %q", name)
	}
	return nil
}

// String formats the aggregate for logs.
func (v Value) String() string {
	if v.Count == 0 {
		return "n=0"
	}
	return fmt.Sprintf("n=%d min=%g avg=%g max=%g last=%g", v.Count, v.Min, v.Avg(), v.Max, v.Last)
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FromEpochSeconds converts fractional seconds since the Unix epoch to a
// time. Zero maps to the zero time.
func FromEpochSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}
