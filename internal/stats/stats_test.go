package stats

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func feed(values []float64, start time.Time) Value {
	v := NewValue()
	for i, x := range values {
		v.UpdateAt(x, start.Add(time.Duration(i)*time.Second))
	}
	return v
}

func TestValue_Empty(t *testing.T) {
	v := NewValue()
	if v.Avg() != 0 {
		t.Errorf("expected avg 0, got %v", v.Avg())
	}
	if !math.IsInf(v.Min, 1) || !math.IsInf(v.Max, -1) {
		t.Errorf("expected min=+Inf max=-Inf, got min=%v max=%v", v.Min, v.Max)
	}
}

func TestValue_Update(t *testing.T) {
	v := feed([]float64{3, 1, 5}, time.Unix(100, 0))

	if v.Count != 3 || v.Total != 9 || v.Min != 1 || v.Max != 5 || v.Last != 5 {
		t.Fatalf("unexpected aggregate: %+v", v)
	}
	if v.Avg() != 3 {
		t.Errorf("expected avg 3, got %v", v.Avg())
	}
	if !(v.Min <= v.Avg() && v.Avg() <= v.Max) {
		t.Errorf("min <= avg <= max violated: %v", v)
	}
}

func TestValue_NaNPropagates(t *testing.T) {
	v := NewValue()
	v.Update(math.NaN())
	if !math.IsNaN(v.Total) {
		t.Errorf("expected NaN total, got %v", v.Total)
	}
}

// Merging two partial aggregates must match one aggregate fed every sample,
// whatever the split point and the order of the samples.
func TestValue_ReduceMatchesSingleStream(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ints := rapid.SliceOfN(rapid.IntRange(-1_000_000, 1_000_000), 1, 64).Draw(t, "samples")
		xs := make([]float64, len(ints))
		for i, n := range ints {
			xs[i] = float64(n)
		}
		split := rapid.IntRange(0, len(xs)).Draw(t, "split")

		shuffled := append([]float64(nil), xs...)
		for i := len(shuffled) - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(t, "swap")
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}

		start := time.Unix(1000, 0)
		want := feed(xs, start)

		a := feed(shuffled[:split], start)
		b := feed(shuffled[split:], start.Add(time.Hour))
		ab := a
		ab.Reduce(b)
		ba := b
		ba.Reduce(a)

		for _, got := range []Value{ab, ba} {
			if got.Count != want.Count || got.Total != want.Total || got.Min != want.Min || got.Max != want.Max {
				t.Fatalf("merged %+v, single stream %+v", got, want)
			}
		}
		if ab.LastUpdate != ba.LastUpdate || ab.Last != ba.Last {
			t.Fatalf("last sample depends on merge order: %+v vs %+v", ab, ba)
		}
	})
}

func TestValue_ReduceAssociative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.SliceOfN(rapid.IntRange(-1000, 1000), 0, 16)
		parts := make([]Value, 3)
		for i := range parts {
			ints := gen.Draw(t, "part")
			xs := make([]float64, len(ints))
			for j, n := range ints {
				xs[j] = float64(n)
			}
			parts[i] = feed(xs, time.Unix(int64(i*100), 0))
		}

		left := parts[0]
		left.Reduce(parts[1])
		left.Reduce(parts[2])

		bc := parts[1]
		bc.Reduce(parts[2])
		right := parts[0]
		right.Reduce(bc)

		if diff := cmp.Diff(left, right); diff != "" {
			t.Fatalf("(a+b)+c != a+(b+c) (-left +right):\n%s", diff)
		}
	})
}

func TestValue_ReduceKeepsMostRecentLast(t *testing.T) {
	a := NewValue()
	a.UpdateAt(1, time.Unix(200, 0))
	b := NewValue()
	b.UpdateAt(2, time.Unix(100, 0))

	a.Reduce(b)
	if a.Last != 1 || !a.LastUpdate.Equal(time.Unix(200, 0)) {
		t.Errorf("expected last=1 at t=200, got %v at %v", a.Last, a.LastUpdate)
	}
}

func TestValue_FieldRoundTrip(t *testing.T) {
	src := feed([]float64{2, 4, 9}, time.Unix(1700000000, 250_000_000))

	dst := NewValue()
	for _, f := range Fields {
		if f == FieldAvg {
			continue
		}
		x, err := src.Field(f)
		if err != nil {
			t.Fatalf("Field(%q): %v", f, err)
		}
		if err := dst.SetField(f, x); err != nil {
			t.Fatalf("SetField(%q): %v", f, err)
		}
	}

	if dst.Count != src.Count || dst.Total != src.Total || dst.Min != src.Min || dst.Max != src.Max || dst.Last != src.Last {
		t.Errorf("rebuilt %+v, want %+v", dst, src)
	}
	if d := dst.LastUpdate.Sub(src.LastUpdate); d > time.Microsecond || d < -time.Microsecond {
		t.Errorf("time drifted by %v", d)
	}
	if err := dst.SetField(FieldAvg, 1); err == nil {
		t.Error("expected error setting derived field")
	}
	if _, err := dst.Field("median"); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestValue_SetFieldRejectsInvalidCount(t *testing.T) {
	for _, x := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1), math.MaxUint64, 1e30} {
		v := NewValue()
		v.Count = 7
		if err := v.SetField(FieldCount, x); err == nil {
			t.Errorf("SetField(count, %v) = nil, want error", x)
		}
		if v.Count != 7 {
			t.Errorf("SetField(count, %v) changed count to %d", x, v.Count)
		}
	}

	v := NewValue()
	if err := v.SetField(FieldCount, 42); err != nil {
		t.Fatalf("SetField(count, 42): %v", err)
	}
	if v.Count != 42 {
		t.Errorf("count = %d, want 42", v.Count)
	}
}

func TestMeasurement_Rate(t *testing.T) {
	m := NewMeasurement("RDTA-mlx5_0:1", true)
	t0 := time.Unix(1000, 0)
	m.UpdateAt(100, t0)
	m.UpdateAt(400, t0.Add(2*time.Second))

	rate, ok := m.Rate()
	if !ok {
		t.Fatal("expected rate to be tracked")
	}
	if rate.Count != 1 || rate.Last != 150 {
		t.Errorf("expected one rate sample of 150, got %+v", rate)
	}
	if m.Value().Count != 2 {
		t.Errorf("expected 2 base samples, got %d", m.Value().Count)
	}
}

func TestMeasurement_RateRejectsNonIncreasingTime(t *testing.T) {
	m := NewMeasurement("x", true)
	t0 := time.Unix(1000, 0)
	m.UpdateAt(1, t0)
	m.UpdateAt(5, t0)
	m.UpdateAt(9, t0.Add(-time.Second))

	rate, _ := m.Rate()
	if rate.Count != 0 {
		t.Errorf("expected no rate samples, got %+v", rate)
	}
	if m.Value().Count != 3 {
		t.Errorf("base value must still absorb samples, got count %d", m.Value().Count)
	}
}

func TestMeasurement_NoRate(t *testing.T) {
	m := NewMeasurement("GPU-0", false)
	m.Update(50)
	if _, ok := m.Rate(); ok {
		t.Error("expected no rate")
	}
	if _, err := m.Lookup("rate.avg"); err == nil {
		t.Error("expected error looking up rate field")
	}
	if got := len(m.Fields()); got != len(Fields) {
		t.Errorf("expected %d fields, got %d", len(Fields), got)
	}
}

func TestMeasurement_Lookup(t *testing.T) {
	m := NewMeasurement("net", true)
	t0 := time.Unix(0, 0)
	m.UpdateAt(0, t0.Add(time.Second))
	m.UpdateAt(10, t0.Add(2*time.Second))
	m.UpdateAt(30, t0.Add(3*time.Second))

	tests := []struct {
		path string
		want float64
	}{
		{"avg", 40.0 / 3},
		{"max", 30},
		{"count", 3},
		{"rate.max", 20},
		{"rate.min", 10},
		{"rate.avg", 15},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := m.Lookup(tt.path)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMeasurement_Reduce(t *testing.T) {
	a := NewMeasurement("GPU-0", true)
	b := NewMeasurement("GPU-0", true)
	t0 := time.Unix(0, 0)
	a.UpdateAt(10, t0)
	a.UpdateAt(20, t0.Add(time.Second))
	b.UpdateAt(30, t0)
	b.UpdateAt(90, t0.Add(2*time.Second))

	a.Reduce(b)

	v := a.Value()
	if v.Count != 4 || v.Total != 150 || v.Min != 10 || v.Max != 90 {
		t.Errorf("unexpected merged value %+v", v)
	}
	r, _ := a.Rate()
	if r.Count != 2 || r.Min != 10 || r.Max != 30 {
		t.Errorf("unexpected merged rate %+v", r)
	}
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantName string
		wantPath string
		wantErr  bool
	}{
		{spec: "GPU-0.avg", wantName: "GPU-0", wantPath: "avg"},
		{spec: "RDTA-mlx5_0:1.rate.max", wantName: "RDTA-mlx5_0:1", wantPath: "rate.max"},
		{spec: "host.example.com.last", wantName: "host.example.com", wantPath: "last"},
		{spec: "rate.avg", wantName: "rate", wantPath: "avg"},
		{spec: "novalue", wantErr: true},
		{spec: ".avg", wantErr: true},
		{spec: "GPU-0.", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, path, err := ParseSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q %q", name, path)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSpec: %v", err)
			}
			if name != tt.wantName || path != tt.wantPath {
				t.Errorf("got (%q, %q), want (%q, %q)", name, path, tt.wantName, tt.wantPath)
			}
		})
	}
}

func TestStickyCounter_CumulativeDelta(t *testing.T) {
	readings := []float64{100, 140, 190}
	i := 0
	read := func() (float64, error) {
		v := readings[i]
		i++
		return v, nil
	}

	m := NewMeasurement("c", false)
	c := NewStickyCounter(m, read)
	if err := c.ResetBase(); err != nil {
		t.Fatalf("ResetBase: %v", err)
	}

	var got []float64
	for range 2 {
		if err := c.Update(); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got = append(got, m.Value().Last)
	}

	if diff := cmp.Diff([]float64{40, 90}, got); diff != "" {
		t.Errorf("unexpected deltas (-want +got):\n%s", diff)
	}
}

func TestStickyCounter_Scale(t *testing.T) {
	v := 10.0
	m := NewMeasurement("words", false)
	c := NewStickyCounter(m, func() (float64, error) { return v, nil })
	c.Scale = 4
	if err := c.ResetBase(); err != nil {
		t.Fatal(err)
	}
	v = 15
	if err := c.Update(); err != nil {
		t.Fatal(err)
	}
	if got := m.Value().Last; got != 20 {
		t.Errorf("expected 20, got %v", got)
	}
}

func TestStickyCounter_DecreaseIsReported(t *testing.T) {
	v := 100.0
	m := NewMeasurement("c", false)
	c := NewStickyCounter(m, func() (float64, error) { return v, nil })
	if err := c.ResetBase(); err != nil {
		t.Fatal(err)
	}
	v = 120
	if err := c.Update(); err != nil {
		t.Fatal(err)
	}
	v = 5
	err := c.Update()
	if !errors.Is(err, ErrCounterDecreased) {
		t.Fatalf("expected ErrCounterDecreased, got %v", err)
	}
	if m.Value().Count != 1 {
		t.Errorf("decrease must not be absorbed, count=%d", m.Value().Count)
	}
}

func TestStickyCounter_UpdateBeforeReset(t *testing.T) {
	c := NewStickyCounter(NewMeasurement("c", false), func() (float64, error) { return 1, nil })
	if err := c.Update(); !errors.Is(err, ErrBaseNotSet) {
		t.Fatalf("expected ErrBaseNotSet, got %v", err)
	}
}

func TestStickyCounter_ReadError(t *testing.T) {
	boom := errors.New("boom")
	c := NewStickyCounter(NewMeasurement("c", false), func() (float64, error) { return 0, boom })
	if err := c.ResetBase(); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}
