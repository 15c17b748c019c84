// Package sampler polls telemetry probes on a fixed interval and keeps the
// resulting measurements, optionally appending every sample to one log file
// per measurement.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/go-logr/logr"
)

// DefaultInterval is the polling interval used when Config.Interval is zero.
const DefaultInterval = time.Second

// ErrStopTimeout is returned by WaitForStop when the loop did not exit in time.
var ErrStopTimeout = errors.New("sampler did not stop in time")

// ErrAlreadyStarted is returned by Start on a running sampler.
var ErrAlreadyStarted = errors.New("sampler already started")

// Probe produces measurements. Sample is called from a single goroutine.
type Probe interface {
	// Name identifies the probe in logs.
	Name() string
	// Measurements returns the measurements the probe updates. The set is
	// fixed at construction.
	Measurements() []*stats.Measurement
	// Reset prepares the probe for a sampling run, e.g. by capturing counter
	// baselines. An error prevents the sampler from starting.
	Reset(ctx context.Context) error
	// Sample takes one sample. An error skips the tick.
	Sample(ctx context.Context) error
}

// Config controls a Sampler.
type Config struct {
	Interval time.Duration
	// LogDir, when set, receives one "<measurement>.log" file per
	// measurement with lines "<epoch seconds>, <value>".
	LogDir string
	Logger logr.Logger
}

// Sampler runs one Probe on a background loop.
type Sampler struct {
	probe    Probe
	interval time.Duration
	logDir   string
	log      logr.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	files   map[*stats.Measurement]*os.File
	failed  atomic.Bool
	lastErr atomic.Pointer[error]
	ticks   atomic.Int64
}

// New returns a stopped sampler for probe.
func New(probe Probe, cfg Config) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		probe:    probe,
		interval: interval,
		logDir:   cfg.LogDir,
		log:      cfg.Logger.WithValues("probe", probe.Name()),
	}
}

// Name returns the probe name.
func (s *Sampler) Name() string { return s.probe.Name() }

// Measurements returns the probe's measurements.
func (s *Sampler) Measurements() []*stats.Measurement { return s.probe.Measurements() }

// Failed reports whether any tick failed since the last Start.
func (s *Sampler) Failed() bool { return s.failed.Load() }

// LastError returns the most recent tick error, if any.
func (s *Sampler) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Ticks returns the number of successful samples since the last Start.
func (s *Sampler) Ticks() int64 { return s.ticks.Load() }

// Running reports whether the loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Start resets the probe, opens the sample logs and launches the loop.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyStarted
	}

	if err := s.probe.Reset(ctx); err != nil {
		return fmt.Errorf("sampler: reset %s: %w", s.probe.Name(), err)
	}
	if err := s.openLogs(); err != nil {
		return err
	}

	s.failed.Store(false)
	s.lastErr.Store(nil)
	s.ticks.Store(0)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done, s.files)
	s.log.V(1).Info("Sampler started", "interval", s.interval)
	return nil
}

// Stop asks the loop to exit. It does not wait.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// WaitForStop waits until the loop exited and its log files are closed.
// A zero timeout waits forever.
func (s *Sampler) WaitForStop(timeout time.Duration) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			return fmt.Errorf("sampler: %s: %w", s.probe.Name(), ErrStopTimeout)
		}
	} else {
		<-done
	}

	s.mu.Lock()
	if s.done == done {
		s.done = nil
		s.cancel = nil
		s.files = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}, files map[*stats.Measurement]*os.File) {
	defer close(done)
	defer closeLogs(files, s.log)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.V(1).Info("Sampler stopped", "ticks", s.ticks.Load())
			return
		case <-ticker.C:
		}

		if err := s.probe.Sample(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failed.Store(true)
			s.lastErr.Store(&err)
			s.log.Error(err, "Sample failed")
			continue
		}
		s.ticks.Add(1)
		writeSamples(files, s.log)
	}
}

func (s *Sampler) openLogs() error {
	if s.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return fmt.Errorf("sampler: create log directory %s: %w", s.logDir, err)
	}

	files := make(map[*stats.Measurement]*os.File)
	for _, m := range s.probe.Measurements() {
		path := filepath.Join(s.logDir, LogFileName(m.Name))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			closeLogs(files, s.log)
			return fmt.Errorf("sampler: open sample log %s: %w", path, err)
		}
		files[m] = f
	}
	s.files = files
	return nil
}

// LogFileName returns the sample log file name for a measurement.
func LogFileName(measurement string) string {
	return strings.ReplaceAll(measurement, string(filepath.Separator), "_") + ".log"
}

// FormatSample renders one sample log line.
func FormatSample(t time.Time, v float64) string {
	return fmt.Sprintf("%.3f, %g\n", float64(t.UnixNano())/1e9, v)
}

func writeSamples(files map[*stats.Measurement]*os.File, log logr.Logger) {
	for m, f := range files {
		v := m.Value()
		if v.Count == 0 {
			continue
		}
		if _, err := f.WriteString(FormatSample(v.LastUpdate, v.Last)); err != nil {
			log.Error(err, "Failed to write sample", "measurement", m.Name)
		}
	}
}

func closeLogs(files map[*stats.Measurement]*os.File, log logr.Logger) {
	for m, f := range files {
		if err := f.Close(); err != nil {
			log.Error(err, "Failed to close sample log", "measurement", m.Name)
		}
	}
}
