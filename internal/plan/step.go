package plan

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the execution state of a step.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPassed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Action is the work a step kind performs. Perform is called once per
// attempt with the 0-based repeat index; a non-nil error fails the attempt.
// Implementations must return promptly once ctx is done.
type Action interface {
	Perform(ctx context.Context, run *Run, step *Step, index int) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, run *Run, step *Step, index int) error

func (f ActionFunc) Perform(ctx context.Context, run *Run, step *Step, index int) error {
	return f(ctx, run, step, index)
}

// Step is one unit of work in a sequence.
type Step struct {
	Kind string
	// Name defaults to the kind name.
	Name    string
	Enabled bool
	// Repeat is how many times Perform runs per sequence run.
	Repeat int
	// StopOnFailure aborts the sequence run when the step fails.
	StopOnFailure bool
	// Retries is the number of extra attempts per repeat.
	Retries    int
	RetryDelay time.Duration
	Attrs      *Attributes
	// LogsDir is assigned by the sequence before the step runs.
	LogsDir string

	action Action

	mu       sync.Mutex
	status   Status
	err      error
	position int
}

// NewStep returns an enabled step of a registered kind with default
// attributes.
func NewStep(kind string) (*Step, error) {
	k, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	return &Step{
		Kind:          k.Name,
		Name:          k.Name,
		Enabled:       true,
		Repeat:        1,
		StopOnFailure: true,
		Attrs:         NewAttributes(k.Attributes...),
		action:        k.New(),
	}, nil
}

// NewCustomStep returns an enabled step running action. It is used for
// steps built in code rather than from the registry.
func NewCustomStep(name string, action Action, attrs ...Attribute) *Step {
	return &Step{
		Kind:          "custom",
		Name:          name,
		Enabled:       true,
		Repeat:        1,
		StopOnFailure: true,
		Attrs:         NewAttributes(attrs...),
		action:        action,
	}
}

// Status returns the current status.
func (s *Step) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error of the last failed attempt.
func (s *Step) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Position returns the index of the step in the sequence it last ran in.
func (s *Step) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Step) setStatus(st Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.err = err
}

func (s *Step) setPosition(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = i
}

// Validate checks the step settings and its attributes.
func (s *Step) Validate() error {
	if s.Repeat < 1 {
		return fmt.Errorf("plan: step %q: repeat must be at least 1", s.Name)
	}
	if s.Retries < 0 {
		return fmt.Errorf("plan: step %q: retries must not be negative", s.Name)
	}
	if s.action == nil {
		return fmt.Errorf("plan: step %q has no action", s.Name)
	}
	if err := s.Attrs.Validate(); err != nil {
		return fmt.Errorf("plan: step %q: %w", s.Name, err)
	}
	return nil
}

// Clone returns an idle deep copy with a fresh action.
func (s *Step) Clone() *Step {
	c := &Step{
		Kind:          s.Kind,
		Name:          s.Name,
		Enabled:       s.Enabled,
		Repeat:        s.Repeat,
		StopOnFailure: s.StopOnFailure,
		Retries:       s.Retries,
		RetryDelay:    s.RetryDelay,
		Attrs:         s.Attrs.Clone(),
		action:        s.action,
	}
	if k, err := Lookup(s.Kind); err == nil {
		c.action = k.New()
	}
	return c
}

// Describe returns "name (kind)", or just the name when both match.
func (s *Step) Describe() string {
	if s.Name == s.Kind {
		return s.Name
	}
	return s.Name + " (" + s.Kind + ")"
}
