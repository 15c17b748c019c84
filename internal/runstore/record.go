package runstore

import "time"

// Run statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// RunRecord is one persisted sequence run.
type RunRecord struct {
	// ID is the run UUID.
	ID string

	// Sequence is the name of the plan that ran.
	Sequence string

	// LogsDir is the directory holding the per-step logs of the run.
	LogsDir string

	// From is the index of the first step considered.
	From int

	// Steps is the number of steps in the sequence.
	Steps int

	// Status is "running", "passed", "failed", "stopped" or "error".
	Status string

	// Failed lists the indices of failed steps.
	Failed []int

	// ErrorMessage explains an "error" status.
	ErrorMessage string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Elapsed returns the run duration, or zero while running.
func (r RunRecord) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// AttemptRecord is one attempt of one repeat of a step.
type AttemptRecord struct {
	ID           int64
	RunID        string
	StepIndex    int
	StepName     string
	Kind         string
	Repeat       int
	Try          int
	Passed       bool
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// MeasurementRecord is the summary of one measurement collected by a step.
type MeasurementRecord struct {
	ID        int64
	RunID     string
	StepIndex int
	StepName  string
	Name      string
	Count     uint64
	Min       float64
	Max       float64
	Avg       float64
	Last      float64

	// HasRate reports whether the Rate* fields are meaningful.
	HasRate bool
	RateMin float64
	RateMax float64
	RateAvg float64

	RecordedAt time.Time
}
