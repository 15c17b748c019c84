package steps

import (
	"context"
	"time"

	"nathanbeddoewebdev/benchctl/internal/plan"
)

var durationAttr = plan.DurationAttr{Name: "duration", Help: "how long to wait", Default: time.Second}

func sleepKind() plan.Kind {
	return plan.Kind{
		Name:        "sleep",
		Description: "Wait for a fixed duration",
		Attributes:  []plan.Attribute{durationAttr},
		New:         func() plan.Action { return sleepAction{} },
	}
}

type sleepAction struct{}

func (sleepAction) Perform(ctx context.Context, run *plan.Run, step *plan.Step, index int) error {
	d := durationAttr.Get(step.Attrs)
	_, log := stepLogger(ctx, run, step, index)
	log.V(1).Info("Sleeping", "duration", d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
