package steps

import (
	"context"

	"nathanbeddoewebdev/benchctl/internal/plan"
	"nathanbeddoewebdev/benchctl/internal/process"
)

var commandAttr = plan.StringAttr{Name: "command", Help: "shell command line", Required: true}

func shellKind() plan.Kind {
	return plan.Kind{
		Name:        "shell",
		Description: "Run a command on every host in parallel",
		Attributes:  []plan.Attribute{hostsAttr, commandAttr, timeoutAttr, sigtermOKAttr},
		New:         func() plan.Action { return shellAction{} },
	}
}

type shellAction struct{}

func (shellAction) Perform(ctx context.Context, run *plan.Run, step *plan.Step, index int) error {
	sigtermOK := sigtermOKAttr.Get(step.Attrs)
	return runProcesses(ctx, run, step, index, hostsAttr.Get(step.Attrs), commandAttr.Get(step.Attrs),
		timeoutAttr.Get(step.Attrs), func(p *process.Process) bool {
			if sigtermOK && p.Err() == nil && !p.TimedOut() && p.Terminated() {
				return true
			}
			return p.Succeeded()
		})
}
