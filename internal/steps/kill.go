package steps

import (
	"context"
	"unicode"
	"unicode/utf8"

	"nathanbeddoewebdev/benchctl/internal/plan"
	"nathanbeddoewebdev/benchctl/internal/process"

	"al.essio.dev/pkg/shellescape"
)

var (
	patternAttr = plan.StringAttr{Name: "pattern", Help: "pkill -f pattern matched against full command lines", Required: true}
	signalAttr  = plan.EnumAttr{Name: "signal", Default: "TERM", Choices: []string{"TERM", "INT", "KILL", "HUP"}}
)

// pkillNoMatch is the pkill exit code when no process matched.
const pkillNoMatch = 1

func killKind() plan.Kind {
	return plan.Kind{
		Name:        "kill",
		Description: "Signal processes matching a pattern on every host",
		Attributes:  []plan.Attribute{hostsAttr, patternAttr, signalAttr, timeoutAttr},
		New:         func() plan.Action { return killAction{} },
	}
}

type killAction struct{}

func (killAction) Perform(ctx context.Context, run *plan.Run, step *plan.Step, index int) error {
	command := pkillCommand(patternAttr.Get(step.Attrs), signalAttr.Get(step.Attrs))
	return runProcesses(ctx, run, step, index, hostsAttr.Get(step.Attrs), command,
		timeoutAttr.Get(step.Attrs), func(p *process.Process) bool {
			if p.Err() != nil || p.TimedOut() {
				return false
			}
			code := p.ExitCode()
			return code == 0 || code == pkillNoMatch
		})
}

func pkillCommand(pattern, signal string) string {
	return "pkill -" + signal + " -f " + shellescape.Quote(selfSafePattern(pattern))
}

// selfSafePattern wraps the first character of pattern in a bracket
// expression. The regexp still matches the same command lines, but no longer
// matches the shells that carry the pattern text on their own command line.
func selfSafePattern(pattern string) string {
	r, size := utf8.DecodeRuneInString(pattern)
	if r == utf8.RuneError || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return pattern
	}
	return "[" + pattern[:size] + "]" + pattern[size:]
}
