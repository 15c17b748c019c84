// Package monitor implements the line protocol between the controller and
// a long-lived telemetry agent running on a worker machine.
//
// Commands are single lines written to the agent's stdin:
//
//	start
//	stop
//	print [name.field ...]
//	search <regexp>
//	quit
//
// A command may carry a "@<seq> " prefix, which the agent echoes as the
// first token of its response. Responses are stdout lines starting with
// ">>> "; every other stdout line is log output.
package monitor

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// ResponsePrefix marks a response line.
const ResponsePrefix = ">>> "

// Verbs understood by the agent.
const (
	VerbStart  = "start"
	VerbStop   = "stop"
	VerbPrint  = "print"
	VerbSearch = "search"
	VerbQuit   = "quit"
)

const (
	tokenOK    = "ok"
	tokenError = "error"
	seqPrefix  = "@"
)

// RemoteError is an error reported by the agent.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "monitor: agent error: " + e.Message
}

// Response is one parsed response line.
type Response struct {
	// Seq is the echoed request tag including the "@", or empty.
	Seq    string
	Tokens []string
}

// Err returns the agent error carried by r, if any.
func (r Response) Err() error {
	if len(r.Tokens) > 0 && r.Tokens[0] == tokenError {
		return &RemoteError{Message: strings.Join(r.Tokens[1:], " ")}
	}
	return nil
}

// ParseResponse parses a stdout line, reporting false for log lines.
func ParseResponse(line string) (Response, bool) {
	rest, ok := strings.CutPrefix(line, ResponsePrefix)
	if !ok {
		// A bare ">>>" is an empty response.
		if strings.TrimRight(line, " ") != strings.TrimSpace(ResponsePrefix) {
			return Response{}, false
		}
		rest = ""
	}
	tokens := strings.Fields(rest)
	var r Response
	if len(tokens) > 0 && strings.HasPrefix(tokens[0], seqPrefix) {
		r.Seq = tokens[0]
		tokens = tokens[1:]
	}
	r.Tokens = tokens
	return r, true
}

// FormatResponse renders a response line without the trailing newline.
func FormatResponse(seq string, tokens ...string) string {
	parts := make([]string, 0, len(tokens)+1)
	if seq != "" {
		parts = append(parts, seq)
	}
	parts = append(parts, tokens...)
	return strings.TrimRight(ResponsePrefix+strings.Join(parts, " "), " ")
}

// Command is one parsed request line.
type Command struct {
	Seq  string
	Verb string
	// Arg is the remainder of the line after the verb, trimmed.
	Arg string
}

// ParseCommand parses a request line.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	var c Command
	if strings.HasPrefix(line, seqPrefix) {
		c.Seq, line, _ = strings.Cut(line, " ")
		line = strings.TrimSpace(line)
	}
	verb, arg, _ := strings.Cut(line, " ")
	c.Verb = strings.ToLower(verb)
	c.Arg = strings.TrimSpace(arg)
	return c
}

// String renders the command line without the trailing newline.
func (c Command) String() string {
	s := c.Verb
	if c.Arg != "" {
		s += " " + c.Arg
	}
	if c.Seq != "" {
		s = c.Seq + " " + s
	}
	return s
}

func seqTag(n uint64) string {
	return seqPrefix + strconv.FormatUint(n, 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(token string) (float64, error) {
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, fmt.Errorf("monitor: invalid value %q", token)
	}
	return v, nil
}

// LineWriter serialises writes so that log entries and responses sharing
// one stream never interleave within a line.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineWriter wraps w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

func (l *LineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// WriteLine writes s followed by a newline in a single write.
func (l *LineWriter) WriteLine(s string) error {
	_, err := l.Write([]byte(s + "\n"))
	return err
}
