// Package process spawns local and SSH-remote commands in their own process
// groups and supervises sets of them in parallel.
//
// Every process is started through a Spawner, which captures spawn failures
// on the returned Process instead of returning them, so that a batch of
// processes can always be handed to Wait as a whole.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Exit codes reported when a process ends because of SIGTERM, either
// locally (negative signal number) or through a remote shell (128+15).
const (
	ExitSIGTERM       = -15
	ExitShellSIGTERM  = 143
	exitNotStarted    = -1
	maxLineBytes      = 1024 * 1024
	initialLineBuffer = 64 * 1024
)

// Process is one OS-level process managed by benchctl.
type Process struct {
	// Title is a human-readable label used in logs and log file names.
	Title string
	// Server is the host the command runs on; empty for local processes.
	Server string
	// Command is the command line as given to the spawner.
	Command string
	// LogPath is the file receiving the process output, if any.
	LogPath string

	cmd     *exec.Cmd
	output  io.ReadCloser
	stdin   io.WriteCloser
	spawner *Spawner

	logMu sync.Mutex
	log   *os.File

	mu         sync.Mutex
	exitCode   int
	err        error
	timedOut   bool
	detached   bool
	remotePGID int
	started    time.Time
	finished   time.Time
}

// Pid returns the local process id, or 0 if the process never started.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the captured exit status. Processes killed by a signal
// report the negated signal number; processes that never started report -1.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the spawn or I/O error captured for the process, if any.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// TimedOut reports whether the supervisor gave up waiting for the process.
func (p *Process) TimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timedOut
}

// RemotePGID returns the process group id reported by the remote wrapper,
// or 0 when unknown.
func (p *Process) RemotePGID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remotePGID
}

// Elapsed returns the run time so far, or the total run time once finished.
func (p *Process) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		return 0
	}
	if p.finished.IsZero() {
		return time.Since(p.started)
	}
	return p.finished.Sub(p.started)
}

// Succeeded reports a clean start and a zero exit code.
func (p *Process) Succeeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err == nil && !p.timedOut && p.exitCode == 0
}

// Terminated reports an exit caused by SIGTERM, which is also how a clean
// stop request ends a process.
func (p *Process) Terminated() bool {
	code := p.ExitCode()
	return code == ExitSIGTERM || code == ExitShellSIGTERM
}

// Stdin returns the write end of the process stdin, or nil when the process
// was not spawned WithStdin.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Describe returns "title@server" (or just the title for local processes).
func (p *Process) Describe() string {
	if p.Server == "" {
		return p.Title
	}
	return p.Title + "@" + p.Server
}

// Kill sends SIGTERM to the process group. For remote processes whose group
// id is known the remote group is signalled over a separate SSH connection
// first, so children of the remote command do not outlive the request.
func (p *Process) Kill() error {
	var errs []error
	if p.Server != "" && p.spawner != nil {
		if pgid := p.RemotePGID(); pgid > 0 {
			if err := p.spawner.killRemoteGroup(p.Server, pgid); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if pid := p.Pid(); pid > 0 {
		if err := killGroup(pid); err != nil {
			errs = append(errs, fmt.Errorf("process: kill %s (pid %d): %w", p.Describe(), pid, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Process) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Process) markTimedOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timedOut = true
	p.detached = true
}

func (p *Process) isDetached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

// consumeMarker records the remote process group id announced by the
// remote wrapper and reports whether line was that announcement.
func (p *Process) consumeMarker(line string) bool {
	if p.Server == "" {
		return false
	}
	rest, ok := strings.CutPrefix(line, pgidMarker+" ")
	if !ok {
		return false
	}
	pgid, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return false
	}
	p.mu.Lock()
	if p.remotePGID == 0 {
		p.remotePGID = pgid
	}
	p.mu.Unlock()
	return true
}

func (p *Process) writeLog(line string) {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	if p.log == nil {
		return
	}
	if _, err := io.WriteString(p.log, line+"\n"); err != nil {
		p.setErr(fmt.Errorf("process: write log %s: %w", p.LogPath, err))
		p.log.Close()
		p.log = nil
	}
}

func (p *Process) closeLog() {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	if p.log == nil {
		return
	}
	if err := p.log.Close(); err != nil {
		p.setErr(fmt.Errorf("process: close log %s: %w", p.LogPath, err))
	}
	p.log = nil
}

// drain reads the process output line by line until EOF, then waits for the
// process to exit. Both conditions are required before a process counts as
// finished so that no buffered output is lost.
func (p *Process) drain(onLine func(string)) {
	if p.output != nil {
		sc := bufio.NewScanner(p.output)
		sc.Buffer(make([]byte, 0, initialLineBuffer), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			if p.consumeMarker(line) {
				continue
			}
			p.writeLog(line)
			if onLine != nil && !p.isDetached() {
				onLine(line)
			}
		}
		if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.setErr(fmt.Errorf("process: read output of %s: %w", p.Describe(), err))
		}
	}
	p.wait()
}

func (p *Process) wait() {
	if p.cmd == nil || p.cmd.Process == nil {
		p.mu.Lock()
		p.finished = time.Now()
		p.mu.Unlock()
		return
	}

	err := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = time.Now()
	if p.cmd.ProcessState != nil {
		p.exitCode = exitCodeOf(p.cmd.ProcessState)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && p.err == nil {
		p.err = fmt.Errorf("process: wait %s: %w", p.Describe(), err)
	}
}
