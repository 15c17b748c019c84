package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-logr/logr"
)

// pgidMarker prefixes the line a remote wrapper prints to announce its
// process group id. The line is consumed by the output drainer.
const pgidMarker = "@@benchctl-pgid"

// remoteKillTimeout bounds the extra SSH connection used to signal a remote
// process group.
var remoteKillTimeout = 15 * time.Second

// SSHConfig controls how remote commands are wrapped.
type SSHConfig struct {
	// Binary is the ssh client to run. Defaults to "ssh".
	Binary string
	// User, when set, logs in as user@host.
	User string
	// Options are extra "-o" options, e.g. "IdentityFile=~/.ssh/bench".
	Options []string
}

// ResolveFunc maps a host name or alias to the address to connect to.
type ResolveFunc func(ctx context.Context, host string) (string, error)

// Spawner starts processes. The zero value spawns local commands with
// /bin/sh and remote commands with the default ssh client.
type Spawner struct {
	SSH SSHConfig
	// Resolve, when set, translates host names before connecting.
	Resolve ResolveFunc
	Logger  logr.Logger
}

type spawnOptions struct {
	title   string
	logPath string
	stderr  io.Writer
	stdin   bool
	env     []string
	dir     string
}

// Option customises a spawned process.
type Option func(*spawnOptions)

// WithTitle sets the process title. Defaults to the command line.
func WithTitle(title string) Option {
	return func(o *spawnOptions) { o.title = title }
}

// WithLog tees every output line into the file at path, truncating it.
func WithLog(path string) Option {
	return func(o *spawnOptions) { o.logPath = path }
}

// WithStderr captures stderr separately into w instead of merging it into
// the line stream.
func WithStderr(w io.Writer) Option {
	return func(o *spawnOptions) { o.stderr = w }
}

// WithStdin attaches a pipe to the process stdin, available via
// Process.Stdin.
func WithStdin() Option {
	return func(o *spawnOptions) { o.stdin = true }
}

// WithEnv appends KEY=VALUE pairs to the local process environment.
func WithEnv(env ...string) Option {
	return func(o *spawnOptions) { o.env = append(o.env, env...) }
}

// WithDir sets the working directory of a local process.
func WithDir(dir string) Option {
	return func(o *spawnOptions) { o.dir = dir }
}

// Local starts command through /bin/sh in a new process group.
func (s *Spawner) Local(command string, opts ...Option) *Process {
	o := applyOptions(command, opts)
	cmd := exec.Command("/bin/sh", "-c", command)
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	cmd.Dir = o.dir
	p := &Process{Title: o.title, Command: command, LogPath: o.logPath, spawner: s}
	s.start(p, cmd, o)
	return p
}

// Remote starts command on host over SSH. The remote side runs the command
// in a new session through setsid and announces its process group id so
// that Kill can reach every descendant.
func (s *Spawner) Remote(ctx context.Context, host, command string, opts ...Option) *Process {
	o := applyOptions(command, opts)
	p := &Process{Title: o.title, Server: host, Command: command, LogPath: o.logPath, spawner: s}

	addr, err := s.resolve(ctx, host)
	if err != nil {
		p.exitCode = exitNotStarted
		p.err = fmt.Errorf("process: resolve host %q: %w", host, err)
		return p
	}

	cmd := exec.Command(s.sshBinary(), s.sshArgs(addr, remoteWrapper(command))...)
	s.start(p, cmd, o)
	return p
}

// Spawn starts command locally when host is empty and remotely otherwise.
func (s *Spawner) Spawn(ctx context.Context, host, command string, opts ...Option) *Process {
	if host == "" {
		return s.Local(command, opts...)
	}
	return s.Remote(ctx, host, command, opts...)
}

func applyOptions(command string, opts []Option) spawnOptions {
	o := spawnOptions{title: command}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (s *Spawner) start(p *Process, cmd *exec.Cmd, o spawnOptions) {
	p.cmd = cmd
	p.exitCode = exitNotStarted
	setProcessGroup(cmd)

	fail := func(err error) {
		p.err = err
		p.closeLog()
		if p.output != nil {
			p.output.Close()
			p.output = nil
		}
		if p.stdin != nil {
			p.stdin.Close()
			p.stdin = nil
		}
		s.Logger.Error(err, "Failed to start process", "title", p.Title, "server", p.Server)
	}

	if o.logPath != "" {
		if err := os.MkdirAll(filepath.Dir(o.logPath), 0o755); err != nil {
			fail(fmt.Errorf("process: create log directory for %s: %w", o.logPath, err))
			return
		}
		f, err := os.Create(o.logPath)
		if err != nil {
			fail(fmt.Errorf("process: open log %s: %w", o.logPath, err))
			return
		}
		p.log = f
	}

	out, err := cmd.StdoutPipe()
	if err != nil {
		fail(fmt.Errorf("process: stdout pipe for %s: %w", p.Describe(), err))
		return
	}
	p.output = out
	if o.stderr != nil {
		cmd.Stderr = o.stderr
	} else {
		cmd.Stderr = cmd.Stdout
	}

	if o.stdin {
		in, err := cmd.StdinPipe()
		if err != nil {
			fail(fmt.Errorf("process: stdin pipe for %s: %w", p.Describe(), err))
			return
		}
		p.stdin = in
	}

	if err := cmd.Start(); err != nil {
		fail(fmt.Errorf("process: start %s: %w", p.Describe(), err))
		return
	}

	p.mu.Lock()
	p.exitCode = 0
	p.started = time.Now()
	p.mu.Unlock()
	s.Logger.V(1).Info("Started process", "title", p.Title, "server", p.Server, "pid", p.Pid())
}

func (s *Spawner) resolve(ctx context.Context, host string) (string, error) {
	if s.Resolve == nil {
		return host, nil
	}
	return s.Resolve(ctx, host)
}

func (s *Spawner) sshBinary() string {
	if s.SSH.Binary != "" {
		return s.SSH.Binary
	}
	return "ssh"
}

func (s *Spawner) sshArgs(addr string, remote string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=60",
		"-o", "ServerAliveCountMax=3",
	}
	for _, opt := range s.SSH.Options {
		args = append(args, "-o", opt)
	}
	target := addr
	if s.SSH.User != "" {
		target = s.SSH.User + "@" + addr
	}
	return append(args, target, remote)
}

// remoteWrapper builds the remote command line: a new session whose leader
// prints its pid (which is also its process group id) and then replaces
// itself with the user command.
func remoteWrapper(command string) string {
	inner := fmt.Sprintf("echo %s $$; exec /bin/sh -c %s", pgidMarker, shellescape.Quote(command))
	return "exec setsid -w /bin/sh -c " + shellescape.Quote(inner)
}

func (s *Spawner) killRemoteGroup(host string, pgid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), remoteKillTimeout)
	defer cancel()

	addr, err := s.resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("process: resolve host %q: %w", host, err)
	}
	remote := "kill -TERM -- -" + strconv.Itoa(pgid)
	out, err := exec.CommandContext(ctx, s.sshBinary(), s.sshArgs(addr, remote)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("process: kill remote group %d on %s: %w: %s", pgid, host, err, out)
	}
	s.Logger.V(1).Info("Signalled remote process group", "server", host, "pgid", pgid)
	return nil
}
