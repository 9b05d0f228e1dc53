package daemon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// TaskProcess is one supervised child executing a task pipeline.
type TaskProcess interface {
	PID() int
	// Signal delivers sig to the child's process group.
	Signal(sig syscall.Signal) error
	// Done is closed when the child has exited.
	Done() <-chan struct{}
	// ExitErr returns the wait error, nil on clean exit. Only valid
	// after Done is closed.
	ExitErr() error
}

// Launcher spawns task processes. The daemon itself only knows the
// interface so tests can substitute scripted children.
type Launcher interface {
	Launch(ctx context.Context, specID string, onStdoutLine func(string)) (TaskProcess, error)
}

// execLauncher re-executes the daemon binary with the run-task
// subcommand. Stdout lines double as liveness heartbeats.
type execLauncher struct {
	binary     string
	projectDir string
	extraArgs  []string
}

// NewExecLauncher launches tasks via the given binary; empty binary
// means the current executable.
func NewExecLauncher(binary, projectDir string, extraArgs ...string) (Launcher, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own binary: %w", err)
		}
		binary = self
	}
	return &execLauncher{binary: binary, projectDir: projectDir, extraArgs: extraArgs}, nil
}

func (l *execLauncher) Launch(ctx context.Context, specID string, onStdoutLine func(string)) (TaskProcess, error) {
	args := append([]string{"run-task", "--project-dir", l.projectDir, "--spec", specID}, l.extraArgs...)
	cmd := exec.Command(l.binary, args...)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr
	// Own process group so stuck-kill reaps the whole agent tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start task process: %w", err)
	}

	p := &childProcess{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			if onStdoutLine != nil {
				onStdoutLine(sc.Text())
			}
		}
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type childProcess struct {
	pid  int
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *childProcess) PID() int { return p.pid }

func (p *childProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.pid, sig)
}

func (p *childProcess) Done() <-chan struct{} { return p.done }

func (p *childProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
