// Package process runs the shell commands an Action resolves to and
// escalates signals against any that overrun their timeout, grounded on
// thought-machine/please's src/process/process.go. The sandboxing
// machinery there (network/mount namespaces, please_sandbox) has no
// analogue in this engine's worker protocol, so it is dropped; what
// remains is the timeout/kill-escalation core.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/plower-build/plower/internal/climisc"
)

var log = climisc.Log

// Executor starts and supervises the subprocesses backing issued Actions.
type Executor struct {
	mu        sync.Mutex
	processes map[*exec.Cmd]<-chan error
}

// New returns an empty Executor.
func New() *Executor {
	return &Executor{processes: map[*exec.Cmd]<-chan error{}}
}

// Run executes the resolved command string in dir under a Bash shell,
// honouring timeout. On timeout the returned error is context.DeadlineExceeded
// and the process is killed via the SIGTERM-then-SIGKILL escalation in
// KillProcess. It returns the combined stdout+stderr output.
func (e *Executor) Run(ctx context.Context, dir, command string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out safeBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	ch := make(chan error, 1)
	e.register(cmd, ch)
	defer e.unregister(cmd)
	go func() { ch <- cmd.Wait() }()

	select {
	case err := <-ch:
		return out.Bytes(), err
	case <-ctx.Done():
		e.KillProcess(cmd, ch)
		return out.Bytes(), ctx.Err()
	}
}

// KillProcess implements the killer/bailer escalation: send SIGTERM to the
// process group, wait briefly, then send SIGKILL if it hasn't exited.
func (e *Executor) KillProcess(cmd *exec.Cmd, ch <-chan error) {
	success := sendSignal(cmd, ch, syscall.SIGTERM, 30*time.Millisecond)
	if !sendSignal(cmd, ch, syscall.SIGKILL, time.Second) && !success {
		log.Error("failed to kill runaway worker process")
	}
	e.unregister(cmd)
}

func (e *Executor) register(cmd *exec.Cmd, ch <-chan error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processes[cmd] = ch
}

func (e *Executor) unregister(cmd *exec.Cmd) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.processes, cmd)
}

// KillAll attempts to terminate every process this Executor has started
// and has not yet seen finish.
func (e *Executor) KillAll() {
	e.mu.Lock()
	procs := make(map[*exec.Cmd]<-chan error, len(e.processes))
	for k, v := range e.processes {
		procs[k] = v
	}
	e.mu.Unlock()
	for cmd, ch := range procs {
		e.KillProcess(cmd, ch)
	}
}

func sendSignal(cmd *exec.Cmd, ch <-chan error, sig syscall.Signal, timeout time.Duration) bool {
	if cmd.Process == nil {
		return false
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// safeBuffer serialises writes from a command's combined stdout/stderr.
type safeBuffer struct {
	sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.Lock()
	defer b.Unlock()
	return append([]byte{}, b.buf.Bytes()...)
}

var _ io.Writer = (*safeBuffer)(nil)
