// Package worker implements the planner-to-worker message-passing protocol
// of spec.md §6: "the core treats [the shell-level worker] as a remote
// executor reachable by message passing." Workers here are in-process
// goroutines rather than the teacher's separate worker subprocess
// (src/build/worker.go's protobuf-speaking workerServer) — this engine has
// no persistent remote-worker protocol to speak, only a pool of
// executors running shell commands — but the request/response shape is
// kept the same: a planner→worker message carries (action name, resolved
// command, pipe-joined output paths); a worker→planner message carries
// (worker index, action name) on success or a single failure message.
package worker

import (
	"context"
	"strings"
	"time"

	"github.com/plower-build/plower/internal/process"
)

// Request is the planner→worker message of spec.md §6.
type Request struct {
	ActionName  string
	Command     string
	OutputPaths []string
}

// PipeJoinedOutputs renders OutputPaths the way the wire protocol names it:
// pipe-joined target paths.
func (r Request) PipeJoinedOutputs() string {
	return strings.Join(r.OutputPaths, "|")
}

// Response is the worker→planner message: either a success naming which
// worker and action completed, or a failure carrying the captured output.
type Response struct {
	WorkerIndex int
	ActionName  string
	Success     bool
	Output      []byte
	Err         error
}

// Pool is a fixed set of worker goroutines sharing one process.Executor,
// pulling Requests off a shared channel and reporting Responses back.
type Pool struct {
	Dir     string
	Timeout time.Duration

	requests  chan Request
	responses chan Response
	executor  *process.Executor
}

// NewPool starts n worker goroutines rooted at dir, each running requests
// through a single shared process.Executor (which tracks every in-flight
// child process for the killer to escalate against).
func NewPool(ctx context.Context, n int, dir string, timeout time.Duration) *Pool {
	p := &Pool{
		Dir:       dir,
		Timeout:   timeout,
		requests:  make(chan Request),
		responses: make(chan Response, n),
		executor:  process.New(),
	}
	for i := 0; i < n; i++ {
		go p.run(ctx, i)
	}
	return p
}

// Submit sends a request to the pool; it blocks until a worker picks it up.
func (p *Pool) Submit(req Request) {
	p.requests <- req
}

// Responses returns the channel workers report their results on.
func (p *Pool) Responses() <-chan Response {
	return p.responses
}

// Close signals every worker goroutine to stop once its current request
// (if any) finishes.
func (p *Pool) Close() {
	close(p.requests)
}

// Executor exposes the pool's shared process.Executor, so the killer can
// read its tracked processes (e.g. for a synchronous Bail on shutdown).
func (p *Pool) Executor() *process.Executor {
	return p.executor
}

func (p *Pool) run(ctx context.Context, index int) {
	for req := range p.requests {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		out, err := p.executor.Run(ctx, p.Dir, req.Command, timeout)
		p.responses <- Response{
			WorkerIndex: index,
			ActionName:  req.ActionName,
			Success:     err == nil,
			Output:      out,
			Err:         err,
		}
	}
}
