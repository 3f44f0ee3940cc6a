// Package scheduler implements the single planner loop of spec.md §4.6: a
// priority queue of ready actions (ascending creation order), a pool of
// idle workers, and an outstanding set of dispatched-but-not-yet-updated
// actions. It is single-threaded from the graph's point of view — only the
// scheduler goroutine ever calls graph.Engine's mutating methods — with a
// fixed pool of worker goroutines doing the actual command execution via
// the internal/worker message-passing protocol.
//
// Grounded on thought-machine/please's src/core/state.go BuildState (a
// channel-fed queue of pending work plus a Results channel workers report
// back on), generalised from please's per-target build/test split to this
// engine's single shell/copy/dummy Action kind.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/plower-build/plower/internal/climisc"
	"github.com/plower-build/plower/internal/graph"
	"github.com/plower-build/plower/internal/killer"
	"github.com/plower-build/plower/internal/worker"
)

var log = climisc.Log

// Scheduler drives the planner loop described in spec.md §4.6.
type Scheduler struct {
	Engine   *graph.Engine
	Killer   *killer.Killer
	BuildDir string
	Workers  int
	Timeout  time.Duration

	queue       actionHeap
	queued      map[graph.ActionID]bool
	outstanding map[graph.ActionID]bool
	all         []*graph.Action

	pool *worker.Pool
	// dispatchedByName maps an in-flight Request's action name back to the
	// Action it came from, since the worker protocol's response carries
	// only (worker-index, action-name) per spec.md §6. This relies on
	// action names being unique within a single run, which holds because
	// they are derived from fully-qualified build rule labels.
	dispatchedByName map[string]*graph.Action

	// Dispatched counts how many actions were actually handed to a
	// worker (as opposed to skipped because they were already clean);
	// spec.md §8 invariant 6 requires this to be zero on a no-op rerun.
	Dispatched int
}

// New constructs a Scheduler over every action in actions (the complete set
// loaded from the build files), with the given worker pool size.
func New(e *graph.Engine, actions []*graph.Action, buildDir string, workers int, timeout time.Duration) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		Engine:           e,
		Killer:           killer.New(),
		BuildDir:         buildDir,
		Workers:          workers,
		Timeout:          timeout,
		queued:           map[graph.ActionID]bool{},
		outstanding:      map[graph.ActionID]bool{},
		all:              actions,
		dispatchedByName: map[string]*graph.Action{},
	}
}

// Run drives the loop to completion: every action is issued, run (if
// dirty) or skipped (if clean), and marked done, or the run fails with an
// error identifying the culprit action. It returns the first error
// encountered, after bailing every still-running worker.
func (s *Scheduler) Run(ctx context.Context) error {
	// Cancelling on return kills any command still running in a worker.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.pool = worker.NewPool(ctx, s.Workers, s.BuildDir, s.Timeout)
	defer s.pool.Close()

	pending := map[graph.ActionID]*graph.Action{}
	for _, a := range s.all {
		pending[a.ID] = a
	}

	if err := s.fill(pending); err != nil {
		return err
	}

	for len(pending) > 0 || len(s.outstanding) > 0 {
		if s.queue.Len() == 0 {
			if len(s.outstanding) == 0 {
				return fmt.Errorf("scheduler deadlock: %d action(s) pending but none are ready and none are running", len(pending))
			}
			r := <-s.pool.Responses()
			a, ok := s.dispatchedByName[r.ActionName]
			if !ok {
				continue
			}
			delete(s.dispatchedByName, r.ActionName)
			if err := s.finish(pending, a, r.Output, r.Err); err != nil {
				s.Killer.Bail("scheduler error")
				return err
			}
			continue
		}

		a := heap.Pop(&s.queue).(*graph.Action)
		delete(s.queued, a.ID)
		s.outstanding[a.ID] = true

		if !a.Dirty {
			// Clean: nothing to execute, go straight to updated. This is
			// the critical invariant spec.md §4.6 step 1 calls out: it
			// avoids recursing updated() inside the same call stack that
			// discovered readiness.
			s.Engine.MarkIssued(a)
			if err := s.finish(pending, a, nil, nil); err != nil {
				s.Killer.Bail("scheduler error")
				return err
			}
			continue
		}

		s.Engine.MarkIssued(a)
		s.Dispatched++
		switch a.Kind {
		case graph.KindCopy, graph.KindDummy:
			// COPY/DUMMY run synchronously on the planner thread, per
			// spec.md §6: they're not real subprocess work, so there's
			// nothing a worker round-trip buys us.
			var err error
			if a.Kind == graph.KindCopy {
				err = copyFile(a.CopySrc, a.CopyDst)
			} else {
				for _, p := range s.Engine.PathsOf(a.Outputs) {
					if err = os.MkdirAll(filepath.Dir(p), 0755); err == nil {
						err = os.WriteFile(p, nil, 0644)
					}
					if err != nil {
						break
					}
				}
			}
			if ferr := s.finish(pending, a, nil, err); ferr != nil {
				s.Killer.Bail("scheduler error")
				return ferr
			}
		default:
			s.dispatchedByName[a.Name] = a
			s.pool.Submit(worker.Request{
				ActionName:  a.Name,
				Command:     a.ResolvedCommand,
				OutputPaths: s.Engine.PathsOf(a.Outputs),
			})
		}
	}
	return nil
}

// fill scans every still-pending action for readiness and pushes newly
// ready ones onto the priority queue, matching spec.md §4.6 step 1.
func (s *Scheduler) fill(pending map[graph.ActionID]*graph.Action) error {
	for _, a := range pending {
		if a.Issued || s.queued[a.ID] {
			continue
		}
		ready, dirty, err := s.Engine.IssueIfReady(a)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Name, err)
		}
		if !ready {
			continue
		}
		a.Dirty = dirty
		s.queued[a.ID] = true
		heap.Push(&s.queue, a)
	}
	return nil
}

func (s *Scheduler) finish(pending map[graph.ActionID]*graph.Action, a *graph.Action, output []byte, runErr error) error {
	delete(s.outstanding, a.ID)
	delete(pending, a.ID)
	if runErr != nil {
		culprit := a.Culprit
		if culprit == "" {
			culprit = a.Name
		}
		// Per spec.md §7, a failed tool invocation leaves no partial
		// output behind.
		for _, id := range a.Outputs {
			if f := s.Engine.File(id); f != nil {
				os.Remove(f.Path)
			}
		}
		return fmt.Errorf("%s| ERROR: action failed (culprit: %s): %w\n%s", a.Name, culprit, runErr, output)
	}
	dependents, err := s.Engine.Updated(a)
	if err != nil {
		return err
	}
	for _, id := range dependents {
		if dep := s.Engine.Action(id); dep != nil && !dep.Issued {
			ready, dirty, err := s.Engine.IssueIfReady(dep)
			if err != nil {
				return fmt.Errorf("%s: %w", dep.Name, err)
			}
			if ready && !s.queued[dep.ID] {
				dep.Dirty = dirty
				s.queued[dep.ID] = true
				heap.Push(&s.queue, dep)
			}
		}
	}
	return s.fill(pending)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	return out.Close()
}

// actionHeap is a container/heap priority queue ordered by ascending
// Action.Order, so actions are dispatched in creation order among those
// simultaneously ready, per spec.md §4.6's ordering guarantee.
type actionHeap []*graph.Action

func (h actionHeap) Len() int            { return len(h) }
func (h actionHeap) Less(i, j int) bool  { return h[i].Order < h[j].Order }
func (h actionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x interface{}) { *h = append(*h, x.(*graph.Action)) }
func (h *actionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
