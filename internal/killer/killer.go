// Package killer implements the killer/bailer escalation of spec.md §4.7:
// a stuck action is escalated nothing -> term -> kill over a bounded
// timeout, and an operator- or scheduler-initiated bail walks every
// in-flight action through the same ladder. Grounded on
// thought-machine/please's signal handling in src/cli/process.go
// (AtExit/handleSignals: a registered set of handlers run once, with a
// second signal forcing an immediate abort) and the SIGTERM/SIGKILL
// escalation in src/process/process.go.
package killer

import (
	"context"
	"sync"
	"time"

	"github.com/plower-build/plower/internal/climisc"
)

var log = climisc.Log

// Stage names the escalation step an in-flight action is at.
type Stage int

const (
	StageNothing Stage = iota
	StageTerm
	StageKill
)

// Timeout is the grace period at each escalation step before moving to the
// next, per spec.md §4.7.
const Timeout = 6 * time.Second

// Killable is anything the killer can escalate against: an in-flight
// action's process handle.
type Killable interface {
	// Terminate sends a graceful stop request (e.g. SIGTERM).
	Terminate()
	// Kill sends a forceful stop request (e.g. SIGKILL).
	Kill()
}

// Killer tracks every in-flight Killable and can bail the whole set.
type Killer struct {
	mu      sync.Mutex
	inFlight map[int]entry
	nextID  int
}

type entry struct {
	k     Killable
	stage Stage
	until time.Time
}

// New returns an empty Killer.
func New() *Killer {
	return &Killer{inFlight: map[int]entry{}}
}

// Track registers k as in-flight and returns a handle used to untrack it
// once the action it guards completes normally.
func (kl *Killer) Track(k Killable) int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	kl.nextID++
	id := kl.nextID
	kl.inFlight[id] = entry{k: k, stage: StageNothing, until: time.Now().Add(Timeout)}
	return id
}

// Untrack removes the handle, e.g. because its action finished on its own.
func (kl *Killer) Untrack(id int) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	delete(kl.inFlight, id)
}

// Tick advances every tracked action's escalation stage once its deadline
// has passed. It is meant to be called periodically (e.g. by the scheduler
// loop) rather than driven by a per-action timer.
func (kl *Killer) Tick(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for id, e := range kl.inFlight {
		if now.Before(e.until) {
			continue
		}
		switch e.stage {
		case StageNothing:
			log.Warning("action exceeded its timeout, sending a graceful stop request")
			e.k.Terminate()
			e.stage = StageTerm
			e.until = now.Add(Timeout)
		case StageTerm:
			log.Warning("action ignored the graceful stop request, killing it")
			e.k.Kill()
			e.stage = StageKill
			e.until = now.Add(Timeout)
		case StageKill:
			// Already sent the final signal; nothing further to escalate to.
		}
		kl.inFlight[id] = e
	}
}

// Bail escalates every in-flight action straight to Kill, used when the
// scheduler itself is being torn down (a fatal error, or an operator
// interrupt) rather than waiting for each one's individual timeout.
func (kl *Killer) Bail(initiator string) {
	log.Warning("bailing out (initiated by %s): killing %d in-flight action(s)", initiator, len(kl.inFlight))
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for id, e := range kl.inFlight {
		e.k.Kill()
		delete(kl.inFlight, id)
	}
}

// Run watches ctx and calls Bail once it is cancelled, so callers can wire
// a context.CancelFunc (e.g. from a second interrupt signal) straight into
// an unconditional teardown without threading that logic through the
// scheduler itself.
func (kl *Killer) Run(ctx context.Context, initiator string) {
	<-ctx.Done()
	kl.Bail(initiator)
}
