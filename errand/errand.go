// Package errand implements the single-threaded cooperative scheduler that
// drives every deferred operation in the driver: timed polling of hardware
// bits, completion callbacks, and staged state-machine transitions (see
// spec §5 and §9).
//
// The source this driver replaces sequences asynchronous steps with
// reference-counted lambdas capturing `this`; this package instead makes
// the errand a first-class, inspectable value: an Errand{Name, at, step}
// stored in a time-ordered pending set, with a thin Loop popping ready
// entries and invoking their step function. Predicate-driven polling is
// built on top of it by Poll, which checks its predicate inside the step.
// There are no worker goroutines and no preemption between errand bodies;
// the Loop's Run method is the only place blocking happens.
package errand

import (
	"container/heap"
	"context"
	"time"
)

// Step is the body of a pending errand. now is the time the runtime woke
// it up (>= the errand's scheduled time). A Step returns a Result
// describing what should happen next.
type Step func(now time.Time) Result

// Result tells the Loop what to do after a Step returns.
type Result struct {
	// Done, when true, removes the errand from the pending set.
	Done bool
	// Reschedule, when Done is false, is the delay before Step runs
	// again. A zero delay runs again on the very next Loop iteration.
	Reschedule time.Duration
}

// Finished is the Result returned by a Step that has nothing left to do.
var Finished = Result{Done: true}

// Again reschedules the errand after the given delay.
func Again(after time.Duration) Result {
	return Result{Reschedule: after}
}

// Errand is one piece of cooperative deferred work.
type Errand struct {
	// Name is used only for diagnostics (logging, debug dumps).
	Name string

	at   time.Time
	step Step

	index int // heap index, maintained by container/heap
}

// pendingQueue is a min-heap of *Errand ordered by scheduled time,
// implementing container/heap.Interface.
type pendingQueue []*Errand

func (q pendingQueue) Len() int            { return len(q) }
func (q pendingQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

func (q *pendingQueue) Push(x any) {
	e := x.(*Errand)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Loop is the single event loop: one per driver process. It dispatches
// both interrupt-delivered events (via Notify) and the pending errand set
// (via Schedule); Run services both until its context is canceled.
type Loop struct {
	pending pendingQueue
	wake    chan struct{}

	// notify carries externally-delivered events (interrupts, client
	// IPC) to be dispatched by Run between errand bodies. Buffered (64
	// entries) so that Notify does not block the delivering context (an
	// interrupt handler, in the real system) unless that many
	// notifications are already waiting.
	notify chan func()
}

// NewLoop creates an empty, unstarted Loop.
func NewLoop() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		notify: make(chan func(), 64),
	}
}

// Schedule adds an errand to run no earlier than at.
func (l *Loop) Schedule(name string, at time.Time, step Step) {
	heap.Push(&l.pending, &Errand{Name: name, at: at, step: step})
	l.poke()
}

// ScheduleNow schedules an errand to run on the next Loop iteration.
func (l *Loop) ScheduleNow(name string, step Step) {
	l.Schedule(name, time.Time{}, step)
}

// Notify enqueues fn to run on the event loop goroutine before the next
// errand is popped from the pending set. This is how an interrupt or
// client-IPC delivery path injects work without introducing a second
// thread of control: fn still runs with exclusive access to driver state,
// it is simply sequenced through the same channel the loop already reads.
func (l *Loop) Notify(fn func()) {
	l.notify <- fn
}

func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many errands are currently scheduled.
func (l *Loop) Pending() int {
	return len(l.pending)
}

// Run services notifications and the pending errand set until ctx is
// canceled. It is the only blocking call in the package: within a single
// Step body or notify callback, state is linearly owned and no other code
// observes intermediate values, matching the single-threaded cooperative
// model of §5.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.notify:
			fn()
			continue
		default:
		}

		if len(l.pending) == 0 {
			select {
			case <-ctx.Done():
				return
			case fn := <-l.notify:
				fn()
			case <-l.wake:
			}
			continue
		}

		next := l.pending[0]
		delay := time.Until(next.at)

		if delay > 0 {
			timer := time.NewTimer(delay)

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case fn := <-l.notify:
				timer.Stop()
				fn()
				continue
			case <-l.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		e := heap.Pop(&l.pending).(*Errand)
		res := e.step(time.Now())

		if !res.Done {
			e.at = time.Now().Add(res.Reschedule)
			heap.Push(&l.pending, e)
		}
	}
}

// Poll implements the repeated §4.5 "initialize" pattern: check predicate
// at a fixed interval until it is true or budget elapses, then invoke
// exactly one of onReady or onTimeout. It schedules itself on loop and
// returns immediately; callers do not block.
func Poll(loop *Loop, name string, interval, budget time.Duration, predicate func() bool, onReady func(), onTimeout func()) {
	deadline := time.Now().Add(budget)

	var step Step
	step = func(now time.Time) Result {
		if predicate() {
			onReady()
			return Finished
		}

		if now.After(deadline) {
			onTimeout()
			return Finished
		}

		return Again(interval)
	}

	loop.ScheduleNow(name, step)
}
