// Package queue implements the identity manager's single-worker FIFO
// operation queue: REFRESH, LIST, RENEW and SIGN_OUT requests are
// serialised through one background worker so that identity state is only
// ever mutated from a single goroutine.
package queue

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

const errQueueStopped = "operation queue has been stopped"

// A Kind identifies the variant of an Operation.
type Kind int

// Operation kinds.
const (
	KindRefresh Kind = iota
	KindList
	KindRenew
	KindSignOut
)

func (k Kind) String() string {
	switch k {
	case KindRefresh:
		return "refresh"
	case KindList:
		return "list"
	case KindRenew:
		return "renew"
	case KindSignOut:
		return "sign-out"
	default:
		return "unknown"
	}
}

// An Operation is one unit of work dispatched to the worker. Target is the
// provider-level identifier a RENEW or SIGN_OUT operation applies to; it is
// empty for REFRESH and LIST.
type Operation struct {
	ID     string
	Kind   Kind
	Target string

	// Result holds whatever payload the dispatcher produced for this
	// operation (e.g. a LIST snapshot). It is set by the dispatcher
	// before calling Complete and read by the caller only after Wait
	// returns.
	Result any

	ctx  context.Context
	done chan struct{}
	err  error

	// release, if non-nil, must be called by the caller once it is done
	// reading a LIST result. Until it is called the worker will not
	// dequeue any further operation, preventing a concurrent refresh from
	// mutating identity state while the caller still holds the snapshot.
	release func()
}

// Err returns the operation's result once it has completed. Calling Err
// before Wait has returned is a race; use Wait.
func (o *Operation) Err() error { return o.err }

// Wait blocks until the operation completes or ctx is cancelled, whichever
// happens first.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release ends the backpressure gate held by a completed LIST operation.
// It is a no-op for every other kind and safe to call more than once.
func (o *Operation) Release() {
	if o.release != nil {
		o.release()
	}
}

// A Queue is a thread-safe FIFO of Operations with a blocking Pop and an
// independent backpressure gate for LIST results.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    *list.List
	stopped  bool

	gateMu sync.Mutex
	gate   *sync.Cond
	gated  bool

	pendingRefreshCount atomic.Int64
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{items: list.New()}
	q.notEmpty = sync.NewCond(&q.mu)
	q.gate = sync.NewCond(&q.gateMu)
	return q
}

// Len returns the number of operations currently queued, not counting one
// that may be in flight on the worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Push appends op to the tail of the queue. It returns an error if the
// queue has been stopped.
func (q *Queue) Push(op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errors.New(errQueueStopped)
	}
	q.items.PushBack(op)
	q.notEmpty.Signal()
	return nil
}

// ScheduleRefresh enqueues a REFRESH operation and counts it as pending.
// Refreshes are coalesced when dequeued: popOne completes, without handing
// it out, any REFRESH that still has a later one pending behind it, so a
// burst of calls results in a single dispatched refresh.
func (q *Queue) ScheduleRefresh(ctx context.Context) (*Operation, error) {
	q.pendingRefreshCount.Add(1)
	op := &Operation{ID: uuid.NewString(), Kind: KindRefresh, ctx: ctx, done: make(chan struct{})}
	if err := q.Push(op); err != nil {
		q.pendingRefreshCount.Add(-1)
		return nil, err
	}
	return op, nil
}

// ScheduleList enqueues a LIST operation. Its backpressure gate is armed
// only once the worker dispatches it (see popOne), not at schedule time,
// so the LIST operation itself is never blocked behind its own gate.
func (q *Queue) ScheduleList(ctx context.Context) (*Operation, error) {
	op := &Operation{ID: uuid.NewString(), Kind: KindList, ctx: ctx, done: make(chan struct{})}
	if err := q.Push(op); err != nil {
		return nil, err
	}
	return op, nil
}

// ScheduleRenew enqueues a RENEW operation against target.
func (q *Queue) ScheduleRenew(ctx context.Context, target string) (*Operation, error) {
	op := &Operation{ID: uuid.NewString(), Kind: KindRenew, Target: target, ctx: ctx, done: make(chan struct{})}
	if err := q.Push(op); err != nil {
		return nil, err
	}
	return op, nil
}

// ScheduleSignOut enqueues a SIGN_OUT operation against target.
func (q *Queue) ScheduleSignOut(ctx context.Context, target string) (*Operation, error) {
	op := &Operation{ID: uuid.NewString(), Kind: KindSignOut, Target: target, ctx: ctx, done: make(chan struct{})}
	if err := q.Push(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Pop blocks until an operation is available and the backpressure gate (if
// held) is released. Operations still queued when the queue is stopped are
// still returned; Pop returns false once the queue is stopped and empty.
//
// A REFRESH operation that was coalesced away by a later ScheduleRefresh
// call (§4.D coalescing) is completed immediately with a nil error and
// Pop tries again, rather than being handed to the caller.
func (q *Queue) Pop() (*Operation, bool) {
	for {
		q.waitForGate()

		op, ok := q.popOne()
		if !ok {
			return nil, false
		}
		if op == nil {
			continue
		}
		return op, true
	}
}

// popOne removes and returns the front operation, or (nil, true) if that
// operation was a coalesced refresh that should be skipped, or (nil,
// false) once the queue is stopped and empty.
func (q *Queue) popOne() (*Operation, bool) {
	q.mu.Lock()
	for q.items.Len() == 0 && !q.stopped {
		q.notEmpty.Wait()
	}
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return nil, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	q.mu.Unlock()

	op := front.Value.(*Operation)
	if op.Kind == KindRefresh && q.pendingRefreshCount.Add(-1) > 0 {
		// Another refresh was scheduled while this one waited in the
		// queue; let it stand in for this one.
		op.Complete(nil)
		return nil, true
	}
	if op.Kind == KindList {
		op.release = q.openGate()
	}
	return op, true
}

func (q *Queue) waitForGate() {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()
	for q.gated {
		q.gate.Wait()
	}
}

// openGate arms the backpressure gate and returns the function that
// releases it.
func (q *Queue) openGate() func() {
	q.gateMu.Lock()
	q.gated = true
	q.gateMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.gateMu.Lock()
			q.gated = false
			q.gateMu.Unlock()
			q.gate.Broadcast()
		})
	}
}

// Stop marks the queue stopped and wakes any goroutine blocked in Pop.
// Operations still queued are drained by the caller via DrainCancelled.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()

	// A worker blocked on the backpressure gate must also be released so
	// it can observe the stop.
	q.gateMu.Lock()
	q.gated = false
	q.gateMu.Unlock()
	q.gate.Broadcast()
}

// DrainCancelled removes every remaining operation from the queue and
// completes each with ctx.Err() (or context.Canceled if ctx is nil or not
// yet cancelled), without dispatching them.
func (q *Queue) DrainCancelled(ctx context.Context) {
	q.mu.Lock()
	var ops []*Operation
	for e := q.items.Front(); e != nil; e = e.Next() {
		ops = append(ops, e.Value.(*Operation))
	}
	q.items.Init()
	q.mu.Unlock()

	err := context.Canceled
	if ctx != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	for _, op := range ops {
		op.Complete(err)
	}
}

// Complete resolves op with err and closes its Wait channel. It is called
// by the worker exactly once per operation.
func (o *Operation) Complete(err error) {
	o.err = err
	close(o.done)
}

// Context returns the context the operation was scheduled with.
func (o *Operation) Context() context.Context {
	if o.ctx == nil {
		return context.Background()
	}
	return o.ctx
}

// Cancelled reports whether the operation's context has already been
// cancelled, per the worker's first dispatch step.
func (o *Operation) Cancelled() bool {
	select {
	case <-o.Context().Done():
		return true
	default:
		return false
	}
}
