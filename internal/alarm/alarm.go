// Package alarm schedules a callback for a specific wall-clock time and
// detects when the wall clock itself jumps backward across that time.
//
// An Alarm prefers a kernel-backed absolute timer (see timerfd_linux.go) and
// falls back to polling the clock at a bounded interval when the kernel
// timer is unavailable, e.g. because the platform is not Linux.
package alarm

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

// minPollInterval and maxPollInterval bound the polling fallback's wakeup
// interval. We wait at least minPollInterval between wakeups so a target that
// is near or already past does not cause a busy loop, and at most
// maxPollInterval so we still notice a clock step promptly.
const (
	minPollInterval = time.Second
	maxPollInterval = 10 * time.Second
)

// An Alarm fires onFired when the wall clock reaches a target time, and
// calls onRearmed if the wall clock later jumps backward past a firing that
// already happened. Firing is edge-triggered: it happens once per crossing
// of the target, no matter how many wakeups occur after the target has
// passed; after a rearm, the next crossing fires again.
type Alarm struct {
	clock disableableClock
	log   logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	target         time.Time
	prevWakeup     time.Time
	havePrevWakeup bool

	onFired   func()
	onRearmed func()
}

// An Option configures an Alarm.
type Option func(*Alarm)

// WithClock configures the clock used to read the current time and to drive
// the polling fallback. A real wall clock is used by default.
func WithClock(c clock.Clock) Option {
	return func(a *Alarm) { a.clock.Clock = c }
}

// WithLogger configures the logger used by the alarm. A no-op logger is used
// by default.
func WithLogger(l logging.Logger) Option {
	return func(a *Alarm) { a.log = l }
}

// WithKernelTimerDisabled forces the polling fallback even on platforms
// where a kernel timer is available. Intended for callers that drive a
// fake clock, which a real timerfd cannot observe.
func WithKernelTimerDisabled() Option {
	return func(a *Alarm) { a.clock.kernelTimerDisabled = true }
}

type disableableClock struct {
	clock.Clock
	kernelTimerDisabled bool
}

// New creates an Alarm.
func New(opts ...Option) *Alarm {
	a := &Alarm{
		clock: disableableClock{Clock: clock.RealClock{}},
		log:   logging.NewNopLogger(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Set schedules the alarm to evaluate target against the wall clock.
// Any previously scheduled wakeup is cancelled. onFired is called the first
// time the wall clock is observed at or past target, and again the first time
// after each rearm; onRearmed is called if
// the clock is later observed to have jumped backward past a firing that
// already happened. Either callback may be nil.
//
// Set always triggers an immediate evaluation against the current time, in
// case target has already passed.
func (a *Alarm) Set(ctx context.Context, target time.Time, onFired, onRearmed func()) {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.target = target
	a.havePrevWakeup = false
	a.onFired = onFired
	a.onRearmed = onRearmed
	a.mu.Unlock()

	go a.scheduleWakeups(runCtx)

	// Wake up right away, in case target has already passed.
	go a.fireOrRearm(a.clock.Now())
}

// Stop cancels any scheduled wakeup. It is safe to call Stop on an Alarm
// that was never Set, and to Set the alarm again afterward.
func (a *Alarm) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (a *Alarm) scheduleWakeups(ctx context.Context) {
	a.mu.Lock()
	target := a.target
	a.mu.Unlock()

	if !a.clock.kernelTimerDisabled {
		if t, err := newKernelTimer(target); err == nil {
			a.log.Debug("using kernel timer for alarm wakeup")
			a.runKernelTimer(ctx, t)
			return
		}
		a.log.Debug("falling back to polling timeout for alarm wakeup")
	}
	a.runPolling(ctx)
}

func (a *Alarm) runKernelTimer(ctx context.Context, t kernelTimer) {
	defer t.close()
	for t.wait(ctx) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.fireOrRearm(a.clock.Now())
	}
}

func (a *Alarm) runPolling(ctx context.Context) {
	for {
		a.mu.Lock()
		target := a.target
		a.mu.Unlock()

		interval := target.Sub(a.clock.Now())
		if interval < minPollInterval {
			interval = minPollInterval
		}
		if interval > maxPollInterval {
			interval = maxPollInterval
		}

		select {
		case <-a.clock.After(interval):
		case <-ctx.Done():
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		a.fireOrRearm(a.clock.Now())
	}
}

// fireOrRearm is the fire-or-rearm decision rule: compare the time until
// target at this wakeup against the time until target at the previous
// wakeup. Firing is reported only on the wakeup where we first observe
// we're past target; rearming is reported only if a later wakeup observes
// we're no longer past target, which can only happen if the wall clock
// jumped backward.
func (a *Alarm) fireOrRearm(now time.Time) {
	a.mu.Lock()
	target := a.target
	untilFire := target.Sub(now)

	if !a.havePrevWakeup {
		a.prevWakeup = now
		a.havePrevWakeup = true
		onFired := a.onFired
		a.mu.Unlock()

		if untilFire <= 0 && onFired != nil {
			onFired()
		}
		return
	}

	prevUntilFire := target.Sub(a.prevWakeup)
	a.prevWakeup = now
	fire := untilFire <= 0 && prevUntilFire > 0
	rearm := untilFire > 0 && prevUntilFire <= 0
	onFired, onRearmed := a.onFired, a.onRearmed
	a.mu.Unlock()

	switch {
	case fire && onFired != nil:
		onFired()
	case rearm && onRearmed != nil:
		onRearmed()
	}
}

// kernelTimer is a platform-specific absolute wall-clock timer that becomes
// readable both when it expires and when the wall clock is stepped
// discontinuously across its target.
type kernelTimer interface {
	// wait blocks until the timer is readable or ctx is done. It returns
	// false once the timer can no longer be waited on.
	wait(ctx context.Context) bool
	close() error
}
