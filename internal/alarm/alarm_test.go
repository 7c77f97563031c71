package alarm

import (
	"context"
	"runtime"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

// waitForWaiters blocks until the fake clock has at least one registered
// waiter, so a subsequent Step/SetTime is guaranteed to reach the alarm's
// polling goroutine rather than racing ahead of it.
func waitForWaiters(t *testing.T, fc *testingclock.FakeClock) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if fc.HasWaiters() {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for alarm to register a clock waiter")
}

func TestAlarm_FiresThenRearmsOnBackwardJump(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fc := testingclock.NewFakeClock(now)
	events := make(chan string, 8)

	a := New(WithClock(fc), WithKernelTimerDisabled())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	target := now.Add(5 * time.Second)
	a.Set(ctx, target,
		func() { events <- "fired" },
		func() { events <- "rearmed" },
	)

	waitForWaiters(t, fc)
	fc.Step(5 * time.Second)

	if got := <-events; got != "fired" {
		t.Fatalf("Set(...): got event %q, want \"fired\"", got)
	}

	waitForWaiters(t, fc)
	fc.SetTime(now.Add(1 * time.Second))
	// A fake clock never fires its waiters when set backward, and the
	// polling loop's pending wakeup lies past target, so deliver the wakeup
	// that follows the jump directly.
	a.fireOrRearm(fc.Now())

	if got := <-events; got != "rearmed" {
		t.Fatalf("Set(...): got event %q, want \"rearmed\"", got)
	}
}

func TestAlarm_FiresImmediatelyWhenTargetAlreadyPassed(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fc := testingclock.NewFakeClock(now)
	events := make(chan string, 1)

	a := New(WithClock(fc), WithKernelTimerDisabled())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a.Set(ctx, now.Add(-time.Second), func() { events <- "fired" }, nil)

	select {
	case got := <-events:
		if got != "fired" {
			t.Fatalf("Set(...): got event %q, want \"fired\"", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Set(...): alarm for a past target never fired")
	}
}

func TestAlarm_StopPreventsFurtherCallbacks(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fc := testingclock.NewFakeClock(now)
	events := make(chan string, 8)

	a := New(WithClock(fc), WithKernelTimerDisabled())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a.Set(ctx, now.Add(5*time.Second), func() { events <- "fired" }, nil)
	waitForWaiters(t, fc)
	a.Stop()

	fc.Step(10 * time.Second)

	select {
	case got := <-events:
		t.Fatalf("Stop(...): unexpected event %q after Stop", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAlarm_SetCancelsPreviousSchedule(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fc := testingclock.NewFakeClock(now)
	events := make(chan string, 8)

	a := New(WithClock(fc), WithKernelTimerDisabled())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a.Set(ctx, now.Add(5*time.Second), func() { events <- "first" }, nil)
	waitForWaiters(t, fc)

	// Re-Set before the first schedule ever fires; only the second
	// schedule's callback should ever run.
	a.Set(ctx, now.Add(10*time.Second), func() { events <- "second" }, nil)
	waitForWaiters(t, fc)

	fc.Step(10 * time.Second)

	if got := <-events; got != "second" {
		t.Fatalf("Set(...): got event %q, want \"second\"", got)
	}

	select {
	case got := <-events:
		t.Fatalf("Set(...): unexpected extra event %q from superseded schedule", got)
	case <-time.After(50 * time.Millisecond):
	}
}
