package identity

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/freedesktop/identityd/internal/provider"
)

// waitForWaiters blocks until the fake clock has at least one registered
// waiter, so a subsequent Step/SetTime is guaranteed to reach an alarm's
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
	t.Fatal("timed out waiting for an alarm to register a clock waiter")
}

type fakeHandle string

func (h fakeHandle) String() string { return string(h) }

// fakeCollection is a minimal provider.Collection whose Inspect result can
// be swapped between calls, so tests can drive verify() through a sequence
// of states.
type fakeCollection struct {
	mu         sync.Mutex
	info       provider.CacheInfo
	inspectErr error
	renewed    int32
	destroyed  int32
}

func (c *fakeCollection) setInfo(info provider.CacheInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
	c.inspectErr = nil
}

func (c *fakeCollection) setInspectErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inspectErr = err
}

func (c *fakeCollection) Enumerate(context.Context) (<-chan provider.CacheResult, error) {
	ch := make(chan provider.CacheResult)
	close(ch)
	return ch, nil
}

func (c *fakeCollection) Inspect(context.Context, provider.CacheHandle) (provider.CacheInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inspectErr != nil {
		return provider.CacheInfo{}, c.inspectErr
	}
	return c.info, nil
}

func (c *fakeCollection) Renew(context.Context, provider.CacheHandle) error {
	atomic.AddInt32(&c.renewed, 1)
	return nil
}

func (c *fakeCollection) Destroy(context.Context, provider.CacheHandle) error {
	atomic.AddInt32(&c.destroyed, 1)
	return nil
}

func (c *fakeCollection) WatchCollection(context.Context, func()) (provider.Watcher, error) {
	return nil, errNotImplemented{}
}

func (c *fakeCollection) Close() error { return nil }

type errNotImplemented struct{}

func (errNotImplemented) Error() string { return "not implemented" }

func TestNew(t *testing.T) {
	t.Parallel()

	now := time.Now()

	cases := map[string]struct {
		reason  string
		info    provider.CacheInfo
		wantErr bool
		wantLvl VerificationLevel
	}{
		"SignedIn": {
			reason:  "A credential cache with a future end time yields a signed-in identity.",
			info:    provider.CacheInfo{Identifier: "alice@EXAMPLE.COM", Realm: "EXAMPLE.COM", EndTime: now.Add(time.Hour)},
			wantLvl: SignedIn,
		},
		"ExistsButExpired": {
			reason:  "A credential cache with a past end time still yields a constructible identity.",
			info:    provider.CacheInfo{Identifier: "alice@EXAMPLE.COM", Realm: "EXAMPLE.COM", EndTime: now.Add(-time.Hour)},
			wantLvl: Exists,
		},
		"Unverified": {
			reason:  "A zero end time means no qualifying credential was found, and construction fails.",
			info:    provider.CacheInfo{Identifier: "alice@EXAMPLE.COM", Realm: "EXAMPLE.COM"},
			wantErr: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fc := testingclock.NewFakeClock(now)
			col := &fakeCollection{info: tc.info}

			id, err := New(context.Background(), col, fakeHandle("a"), Callbacks{}, WithClock(fc), withKernelTimerDisabled())
			if tc.wantErr {
				if err == nil {
					t.Fatalf("New(...): %s: got nil error, want non-nil", tc.reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(...): %s: unexpected error: %v", tc.reason, err)
			}
			if id.VerificationLevel() != tc.wantLvl {
				t.Errorf("New(...): %s: VerificationLevel = %v, want %v", tc.reason, id.VerificationLevel(), tc.wantLvl)
			}
			id.Close()
		})
	}
}

func TestNew_PropagatesInspectError(t *testing.T) {
	t.Parallel()

	col := &fakeCollection{inspectErr: errNotImplemented{}}
	_, err := New(context.Background(), col, fakeHandle("a"), Callbacks{})
	if err == nil {
		t.Fatal("New(...): got nil error, want a wrapped Inspect error")
	}
}

func TestIdentity_Update_ExpirationTimeIsMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fc := testingclock.NewFakeClock(now)
	col := &fakeCollection{info: provider.CacheInfo{Identifier: "alice@EXAMPLE.COM", Realm: "EXAMPLE.COM", EndTime: now.Add(time.Hour)}}

	id, err := New(context.Background(), col, fakeHandle("a"), Callbacks{}, WithClock(fc), withKernelTimerDisabled())
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	defer id.Close()

	initial := id.ExpirationTime()

	// A subsequent update reporting an earlier end time must not regress
	// the identity's observed expiration time.
	col.setInfo(provider.CacheInfo{Identifier: "alice@EXAMPLE.COM", Realm: "EXAMPLE.COM", EndTime: now.Add(30 * time.Minute)})
	fresh, err := New(context.Background(), col, fakeHandle("a"), Callbacks{}, WithClock(fc), withKernelTimerDisabled())
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	defer fresh.Close()

	if err := id.Update(context.Background(), fresh); err != nil {
		t.Fatalf("Update(...): %v", err)
	}

	if got := id.ExpirationTime(); got.Before(initial) {
		t.Errorf("Update(...): ExpirationTime regressed from %v to %v", initial, got)
	}
}

func TestIdentity_AlarmCallbacks(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fc := testingclock.NewFakeClock(now)
	col := &fakeCollection{info: provider.CacheInfo{Identifier: "alice@EXAMPLE.COM", Realm: "EXAMPLE.COM", EndTime: now.Add(10 * time.Second)}}

	refreshed := make(chan struct{}, 1)
	renewed := make(chan struct{}, 1)
	cb := Callbacks{
		NeedsRefresh: func(*Identity) { refreshed <- struct{}{} },
		NeedsRenewal: func(*Identity) { renewed <- struct{}{} },
	}

	id, err := New(context.Background(), col, fakeHandle("a"), cb, WithClock(fc), withKernelTimerDisabled())
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	defer id.Close()

	waitForWaiters(t, fc)
	fc.Step(5 * time.Second) // crosses the renewal midpoint

	select {
	case <-renewed:
	case <-time.After(time.Second):
		t.Fatal("renewal alarm never fired")
	}

	waitForWaiters(t, fc)
	fc.Step(5 * time.Second) // crosses expiration

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("expiration alarm never fired")
	}
}

func TestIdentity_RenewErase(t *testing.T) {
	t.Parallel()

	now := time.Now()
	col := &fakeCollection{info: provider.CacheInfo{Identifier: "alice@EXAMPLE.COM", Realm: "EXAMPLE.COM", EndTime: now.Add(time.Hour)}}

	id, err := New(context.Background(), col, fakeHandle("a"), Callbacks{})
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	defer id.Close()

	if err := id.Renew(context.Background()); err != nil {
		t.Fatalf("Renew(...): %v", err)
	}
	if got := atomic.LoadInt32(&col.renewed); got != 1 {
		t.Errorf("Renew(...): collection.Renew called %d times, want 1", got)
	}

	if err := id.Erase(context.Background()); err != nil {
		t.Fatalf("Erase(...): %v", err)
	}
	if got := atomic.LoadInt32(&col.destroyed); got != 1 {
		t.Errorf("Erase(...): collection.Destroy called %d times, want 1", got)
	}
}

func TestVerificationLevel_String(t *testing.T) {
	t.Parallel()

	cases := map[VerificationLevel]string{
		Unverified: "unverified",
		Error:      "error",
		Exists:     "exists",
		SignedIn:   "signed-in",
	}
	for lvl, want := range cases {
		if diff := cmp.Diff(want, lvl.String()); diff != "" {
			t.Errorf("VerificationLevel.String(): -want, +got:\n%s", diff)
		}
	}
}
