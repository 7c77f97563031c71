// Package identity models a single credential cache's verified state: its
// principal/realm names, its verification level, and the two alarms that
// drive its refresh and renewal signals.
package identity

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/freedesktop/identityd/internal/alarm"
	"github.com/freedesktop/identityd/internal/provider"
)

const (
	errVerifying  = "cannot verify credential cache"
	errRenewing   = "cannot renew credential cache"
	errErasing    = "cannot erase credential cache"
	errNoIdentity = "credential cache has no associated identity"
)

// A VerificationLevel classifies how much confidence we have in an
// identity's current credentials.
type VerificationLevel int

// Verification levels, in increasing order of confidence.
const (
	Unverified VerificationLevel = iota
	Error
	Exists
	SignedIn
)

func (l VerificationLevel) String() string {
	switch l {
	case Error:
		return "error"
	case Exists:
		return "exists"
	case SignedIn:
		return "signed-in"
	default:
		return "unverified"
	}
}

// Callbacks are invoked by an Identity's alarms. They run on whatever
// goroutine the alarm delivers them on; callers that need main-loop
// ordering must hand off themselves.
type Callbacks struct {
	// NeedsRefresh is called when the expiration alarm fires or rearms.
	NeedsRefresh func(*Identity)
	// NeedsRenewal is called when the renewal alarm fires.
	NeedsRenewal func(*Identity)
}

// An Identity wraps one provider-managed credential cache.
type Identity struct {
	collection provider.Collection
	clock      clock.Clock
	log        logging.Logger
	callbacks  Callbacks

	expirationAlarm *alarm.Alarm
	renewalAlarm    *alarm.Alarm

	mu                sync.Mutex
	handle            provider.CacheHandle
	identifier        string
	principalName     string
	realmName         string
	displayName       string
	expirationTime    time.Time
	verificationLevel VerificationLevel

	disableKernelTimer bool
}

// An Option configures an Identity.
type Option func(*Identity)

// WithClock configures the clock used to evaluate alarms. A real wall
// clock is used by default.
func WithClock(c clock.Clock) Option {
	return func(i *Identity) { i.clock = c }
}

// WithLogger configures the identity's logger. A no-op logger is used by
// default.
func WithLogger(l logging.Logger) Option {
	return func(i *Identity) { i.log = l }
}

// withKernelTimerDisabled forces the identity's alarms onto the polling
// fallback even on platforms where a kernel timer is available. Used by
// tests, which drive a fake clock that a real timerfd cannot observe.
func withKernelTimerDisabled() Option {
	return func(i *Identity) { i.disableKernelTimer = true }
}

// New builds an Identity from a cache handle and performs its first
// verification pass. collection is the provider collection the handle was
// obtained from; it is retained for future Inspect/Renew/Destroy calls.
func New(ctx context.Context, collection provider.Collection, h provider.CacheHandle, cb Callbacks, opts ...Option) (*Identity, error) {
	i := &Identity{
		collection: collection,
		clock:      clock.RealClock{},
		log:        logging.NewNopLogger(),
		callbacks:  cb,
		handle:     h,
	}
	for _, o := range opts {
		o(i)
	}
	alarmOpts := []alarm.Option{alarm.WithClock(i.clock), alarm.WithLogger(i.log)}
	if i.disableKernelTimer {
		alarmOpts = append(alarmOpts, alarm.WithKernelTimerDisabled())
	}
	i.expirationAlarm = alarm.New(alarmOpts...)
	i.renewalAlarm = alarm.New(alarmOpts...)

	if err := i.verify(ctx); err != nil {
		return nil, err
	}

	switch i.VerificationLevel() {
	case SignedIn, Exists:
		i.armAlarms(ctx)
	default:
		return nil, errors.New(errNoIdentity)
	}

	return i, nil
}

// Identifier is the identity's stable, canonical principal string.
func (i *Identity) Identifier() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.identifier
}

// PrincipalName is the identity's display-form principal.
func (i *Identity) PrincipalName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.principalName
}

// RealmName is the identity's realm.
func (i *Identity) RealmName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.realmName
}

// ExpirationTime is the maximum endtime observed across the identity's
// qualifying credentials so far. It never decreases across calls to
// Update.
func (i *Identity) ExpirationTime() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.expirationTime
}

// VerificationLevel is the result of the identity's last verification.
func (i *Identity) VerificationLevel() VerificationLevel {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.verificationLevel
}

// IsSignedIn reports whether the identity's last verification found a
// currently-valid ticket-granting credential.
func (i *Identity) IsSignedIn() bool {
	return i.VerificationLevel() == SignedIn
}

// Handle returns the underlying provider cache handle.
func (i *Identity) Handle() provider.CacheHandle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle
}

// DisplayName is the identity's current collapsed display name: either its
// bare realm, when it is the sole identity in that realm, or its full
// principal otherwise. It is maintained by the identity manager, which
// owns realm-bucket membership; an Identity never computes it itself.
func (i *Identity) DisplayName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.displayName
}

// SetDisplayName sets the identity's display name. It is called by the
// identity manager only, as realm-bucket membership changes.
func (i *Identity) SetDisplayName(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.displayName = name
}

// verify inspects the identity's cache and updates its verification level,
// names, and monotonic expiration time. It takes i.mu itself, so callers
// must not hold it. It is called only during New and Update, both of which
// are the sole mutators of an identity and are themselves serialised by the
// worker, so no additional locking is required around the Inspect call.
func (i *Identity) verify(ctx context.Context) error {
	info, err := i.collection.Inspect(ctx, i.handle)
	if err != nil {
		i.mu.Lock()
		i.verificationLevel = Error
		i.mu.Unlock()
		return errors.Wrap(err, errVerifying)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.identifier = info.Identifier
	i.principalName = info.DisplayPrincipal
	i.realmName = info.Realm

	if info.EndTime.After(i.expirationTime) {
		i.expirationTime = info.EndTime
	}

	switch {
	case info.EndTime.IsZero():
		i.verificationLevel = Unverified
	case info.EndTime.After(i.clock.Now()):
		i.verificationLevel = SignedIn
	default:
		i.verificationLevel = Exists
	}

	return nil
}

// armAlarms (re)arms the expiration and renewal alarms against the
// identity's current expiration time. It is idempotent: calling it again
// cancels and replaces any previously scheduled wakeups.
func (i *Identity) armAlarms(ctx context.Context) {
	i.mu.Lock()
	expiration := i.expirationTime
	now := i.clock.Now()
	i.mu.Unlock()

	if expiration.IsZero() {
		i.expirationAlarm.Stop()
		i.renewalAlarm.Stop()
		return
	}

	renewal := expiration.Add(-expiration.Sub(now) / 2)

	i.expirationAlarm.Set(ctx, expiration,
		func() { i.onNeedsRefresh() },
		func() { i.onNeedsRefresh() },
	)
	i.renewalAlarm.Set(ctx, renewal,
		func() { i.onNeedsRenewal() },
		nil,
	)
}

func (i *Identity) onNeedsRefresh() {
	if i.callbacks.NeedsRefresh != nil {
		i.callbacks.NeedsRefresh(i)
	}
}

func (i *Identity) onNeedsRenewal() {
	if i.callbacks.NeedsRenewal != nil {
		i.callbacks.NeedsRenewal(i)
	}
}

// Update replaces this identity's cache handle with fresh's, cancels and
// re-verifies, and re-arms alarms if the resulting verification level is
// SignedIn or Exists. The Identity instance is reused so that outstanding
// references held by callers remain valid; only fresh's handle and
// collection, and the derived state, change.
func (i *Identity) Update(ctx context.Context, fresh *Identity) error {
	i.expirationAlarm.Stop()
	i.renewalAlarm.Stop()

	i.mu.Lock()
	i.handle = fresh.handle
	i.collection = fresh.collection
	i.mu.Unlock()

	if err := i.verify(ctx); err != nil {
		return err
	}

	level := i.VerificationLevel()
	if level == SignedIn || level == Exists {
		i.armAlarms(ctx)
	}
	return nil
}

// Renew asks the provider to refresh this identity's underlying cache.
func (i *Identity) Renew(ctx context.Context) error {
	i.mu.Lock()
	h, c := i.handle, i.collection
	i.mu.Unlock()

	if err := c.Renew(ctx, h); err != nil {
		return errors.Wrap(err, errRenewing)
	}
	return nil
}

// Erase destroys this identity's underlying cache.
func (i *Identity) Erase(ctx context.Context) error {
	i.mu.Lock()
	h, c := i.handle, i.collection
	i.mu.Unlock()

	if err := c.Destroy(ctx, h); err != nil {
		return errors.Wrap(err, errErasing)
	}
	return nil
}

// Close cancels the identity's alarms. It does not touch the underlying
// cache.
func (i *Identity) Close() {
	i.expirationAlarm.Stop()
	i.renewalAlarm.Stop()
}
