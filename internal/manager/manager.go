// Package manager implements the Kerberos-style identity manager: it owns
// the identity set and per-realm naming index, orchestrates refreshes
// against a credential provider, and delivers lifecycle events through a
// single-consumer dispatch loop.
package manager

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/freedesktop/identityd/internal/identity"
	"github.com/freedesktop/identityd/internal/metrics"
	"github.com/freedesktop/identityd/internal/provider"
	"github.com/freedesktop/identityd/internal/queue"
)

const (
	errOpenCollection    = "cannot open credential cache collection"
	errScheduleRefresh   = "cannot schedule initial refresh"
	errEnumerating       = "cannot enumerate credential cache collection"
	errFmtNoSuchIdentity = "no identity with identifier %q"
)

// A Manager owns the identity set for one credential cache collection.
type Manager struct {
	provider  provider.Provider
	clock     clock.Clock
	log       logging.Logger
	autoRenew bool
	metrics   *metrics.Metrics

	queue    *queue.Queue
	dispatch chan func()

	collection provider.Collection
	watcher    provider.Watcher

	schedulerCtx    context.Context
	cancelScheduler context.CancelFunc
	workers         *errgroup.Group

	// The following fields are mutated only by the worker goroutine
	// started in Start; every other method reaches them exclusively by
	// enqueuing an Operation.
	identities        map[string]*identity.Identity
	expiredIdentities map[string]struct{}
	identitiesByRealm map[string][]*identity.Identity

	handlersMu sync.Mutex
	handlers   []EventHandler
}

// An Option configures a Manager.
type Option func(*Manager)

// WithClock configures the clock used to evaluate every identity's alarms.
// A real wall clock is used by default.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger configures the manager's logger. A no-op logger is used by
// default.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithAutoRenew enables the supplemented auto-renew behavior: a needs-renewal
// alarm callback schedules a RENEW operation directly instead of merely
// scheduling another refresh. This mirrors the original plugin's wiring of
// needs-renewal straight to a renew (see DESIGN.md).
func WithAutoRenew() Option {
	return func(m *Manager) { m.autoRenew = true }
}

// WithMetrics attaches Prometheus instrumentation. No metrics are recorded
// by default.
func WithMetrics(ms *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = ms }
}

// New creates a Manager bound to provider p. Call Start to begin watching
// and refreshing.
func New(p provider.Provider, opts ...Option) *Manager {
	m := &Manager{
		provider:          p,
		clock:             clock.RealClock{},
		log:               logging.NewNopLogger(),
		queue:             queue.New(),
		dispatch:          make(chan func()),
		identities:        map[string]*identity.Identity{},
		expiredIdentities: map[string]struct{}{},
		identitiesByRealm: map[string][]*identity.Identity{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start opens the credential cache collection, installs a change watcher
// (a failure to do so is logged and non-fatal; without a watcher the
// manager refreshes only at start and when an identity's alarm schedules a
// refresh, and caller-driven operations do not trigger one), starts the
// background worker, and enqueues the initial refresh.
func (m *Manager) Start(ctx context.Context) error {
	schedCtx, cancel := context.WithCancel(ctx)
	m.schedulerCtx = schedCtx
	m.cancelScheduler = cancel

	collection, err := m.provider.OpenCollection(schedCtx)
	if err != nil {
		cancel()
		return errors.Wrap(err, errOpenCollection)
	}
	m.collection = collection

	watcher, err := collection.WatchCollection(schedCtx, m.onCollectionChanged)
	if err != nil {
		m.log.Info("credential cache collection watch unavailable; refreshing only on demand", "error", err)
	} else {
		m.watcher = watcher
	}

	g, _ := errgroup.WithContext(context.Background())
	m.workers = g
	m.workers.Go(m.worker)

	if _, err := m.queue.ScheduleRefresh(schedCtx); err != nil {
		return errors.Wrap(err, errScheduleRefresh)
	}
	return nil
}

// Stop cancels the scheduler, cancels every still-queued operation,
// releases the watcher and collection, and waits for the worker to exit.
// Run returns once Stop has closed the dispatch loop.
func (m *Manager) Stop() {
	if m.cancelScheduler != nil {
		m.cancelScheduler()
	}
	m.queue.Stop()
	m.queue.DrainCancelled(m.schedulerCtx)
	_ = m.workers.Wait()

	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	if m.collection != nil {
		_ = m.collection.Close()
	}
	close(m.dispatch)
}

// Run drains the dispatch loop, delivering lifecycle events to registered
// EventHandlers, until ctx is cancelled or Stop closes the loop. Callers
// typically run this on their own event loop goroutine.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case fn, ok := <-m.dispatch:
			if !ok {
				return nil
			}
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) onCollectionChanged() {
	if _, err := m.queue.ScheduleRefresh(m.schedulerCtx); err != nil {
		m.log.Debug("failed to schedule refresh from a collection change notification", "error", err)
	}
}

func (m *Manager) onNeedsRefresh(*identity.Identity) {
	if _, err := m.queue.ScheduleRefresh(m.schedulerCtx); err != nil {
		m.log.Debug("failed to schedule refresh from an expiration alarm", "error", err)
	}
}

func (m *Manager) onNeedsRenewal(id *identity.Identity) {
	if m.autoRenew {
		if _, err := m.queue.ScheduleRenew(m.schedulerCtx, id.Identifier()); err != nil {
			m.log.Debug("failed to schedule auto-renew from a renewal alarm", "error", err)
		}
		return
	}
	if _, err := m.queue.ScheduleRefresh(m.schedulerCtx); err != nil {
		m.log.Debug("failed to schedule refresh from a renewal alarm", "error", err)
	}
}

func (m *Manager) worker() error {
	for {
		op, ok := m.queue.Pop()
		if !ok {
			return nil
		}
		m.dispatchOperation(op)
	}
}

func (m *Manager) dispatchOperation(op *queue.Operation) {
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(m.queue.Len()))
	}

	if op.Cancelled() {
		// A cancelled LIST yields no result for its caller to release, so
		// its backpressure gate is released here.
		op.Release()
		op.Complete(context.Canceled)
		return
	}
	opCtx := op.Context()

	var err error
	switch op.Kind {
	case queue.KindRefresh:
		err = m.refresh(opCtx)
	case queue.KindList:
		op.Result = m.listSnapshot(op)
	case queue.KindRenew:
		err = m.renew(opCtx, op.Target)
	case queue.KindSignOut:
		err = m.signOut(opCtx, op.Target)
	}

	if err != nil && m.metrics != nil {
		m.metrics.OperationErrors.WithLabelValues(op.Kind.String()).Inc()
	}
	op.Complete(err)
}

func (m *Manager) renew(ctx context.Context, target string) error {
	id, ok := m.identities[target]
	if !ok {
		return errors.Errorf(errFmtNoSuchIdentity, target)
	}
	return id.Renew(ctx)
}

func (m *Manager) signOut(ctx context.Context, target string) error {
	id, ok := m.identities[target]
	if !ok {
		return errors.Errorf(errFmtNoSuchIdentity, target)
	}
	return id.Erase(ctx)
}

func (m *Manager) listSnapshot(op *queue.Operation) *ListResult {
	ids := make([]*identity.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Identifier() < ids[j].Identifier() })
	return &ListResult{identities: ids, op: op}
}

// A ListResult is a point-in-time, lexicographically-sorted snapshot of
// the manager's identity set. Callers must call Release once done reading
// it; until then, the worker withholds subsequent refreshes so that no
// added/removed event races against the snapshot still being read.
type ListResult struct {
	identities []*identity.Identity
	op         *queue.Operation
}

// Identities returns the snapshot's identities, sorted by identifier.
func (r *ListResult) Identities() []*identity.Identity { return r.identities }

// Release ends the backpressure held on behalf of this result.
func (r *ListResult) Release() {
	if r.op != nil {
		r.op.Release()
	}
}

// ListIdentities enqueues a LIST operation and waits for its result.
func (m *Manager) ListIdentities(ctx context.Context) (*ListResult, error) {
	op, err := m.queue.ScheduleList(ctx)
	if err != nil {
		return nil, err
	}
	if err := op.Wait(ctx); err != nil {
		return nil, err
	}
	res, _ := op.Result.(*ListResult)
	return res, nil
}

// RenewIdentity enqueues a RENEW operation for id and waits for it to
// complete.
func (m *Manager) RenewIdentity(ctx context.Context, id *identity.Identity) error {
	op, err := m.queue.ScheduleRenew(ctx, id.Identifier())
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

// SignOutIdentity enqueues a SIGN_OUT operation for id and waits for it to
// complete.
func (m *Manager) SignOutIdentity(ctx context.Context, id *identity.Identity) error {
	op, err := m.queue.ScheduleSignOut(ctx, id.Identifier())
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}
