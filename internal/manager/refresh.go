package manager

import (
	"context"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/freedesktop/identityd/internal/identity"
)

// refresh re-enumerates the credential cache collection and diffs the
// result against the current identity set. It runs exclusively on the
// worker goroutine, so the identity set and realm index need no locking
// here.
func (m *Manager) refresh(ctx context.Context) error {
	ch, err := m.collection.Enumerate(ctx)
	if err != nil {
		return errors.Wrap(err, errEnumerating)
	}

	callbacks := identity.Callbacks{NeedsRefresh: m.onNeedsRefresh, NeedsRenewal: m.onNeedsRenewal}
	refreshed := make(map[string]struct{})

	for r := range ch {
		if r.Err != nil {
			m.log.Debug("skipping credential cache during refresh", "error", r.Err)
			continue
		}

		fresh, err := identity.New(ctx, m.collection, r.Handle, callbacks, identity.WithClock(m.clock), identity.WithLogger(m.log))
		if err != nil {
			m.log.Debug("skipping credential cache during refresh", "error", err)
			continue
		}

		if existing, ok := m.identities[fresh.Identifier()]; ok {
			m.updateIdentity(ctx, existing, fresh)
		} else {
			m.addIdentity(fresh)
		}
		refreshed[fresh.Identifier()] = struct{}{}
	}

	var stale []string
	for id := range m.identities {
		if _, ok := refreshed[id]; !ok {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.removeIdentity(id)
	}

	if m.metrics != nil {
		m.metrics.RefreshesTotal.Inc()
		m.metrics.IdentitiesTotal.Set(float64(len(m.identities)))
		m.metrics.ExpiredTotal.Set(float64(len(m.expiredIdentities)))
	}

	return nil
}

// addIdentity inserts a newly-discovered identity into the set, the
// expired set (if it isn't signed in), and its realm bucket, then emits
// added.
func (m *Manager) addIdentity(id *identity.Identity) {
	m.identities[id.Identifier()] = id
	if !id.IsSignedIn() {
		m.expiredIdentities[id.Identifier()] = struct{}{}
	}
	m.nameIdentity(id)
	m.emitAdded(id)
}

// updateIdentity folds fresh's verified state into the existing, retained
// Identity instance, so external references remain valid. fresh is
// discarded afterward; its own alarms are stopped since existing's alarms
// now cover the identity going forward.
func (m *Manager) updateIdentity(ctx context.Context, existing, fresh *identity.Identity) {
	_, wasExpired := m.expiredIdentities[existing.Identifier()]

	if err := existing.Update(ctx, fresh); err != nil {
		m.log.Debug("failed to update identity", "identifier", existing.Identifier(), "error", err)
		fresh.Close()
		return
	}
	fresh.Close()

	switch signedIn := existing.IsSignedIn(); {
	case wasExpired && signedIn:
		delete(m.expiredIdentities, existing.Identifier())
		m.emitRenewed(existing)
	case !wasExpired && !signedIn:
		m.expiredIdentities[existing.Identifier()] = struct{}{}
		m.emitExpired(existing)
	}
}

// removeIdentity drops identifier from every index and emits removed. If
// doing so collapses its realm bucket to exactly one remaining member,
// that member's display name changes from its full principal to its bare
// realm, and renamed is emitted for it.
func (m *Manager) removeIdentity(identifier string) {
	id, ok := m.identities[identifier]
	if !ok {
		return
	}
	delete(m.identities, identifier)
	delete(m.expiredIdentities, identifier)

	realm := id.RealmName()
	bucket := removeFromBucket(m.identitiesByRealm[realm], id)
	if len(bucket) == 0 {
		delete(m.identitiesByRealm, realm)
	} else {
		m.identitiesByRealm[realm] = bucket
	}

	m.emitRemoved(id)
	id.Close()

	if len(bucket) == 1 {
		sole := bucket[0]
		sole.SetDisplayName(sole.RealmName())
		m.emitRenamed(sole)
	}
}

// nameIdentity appends id to its realm bucket, MRU-first, and sets its
// display name: the bare realm if it is now the bucket's sole member,
// otherwise its full principal. If the bucket just grew from one member to
// two, the previously-sole member's display name collapses back to its
// full principal, and renamed is emitted for it.
func (m *Manager) nameIdentity(id *identity.Identity) {
	realm := id.RealmName()
	bucket := append([]*identity.Identity{id}, m.identitiesByRealm[realm]...)
	m.identitiesByRealm[realm] = bucket

	if len(bucket) == 1 {
		id.SetDisplayName(realm)
		return
	}

	id.SetDisplayName(id.PrincipalName())
	if len(bucket) == 2 {
		other := bucket[1]
		other.SetDisplayName(other.PrincipalName())
		m.emitRenamed(other)
	}
}

// removeFromBucket returns bucket with target removed, preserving order.
func removeFromBucket(bucket []*identity.Identity, target *identity.Identity) []*identity.Identity {
	out := bucket[:0]
	for _, id := range bucket {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
