// Package provider defines the abstract credential-cache-collection
// capability surface the identity manager is built against. It knows
// nothing about any particular credential library; a concrete
// implementation (e.g. internal/provider/filecache) supplies the backing
// store.
package provider

import (
	"context"
	"time"
)

// A CacheKind classifies how a credential cache collection is backed.
// WatchCollection need only support FILE- and DIR-kind collections; any
// other kind is a distinct, permanent error.
type CacheKind int

// Supported and unsupported cache collection kinds.
const (
	KindUnknown CacheKind = iota
	KindFile
	KindDir
)

func (k CacheKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// A CacheHandle identifies one credential cache within a collection. It
// carries no data of its own; all data is obtained via Collection.Inspect.
type CacheHandle interface {
	// String returns an opaque, provider-specific identifier suitable for
	// logging. It is not necessarily the identity's principal.
	String() string
}

// CacheInfo is the inspected shape of a single credential cache.
type CacheInfo struct {
	// Identifier is the cache's canonical, non-display principal string.
	Identifier string
	// Realm is the administrative realm the cache's principal belongs to.
	Realm string
	// DisplayPrincipal is the human-readable form of the principal.
	DisplayPrincipal string
	// EndTime is the maximum endtime over the cache's non-config
	// ticket-granting credentials for its own realm. The zero Time means
	// no qualifying credential was found.
	EndTime time.Time
}

// A CacheResult is one step of an Enumerate sequence: either a usable
// CacheHandle, or a transient per-step error that the caller should log
// and skip rather than treat as fatal to the whole enumeration.
type CacheResult struct {
	Handle CacheHandle
	Err    error
}

// A Watcher observes a credential cache collection for changes. Close
// stops the watch; it does not report any error the watch itself
// encountered, which is instead delivered through the registered callback
// having already stopped firing.
type Watcher interface {
	Close() error
}

// A Collection is an open handle to a provider's credential cache
// collection. Enumerate results are a finite, non-restartable sequence:
// calling Enumerate again begins a fresh pass over the backing store.
type Collection interface {
	// Enumerate lists the caches currently in the collection. The returned
	// channel is closed once enumeration completes; a non-nil Err on a
	// CacheResult marks that single step as failed without ending the
	// sequence.
	Enumerate(ctx context.Context) (<-chan CacheResult, error)

	// Inspect reads the current contents of a single cache.
	Inspect(ctx context.Context, h CacheHandle) (CacheInfo, error)

	// Renew replaces h's contents with freshly renewed credentials,
	// atomically from the caller's point of view.
	Renew(ctx context.Context, h CacheHandle) error

	// Destroy erases h from the collection.
	Destroy(ctx context.Context, h CacheHandle) error

	// WatchCollection invokes onChange on any change to the collection.
	// It returns a distinct error if the collection's kind is neither
	// KindFile nor KindDir.
	WatchCollection(ctx context.Context, onChange func()) (Watcher, error)

	// Close releases any resources held by the collection.
	Close() error
}

// A Provider opens a credential cache collection. It is the sole
// extension point between the identity manager and a concrete credential
// library binding.
type Provider interface {
	OpenCollection(ctx context.Context) (Collection, error)
}
