// Package filecache is a filesystem-backed provider.Provider. It stands in
// for a real Kerberos credential library binding: each credential cache is
// a small JSON-encoded file holding the fields a real provider would derive
// from scanning a cache's ticket-granting credentials.
package filecache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/freedesktop/identityd/internal/provider"
)

const (
	errFmtOpenDir      = "cannot open credential cache directory %q"
	errFmtReadCache    = "cannot read credential cache %q"
	errFmtDecodeCache  = "cannot decode credential cache %q"
	errFmtEncodeCache  = "cannot encode credential cache %q"
	errFmtWriteCache   = "cannot write credential cache %q"
	errFmtRemoveCache  = "cannot remove credential cache %q"
	errNewWatcher      = "cannot create filesystem watcher"
	errUnsupportedKind = "filecache only supports file- and dir-kind cache collections"
)

// ext is the suffix a file must have to be considered a cache entry within
// a DIR-kind collection.
const ext = ".cache.json"

// renewalLifetime is how far past time.Now a successful Renew extends a
// cache's end time.
const renewalLifetime = 10 * time.Hour

// Provider is a filesystem-backed provider.Provider.
//
// A KindFile Provider manages exactly one cache: path names the cache file
// itself, and its parent directory is watched for changes. A KindDir
// Provider manages every file ending in ".cache.json" within path.
type Provider struct {
	path string
	kind provider.CacheKind
	log  logging.Logger
}

// An Option configures a Provider.
type Option func(*Provider)

// WithLogger configures the logger used by the provider and the
// collections, watchers it creates. A no-op logger is used by default.
func WithLogger(l logging.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a Provider. kind must be provider.KindFile or
// provider.KindDir; any other kind is rejected immediately rather than
// deferred to OpenCollection, since it can never be serviced.
func New(path string, kind provider.CacheKind, opts ...Option) (*Provider, error) {
	if kind != provider.KindFile && kind != provider.KindDir {
		return nil, errors.New(errUnsupportedKind)
	}
	p := &Provider{path: path, kind: kind, log: logging.NewNopLogger()}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenCollection implements provider.Provider.
func (p *Provider) OpenCollection(_ context.Context) (provider.Collection, error) {
	dir := p.path
	if p.kind == provider.KindFile {
		dir = filepath.Dir(p.path)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, errFmtOpenDir, dir)
	}
	return &collection{path: p.path, kind: p.kind, log: p.log}, nil
}

// record is the on-disk shape of one credential cache.
type record struct {
	Identifier       string    `json:"identifier"`
	Realm            string    `json:"realm"`
	DisplayPrincipal string    `json:"displayPrincipal"`
	EndTime          time.Time `json:"endTime"`
}

// Put writes (or overwrites) a cache file at path with the supplied
// identifier, realm, display principal and end time. It is used by tests
// and the demo entrypoint to seed a collection; a real provider would
// instead acquire this data by talking to a credential library.
func Put(path string, info provider.CacheInfo) error {
	return writeRecord(path, record{
		Identifier:       info.Identifier,
		Realm:            info.Realm,
		DisplayPrincipal: info.DisplayPrincipal,
		EndTime:          info.EndTime,
	})
}

func writeRecord(path string, r record) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errFmtEncodeCache, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, errFmtOpenDir, filepath.Dir(path))
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return errors.Wrapf(err, errFmtWriteCache, path)
	}
	return nil
}

// handle is a cache file's absolute path.
type handle string

func (h handle) String() string { return string(h) }

type collection struct {
	path string
	kind provider.CacheKind
	log  logging.Logger
}

// Enumerate implements provider.Collection.
func (c *collection) Enumerate(ctx context.Context) (<-chan provider.CacheResult, error) {
	var paths []string

	switch c.kind {
	case provider.KindFile:
		if _, err := os.Stat(c.path); err == nil {
			paths = []string{c.path}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errFmtReadCache, c.path)
		}
	case provider.KindDir:
		entries, err := os.ReadDir(c.path)
		if err != nil {
			return nil, errors.Wrapf(err, errFmtOpenDir, c.path)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
				continue
			}
			paths = append(paths, filepath.Join(c.path, e.Name()))
		}
		sort.Strings(paths)
	}

	out := make(chan provider.CacheResult)
	go func() {
		defer close(out)
		for _, p := range paths {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if _, err := os.Stat(p); err != nil {
				// Transient: the file may have been removed between listing
				// and inspection. Skip it rather than failing the whole
				// enumeration.
				select {
				case out <- provider.CacheResult{Err: errors.Wrapf(err, errFmtReadCache, p)}:
				case <-ctx.Done():
					return
				}
				continue
			}

			select {
			case out <- provider.CacheResult{Handle: handle(p)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *collection) readRecord(h provider.CacheHandle) (record, error) {
	path := h.String()
	b, err := os.ReadFile(path)
	if err != nil {
		return record{}, errors.Wrapf(err, errFmtReadCache, path)
	}
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return record{}, errors.Wrapf(err, errFmtDecodeCache, path)
	}
	return r, nil
}

// Inspect implements provider.Collection.
func (c *collection) Inspect(_ context.Context, h provider.CacheHandle) (provider.CacheInfo, error) {
	r, err := c.readRecord(h)
	if err != nil {
		return provider.CacheInfo{}, err
	}
	return provider.CacheInfo{
		Identifier:       r.Identifier,
		Realm:            r.Realm,
		DisplayPrincipal: r.DisplayPrincipal,
		EndTime:          r.EndTime,
	}, nil
}

// Renew implements provider.Collection.
func (c *collection) Renew(_ context.Context, h provider.CacheHandle) error {
	r, err := c.readRecord(h)
	if err != nil {
		return err
	}
	r.EndTime = time.Now().Add(renewalLifetime)
	return writeRecord(h.String(), r)
}

// Destroy implements provider.Collection.
func (c *collection) Destroy(_ context.Context, h provider.CacheHandle) error {
	if err := os.Remove(h.String()); err != nil {
		return errors.Wrapf(err, errFmtRemoveCache, h.String())
	}
	return nil
}

// WatchCollection implements provider.Collection.
func (c *collection) WatchCollection(ctx context.Context, onChange func()) (provider.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errNewWatcher)
	}

	target := c.path
	if c.kind == provider.KindFile {
		target = filepath.Dir(c.path)
	}
	if err := w.Add(target); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, errFmtOpenDir, target)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if c.kind == provider.KindFile && filepath.Clean(ev.Name) != filepath.Clean(c.path) {
					continue
				}
				if c.kind == provider.KindDir && !strings.HasSuffix(ev.Name, ext) {
					continue
				}
				onChange()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Debug("credential cache watch error", "error", err)
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return &watcher{cancel: cancel}, nil
}

// Close implements provider.Collection.
func (c *collection) Close() error { return nil }

type watcher struct {
	cancel context.CancelFunc
}

func (w *watcher) Close() error {
	w.cancel()
	return nil
}
