package filecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/freedesktop/identityd/internal/provider"
)

func drain(t *testing.T, ch <-chan provider.CacheResult) []provider.CacheResult {
	t.Helper()
	var got []provider.CacheResult
	for r := range ch {
		got = append(got, r)
	}
	return got
}

func TestCollection_DirKind_EnumerateInspect(t *testing.T) {
	dir := t.TempDir()
	end := time.Now().Add(time.Hour).Truncate(time.Second).UTC()

	a := filepath.Join(dir, "a.cache.json")
	b := filepath.Join(dir, "b.cache.json")
	if err := Put(a, provider.CacheInfo{Identifier: "a@EXAMPLE.COM", Realm: "EXAMPLE.COM", DisplayPrincipal: "a@EXAMPLE.COM", EndTime: end}); err != nil {
		t.Fatalf("Put(...): %v", err)
	}
	if err := Put(b, provider.CacheInfo{Identifier: "b@EXAMPLE.COM", Realm: "EXAMPLE.COM", DisplayPrincipal: "b@EXAMPLE.COM", EndTime: end}); err != nil {
		t.Fatalf("Put(...): %v", err)
	}

	p, err := New(dir, provider.KindDir)
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	c, err := p.OpenCollection(context.Background())
	if err != nil {
		t.Fatalf("OpenCollection(...): %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ch, err := c.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate(...): %v", err)
	}

	var ids []string
	for _, r := range drain(t, ch) {
		if r.Err != nil {
			t.Fatalf("Enumerate(...): unexpected per-step error: %v", r.Err)
		}
		info, err := c.Inspect(context.Background(), r.Handle)
		if err != nil {
			t.Fatalf("Inspect(...): %v", err)
		}
		ids = append(ids, info.Identifier)
		if !info.EndTime.Equal(end) {
			t.Errorf("Inspect(...): EndTime = %v, want %v", info.EndTime, end)
		}
	}

	want := []string{"a@EXAMPLE.COM", "b@EXAMPLE.COM"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("Enumerate(...) identifiers: -want, +got:\n%s", diff)
	}
}

func TestCollection_FileKind_EnumerateEmptyWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "default.cache.json")

	p, err := New(cacheFile, provider.KindFile)
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	c, err := p.OpenCollection(context.Background())
	if err != nil {
		t.Fatalf("OpenCollection(...): %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ch, err := c.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate(...): %v", err)
	}
	if got := drain(t, ch); len(got) != 0 {
		t.Errorf("Enumerate(...): got %d results for an absent cache file, want 0", len(got))
	}
}

func TestCollection_RenewExtendsEndTime(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "a.cache.json")
	past := time.Now().Add(-time.Hour)

	if err := Put(cacheFile, provider.CacheInfo{Identifier: "a@EXAMPLE.COM", Realm: "EXAMPLE.COM", EndTime: past}); err != nil {
		t.Fatalf("Put(...): %v", err)
	}

	p, err := New(dir, provider.KindDir)
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	c, err := p.OpenCollection(context.Background())
	if err != nil {
		t.Fatalf("OpenCollection(...): %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Renew(context.Background(), handle(cacheFile)); err != nil {
		t.Fatalf("Renew(...): %v", err)
	}

	info, err := c.Inspect(context.Background(), handle(cacheFile))
	if err != nil {
		t.Fatalf("Inspect(...): %v", err)
	}
	if !info.EndTime.After(time.Now()) {
		t.Errorf("Renew(...): EndTime %v is not after now", info.EndTime)
	}
}

func TestCollection_DestroyRemovesCache(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "a.cache.json")
	if err := Put(cacheFile, provider.CacheInfo{Identifier: "a@EXAMPLE.COM"}); err != nil {
		t.Fatalf("Put(...): %v", err)
	}

	p, err := New(dir, provider.KindDir)
	if err != nil {
		t.Fatalf("New(...): %v", err)
	}
	c, err := p.OpenCollection(context.Background())
	if err != nil {
		t.Fatalf("OpenCollection(...): %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Destroy(context.Background(), handle(cacheFile)); err != nil {
		t.Fatalf("Destroy(...): %v", err)
	}

	ch, err := c.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate(...): %v", err)
	}
	if got := drain(t, ch); len(got) != 0 {
		t.Errorf("Enumerate(...) after Destroy: got %d results, want 0", len(got))
	}
}

func TestNew_RejectsUnsupportedKind(t *testing.T) {
	if _, err := New(t.TempDir(), provider.KindUnknown); err == nil {
		t.Fatal("New(...): expected an error for an unsupported cache kind")
	}
}
