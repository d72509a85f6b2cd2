package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func openManager(t *testing.T, dsn, generation string) *Manager {
	t.Helper()

	m, err := Open(&Config{DataSourceName: dsn, Generation: generation})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCacheAndLookupRoundTrip(t *testing.T) {
	m := openManager(t, filepath.Join(t.TempDir(), "cache.db"), "v1")
	ctx := context.Background()

	snap := &Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>shell</html>"),
	}
	if err := m.CacheIfSuccessful(ctx, http.MethodGet, "/index.html", snap); err != nil {
		t.Fatalf("CacheIfSuccessful failed: %v", err)
	}

	got, ok, err := m.Lookup(ctx, http.MethodGet, "/index.html")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("cached response not found")
	}
	if got.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", got.Status)
	}
	if got.Header.Get("Content-Type") != "text/html" {
		t.Errorf("content type = %q, want text/html", got.Header.Get("Content-Type"))
	}
	if string(got.Body) != "<html>shell</html>" {
		t.Errorf("body = %q", got.Body)
	}
}

func TestLookupMiss(t *testing.T) {
	m := openManager(t, filepath.Join(t.TempDir(), "cache.db"), "v1")

	_, ok, err := m.Lookup(context.Background(), http.MethodGet, "/never-cached")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ok {
		t.Error("unexpected hit for a key that was never cached")
	}
}

func TestErrorResponsesAreNeverCached(t *testing.T) {
	m := openManager(t, filepath.Join(t.TempDir(), "cache.db"), "v1")
	ctx := context.Background()

	snap := &Snapshot{Status: http.StatusInternalServerError, Header: http.Header{}, Body: []byte("boom")}
	if err := m.CacheIfSuccessful(ctx, http.MethodGet, "/app.js", snap); err != nil {
		t.Fatalf("CacheIfSuccessful failed: %v", err)
	}

	if _, ok, _ := m.Lookup(ctx, http.MethodGet, "/app.js"); ok {
		t.Error("error response must not be served from cache")
	}
}

func TestGenerationsAreIsolated(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	v1 := openManager(t, dsn, "v1")
	snap := &Snapshot{Status: http.StatusOK, Header: http.Header{}, Body: []byte("old shell")}
	if err := v1.CacheIfSuccessful(ctx, http.MethodGet, "/index.html", snap); err != nil {
		t.Fatal(err)
	}
	v1.Close()

	v2 := openManager(t, dsn, "v2")
	if _, ok, _ := v2.Lookup(ctx, http.MethodGet, "/index.html"); ok {
		t.Error("v2 must not see v1 entries")
	}
}

func TestEvictStaleGenerations(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	v1 := openManager(t, dsn, "v1")
	snap := &Snapshot{Status: http.StatusOK, Header: http.Header{}, Body: []byte("old")}
	if err := v1.CacheIfSuccessful(ctx, http.MethodGet, "/index.html", snap); err != nil {
		t.Fatal(err)
	}
	if err := v1.CacheIfSuccessful(ctx, http.MethodGet, "/app.js", snap); err != nil {
		t.Fatal(err)
	}
	v1.Close()

	v2 := openManager(t, dsn, "v2")
	fresh := &Snapshot{Status: http.StatusOK, Header: http.Header{}, Body: []byte("new")}
	if err := v2.CacheIfSuccessful(ctx, http.MethodGet, "/index.html", fresh); err != nil {
		t.Fatal(err)
	}

	evicted, err := v2.EvictStaleGenerations(ctx)
	if err != nil {
		t.Fatalf("EvictStaleGenerations failed: %v", err)
	}
	if evicted != 2 {
		t.Errorf("evicted %d entries, want 2", evicted)
	}

	generations, err := v2.Generations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(generations) != 1 || generations[0] != "v2" {
		t.Errorf("generations = %v, want [v2]", generations)
	}

	got, ok, err := v2.Lookup(ctx, http.MethodGet, "/index.html")
	if err != nil || !ok {
		t.Fatalf("current generation entry lost: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "new" {
		t.Errorf("body = %q, want new", got.Body)
	}
}

func TestPreloadCoreAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("asset:" + r.URL.Path))
	}))
	defer srv.Close()

	m := openManager(t, filepath.Join(t.TempDir(), "cache.db"), "v1")
	ctx := context.Background()

	assets := []string{"/index.html", "/app.js", "/offline.html"}
	if err := m.PreloadCoreAssets(ctx, srv.Client(), srv.URL, assets); err != nil {
		t.Fatalf("PreloadCoreAssets failed: %v", err)
	}

	for _, asset := range assets {
		got, ok, err := m.Lookup(ctx, http.MethodGet, asset)
		if err != nil || !ok {
			t.Fatalf("asset %s not cached: ok=%v err=%v", asset, ok, err)
		}
		if string(got.Body) != "asset:"+asset {
			t.Errorf("asset %s body = %q", asset, got.Body)
		}
	}
}

func TestPreloadIsAllOrNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app.js" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := openManager(t, filepath.Join(t.TempDir(), "cache.db"), "v1")
	ctx := context.Background()

	err := m.PreloadCoreAssets(ctx, srv.Client(), srv.URL, []string{"/index.html", "/app.js", "/offline.html"})
	if err == nil {
		t.Fatal("expected preload to fail when one asset is missing")
	}

	// The asset after the failing one was never fetched.
	if _, ok, _ := m.Lookup(ctx, http.MethodGet, "/offline.html"); ok {
		t.Error("preload continued past a failed asset")
	}
}
