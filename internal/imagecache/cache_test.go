package imagecache

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFetch_DownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(dir)

	path, err := c.Fetch(srv.URL + "/photo.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading cached file: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("got %q, want image-bytes", data)
	}

	// Second fetch returns the same path without re-downloading (no
	// assertion on hit count here since the handler is side-effect free,
	// but path identity is the documented contract).
	path2, err := c.Fetch(srv.URL + "/photo.jpg")
	if err != nil {
		t.Fatalf("unexpected error on second fetch: %v", err)
	}
	if path2 != path {
		t.Fatalf("expected stable path, got %s and %s", path, path2)
	}
}

func TestFetch_DefaultExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	c := New(t.TempDir())
	path, err := c.Fetch(srv.URL + "/no-extension")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Fatalf("expected default .jpg extension, got %s", filepath.Ext(path))
	}
}

func TestFetch_ConcurrentCallsDoNotCorrupt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("concurrent-bytes"))
	}))
	defer srv.Close()

	c := New(t.TempDir())
	url := srv.URL + "/shared.jpg"

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Fetch(url)
			if err != nil {
				t.Errorf("fetch %d failed: %v", i, err)
				return
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		if p != paths[0] {
			t.Fatalf("expected all concurrent fetches to return the same path")
		}
	}
}

func TestRelease_IgnoresMissing(t *testing.T) {
	c := New(t.TempDir())
	// Should not panic or error on URLs never fetched.
	c.Release([]string{"https://example.com/never-fetched.jpg"})
}

func TestRelease_RemovesCachedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	c := New(t.TempDir())
	url := srv.URL + "/photo.jpg"
	path, err := c.Fetch(url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Release([]string{url})

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected cached file to be removed")
	}
}
