// Package imagecache implements the content-addressed, on-disk image
// store shared by every platform client (§4.C). Each file is written
// once via an O_EXCL+O_CREAT guard; a collision on that guard is assumed
// to be a concurrent peer writing the same URL, and the race is
// tolerated rather than treated as an error.
package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultExtension = ".jpg"
	downloadTimeout  = 30 * time.Second
)

// Cache is a shared, filesystem-backed image store rooted at a single
// directory. It has no in-memory state beyond its HTTP client — the
// filesystem itself is the source of truth, so concurrent processes
// (not just goroutines) can share a cache root safely.
type Cache struct {
	root   string
	client *http.Client
}

func New(root string) *Cache {
	return &Cache{
		root:   root,
		client: &http.Client{Timeout: downloadTimeout},
	}
}

// pathFor computes cache_root / sha256(url) + ext(url or ".jpg").
func (c *Cache) pathFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	ext := extensionOf(rawURL)
	return filepath.Join(c.root, hex.EncodeToString(sum[:])+ext)
}

func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultExtension
	}
	ext := filepath.Ext(u.Path)
	if ext == "" {
		return defaultExtension
	}
	// Guard against query-string-contaminated or absurdly long "extensions".
	if len(ext) > 8 || strings.ContainsAny(ext, "/?#") {
		return defaultExtension
	}
	return ext
}

// Fetch returns the local path to rawURL's cached bytes, downloading
// them if not already present. On an exclusive-create collision with a
// concurrent writer, the existing (possibly still-being-written) path is
// returned — callers tolerate partial reads as the documented contract.
func (c *Cache) Fetch(rawURL string) (string, error) {
	path := c.pathFor(rawURL)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(c.root, 0o700); err != nil {
		return "", fmt.Errorf("imagecache: creating cache root: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return path, nil
		}
		return "", fmt.Errorf("imagecache: opening %s: %w", path, err)
	}

	resp, err := c.client.Get(rawURL)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("imagecache: downloading %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("imagecache: %s returned status %d", rawURL, resp.StatusCode)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("imagecache: writing %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("imagecache: closing %s: %w", path, err)
	}

	return path, nil
}

// Release unlinks the cached files for the given URLs, ignoring any that
// don't exist.
func (c *Cache) Release(urls []string) {
	for _, u := range urls {
		path := c.pathFor(u)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			// best-effort cleanup; a leftover file costs disk, not correctness
			continue
		}
	}
}
