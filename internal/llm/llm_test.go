package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestNew_DisabledWithoutURL(t *testing.T) {
	c := New("", 5000, true, 0)
	if c.enabled {
		t.Fatal("expected client to be disabled without a URL")
	}
}

func TestGenerateAltText_DisabledReturnsEmptyWithoutError(t *testing.T) {
	c := New("", 5000, false, 0)
	text, err := c.GenerateAltText(context.Background(), "/nonexistent.png")
	if err != nil || text != "" {
		t.Fatalf("expected empty, nil from a disabled client, got %q, %v", text, err)
	}
}

func TestGenerateAltText_UnhealthyServiceReturnsEmptyWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "unhealthy", "model_loaded": false}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	imgPath := writeTempImage(t)

	text, err := c.GenerateAltText(context.Background(), imgPath)
	if err != nil || text != "" {
		t.Fatalf("expected empty, nil when unhealthy, got %q, %v", text, err)
	}
}

func TestGenerateAltText_SuccessReturnsGeneratedText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "healthy", "model_loaded": true}`))
	})
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "response_text": "A cat sitting on a windowsill."}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	imgPath := writeTempImage(t)

	text, err := c.GenerateAltText(context.Background(), imgPath)
	if err != nil {
		t.Fatalf("GenerateAltText: %v", err)
	}
	if text != "A cat sitting on a windowsill." {
		t.Fatalf("unexpected alt text: %q", text)
	}
}

func TestGenerateAltText_MissingImageReturnsEmptyWithoutError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "healthy", "model_loaded": true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	text, err := c.GenerateAltText(context.Background(), "/does/not/exist.png")
	if err != nil || text != "" {
		t.Fatalf("expected empty, nil for a missing image, got %q, %v", text, err)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(srv.URL, 0, true, 5)
	c.httpClient = srv.Client()
	c.baseURL = srv.URL
	return c
}

func writeTempImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.png")
	if err := os.WriteFile(path, []byte("fake-png-bytes"), 0o644); err != nil {
		t.Fatalf("writing temp image: %v", err)
	}
	return path
}
