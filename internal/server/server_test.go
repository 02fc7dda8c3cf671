package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/dispatch"
	"github.com/wpowiertowski/posse/internal/imagecache"
	"github.com/wpowiertowski/posse/internal/interactions"
	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
)

type fakeClient struct {
	platform social.Platform
	account  string
	enabled  bool
	tags     []string
}

func (f *fakeClient) Platform() social.Platform         { return f.platform }
func (f *fakeClient) AccountName() string               { return f.account }
func (f *fakeClient) Enabled() bool                     { return f.enabled }
func (f *fakeClient) Tags() []string                    { return f.tags }
func (f *fakeClient) MaxPostLength() int                { return 500 }
func (f *fakeClient) SplitMultiImagePosts() bool        { return false }
func (f *fakeClient) Post(ctx context.Context, content string, mediaURLs, altTexts []string) (*social.PostResult, error) {
	return &social.PostResult{StatusIDOrURI: "id1", PostURL: "https://example.social/id1"}, nil
}
func (f *fakeClient) VerifyCredentials(ctx context.Context) error { return nil }
func (f *fakeClient) FetchRecentPosts(ctx context.Context, limit int) ([]social.PostSummary, error) {
	return nil, nil
}
func (f *fakeClient) FetchStatusInteractions(ctx context.Context, id string) (*social.Interactions, error) {
	return &social.Interactions{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, "")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := imagecache.New(t.TempDir())
	clients := []social.Client{
		&fakeClient{platform: social.Mastodon, account: "main", enabled: true, tags: nil},
	}
	dispatcher := dispatch.New(clients, cache, st, nil, nil)
	syncer := interactions.New(clients, st, nil)

	cfg := &config.Config{}
	cfg.Security.RateLimitPerMinute = 100
	cfg.Security.DiscoveryRateLimit = 10
	cfg.Security.DiscoveryCooldownSecs = 300

	return New(cfg, st, dispatcher, syncer, nil, nil, nil, nil, nil, nil, nil, clients)
}

func validGhostPayload() []byte {
	return []byte(`{
		"post": {
			"current": {
				"id": "5f8b2c1a2e3d4f5a6b7c8d9e",
				"uuid": "abc-123",
				"title": "Hello",
				"slug": "hello",
				"status": "published",
				"url": "https://blog.example.com/hello/",
				"created_at": "2024-01-01T00:00:00.000Z",
				"updated_at": "2024-01-01T00:00:00.000Z"
			}
		}
	}`)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleGhostWebhook_QueuesValidPost(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/ghost", bytes.NewReader(validGhostPayload()))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGhostWebhook_RejectsInvalidPayload(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/ghost", bytes.NewReader([]byte(`{"not":"valid"}`)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGhostWebhook_RejectsWrongSecret(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Security.WebhookSecret = "sekrit"
	req := httptest.NewRequest(http.MethodPost, "/webhook/ghost", bytes.NewReader(validGhostPayload()))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleGetInteractions_RejectsMalformedID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/interactions/not-an-id", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetInteractions_ReturnsEmptyRecordWhenUnknown(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/interactions/5f8b2c1a2e3d4f5a6b7c8d9e", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected no-store cache-control, got %q", cc)
	}
	var rec2 store.InteractionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &rec2); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if rec2.GhostPostID != "5f8b2c1a2e3d4f5a6b7c8d9e" {
		t.Fatalf("unexpected ghost_post_id: %q", rec2.GhostPostID)
	}
}

func TestHandleHealthcheck_FailsClosedWithoutToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleHealthcheck_SucceedsWithToken(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Security.InternalAPIToken = "tok"
	req := httptest.NewRequest(http.MethodPost, "/healthcheck", nil)
	req.Header.Set("X-Internal-Token", "tok")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleTriggerSync_NotConfiguredWithoutScheduler(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Security.InternalAPIToken = "tok"
	req := httptest.NewRequest(http.MethodPost, "/api/interactions/5f8b2c1a2e3d4f5a6b7c8d9e/sync", nil)
	req.Header.Set("X-Internal-Token", "tok")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleWebmentionPost_NotConfiguredWithoutReceiver(t *testing.T) {
	s := newTestServer(t)
	form := "source=https://a.example/post&target=https://blog.example.com/hello/"
	req := httptest.NewRequest(http.MethodPost, "/webmention", bytes.NewReader([]byte(form)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleReplySubmit_NotConfiguredWithoutHandler(t *testing.T) {
	s := newTestServer(t)
	form := "author_name=Jane&content=hello there&target=https://blog.example.com/hello/"
	req := httptest.NewRequest(http.MethodPost, "/api/webmention/reply", bytes.NewReader([]byte(form)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleReplyRender_NotFoundWithoutHandler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/reply/abc123", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLinkHeaderMiddleware_SetOnEveryResponse(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Link"); got != `</webmention>; rel="webmention"` {
		t.Fatalf("unexpected Link header: %q", got)
	}
}

func TestEventQueue_ConsumesEnqueuedEvent(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.consumeEvents(ctx)

	req := httptest.NewRequest(http.MethodPost, "/webhook/ghost", bytes.NewReader(validGhostPayload()))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	deadline := time.After(2 * time.Second)
	for {
		m, ok, err := s.store.GetMapping("5f8b2c1a2e3d4f5a6b7c8d9e")
		if err != nil {
			t.Fatalf("GetMapping: %v", err)
		}
		if ok && m != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event to be dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
