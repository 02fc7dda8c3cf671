package reply

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/store"
)

type fakeSender struct {
	calls int
	lastHTML string
}

func (f *fakeSender) NotifyPublish(ctx context.Context, ghostPostID, postURL, contentHTML string, tags []string) {
	f.calls++
	f.lastHTML = contentHTML
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "posse.db"), dir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() config.WebmentionReplyConfig {
	return config.WebmentionReplyConfig{
		Enabled:              true,
		BlogName:             "Example Blog",
		AllowedTargetOrigins: []string{"https://blog.example.com"},
		RateLimit:            5,
		RateLimitWindowSecs:  3600,
	}
}

func validSubmission() Submission {
	return Submission{
		AuthorName: "Alice",
		AuthorURL:  "https://alice.example.com",
		Content:    "Nice post, thanks!",
		Target:     "https://blog.example.com/my-post",
	}
}

func TestSubmit_HoneypotFilledIsRejectedSilently(t *testing.T) {
	h := New(testConfig(), newTestStore(t), &fakeSender{}, "https://posse.example.com")
	sub := validSubmission()
	sub.Website = "http://spam.example.com"

	_, err := h.Submit(context.Background(), sub, "203.0.113.5")
	if !IsHoneypot(err) {
		t.Fatalf("expected honeypot error, got %v", err)
	}
}

func TestSubmit_RejectsDisallowedTargetOrigin(t *testing.T) {
	h := New(testConfig(), newTestStore(t), &fakeSender{}, "https://posse.example.com")
	sub := validSubmission()
	sub.Target = "https://evil.example.com/post"

	_, err := h.Submit(context.Background(), sub, "203.0.113.5")
	if err == nil {
		t.Fatal("expected disallowed target origin to be rejected")
	}
}

func TestSubmit_RejectsMissingAuthorName(t *testing.T) {
	h := New(testConfig(), newTestStore(t), &fakeSender{}, "https://posse.example.com")
	sub := validSubmission()
	sub.AuthorName = ""

	_, err := h.Submit(context.Background(), sub, "203.0.113.5")
	if err == nil {
		t.Fatal("expected missing author_name to be rejected")
	}
}

func TestSubmit_RejectsTooShortContent(t *testing.T) {
	h := New(testConfig(), newTestStore(t), &fakeSender{}, "https://posse.example.com")
	sub := validSubmission()
	sub.Content = "x"

	_, err := h.Submit(context.Background(), sub, "203.0.113.5")
	if err == nil {
		t.Fatal("expected too-short content to be rejected")
	}
}

func TestSubmit_StoresReplyAndFiresWebmention(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	h := New(testConfig(), st, sender, "https://posse.example.com")

	result, err := h.Submit(context.Background(), validSubmission(), "203.0.113.5")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.ID == "" || len(result.ID) != idLength {
		t.Fatalf("expected a %d-char id, got %q", idLength, result.ID)
	}
	if !strings.HasSuffix(result.PageURL, "/reply/"+result.ID) {
		t.Fatalf("unexpected page URL: %q", result.PageURL)
	}

	got, ok, err := st.GetReply(result.ID)
	if err != nil || !ok {
		t.Fatalf("expected stored reply, ok=%v err=%v", ok, err)
	}
	if got.AuthorName != "Alice" {
		t.Fatalf("unexpected author name: %q", got.AuthorName)
	}

	if sender.calls != 1 {
		t.Fatalf("expected exactly one webmention dispatch, got %d", sender.calls)
	}
	if !strings.Contains(sender.lastHTML, "h-entry") {
		t.Fatalf("expected rendered h-entry HTML to be dispatched, got %q", sender.lastHTML)
	}
}

func TestSubmit_RateLimitsAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 2
	st := newTestStore(t)
	h := New(cfg, st, &fakeSender{}, "https://posse.example.com")

	ip := "203.0.113.9"
	for i := 0; i < 2; i++ {
		if _, err := h.Submit(context.Background(), validSubmission(), ip); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	_, err := h.Submit(context.Background(), validSubmission(), ip)
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestSubmit_TurnstileFailureRejectsSubmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.TurnstileSecretKey = "test-secret"
	h := New(cfg, newTestStore(t), &fakeSender{}, "https://posse.example.com")
	h.httpClient = srv.Client()
	h.turnstileURL = srv.URL

	_, err := h.Submit(context.Background(), validSubmission(), "203.0.113.5")
	if err == nil {
		t.Fatal("expected turnstile failure to reject the submission")
	}
}

func TestSubmit_TurnstileSuccessAllowsSubmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.TurnstileSecretKey = "test-secret"
	h := New(cfg, newTestStore(t), &fakeSender{}, "https://posse.example.com")
	h.httpClient = srv.Client()
	h.turnstileURL = srv.URL

	sub := validSubmission()
	sub.TurnstileToken = "good-token"
	if _, err := h.Submit(context.Background(), sub, "203.0.113.5"); err != nil {
		t.Fatalf("expected turnstile success to allow submission, got %v", err)
	}
}

func TestHashIP_IsDeterministicAndFixedLength(t *testing.T) {
	a := hashIP("203.0.113.5")
	b := hashIP("203.0.113.5")
	if a != b {
		t.Fatal("expected hashIP to be deterministic")
	}
	if len(a) != ipHashLength {
		t.Fatalf("expected %d-char hash, got %d", ipHashLength, len(a))
	}
	if hashIP("203.0.113.6") == a {
		t.Fatal("expected different IPs to hash differently")
	}
}

func TestGenerateID_ProducesURLSafeFixedLength(t *testing.T) {
	id := generateID()
	if len(id) != idLength {
		t.Fatalf("expected %d-char id, got %d", idLength, len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune(idAlphabet, r) {
			t.Fatalf("id contains non-alphabet character: %q", id)
		}
	}
}

func TestRenderHEntry_EscapesContentAndIncludesMicroformats(t *testing.T) {
	r := &store.Reply{
		ID:         "abc123",
		AuthorName: "<script>alert(1)</script>",
		Content:    "hello & welcome",
		Target:     "https://blog.example.com/p",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	out := renderHEntry(r, "Example Blog")
	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Fatal("expected author name to be HTML-escaped")
	}
	for _, class := range []string{"h-entry", "p-author h-card", "e-content", "u-in-reply-to", "dt-published"} {
		if !strings.Contains(out, class) {
			t.Fatalf("expected rendered page to contain microformats2 class %q", class)
		}
	}
}
