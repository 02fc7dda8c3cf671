package webmention

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/store"
)

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

func TestExtractLinks_RejectsFragmentAndSameOrigin(t *testing.T) {
	html := `
		<p><a href="#section">jump</a></p>
		<p><a href="https://blog.example.com/other-post">same origin</a></p>
		<p><a href="https://other.example.com/thing">external</a></p>
		<p><a href="ftp://weird.example.com/file">non-http</a></p>
	`
	links := ExtractLinks(html, "https://blog.example.com/my-post")
	if len(links) != 1 {
		t.Fatalf("expected exactly one external link, got %v", links)
	}
	if links[0] != "https://other.example.com/thing" {
		t.Fatalf("unexpected link: %q", links[0])
	}
}

func TestExtractLinks_DedupesByNormalizedURL(t *testing.T) {
	html := `<a href="https://other.example.com/x#a">1</a><a href="https://other.example.com/x#b">2</a>`
	links := ExtractLinks(html, "https://blog.example.com/p")
	if len(links) != 1 {
		t.Fatalf("expected fragment-only variants to dedupe, got %v", links)
	}
}

func TestSender_SendToConfiguredTargets_TagGated(t *testing.T) {
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = append(received, r.FormValue("target"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	st := newTestStore(t)
	targets := []config.WebmentionTarget{
		{Name: "news", Endpoint: srv.URL, Target: "https://news.indieweb.org/en", Tag: "indieweb"},
		{Name: "always", Endpoint: srv.URL, Target: "https://always.example.com", Tag: ""},
	}
	sender := NewSender(targets, st)

	sender.NotifyPublish(context.Background(), "p1", "https://blog.example.com/p1", "<p>no links here</p>", []string{"go"})

	found := map[string]bool{}
	for _, r := range received {
		found[r] = true
	}
	if found["https://news.indieweb.org/en"] {
		t.Fatal("expected tag-gated target to be skipped when post tags don't match")
	}
	if !found["https://always.example.com"] {
		t.Fatal("expected untagged target to always receive a webmention")
	}
}

func TestSender_NotifyUpdate_RenotifiesRemovedLinks(t *testing.T) {
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Link", `</wm>; rel="webmention"`)
			return
		}
		received = append(received, r.FormValue("target"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	removed := srv.URL + "/removed"
	st := newTestStore(t)
	if err := st.SetOutboundLinks("p1", []string{removed}); err != nil {
		t.Fatalf("SetOutboundLinks: %v", err)
	}

	sender := NewSender(nil, st)
	sender.NotifyUpdate(context.Background(), "p1", "https://blog.example.com/p1", "<p>no links now</p>", nil)

	if len(received) != 1 || received[0] != removed {
		t.Fatalf("expected the removed link to be re-notified, got %v", received)
	}

	after, err := st.GetOutboundLinks("p1")
	if err != nil {
		t.Fatalf("GetOutboundLinks: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected outbound links to be replaced with the new (empty) set, got %v", after)
	}
}

func TestParseLinkHeader_ExtractsWebmentionRel(t *testing.T) {
	header := `<https://example.com/other>; rel="alternate", <https://example.com/wm>; rel="webmention"`
	got := parseLinkHeader(header)
	if got != "https://example.com/wm" {
		t.Fatalf("parseLinkHeader() = %q", got)
	}
}
