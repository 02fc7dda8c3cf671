package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
)

type fakeClient struct {
	platform social.Platform
	account  string
	enabled  bool
	posts    []social.PostSummary
}

func (f *fakeClient) Platform() social.Platform  { return f.platform }
func (f *fakeClient) AccountName() string        { return f.account }
func (f *fakeClient) Enabled() bool              { return f.enabled }
func (f *fakeClient) Tags() []string             { return nil }
func (f *fakeClient) MaxPostLength() int         { return 300 }
func (f *fakeClient) SplitMultiImagePosts() bool { return false }
func (f *fakeClient) VerifyCredentials(context.Context) error { return nil }
func (f *fakeClient) Post(context.Context, string, []string, []string) (*social.PostResult, error) {
	return nil, nil
}
func (f *fakeClient) FetchStatusInteractions(context.Context, string) (*social.Interactions, error) {
	return nil, nil
}
func (f *fakeClient) FetchRecentPosts(context.Context, int) ([]social.PostSummary, error) {
	return f.posts, nil
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

func TestDiscoverMapping_FindsPlainTextLink(t *testing.T) {
	s := newTestStore(t)
	client := &fakeClient{
		platform: social.Mastodon,
		account:  "main",
		enabled:  true,
		posts: []social.PostSummary{
			{ID: "1", URL: "https://mastodon.social/@x/1", Content: "check this out https://blog.example.com/p1?utm=1 thanks"},
		},
	}
	e := New([]social.Client{client}, s)

	added, err := e.DiscoverMapping(context.Background(), "p1", "https://blog.example.com/p1/")
	if err != nil {
		t.Fatalf("DiscoverMapping: %v", err)
	}
	if !added {
		t.Fatal("expected a new mapping entry to be added")
	}

	mapping, ok, err := s.GetMapping("p1")
	if err != nil || !ok {
		t.Fatalf("expected mapping to exist, ok=%v err=%v", ok, err)
	}
	if _, ok := mapping.Platforms["mastodon"]["main"]; !ok {
		t.Fatal("expected mastodon/main entry to be recorded")
	}
}

func TestDiscoverMapping_FindsHTMLAnchorLink(t *testing.T) {
	s := newTestStore(t)
	client := &fakeClient{
		platform: social.Mastodon,
		account:  "main",
		enabled:  true,
		posts: []social.PostSummary{
			{ID: "2", URL: "https://mastodon.social/@x/2", Content: `new post <a href="https://blog.example.com/p2">here</a>`},
		},
	}
	e := New([]social.Client{client}, s)

	added, err := e.DiscoverMapping(context.Background(), "p2", "https://blog.example.com/p2")
	if err != nil {
		t.Fatalf("DiscoverMapping: %v", err)
	}
	if !added {
		t.Fatal("expected HTML anchor href to be discovered")
	}
}

func TestDiscoverMapping_SkipsExistingEntry(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutMappingEntry("p3", "https://blog.example.com/p3", "mastodon", "main", store.PlatformPost{
		PostURL: "https://mastodon.social/@x/3", StatusID: "3",
	}); err != nil {
		t.Fatalf("PutMappingEntry: %v", err)
	}

	client := &fakeClient{platform: social.Mastodon, account: "main", enabled: true}
	e := New([]social.Client{client}, s)

	added, err := e.DiscoverMapping(context.Background(), "p3", "https://blog.example.com/p3")
	if err != nil {
		t.Fatalf("DiscoverMapping: %v", err)
	}
	if added {
		t.Fatal("expected existing (platform, account) entry to be skipped")
	}
}

func TestDiscoverMapping_NoMatchReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	client := &fakeClient{
		platform: social.Mastodon,
		account:  "main",
		enabled:  true,
		posts: []social.PostSummary{
			{ID: "4", URL: "https://mastodon.social/@x/4", Content: "unrelated post"},
		},
	}
	e := New([]social.Client{client}, s)

	added, err := e.DiscoverMapping(context.Background(), "p4", "https://blog.example.com/p4")
	if err != nil {
		t.Fatalf("DiscoverMapping: %v", err)
	}
	if added {
		t.Fatal("expected no match to not add an entry")
	}
}

func TestNormalizeURL_StripsTrailingSlashQueryFragment(t *testing.T) {
	got := normalizeURL("https://blog.example.com/p1/?utm=1#section")
	want := "https://blog.example.com/p1"
	if got != want {
		t.Fatalf("normalizeURL() = %q, want %q", got, want)
	}
}
