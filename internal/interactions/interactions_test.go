package interactions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
)

type fakeClient struct {
	platform social.Platform
	account  string
	ix       map[string]*social.Interactions
	failFor  map[string]bool
}

func (f *fakeClient) Platform() social.Platform         { return f.platform }
func (f *fakeClient) AccountName() string               { return f.account }
func (f *fakeClient) Enabled() bool                     { return true }
func (f *fakeClient) Tags() []string                    { return nil }
func (f *fakeClient) MaxPostLength() int                { return 300 }
func (f *fakeClient) SplitMultiImagePosts() bool        { return false }
func (f *fakeClient) VerifyCredentials(context.Context) error { return nil }
func (f *fakeClient) FetchRecentPosts(context.Context, int) ([]social.PostSummary, error) {
	return nil, nil
}
func (f *fakeClient) Post(context.Context, string, []string, []string) (*social.PostResult, error) {
	return nil, nil
}
func (f *fakeClient) FetchStatusInteractions(_ context.Context, id string) (*social.Interactions, error) {
	if f.failFor[id] {
		return nil, errTest
	}
	return f.ix[id], nil
}

var errTest = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

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

func TestSyncPostInteractions_SingleEntry(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutMappingEntry("p1", "https://blog.example.com/p1", "mastodon", "main", store.PlatformPost{
		PostURL: "https://mastodon.social/@x/1", StatusID: "1",
	}); err != nil {
		t.Fatalf("PutMappingEntry: %v", err)
	}

	client := &fakeClient{platform: social.Mastodon, account: "main", ix: map[string]*social.Interactions{
		"1": {Favorites: 5, Reposts: 2, Replies: 1, ReplyPreviews: []social.ReplyPreview{{URL: "https://mastodon.social/@y/2", CreatedAt: time.Now()}}},
	}}

	syncer := New([]social.Client{client}, s, nil)
	rec, err := syncer.SyncPostInteractions(context.Background(), "p1")
	if err != nil {
		t.Fatalf("SyncPostInteractions: %v", err)
	}
	if rec.Platforms["mastodon"]["main"] == nil {
		t.Fatalf("expected mastodon/main slot populated: %+v", rec.Platforms)
	}
}

func TestSyncPostInteractions_MissingMappingReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	syncer := New(nil, s, nil)
	rec, err := syncer.SyncPostInteractions(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.GhostPostID != "nope" {
		t.Fatalf("expected ghost_post_id set on empty record, got %q", rec.GhostPostID)
	}
}

func TestSyncPostInteractions_SplitEntriesSummed(t *testing.T) {
	s := newTestStore(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(s.PutMappingEntry("p1", "https://blog.example.com/p1", "mastodon", "main", store.PlatformPost{
		PostURL: "url-0", StatusID: "0", IsSplit: true, SplitIndex: 0, TotalSplits: 2,
	}))
	must(s.PutMappingEntry("p1", "https://blog.example.com/p1", "mastodon", "main", store.PlatformPost{
		PostURL: "url-1", StatusID: "1", IsSplit: true, SplitIndex: 1, TotalSplits: 2,
	}))

	client := &fakeClient{platform: social.Mastodon, account: "main", ix: map[string]*social.Interactions{
		"0": {Favorites: 3, Reposts: 1},
		"1": {Favorites: 2, Reposts: 0},
	}}

	syncer := New([]social.Client{client}, s, nil)
	rec, err := syncer.SyncPostInteractions(context.Background(), "p1")
	if err != nil {
		t.Fatalf("SyncPostInteractions: %v", err)
	}
	if rec.Platforms["mastodon"]["main"] == nil {
		t.Fatal("expected aggregated slot present")
	}
	agg, ok := rec.Platforms["mastodon"]["main"].(accountInteractions)
	if !ok {
		t.Fatalf("expected aggregated slot to hold accountInteractions, got %T", rec.Platforms["mastodon"]["main"])
	}
	if agg.Favorites != 5 || agg.Reposts != 1 {
		t.Fatalf("expected summed favorites=5 reposts=1, got favorites=%d reposts=%d", agg.Favorites, agg.Reposts)
	}
}

func TestSyncPostInteractions_PreservesOnFailure(t *testing.T) {
	s := newTestStore(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(s.PutMappingEntry("p1", "https://blog.example.com/p1", "mastodon", "main", store.PlatformPost{
		PostURL: "url-0", StatusID: "0",
	}))
	must(s.PutInteractions("p1", &store.InteractionRecord{
		Platforms: map[string]map[string]any{"mastodon": {"main": map[string]any{"favorites": 99.0}}},
	}))

	client := &fakeClient{platform: social.Mastodon, account: "main", failFor: map[string]bool{"0": true}}
	syncer := New([]social.Client{client}, s, nil)

	rec, err := syncer.SyncPostInteractions(context.Background(), "p1")
	if err != nil {
		t.Fatalf("SyncPostInteractions: %v", err)
	}
	got, ok := rec.Platforms["mastodon"]["main"].(map[string]any)
	if !ok {
		t.Fatalf("expected preserved value to remain a map, got %T", rec.Platforms["mastodon"]["main"])
	}
	if got["favorites"] != 99.0 {
		t.Fatalf("expected preserved favorites=99 on fetch failure, got %v", got["favorites"])
	}
}
