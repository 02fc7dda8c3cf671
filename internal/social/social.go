// Package social implements the polymorphic platform client used by the
// syndication dispatcher (component D): a shared capability contract over
// Mastodon and Bluesky, each doing its own authentication, posting, and
// interaction-fetching while presenting one interface to callers.
package social

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wpowiertowski/posse/internal/imagecache"
)

// Platform identifies which API a Client variant speaks.
type Platform string

const (
	Mastodon Platform = "mastodon"
	Bluesky  Platform = "bluesky"
)

// PostResult is returned by Post: the platform-native identifier (a
// Mastodon status id or a Bluesky AT-URI) plus a browser-navigable URL.
type PostResult struct {
	StatusIDOrURI string
	PostURL       string
}

// PostSummary is one entry returned by FetchRecentPosts: the account's own
// original posts (reblogs/reposts excluded).
type PostSummary struct {
	ID        string
	URL       string
	Content   string
	CreatedAt time.Time
}

// ReplyPreview is one entry in Interactions.ReplyPreviews.
type ReplyPreview struct {
	AuthorHandle string // prefixed "@"
	AuthorURL    string
	AuthorAvatar string // may be empty
	Content      string
	CreatedAt    time.Time
	URL          string
	SplitIndex   *int
}

// Interactions is the aggregated result of FetchStatusInteractions.
type Interactions struct {
	Favorites     int
	Reposts       int
	Replies       int
	ReplyPreviews []ReplyPreview
}

// Client is the capability set every platform variant implements. The
// dispatcher, interaction sync service, and discovery engine depend only
// on this interface, never on a concrete Mastodon/Bluesky type.
type Client interface {
	Platform() Platform
	AccountName() string
	Enabled() bool
	Tags() []string
	MaxPostLength() int
	SplitMultiImagePosts() bool

	// Post publishes content with optional parallel media URLs and alt
	// texts. A media item whose image-cache fetch fails is skipped; the
	// post still proceeds with the remaining items.
	Post(ctx context.Context, content string, mediaURLs, altTexts []string) (*PostResult, error)

	VerifyCredentials(ctx context.Context) error

	// FetchRecentPosts returns at most min(limit, platform cap) of the
	// account's own original posts, most recent first.
	FetchRecentPosts(ctx context.Context, limit int) ([]PostSummary, error)

	// FetchStatusInteractions aggregates counts and reply previews for
	// one previously-posted status, identified by the value returned in
	// PostResult.StatusIDOrURI.
	FetchStatusInteractions(ctx context.Context, statusIDOrURI string) (*Interactions, error)
}

// urlRegex matches http(s) URLs; hashtagRegex matches #-prefixed word
// tokens. Both mirror the byte-offset facet scan used by Bluesky rich
// text, but are shared here since Mastodon's content formatting also
// needs hashtag-awareness for tag handling upstream.
var (
	urlRegex     = regexp.MustCompile(`https?://[^\s]+`)
	hashtagRegex = regexp.MustCompile(`#(\w+)`)
)

// stripTrailingPunctuation removes common trailing punctuation that is
// unlikely to be part of a URL, e.g. the period in "see https://x.com.".
func stripTrailingPunctuation(s string) string {
	for len(s) > 0 && strings.ContainsRune(".,;!?)", rune(s[len(s)-1])) {
		s = s[:len(s)-1]
	}
	return s
}

// fetchMedia downloads each media URL via the shared image
// cache, returning local paths for the ones that succeeded (with their
// matching alt text) and logging-but-skipping the ones that failed.
func fetchMedia(cache *imagecache.Cache, mediaURLs, altTexts []string, maxItems int) (paths, alts []string, skipped []string) {
	for i, u := range mediaURLs {
		if i >= maxItems {
			break
		}
		path, err := cache.Fetch(u)
		if err != nil {
			skipped = append(skipped, u)
			continue
		}
		paths = append(paths, path)
		var alt string
		if i < len(altTexts) {
			alt = altTexts[i]
		}
		alts = append(alts, alt)
	}
	return paths, alts, skipped
}

// trimToWordBoundary trims s to at most budget bytes, cutting at the last
// space and appending "..." (reserving 3 chars for the ellipsis), per the
// dispatcher's content-formatting rule (§4.F step 6).
func trimToWordBoundary(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	if budget <= 3 {
		return s[:max0(budget)]
	}
	cut := budget - 3
	if cut > len(s) {
		cut = len(s)
	}
	trimmed := s[:cut]
	if idx := strings.LastIndexByte(trimmed, ' '); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed + "..."
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func errAccountDisabled(platform Platform, account string) error {
	return fmt.Errorf("social: %s account %q is disabled", platform, account)
}
