// Package discovery implements the discovery engine (component J): given a
// Ghost post that predates this deployment's syndication tracking, it scans
// each enabled platform account's recent posts for one that already links
// back to it, and records the mapping entry it finds.
package discovery

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wpowiertowski/posse/internal/social"
	"github.com/wpowiertowski/posse/internal/store"
)

const maxPostsPerAccount = 50

var bareURLRegex = regexp.MustCompile(`https?://[^\s<>"]+`)

// Engine owns the configured platform clients and the mapping store it
// reads existing entries from and writes discovered ones to.
type Engine struct {
	clients []social.Client
	store   *store.Store
}

func New(clients []social.Client, st *store.Store) *Engine {
	return &Engine{clients: clients, store: st}
}

// DiscoverMapping scans every enabled client's recent posts for one linking
// to ghostPostURL and, on a match, records the mapping entry. Returns true
// if any new entry was added.
func (e *Engine) DiscoverMapping(ctx context.Context, ghostPostID, ghostPostURL string) (bool, error) {
	target := normalizeURL(ghostPostURL)
	existing, _, err := e.store.GetMapping(ghostPostID)
	if err != nil {
		return false, err
	}

	added := false
	for _, c := range e.clients {
		if !c.Enabled() {
			continue
		}
		platform := string(c.Platform())
		account := c.AccountName()
		if hasExistingEntry(existing, platform, account) {
			continue
		}

		found, err := e.discoverOne(ctx, c, target)
		if err != nil {
			slog.Warn("discovery: recent-posts fetch failed", "platform", platform, "account", account, "error", err)
			continue
		}
		if found == nil {
			continue
		}

		entry := store.PlatformPost{PostURL: found.URL}
		if c.Platform() == social.Bluesky {
			entry.PostURI = found.ID
		} else {
			entry.StatusID = found.ID
		}
		if err := e.store.PutMappingEntry(ghostPostID, ghostPostURL, platform, account, entry); err != nil {
			slog.Warn("discovery: failed to record mapping entry", "platform", platform, "account", account, "error", err)
			continue
		}
		added = true
	}
	return added, nil
}

func hasExistingEntry(m *store.Mapping, platform, account string) bool {
	if m == nil || m.Platforms == nil {
		return false
	}
	accounts, ok := m.Platforms[platform]
	if !ok {
		return false
	}
	_, ok = accounts[account]
	return ok
}

func (e *Engine) discoverOne(ctx context.Context, c social.Client, target string) (*social.PostSummary, error) {
	posts, err := c.FetchRecentPosts(ctx, maxPostsPerAccount)
	if err != nil {
		return nil, err
	}
	for _, p := range posts {
		for _, candidate := range candidateURLs(p.Content) {
			if normalizeURL(candidate) == target {
				post := p
				return &post, nil
			}
		}
	}
	return nil, nil
}

// candidateURLs extracts link targets the way §4.J specifies: href
// attributes from any HTML anchors present, plus bare URLs found in the
// plain text. A client whose content is plain text (e.g. Bluesky) simply
// yields no anchors, and the bare-URL pass covers it.
func candidateURLs(content string) []string {
	var urls []string

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			if href, ok := sel.Attr("href"); ok {
				urls = append(urls, href)
			}
		})
	}

	urls = append(urls, bareURLRegex.FindAllString(content, -1)...)
	return urls
}

// normalizeURL strips trailing slash, query, and fragment so syndicated
// links that differ only in tracking parameters still match.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
