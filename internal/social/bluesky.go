package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wpowiertowski/posse/internal/imagecache"
)

const (
	feedPostType  = "app.bsky.feed.post"
	likeType      = "app.bsky.feed.like"
	repostType    = "app.bsky.feed.repost"
	facetLinkType = "app.bsky.richtext.facet#link"
	facetTagType  = "app.bsky.richtext.facet#tag"

	blueskyFetchCap = 100
)

type errRateLimited struct{ RetryAfter time.Duration }

func (e errRateLimited) Error() string {
	return fmt.Sprintf("bluesky: rate limited, retry after %s", e.RetryAfter)
}

var errAuthExpired = fmt.Errorf("bluesky: auth expired")

// BlueskyClient speaks the AT Protocol (XRPC) directly, matching the
// hand-rolled client the rest of this codebase uses rather than a
// third-party AT-Proto SDK: session auth, createRecord (records are never
// deleted),
// thundering-herd-guarded re-authentication, and rate-limit header
// tracking.
type BlueskyClient struct {
	pdsURL      string
	handle      string
	appPassword string
	accountName string
	tags        []string
	maxLen      int
	splitMulti  bool
	enabled     bool

	httpClient *http.Client
	cache      *imagecache.Cache

	mu      sync.Mutex
	did     string
	token   string
	refresh string

	reauthMu sync.Mutex

	rlMu        sync.Mutex
	rlRemaining int
	rlReset     time.Time
}

// BlueskyConfig is the construction input for a single configured account.
type BlueskyConfig struct {
	InstanceURL          string
	Handle               string
	AppPassword          string
	AccountName          string
	Tags                 []string
	MaxPostLength        int
	SplitMultiImagePosts bool
}

func NewBlueskyClient(cfg BlueskyConfig, cache *imagecache.Cache) *BlueskyClient {
	maxLen := cfg.MaxPostLength
	if maxLen <= 0 {
		maxLen = 300
	}
	return &BlueskyClient{
		pdsURL:      strings.TrimRight(cfg.InstanceURL, "/"),
		handle:      cfg.Handle,
		appPassword: cfg.AppPassword,
		accountName: cfg.AccountName,
		tags:        cfg.Tags,
		maxLen:      maxLen,
		splitMulti:  cfg.SplitMultiImagePosts,
		enabled:     cfg.InstanceURL != "" && cfg.Handle != "" && cfg.AppPassword != "",
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		cache:       cache,
	}
}

func (c *BlueskyClient) Platform() Platform           { return Bluesky }
func (c *BlueskyClient) AccountName() string          { return c.accountName }
func (c *BlueskyClient) Enabled() bool                { return c.enabled }
func (c *BlueskyClient) Tags() []string               { return c.tags }
func (c *BlueskyClient) MaxPostLength() int           { return c.maxLen }
func (c *BlueskyClient) SplitMultiImagePosts() bool   { return c.splitMulti }

// VerifyCredentials authenticates once to confirm the app password is
// valid. Unlike Mastodon, Bluesky re-authenticates before every post
// regardless, so this is purely a construction-time sanity check.
func (c *BlueskyClient) VerifyCredentials(ctx context.Context) error {
	if !c.enabled {
		return errAccountDisabled(Bluesky, c.accountName)
	}
	return c.authenticate(ctx)
}

func (c *BlueskyClient) authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"identifier": c.handle,
		"password":   c.appPassword,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.pdsURL+"/xrpc/com.atproto.server.createSession", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bluesky: createSession: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bluesky: createSession status %d: %s", resp.StatusCode, string(b))
	}

	var sess struct {
		DID        string `json:"did"`
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return fmt.Errorf("bluesky: decoding createSession response: %w", err)
	}

	c.mu.Lock()
	c.did = sess.DID
	c.token = sess.AccessJwt
	c.refresh = sess.RefreshJwt
	c.mu.Unlock()
	return nil
}

// singleAuthenticate ensures only one goroutine re-authenticates at a
// time when several posts race to refresh a stale session; followers
// simply observe the winner's fresh token.
func (c *BlueskyClient) singleAuthenticate(ctx context.Context, staleToken string) error {
	c.reauthMu.Lock()
	defer c.reauthMu.Unlock()

	c.mu.Lock()
	current := c.token
	c.mu.Unlock()
	if current != "" && current != staleToken {
		return nil
	}
	return c.authenticate(ctx)
}

func (c *BlueskyClient) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *BlueskyClient) did_() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

func (c *BlueskyClient) updateRateLimit(resp *http.Response) {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()
	if v := resp.Header.Get("RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rlRemaining = n
		}
	}
	if v := resp.Header.Get("RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.rlReset = time.Unix(n, 0)
		}
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 30 * time.Second
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 30 * time.Second
}

// doRequest executes req, classifying 401 as errAuthExpired and 429 as
// errRateLimited so authedPost/authedGet can retry once.
func (c *BlueskyClient) doRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	c.updateRateLimit(resp)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		resp.Body.Close()
		return nil, errAuthExpired
	case http.StatusTooManyRequests:
		retry := parseRetryAfter(resp)
		resp.Body.Close()
		return nil, errRateLimited{RetryAfter: retry}
	}
	return resp, nil
}

// authedPost issues method+path with a bearer token, re-authenticating
// once on a stale session and retrying once after a rate-limit backoff.
func (c *BlueskyClient) authedPost(ctx context.Context, path string, payload any) (*http.Response, error) {
	return c.authedRequest(ctx, http.MethodPost, path, payload)
}

func (c *BlueskyClient) authedGet(ctx context.Context, path string) (*http.Response, error) {
	return c.authedRequest(ctx, http.MethodGet, path, nil)
}

func (c *BlueskyClient) authedRequest(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	attempt := func() (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.pdsURL+path, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.currentToken())
		return c.doRequest(req)
	}

	resp, err := attempt()
	if err == errAuthExpired {
		if reauthErr := c.singleAuthenticate(ctx, c.currentToken()); reauthErr != nil {
			return nil, fmt.Errorf("bluesky: re-authentication failed: %w", reauthErr)
		}
		resp, err = attempt()
	}
	if rl, ok := err.(errRateLimited); ok {
		select {
		case <-time.After(rl.RetryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		resp, err = attempt()
	}
	return resp, err
}

// Post re-authenticates, builds facets, compresses and uploads up to 4
// images as blobs, then creates the feed.post record.
func (c *BlueskyClient) Post(ctx context.Context, content string, mediaURLs, altTexts []string) (*PostResult, error) {
	if !c.enabled {
		return nil, errAccountDisabled(Bluesky, c.accountName)
	}
	if err := c.authenticate(ctx); err != nil {
		return nil, fmt.Errorf("bluesky: pre-post re-authentication: %w", err)
	}

	paths, alts, _ := fetchMedia(c.cache, mediaURLs, altTexts, blueskyMaxMediaItems)

	var images []blueskyImageEmbed
	for i, p := range paths {
		blob, err := c.uploadBlob(ctx, p)
		if err != nil {
			continue
		}
		images = append(images, blueskyImageEmbed{Alt: alts[i], Image: blob})
	}

	record := map[string]any{
		"$type":     feedPostType,
		"text":      content,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"facets":    buildFacets(content),
	}
	if len(images) > 0 {
		record["embed"] = map[string]any{
			"$type":  "app.bsky.embed.images",
			"images": images,
		}
	}

	resp, err := c.authedPost(ctx, "/xrpc/com.atproto.repo.createRecord", map[string]any{
		"repo":       c.did_(),
		"collection": "app.bsky.feed.post",
		"record":     record,
	})
	if err != nil {
		return nil, fmt.Errorf("bluesky: createRecord: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bluesky: createRecord status %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bluesky: decoding createRecord response: %w", err)
	}

	return &PostResult{
		StatusIDOrURI: out.URI,
		PostURL:       atURIToWebURL(out.URI, c.handle),
	}, nil
}

type blueskyImageEmbed struct {
	Alt   string         `json:"alt"`
	Image map[string]any `json:"image"`
}

func (c *BlueskyClient) uploadBlob(ctx context.Context, path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = compressForBluesky(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.pdsURL+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bluesky: uploadBlob status %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Blob map[string]any `json:"blob"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Blob, nil
}

// atURIToWebURL converts at://did/app.bsky.feed.post/rkey into a
// browser-navigable bsky.app permalink.
func atURIToWebURL(atURI, handle string) string {
	parts := strings.Split(atURI, "/")
	if len(parts) == 0 {
		return atURI
	}
	rkey := parts[len(parts)-1]
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, rkey)
}

func (c *BlueskyClient) FetchRecentPosts(ctx context.Context, limit int) ([]PostSummary, error) {
	if !c.enabled {
		return nil, errAccountDisabled(Bluesky, c.accountName)
	}
	if limit <= 0 || limit > blueskyFetchCap {
		limit = blueskyFetchCap
	}
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/xrpc/app.bsky.feed.getAuthorFeed?actor=%s&limit=%d&filter=posts_no_replies",
		c.handle, limit)
	resp, err := c.authedGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("bluesky: getAuthorFeed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bluesky: getAuthorFeed status %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Feed []struct {
			Post struct {
				URI    string `json:"uri"`
				Record struct {
					Text      string `json:"text"`
					CreatedAt string `json:"createdAt"`
				} `json:"record"`
			} `json:"post"`
			Reason *struct {
				Type string `json:"$type"`
			} `json:"reason,omitempty"`
		} `json:"feed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bluesky: decoding getAuthorFeed response: %w", err)
	}

	var posts []PostSummary
	for _, item := range out.Feed {
		if item.Reason != nil {
			continue // repost, not an original post
		}
		createdAt, _ := time.Parse(time.RFC3339, item.Post.Record.CreatedAt)
		posts = append(posts, PostSummary{
			ID:        item.Post.URI,
			URL:       atURIToWebURL(item.Post.URI, c.handle),
			Content:   item.Post.Record.Text,
			CreatedAt: createdAt,
		})
	}
	return posts, nil
}

func (c *BlueskyClient) FetchStatusInteractions(ctx context.Context, atURI string) (*Interactions, error) {
	if !c.enabled {
		return nil, errAccountDisabled(Bluesky, c.accountName)
	}
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}

	thread, err := c.getPostThread(ctx, atURI)
	if err != nil {
		return nil, err
	}
	likes, err := c.getLikes(ctx, atURI)
	if err != nil {
		return nil, err
	}
	reposts, err := c.getRepostedBy(ctx, atURI)
	if err != nil {
		return nil, err
	}

	replies := thread.replies
	if len(replies) > 10 {
		replies = replies[:10]
	}

	return &Interactions{
		Favorites:     likes,
		Reposts:       reposts,
		Replies:       len(thread.replies),
		ReplyPreviews: replies,
	}, nil
}

type blueskyThread struct {
	replies []ReplyPreview
}

func (c *BlueskyClient) getPostThread(ctx context.Context, atURI string) (*blueskyThread, error) {
	resp, err := c.authedGet(ctx, "/xrpc/app.bsky.feed.getPostThread?uri="+atURI)
	if err != nil {
		return nil, fmt.Errorf("bluesky: getPostThread: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &blueskyThread{}, nil
	}

	var out struct {
		Thread struct {
			Replies []struct {
				Post struct {
					URI    string `json:"uri"`
					Author struct {
						Handle      string `json:"handle"`
						DisplayName string `json:"displayName"`
						Avatar      string `json:"avatar"`
					} `json:"author"`
					Record struct {
						Text      string `json:"text"`
						CreatedAt string `json:"createdAt"`
					} `json:"record"`
				} `json:"post"`
			} `json:"replies"`
		} `json:"thread"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bluesky: decoding getPostThread response: %w", err)
	}

	var previews []ReplyPreview
	for _, r := range out.Thread.Replies {
		createdAt, _ := time.Parse(time.RFC3339, r.Post.Record.CreatedAt)
		previews = append(previews, ReplyPreview{
			AuthorHandle: "@" + r.Post.Author.Handle,
			AuthorURL:    "https://bsky.app/profile/" + r.Post.Author.Handle,
			AuthorAvatar: r.Post.Author.Avatar,
			Content:      r.Post.Record.Text,
			CreatedAt:    createdAt,
			URL:          atURIToWebURL(r.Post.URI, r.Post.Author.Handle),
		})
	}
	return &blueskyThread{replies: previews}, nil
}

func (c *BlueskyClient) getLikes(ctx context.Context, atURI string) (int, error) {
	resp, err := c.authedGet(ctx, fmt.Sprintf("/xrpc/app.bsky.feed.getLikes?uri=%s&limit=100", atURI))
	if err != nil {
		return 0, fmt.Errorf("bluesky: getLikes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, nil
	}
	var out struct {
		Likes []json.RawMessage `json:"likes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("bluesky: decoding getLikes response: %w", err)
	}
	return len(out.Likes), nil
}

func (c *BlueskyClient) getRepostedBy(ctx context.Context, atURI string) (int, error) {
	resp, err := c.authedGet(ctx, fmt.Sprintf("/xrpc/app.bsky.feed.getRepostedBy?uri=%s&limit=100", atURI))
	if err != nil {
		return 0, fmt.Errorf("bluesky: getRepostedBy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, nil
	}
	var out struct {
		RepostedBy []json.RawMessage `json:"repostedBy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("bluesky: decoding getRepostedBy response: %w", err)
	}
	return len(out.RepostedBy), nil
}

// buildFacets scans text for http(s) URLs and #-prefixed hashtag tokens,
// producing rich-text facets over their byte-offset ranges. URLs have
// common trailing punctuation stripped before their range is recorded.
func buildFacets(text string) []map[string]any {
	type match struct {
		start, end int
		feature    map[string]any
	}
	var matches []match

	for _, loc := range urlRegex.FindAllStringIndex(text, -1) {
		uri := stripTrailingPunctuation(text[loc[0]:loc[1]])
		if uri == "" {
			continue
		}
		matches = append(matches, match{
			start: loc[0],
			end:   loc[0] + len(uri),
			feature: map[string]any{
				"$type": facetLinkType,
				"uri":   uri,
			},
		})
	}

	for _, loc := range hashtagRegex.FindAllStringSubmatchIndex(text, -1) {
		if len(loc) < 4 {
			continue
		}
		matches = append(matches, match{
			start: loc[0],
			end:   loc[1],
			feature: map[string]any{
				"$type": facetTagType,
				"tag":   text[loc[2]:loc[3]],
			},
		})
	}

	facets := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		facets = append(facets, map[string]any{
			"index": map[string]any{
				"byteStart": m.start,
				"byteEnd":   m.end,
			},
			"features": []map[string]any{m.feature},
		})
	}
	return facets
}
