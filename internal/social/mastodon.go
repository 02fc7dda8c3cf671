package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wpowiertowski/posse/internal/imagecache"
)

const mastodonFetchCap = 40

var htmlTagRegex = regexp.MustCompile(`<[^>]+>`)

// stripHTML removes tags and unescapes entities, used when Mastodon
// returns status content as HTML for both post text and reply previews.
func stripHTML(s string) string {
	return html.UnescapeString(htmlTagRegex.ReplaceAllString(s, ""))
}

// MastodonClient speaks the plain REST Mastodon API. Unlike Bluesky, the
// access token is long-lived: credentials are verified once at startup
// (VerifyAll) and the client disables itself on failure rather than
// re-authenticating per post.
type MastodonClient struct {
	instanceURL string
	accessToken string
	accountName string
	tags        []string
	maxLen      int
	splitMulti  bool

	mu      sync.Mutex
	enabled bool

	httpClient *http.Client
	cache      *imagecache.Cache
}

type MastodonConfig struct {
	InstanceURL          string
	AccessToken          string
	AccountName          string
	Tags                 []string
	MaxPostLength        int
	SplitMultiImagePosts bool
}

func NewMastodonClient(cfg MastodonConfig, cache *imagecache.Cache) *MastodonClient {
	maxLen := cfg.MaxPostLength
	if maxLen <= 0 {
		maxLen = 500
	}
	return &MastodonClient{
		instanceURL: strings.TrimRight(cfg.InstanceURL, "/"),
		accessToken: cfg.AccessToken,
		accountName: cfg.AccountName,
		tags:        cfg.Tags,
		maxLen:      maxLen,
		splitMulti:  cfg.SplitMultiImagePosts,
		enabled:     cfg.InstanceURL != "" && cfg.AccessToken != "",
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		cache:       cache,
	}
}

func (c *MastodonClient) Platform() Platform         { return Mastodon }
func (c *MastodonClient) AccountName() string        { return c.accountName }
func (c *MastodonClient) Tags() []string             { return c.tags }
func (c *MastodonClient) MaxPostLength() int          { return c.maxLen }
func (c *MastodonClient) SplitMultiImagePosts() bool { return c.splitMulti }

func (c *MastodonClient) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *MastodonClient) disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// VerifyCredentials calls account_verify_credentials; on failure it
// disables the client so the dispatcher excludes it from fan-out without
// crashing the whole posting run.
func (c *MastodonClient) VerifyCredentials(ctx context.Context) error {
	if !c.Enabled() {
		return errAccountDisabled(Mastodon, c.accountName)
	}
	resp, err := c.authedGet(ctx, "/api/v1/accounts/verify_credentials")
	if err != nil {
		c.disable()
		return fmt.Errorf("mastodon: verify_credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.disable()
		return fmt.Errorf("mastodon: verify_credentials status %d", resp.StatusCode)
	}
	return nil
}

func (c *MastodonClient) authedGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instanceURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	return c.httpClient.Do(req)
}

func (c *MastodonClient) Post(ctx context.Context, content string, mediaURLs, altTexts []string) (*PostResult, error) {
	if !c.Enabled() {
		return nil, errAccountDisabled(Mastodon, c.accountName)
	}

	paths, alts, _ := fetchMedia(c.cache, mediaURLs, altTexts, mastodonMaxMediaItems)

	var mediaIDs []string
	for i, p := range paths {
		id, err := c.uploadMedia(ctx, p, alts[i])
		if err != nil {
			continue
		}
		mediaIDs = append(mediaIDs, id)
	}

	form := map[string]string{"status": content, "visibility": "public"}
	req, err := c.newStatusRequest(ctx, form, mediaIDs)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mastodon: posting status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mastodon: status post returned %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mastodon: decoding status response: %w", err)
	}
	return &PostResult{StatusIDOrURI: out.ID, PostURL: out.URL}, nil
}

func (c *MastodonClient) newStatusRequest(ctx context.Context, form map[string]string, mediaIDs []string) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range form {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for _, id := range mediaIDs {
		if err := w.WriteField("media_ids[]", id); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instanceURL+"/api/v1/statuses", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

func (c *MastodonClient) uploadMedia(ctx context.Context, path, altText string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if altText != "" {
		if err := w.WriteField("description", altText); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instanceURL+"/api/v2/media", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mastodon: uploading media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("mastodon: media upload returned %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *MastodonClient) FetchRecentPosts(ctx context.Context, limit int) ([]PostSummary, error) {
	if !c.Enabled() {
		return nil, errAccountDisabled(Mastodon, c.accountName)
	}
	if limit <= 0 || limit > mastodonFetchCap {
		limit = mastodonFetchCap
	}

	account, err := c.verifiedAccount(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.authedGet(ctx, fmt.Sprintf("/api/v1/accounts/%s/statuses?limit=%d&exclude_reblogs=true&exclude_replies=true", account, limit))
	if err != nil {
		return nil, fmt.Errorf("mastodon: account_statuses: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mastodon: account_statuses returned %d: %s", resp.StatusCode, string(b))
	}

	var statuses []struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
		Reblog    *struct{} `json:"reblog"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("mastodon: decoding account_statuses response: %w", err)
	}

	var posts []PostSummary
	for _, s := range statuses {
		if s.Reblog != nil {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, s.CreatedAt)
		posts = append(posts, PostSummary{
			ID:        s.ID,
			URL:       s.URL,
			Content:   stripHTML(s.Content),
			CreatedAt: createdAt,
		})
	}
	return posts, nil
}

func (c *MastodonClient) verifiedAccount(ctx context.Context) (string, error) {
	resp, err := c.authedGet(ctx, "/api/v1/accounts/verify_credentials")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mastodon: verify_credentials returned %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// FetchStatusInteractions aggregates counts and up to 10 direct replies
// via three calls: favourited_by, reblogged_by, and context. Timeouts on any one call are tolerated — the remaining data
// is still returned.
func (c *MastodonClient) FetchStatusInteractions(ctx context.Context, statusID string) (*Interactions, error) {
	if !c.Enabled() {
		return nil, errAccountDisabled(Mastodon, c.accountName)
	}

	favorites := c.countAccounts(ctx, fmt.Sprintf("/api/v1/statuses/%s/favourited_by?limit=80", statusID))
	reposts := c.countAccounts(ctx, fmt.Sprintf("/api/v1/statuses/%s/reblogged_by?limit=80", statusID))

	resp, err := c.authedGet(ctx, fmt.Sprintf("/api/v1/statuses/%s/context", statusID))
	var previews []ReplyPreview
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			var ctxResp struct {
				Descendants []struct {
					ID           string `json:"id"`
					URL          string `json:"url"`
					Content      string `json:"content"`
					CreatedAt    string `json:"created_at"`
					InReplyToID  string `json:"in_reply_to_id"`
					Account      struct {
						Acct        string `json:"acct"`
						URL         string `json:"url"`
						AvatarURL   string `json:"avatar"`
					} `json:"account"`
				} `json:"descendants"`
			}
			if decodeErr := json.NewDecoder(resp.Body).Decode(&ctxResp); decodeErr == nil {
				for _, d := range ctxResp.Descendants {
					if d.InReplyToID != statusID {
						continue
					}
					createdAt, _ := time.Parse(time.RFC3339, d.CreatedAt)
					previews = append(previews, ReplyPreview{
						AuthorHandle: "@" + d.Account.Acct,
						AuthorURL:    d.Account.URL,
						AuthorAvatar: d.Account.AvatarURL,
						Content:      stripHTML(d.Content),
						CreatedAt:    createdAt,
						URL:          d.URL,
					})
					if len(previews) >= 10 {
						break
					}
				}
			}
		}
	}

	return &Interactions{
		Favorites:     favorites,
		Reposts:       reposts,
		Replies:       len(previews),
		ReplyPreviews: previews,
	}, nil
}

func (c *MastodonClient) countAccounts(ctx context.Context, path string) int {
	resp, err := c.authedGet(ctx, path)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	var accounts []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return 0
	}
	return len(accounts)
}
