// Package reply implements the reply form endpoint (component M):
// validation, per-IP rate limiting, storage, h-entry rendering, and the
// self-dispatched webmention that follows a successful submission.
package reply

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/store"
)

const (
	idAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	idLength          = 16
	maxAuthorName     = 100
	maxAuthorURL      = 500
	minContent        = 2
	maxContent        = 2000
	ipHashLength      = 16
	turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	turnstileTimeout  = 10 * time.Second
)

// WebmentionSender is the capability this package needs from
// internal/webmention to fire the self-dispatched webmention, kept narrow
// so this package doesn't import it directly.
type WebmentionSender interface {
	NotifyPublish(ctx context.Context, ghostPostID, postURL, contentHTML string, tags []string)
}

// Submission is the raw, unvalidated form/JSON payload.
type Submission struct {
	Website        string // honeypot
	AuthorName     string
	AuthorURL      string
	Content        string
	Target         string
	TurnstileToken string
}

// Handler owns the collaborators needed to process reply submissions.
type Handler struct {
	cfg            config.WebmentionReplyConfig
	store          *store.Store
	sender         WebmentionSender
	httpClient     *http.Client
	baseURL        string // public base URL reply pages are served under, e.g. "https://posse.example.com"
	turnstileURL   string // overridable in tests; defaults to Cloudflare's real endpoint
}

func New(cfg config.WebmentionReplyConfig, st *store.Store, sender WebmentionSender, baseURL string) *Handler {
	return &Handler{
		cfg:          cfg,
		store:        st,
		sender:       sender,
		httpClient:   &http.Client{Timeout: turnstileTimeout},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		turnstileURL: turnstileVerifyURL,
	}
}

// Result is returned on a successful submission.
type Result struct {
	ID      string
	PageURL string
}

// errHoneypotFilled signals the caller to respond 200 without side effects.
var errHoneypotFilled = fmt.Errorf("honeypot field was filled")

func IsHoneypot(err error) bool { return err == errHoneypotFilled }

// errRateLimited signals the caller to respond 429.
var errRateLimited = fmt.Errorf("reply rate limit exceeded")

func IsRateLimited(err error) bool { return err == errRateLimited }

// Submit validates, rate-limits, and — on success — stores a reply,
// renders its h-entry page, and fires a self-dispatched webmention.
func (h *Handler) Submit(ctx context.Context, sub Submission, clientIP string) (*Result, error) {
	if sub.Website != "" {
		return nil, errHoneypotFilled
	}

	if errs := h.validate(sub); len(errs) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	if h.cfg.TurnstileSecretKey != "" {
		ok, err := h.verifyTurnstile(ctx, sub.TurnstileToken, clientIP)
		if err != nil || !ok {
			return nil, fmt.Errorf("turnstile verification failed")
		}
	}

	ipHash := hashIP(clientIP)
	window := time.Duration(h.cfg.RateLimitWindowSecs) * time.Second
	if window <= 0 {
		window = time.Hour
	}
	limit := h.cfg.RateLimit
	if limit <= 0 {
		limit = 5
	}
	count, err := h.store.RepliesSince(ipHash, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	if count >= limit {
		return nil, errRateLimited
	}

	id := generateID()
	r := &store.Reply{
		ID:         id,
		AuthorName: truncate(strings.TrimSpace(sub.AuthorName), maxAuthorName),
		AuthorURL:  normalizeAuthorURL(sub.AuthorURL),
		Content:    truncate(strings.TrimSpace(sub.Content), maxContent),
		Target:     strings.TrimSpace(sub.Target),
		IPHash:     ipHash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.PutReply(r); err != nil {
		return nil, err
	}

	pageURL := fmt.Sprintf("%s/reply/%s", h.baseURL, id)
	if h.sender != nil {
		h.sender.NotifyPublish(ctx, "reply:"+id, pageURL, renderHEntry(r, h.cfg.BlogName), nil)
	}

	return &Result{ID: id, PageURL: pageURL}, nil
}

// Render returns the stored h-entry page for id, backing GET /reply/{id}.
func (h *Handler) Render(id string) (string, bool, error) {
	r, ok, err := h.store.GetReply(id)
	if err != nil || !ok {
		return "", ok, err
	}
	return renderHEntry(r, h.cfg.BlogName), true, nil
}

func (h *Handler) validate(sub Submission) []string {
	var errs []string

	name := strings.TrimSpace(sub.AuthorName)
	if name == "" {
		errs = append(errs, "author_name is required")
	} else if len(name) > maxAuthorName {
		errs = append(errs, fmt.Sprintf("author_name must be %d characters or less", maxAuthorName))
	}

	content := strings.TrimSpace(sub.Content)
	if content == "" {
		errs = append(errs, "content is required")
	} else if len(content) < minContent {
		errs = append(errs, "content is too short")
	} else if len(content) > maxContent {
		errs = append(errs, fmt.Sprintf("content must be %d characters or less", maxContent))
	}

	target := strings.TrimSpace(sub.Target)
	if target == "" {
		errs = append(errs, "target is required")
	} else if !h.originAllowed(target) {
		errs = append(errs, "target URL is not from an allowed site")
	}

	if au := strings.TrimSpace(sub.AuthorURL); au != "" {
		if _, err := parseHTTPURL(au); err != nil {
			errs = append(errs, "author_url must be a valid http(s) URL")
		}
	}

	return errs
}

func (h *Handler) originAllowed(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	origin := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
	for _, allowed := range h.cfg.AllowedTargetOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

func normalizeAuthorURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if _, err := parseHTTPURL(raw); err != nil {
		return ""
	}
	return truncate(raw, maxAuthorURL)
}

func (h *Handler) verifyTurnstile(ctx context.Context, token, clientIP string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"secret":   h.cfg.TurnstileSecretKey,
		"response": token,
		"remoteip": clientIP,
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.turnstileURL, strings.NewReader(string(body)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, err
	}
	return decoded.Success, nil
}

func generateID() string {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		slog.Error("reply: crypto/rand read failed, id will be degraded", "error", err)
	}
	out := make([]byte, idLength)
	for i, v := range b {
		out[i] = idAlphabet[int(v)%len(idAlphabet)]
	}
	return string(out)
}

func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:ipHashLength]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// renderHEntry renders the stored reply as a self-contained microformats2
// h-entry HTML page, styled close to the blog's own reply widget.
func renderHEntry(r *store.Reply, blogName string) string {
	if blogName == "" {
		blogName = "Blog"
	}
	escapedName := html.EscapeString(r.AuthorName)
	escapedContent := html.EscapeString(r.Content)
	escapedTarget := html.EscapeString(r.Target)
	escapedBlog := html.EscapeString(blogName)

	var authorMarkup string
	if r.AuthorURL != "" {
		authorMarkup = fmt.Sprintf(`<a class="p-name u-url" href="%s" rel="nofollow noopener">%s</a>`, html.EscapeString(r.AuthorURL), escapedName)
	} else {
		authorMarkup = fmt.Sprintf(`<span class="p-name">%s</span>`, escapedName)
	}

	created := r.CreatedAt.Format(time.RFC3339)
	display := r.CreatedAt.Format("January 2, 2006")

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Reply by %s</title>
  <meta name="robots" content="noindex, nofollow">
</head>
<body>
  <main>
    <article class="h-entry">
      <h1>Webmention Reply</h1>
      <p>This published reply was sent via the webmention form on %s.</p>
      <div class="p-author h-card">%s</div>
      <div class="e-content p-name">%s</div>
      <a class="u-in-reply-to" href="%s">%s</a>
      <time class="dt-published" datetime="%s">%s</time>
    </article>
  </main>
</body>
</html>`, escapedName, escapedBlog, authorMarkup, escapedContent, escapedTarget, escapedTarget, created, display)
}
