// Package webmention implements the webmention sender and receiver
// (components K and L): outbound link extraction and notification on
// publish/update/delete, and inbound acceptance with asynchronous source
// verification.
package webmention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wpowiertowski/posse/internal/config"
	"github.com/wpowiertowski/posse/internal/store"
)

const (
	maxHTMLBytes     = 5 << 20 // 5 MiB
	discoveryTimeout = 10 * time.Second
	sendTimeout      = 15 * time.Second
)

// Sender notifies link targets and configured external services whenever a
// post is published, updated, or deleted.
type Sender struct {
	targets    []config.WebmentionTarget
	store      *store.Store
	httpClient *http.Client
}

func NewSender(targets []config.WebmentionTarget, st *store.Store) *Sender {
	return &Sender{
		targets:    targets,
		store:      st,
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

// NotifyPublish extracts outbound links from the post content and webments
// each one, plus every configured target whose tag matches one of the
// post's tags, then records the link set for future diffing.
func (s *Sender) NotifyPublish(ctx context.Context, ghostPostID, postURL, contentHTML string, tags []string) {
	links := ExtractLinks(contentHTML, postURL)
	s.sendToLinks(ctx, postURL, links)
	s.sendToConfiguredTargets(ctx, postURL, tags)
	if err := s.store.SetOutboundLinks(ghostPostID, links); err != nil {
		slog.Warn("webmention: failed to record outbound links", "ghost_post_id", ghostPostID, "error", err)
	}
}

// NotifyUpdate re-notifies every currently linked URL plus any URL that was
// linked before but no longer is (§4.K, testable property 8).
func (s *Sender) NotifyUpdate(ctx context.Context, ghostPostID, postURL, contentHTML string, tags []string) {
	links := ExtractLinks(contentHTML, postURL)
	previous, err := s.store.GetOutboundLinks(ghostPostID)
	if err != nil {
		slog.Warn("webmention: failed to load previous outbound links", "ghost_post_id", ghostPostID, "error", err)
	}
	targets := unionStrings(links, differenceStrings(previous, links))
	s.sendToLinks(ctx, postURL, targets)
	s.sendToConfiguredTargets(ctx, postURL, tags)
	if err := s.store.SetOutboundLinks(ghostPostID, links); err != nil {
		slog.Warn("webmention: failed to record outbound links", "ghost_post_id", ghostPostID, "error", err)
	}
}

// NotifyDelete re-notifies every previously linked URL (they no longer have
// a referring post) and clears the recorded link set.
func (s *Sender) NotifyDelete(ctx context.Context, ghostPostID, postURL string) {
	previous, err := s.store.GetOutboundLinks(ghostPostID)
	if err != nil {
		slog.Warn("webmention: failed to load previous outbound links", "ghost_post_id", ghostPostID, "error", err)
		return
	}
	s.sendToLinks(ctx, postURL, previous)
	if err := s.store.SetOutboundLinks(ghostPostID, nil); err != nil {
		slog.Warn("webmention: failed to clear outbound links", "ghost_post_id", ghostPostID, "error", err)
	}
}

func (s *Sender) sendToLinks(ctx context.Context, postURL string, links []string) {
	for _, link := range links {
		endpoint, err := discoverEndpoint(ctx, s.httpClient, link)
		if err != nil {
			slog.Warn("webmention: endpoint discovery failed", "target", link, "error", err)
			continue
		}
		if endpoint == "" {
			continue
		}
		if err := s.send(ctx, endpoint, postURL, link); err != nil {
			slog.Warn("webmention: send failed", "endpoint", endpoint, "target", link, "error", err)
		}
	}
}

func (s *Sender) sendToConfiguredTargets(ctx context.Context, postURL string, tags []string) {
	for _, t := range s.targets {
		if t.Tag != "" && !containsFold(tags, t.Tag) {
			continue
		}
		if err := s.send(ctx, t.Endpoint, postURL, t.Target); err != nil {
			slog.Warn("webmention: configured target send failed", "name", t.Name, "error", err)
		}
	}
}

func (s *Sender) send(ctx context.Context, endpoint, source, target string) error {
	form := url.Values{"source": {source}, "target": {target}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webmention rejected: %s", parseErrorBody(resp))
}

func parseErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var decoded struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if len(body) > 0 && json.Unmarshal(body, &decoded) == nil && decoded.Error != "" {
		if decoded.ErrorDescription != "" {
			return decoded.ErrorDescription
		}
		return decoded.Error
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status)
}

// discoverEndpoint implements W3C webmention endpoint discovery: a Link
// header with rel="webmention" on the target page, falling back to a
// <link rel="webmention" href> element in the body. Returns "" (no error)
// when the target simply doesn't advertise an endpoint.
func discoverEndpoint(ctx context.Context, client *http.Client, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if endpoint := parseLinkHeader(resp.Header.Get("Link")); endpoint != "" {
		return resolveRelative(target, endpoint), nil
	}

	body := io.LimitReader(resp.Body, maxHTMLBytes)
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", nil
	}
	if href, ok := doc.Find(`link[rel="webmention"]`).First().Attr("href"); ok {
		return resolveRelative(target, href), nil
	}
	if href, ok := doc.Find(`a[rel="webmention"]`).First().Attr("href"); ok {
		return resolveRelative(target, href), nil
	}
	return "", nil
}

func parseLinkHeader(header string) string {
	for _, part := range strings.Split(header, ",") {
		if !strings.Contains(part, `rel="webmention"`) && !strings.Contains(part, "rel=webmention") {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return strings.TrimSpace(part[start+1 : end])
		}
	}
	return ""
}

func resolveRelative(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// ExtractLinks collects <a href> targets from post HTML, rejecting
// non-http(s), fragment-only, and same-origin links (§4.K link extraction).
func ExtractLinks(html, postURL string) []string {
	if len(html) > maxHTMLBytes {
		slog.Warn("webmention: post HTML exceeds parse cap, truncating", "bytes", len(html))
		html = html[:maxHTMLBytes]
	}

	postOrigin := originOf(postURL)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := url.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if originOf(href) == postOrigin {
			return
		}
		normalized := normalizeLink(u)
		if seen[normalized] {
			return
		}
		seen[normalized] = true
		links = append(links, normalized)
	})
	return links
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(strings.TrimSuffix(u.Host, "/"))
}

func normalizeLink(u *url.URL) string {
	out := *u
	out.Fragment = ""
	return out.String()
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func differenceStrings(a, b []string) []string {
	inB := map[string]bool{}
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range a {
		if !inB[s] {
			out = append(out, s)
		}
	}
	return out
}
