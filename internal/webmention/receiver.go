package webmention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wpowiertowski/posse/internal/store"
)

const (
	maxURLLength         = 2048
	verifyFetchTimeout   = 30 * time.Second
	verifyMaxBodyBytes   = 5 << 20 // 5 MiB
	userAgent            = "POSSE Webmention Receiver"
)

var errValidation = errors.New("webmention validation failed")

// Receiver accepts and verifies incoming webmentions against a configured
// blog origin (§4.L).
type Receiver struct {
	blogURL    string
	store      *store.Store
	httpClient *http.Client
}

func NewReceiver(blogURL string, st *store.Store) *Receiver {
	return &Receiver{
		blogURL: strings.TrimSuffix(blogURL, "/"),
		store:   st,
		httpClient: &http.Client{
			Timeout: verifyFetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
	}
}

// Accept validates source/target, stores a pending record (replacing any
// prior record for the same pair), and returns it. Callers are expected to
// run Verify asynchronously (or inline, for small deployments).
func (r *Receiver) Accept(source, target string) (*store.Webmention, error) {
	if err := r.validate(source, target); err != nil {
		return nil, err
	}

	w := &store.Webmention{
		Source:      source,
		Target:      target,
		Status:      store.WebmentionPending,
		MentionType: store.MentionMention,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := r.store.PutWebmention(w); err != nil {
		return nil, fmt.Errorf("storing pending webmention: %w", err)
	}
	return w, nil
}

func (r *Receiver) validate(source, target string) error {
	if !isValidURL(source) {
		return fmt.Errorf("%w: invalid source URL", errValidation)
	}
	if !isValidURL(target) {
		return fmt.Errorf("%w: invalid target URL", errValidation)
	}
	if strings.TrimSuffix(source, "/") == strings.TrimSuffix(target, "/") {
		return fmt.Errorf("%w: source and target must differ", errValidation)
	}
	if !r.isBlogPostURL(target) {
		return fmt.Errorf("%w: target is not a post on this blog", errValidation)
	}
	return nil
}

func isValidURL(raw string) bool {
	if raw == "" || len(raw) > maxURLLength {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (r *Receiver) isBlogPostURL(target string) bool {
	if r.blogURL == "" {
		return false
	}
	cleaned := strings.TrimSuffix(target, "/")
	if !strings.HasPrefix(strings.ToLower(cleaned), strings.ToLower(r.blogURL)) {
		return false
	}
	path := cleaned[len(r.blogURL):]
	return path != "" && path != "/"
}

// Verify fetches source, confirms it links to target, and records the
// outcome. Safe to run in a goroutine.
func (r *Receiver) Verify(ctx context.Context, source, target string) {
	if err := guardAgainstSSRF(source); err != nil {
		slog.Warn("webmention: refusing to verify source", "source", source, "error", err)
		r.markRejected(source, target, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, verifyFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		r.markRejected(source, target, err.Error())
		return
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, application/xhtml+xml, */*")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.markRejected(source, target, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := r.store.DeleteWebmention(source, target); err != nil {
			slog.Warn("webmention: failed to delete record", "error", err)
		}
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.markRejected(source, target, fmt.Sprintf("source returned HTTP %d", resp.StatusCode))
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, verifyMaxBodyBytes))
	if err != nil {
		r.markRejected(source, target, err.Error())
		return
	}
	html := string(body)

	if !linksToTarget(html, target) {
		r.markRejected(source, target, "source does not contain a link to the target URL")
		return
	}

	entry := parseHEntry(html, target)
	now := time.Now().UTC()
	w := &store.Webmention{
		Source:      source,
		Target:      target,
		Status:      store.WebmentionVerified,
		MentionType: entry.mentionType,
		AuthorName:  truncate(entry.authorName, 200),
		AuthorURL:   truncate(entry.authorURL, 2048),
		Content:     truncate(entry.content, 10000),
		ReceivedAt:  now,
		VerifiedAt:  &now,
	}
	if err := r.store.PutWebmention(w); err != nil {
		slog.Warn("webmention: failed to store verified record", "error", err)
	}
}

func (r *Receiver) markRejected(source, target, reason string) {
	slog.Info("webmention verification rejected", "source", source, "target", target, "reason", reason)
	if err := r.store.PutWebmention(&store.Webmention{
		Source: source, Target: target, Status: store.WebmentionRejected,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		slog.Warn("webmention: failed to store rejected record", "error", err)
	}
}

func linksToTarget(html, target string) bool {
	target = strings.TrimSuffix(target, "/")
	withSlash := target + "/"
	lower := strings.ToLower(html)
	return strings.Contains(lower, strings.ToLower(fmt.Sprintf(`href="%s"`, target))) ||
		strings.Contains(lower, strings.ToLower(fmt.Sprintf(`href="%s"`, withSlash))) ||
		strings.Contains(lower, strings.ToLower(fmt.Sprintf(`href='%s'`, target))) ||
		strings.Contains(lower, strings.ToLower(fmt.Sprintf(`href='%s'`, withSlash)))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// guardAgainstSSRF refuses private, loopback, and link-local source hosts so
// the async verification fetch can't be used to probe internal services.
func guardAgainstSSRF(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolving host: %w", err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch private/loopback host %q", host)
		}
	}
	return nil
}
