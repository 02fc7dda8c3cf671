// Package notify sends operator push notifications for POSSE lifecycle
// events via Pushover, and implements the interactions package's
// Notifier seam for new-reply alerts.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wpowiertowski/posse/internal/social"
)

const (
	pushoverAPIURL     = "https://api.pushover.net/1/messages.json"
	maxTitleLength     = 250
	maxMessageLength   = 1024
	maxURLLength       = 512
	maxURLTitleLength  = 100
	sendTimeout        = 10 * time.Second

	priorityLow    = -1
	priorityNormal = 0
	priorityHigh   = 1
)

// Pushover is a push-notification client for POSSE lifecycle events.
// It is always safe to call — when disabled (missing credentials or
// config_enabled=false) every method logs at debug and sends nothing
// (SendTest reports false).
type Pushover struct {
	appToken   string
	userKey    string
	enabled    bool
	httpClient *http.Client
	apiURL     string // overridable in tests; defaults to Pushover's real endpoint
}

func New(appToken, userKey string, enabled bool) *Pushover {
	p := &Pushover{
		appToken:   appToken,
		userKey:    userKey,
		enabled:    enabled && appToken != "" && userKey != "",
		httpClient: &http.Client{Timeout: sendTimeout},
		apiURL:     pushoverAPIURL,
	}
	switch {
	case !enabled:
		slog.Info("pushover notifications disabled via config")
	case !p.enabled:
		slog.Warn("pushover notifications disabled: missing credentials")
	default:
		slog.Info("pushover notifications enabled")
	}
	return p
}

func (p *Pushover) NotifyPostReceived(ctx context.Context, postTitle, postID string) {
	p.send(ctx, "Post Received", fmt.Sprintf("New post received and validated:\n%s", postTitle), priorityNormal, "", "")
}

func (p *Pushover) NotifyPostQueued(ctx context.Context, postTitle, postURL string) {
	p.send(ctx, "Post Queued", fmt.Sprintf("Post queued for syndication:\n%s", postTitle), priorityNormal, postURL, "View Post")
}

func (p *Pushover) NotifyValidationError(ctx context.Context, details string) {
	p.send(ctx, "Validation Error", fmt.Sprintf("Failed to validate Ghost post:\n%s", details), priorityHigh, "", "")
}

func (p *Pushover) NotifyPostSuccess(ctx context.Context, postTitle, accountName, platform, postURL string) {
	urlTitle := ""
	if postURL != "" {
		urlTitle = "View on " + platform
	}
	p.send(ctx, fmt.Sprintf("Posted to %s", platform), fmt.Sprintf("Successfully posted to %s:\n%s", accountName, postTitle), priorityNormal, postURL, urlTitle)
}

func (p *Pushover) NotifyPostFailure(ctx context.Context, postTitle, accountName, platform, errMsg string) {
	p.send(ctx, fmt.Sprintf("Failed to post to %s", platform), fmt.Sprintf("Failed to post to %s:\n%s\n\nError: %s", accountName, postTitle, errMsg), priorityHigh, "", "")
}

// NotifyNewReply implements internal/interactions.Notifier: alert the
// operator when a platform reply surfaces that wasn't previously known.
func (p *Pushover) NotifyNewReply(ghostPostID string, reply social.ReplyPreview) error {
	message := fmt.Sprintf("New reply from %s:\n%s", reply.AuthorHandle, reply.Content)
	p.send(context.Background(), "New Reply", message, priorityLow, reply.URL, "View Reply")
	return nil
}

// SendTest sends a low-priority test notification, used by the
// healthcheck endpoint to verify Pushover is reachable and configured.
func (p *Pushover) SendTest(ctx context.Context) bool {
	return p.send(ctx, "Test Notification", "POSSE health check test", priorityLow, "", "")
}

func (p *Pushover) send(ctx context.Context, title, message string, priority int, pushURL, urlTitle string) bool {
	if !p.enabled {
		slog.Debug("pushover notification skipped (disabled)", "title", title)
		return false
	}

	form := url.Values{
		"token":    {p.appToken},
		"user":     {p.userKey},
		"title":    {truncate(title, maxTitleLength)},
		"message":  {truncate(message, maxMessageLength)},
		"priority": {fmt.Sprintf("%d", priority)},
	}
	if pushURL != "" {
		form.Set("url", truncate(pushURL, maxURLLength))
		if urlTitle != "" {
			form.Set("url_title", truncate(urlTitle, maxURLTitleLength))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		slog.Error("pushover: building request failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Error("pushover: send failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Error("pushover: non-2xx response", "status", resp.StatusCode)
		return false
	}

	slog.Info("pushover notification sent", "title", title)
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
