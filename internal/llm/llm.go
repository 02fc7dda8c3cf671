// Package llm implements internal/dispatch's AltTextGenerator against a
// vision-capable LLM service, used to backfill missing image alt text
// before syndication.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultTimeout     = 60 * time.Second
	healthCheckTimeout = 5 * time.Second
	defaultPrompt      = "Describe this image concisely in one sentence for use as alt text for accessibility."
	defaultMaxTokens   = 256
	defaultTemperature = 0.7
	defaultTopP        = 0.95
)

// Client talks to a vision LLM service exposing /health and /infer.
// Disabled (empty URL, or config_enabled=false) degrades GenerateAltText
// to returning ("", nil) so the dispatcher's alt-text backfill step can
// always call it unconditionally.
type Client struct {
	baseURL    string
	enabled    bool
	httpClient *http.Client
}

func New(rawURL string, port int, enabled bool, timeoutSeconds int) *Client {
	if !enabled || rawURL == "" {
		slog.Info("llm client disabled")
		return &Client{enabled: false}
	}

	url := strings.TrimRight(rawURL, "/")
	var base string
	if strings.Contains(url, "://") {
		base = fmt.Sprintf("%s:%d", url, port)
	} else {
		base = fmt.Sprintf("http://%s:%d", url, port)
	}

	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	slog.Info("llm client initialized", "base_url", base, "timeout", timeout)
	return &Client{
		baseURL:    base,
		enabled:    true,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	ModelName   string `json:"model_name"`
}

func (c *Client) healthy(ctx context.Context) bool {
	if !c.enabled {
		return false
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("llm health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("llm health check returned non-200", "status", resp.StatusCode)
		return false
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Status == "healthy" && health.ModelLoaded
}

type inferRequest struct {
	Prompt      string  `json:"prompt"`
	Image       string  `json:"image"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type inferResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	ResponseText string `json:"response_text"`
}

// GenerateAltText implements internal/dispatch.AltTextGenerator. It
// never returns a descriptive error to the caller for expected
// degraded-service conditions (disabled, unhealthy, empty response) —
// those are logged and surfaced as ("", nil) so the dispatcher proceeds
// with no alt text rather than failing the whole post.
func (c *Client) GenerateAltText(ctx context.Context, imagePath string) (string, error) {
	if !c.enabled {
		return "", nil
	}

	if !c.healthy(ctx) {
		slog.Warn("llm service not healthy, skipping alt text generation")
		return "", nil
	}

	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		slog.Error("llm: reading image failed", "path", imagePath, "error", err)
		return "", nil
	}

	payload := inferRequest{
		Prompt:      defaultPrompt,
		Image:       base64.StdEncoding.EncodeToString(imageData),
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		TopP:        defaultTopP,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("llm inference request failed", "error", err)
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("llm inference failed", "status", resp.StatusCode)
		return "", nil
	}

	var decoded inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", nil
	}
	if !decoded.Success {
		slog.Error("llm inference returned error", "error", decoded.Error)
		return "", nil
	}

	altText := strings.TrimSpace(decoded.ResponseText)
	if altText == "" {
		slog.Warn("llm returned empty response")
		return "", nil
	}

	slog.Info("generated alt text", "preview", truncate(altText, 100))
	return altText, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
