// Package rewrite is the client for the generative text service used as the
// injection fallback: when no matching anchor text exists in a page body,
// one paragraph is rewritten to incorporate the link. It also supplies the
// small pool of naturally-phrased anchor alternatives per target page.
package rewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/seolift/linkplan/models"
)

// DefaultBaseURL is the default generative service endpoint.
const DefaultBaseURL = "http://localhost:11434"

// DefaultModel is the default generation model.
const DefaultModel = "gpt-oss:20b"

// Config contains rewrite client configuration.
type Config struct {
	BaseURL       string
	Model         string
	Timeout       time.Duration // per-call timeout
	MaxRetries    int           // attempts per call before giving up
	MaxConcurrent int           // concurrent in-flight generations
}

// DefaultConfig returns default rewrite client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		Model:         DefaultModel,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		MaxConcurrent: 3,
	}
}

// Client talks to the generative service.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // limits concurrent generations
}

// New creates a new rewrite client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 3
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}
}

// acquire takes a semaphore slot or returns early on context cancellation.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.semaphore
}

// RewriteParagraph asks the service to rework one paragraph so that it
// contains a link to targetURL using exactly anchorText, changing at most
// one or two sentences. The returned string is the replacement paragraph
// HTML. Retries with backoff; the caller treats a final error as an
// unplaceable edge, not a fatal condition.
func (c *Client) RewriteParagraph(ctx context.Context, targetURL, anchorText, paragraphHTML string) (string, error) {
	prompt := fmt.Sprintf(`You are an editor inserting one internal link into existing website copy.

Rewrite the paragraph below so that it naturally incorporates a link to %s using EXACTLY this anchor text: %q.

Rules:
- Preserve the paragraph's meaning and tone.
- Change at most one or two sentences; keep the rest verbatim.
- The anchor text must appear exactly once, wrapped as <a href="%s">%s</a>.
- Return ONLY the rewritten paragraph HTML. No explanation, no markdown fences.

Paragraph:
%s`, targetURL, anchorText, targetURL, anchorText, paragraphHTML)

	resp, err := c.generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	rewritten := strings.TrimSpace(resp)
	rewritten = strings.TrimPrefix(rewritten, "```html")
	rewritten = strings.TrimPrefix(rewritten, "```")
	rewritten = strings.TrimSuffix(rewritten, "```")
	rewritten = strings.TrimSpace(rewritten)

	if rewritten == "" {
		return "", fmt.Errorf("rewrite service returned empty paragraph")
	}
	if !strings.Contains(rewritten, anchorText) {
		return "", fmt.Errorf("rewritten paragraph does not contain anchor text %q", anchorText)
	}

	return rewritten, nil
}

// NaturalAnchors asks the service for a small set of naturally-phrased
// anchor alternatives for a target page. Callers cache the result for the
// whole planning run so each target is asked about once.
func (c *Client) NaturalAnchors(ctx context.Context, keyword, title string) ([]string, error) {
	prompt := fmt.Sprintf(`Suggest 4 short, naturally-phrased anchor texts a copywriter would use to link to a page about %q (page title: %q).

Rules:
- 2 to 6 words each, plain conversational phrasing.
- Do not repeat the keyword verbatim.
- Return ONLY a JSON array of strings. Format: ["phrase one", "phrase two"]`, keyword, title)

	resp, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var phrases []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &phrases); err != nil {
		return nil, fmt.Errorf("failed to parse natural anchor response: %w", err)
	}

	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rewrite service returned no usable phrases")
	}
	return out, nil
}

// generate performs one prompt/response round trip with bounded retry and
// exponential backoff. The semaphore is held only for the duration of each
// HTTP attempt.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}

		if err := c.acquire(ctx); err != nil {
			return "", err
		}
		resp, err := c.generateOnce(ctx, prompt)
		c.release()

		if err == nil {
			return resp, nil
		}
		lastErr = err
		slog.Warn("rewrite generation attempt failed",
			"attempt", attempt,
			"max_retries", c.config.MaxRetries,
			"error", err,
		)
	}

	return "", fmt.Errorf("rewrite service failed after %d attempts: %w", c.config.MaxRetries, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, prompt string) (string, error) {
	reqBody := models.RewriteRequest{
		Model:  c.config.Model,
		Prompt: prompt,
		Stream: false,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/generate", strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call rewrite service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("rewrite service HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out models.RewriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return out.Response, nil
}
