package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"rss-service/config"
)

const (
	DefaultTimeout = 30 * time.Second

	temperature = 0.7
	maxTokens   = 200
)

// SettingsSource supplies the current AI settings. It is consulted on every
// call so rotated credentials apply without a restart.
type SettingsSource interface {
	AISettings() config.AISettings
}

// StaticSettings is a SettingsSource that never changes.
type StaticSettings config.AISettings

func (s StaticSettings) AISettings() config.AISettings {
	return config.AISettings(s)
}

// Client asks an OpenAI-compatible chat completion endpoint for a short
// summary of an article.
type Client struct {
	settings   SettingsSource
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(settings SettingsSource, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Client{
		settings:   settings,
		httpClient: httpClient,
		logger:     logger.Named("enrichment"),
	}
}

// Summarize returns a summary for the article at link. ok is false when
// enrichment is disabled or the request failed for any reason; failures are
// logged, never returned.
func (c *Client) Summarize(ctx context.Context, title, link string) (summary string, ok bool) {
	settings := c.settings.AISettings()
	if !settings.Enabled() {
		c.logger.Debug("summary skipped", zap.String("reason", "disabled"))
		return "", false
	}
	if link == "" {
		return "", false
	}

	cfg := openai.DefaultConfig(settings.Token)
	cfg.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	cfg.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(cfg)

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: settings.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(title, link, settings.Language)},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		c.logger.Warn("summary request failed",
			zap.String("reason", failureReason(err)),
			zap.String("link", link),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", false
	}

	if len(resp.Choices) > 0 {
		summary = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if summary == "" {
		c.logger.Warn("summary request failed",
			zap.String("reason", "empty"),
			zap.String("link", link))
		return "", false
	}

	c.logger.Info("summary generated",
		zap.String("link", link),
		zap.Int("length", len([]rune(summary))),
		zap.Duration("elapsed", time.Since(start)))
	return summary, true
}

func buildPrompt(title, link, language string) string {
	if language == "" {
		language = config.DefaultAILanguage
	}
	return fmt.Sprintf(`Visit the following link, read the article and summarize it concisely in %s, in no more than 100 words.

Title: %s
Link: %s

Reply with the summary of the article's main points only.`, language, title, link)
}

func failureReason(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("api_error_%d", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Sprintf("api_error_%d", reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "request_error"
}
