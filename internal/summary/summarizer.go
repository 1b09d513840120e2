// Package summary generates a short post-call summary from a finished
// transcript using a chat completion model.
package summary

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/switchboard-voice/switchboard/internal/observe"
)

const systemPrompt = "You summarise phone calls between a caller and a voice " +
	"assistant. Produce two or three sentences covering what the caller wanted, " +
	"what was resolved, and any follow-up the business owes. Plain text only."

const defaultModel = "gpt-4o-mini"

// Summarizer produces call summaries.
type Summarizer struct {
	client  openai.Client
	model   string
	metrics *observe.Metrics
}

// Option configures a Summarizer.
type Option func(*config)

type config struct {
	model      string
	baseURL    string
	httpClient *http.Client
	metrics    *observe.Metrics
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL points the client at an alternate API host.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// New creates a Summarizer authenticated with apiKey.
func New(apiKey string, opts ...Option) *Summarizer {
	cfg := config{model: defaultModel, metrics: observe.DefaultMetrics()}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Summarizer{
		client:  openai.NewClient(clientOpts...),
		model:   cfg.model,
		metrics: cfg.metrics,
	}
}

// Summarize returns a short summary of the rendered transcript. The
// transcript is expected as "role: text" lines.
func (s *Summarizer) Summarize(ctx context.Context, rendered string) (string, error) {
	if rendered == "" {
		return "", fmt.Errorf("summary: empty transcript")
	}

	start := time.Now()
	defer func() {
		s.metrics.SummaryDuration.Record(ctx, time.Since(start).Seconds())
	}()

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(rendered),
		},
		MaxTokens: openai.Int(256),
	})
	if err != nil {
		return "", fmt.Errorf("summary: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary: chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
