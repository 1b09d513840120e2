// Package retrieval is a client for the external knowledge function that
// answers grounded questions during a call.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/switchboard-voice/switchboard/internal/observe"
	"github.com/switchboard-voice/switchboard/internal/resilience"
)

// Source describes one document backing a knowledge base.
type Source struct {
	Source     string         `json:"source"`
	SourceType string         `json:"source_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Answer is the result of a knowledge query.
type Answer struct {
	Answer     string   `json:"answer"`
	Sources    []string `json:"sources,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Client talks to the retrieval function over HTTP. The function exposes a
// single endpoint selected by an action query parameter.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	log      *slog.Logger
	metrics  *observe.Metrics

	// breaker fails lookups fast while the function is down; a caller is
	// waiting on the line.
	breaker *resilience.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client for the retrieval function at endpoint. apiKey may be
// empty for unauthenticated deployments.
func New(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = resilience.NewBreaker("retrieval", resilience.WithLogger(c.log))
	return c
}

// Query asks the knowledge base a question, optionally scoped to sources.
func (c *Client) Query(ctx context.Context, question string, sources []Source) (Answer, error) {
	start := time.Now()
	defer func() {
		c.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("operation", "query")))
	}()

	payload := map[string]any{
		"question":        question,
		"include_sources": true,
	}
	if len(sources) > 0 {
		payload["sources"] = sources
	}

	var ans Answer
	if err := c.post(ctx, "rag_query", payload, &ans); err != nil {
		return Answer{}, err
	}
	return ans, nil
}

// AddDocument registers one document with the knowledge base.
func (c *Client) AddDocument(ctx context.Context, src Source) error {
	start := time.Now()
	defer func() {
		c.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("operation", "add_document")))
	}()

	return c.post(ctx, "add_document", src, nil)
}

// Healthy reports whether the retrieval function is reachable. Used as a
// readiness checker.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "stats", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("retrieval: health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retrieval: health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, action string, payload, out any) error {
	return c.breaker.Do(func() error {
		return c.doPost(ctx, action, payload, out)
	})
}

func (c *Client) doPost(ctx context.Context, action string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("retrieval: %s: marshal request: %w", action, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, action, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("retrieval: %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("retrieval request failed",
			"action", action, "status", resp.StatusCode, "body", string(msg))
		return fmt.Errorf("retrieval: %s: unexpected status %d", action, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("retrieval: %s: decode response: %w", action, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, action string, body io.Reader) (*http.Request, error) {
	url := fmt.Sprintf("%s?action=%s", c.endpoint, action)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %s: build request: %w", action, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}
