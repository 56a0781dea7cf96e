// Package openrouter is the inference provider client. It issues chat
// completion requests, consumes streamed deltas, and reports token progress.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultTimeout = 360 * time.Second

	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 4096
)

// Client communicates with the OpenRouter API.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	referer    string
	title      string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout bounds every request, including the full read of a stream.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an OpenRouter client with the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		referer:    "https://github.com/kalambet/carllm",
		title:      "carllm",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	return NewClient(apiKey, WithBaseURL(baseURL))
}

// Complete sends a non-streaming request and returns the first choice's
// message content, trimmed.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	req.Stream = false
	req.StreamOptions = nil

	rc, err := c.chat(ctx, req)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp chatResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return "", &ProviderError{Op: "complete", Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// chat sends the request and returns the response body. 429 responses are
// retried with exponential backoff. Every failure is a *ProviderError.
func (c *Client) chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	op := "complete"
	if req.Stream {
		op = "stream"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProviderError{Op: op, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, op, body)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, &ProviderError{Op: op, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
	}

	return nil, &ProviderError{
		Op:     op,
		Status: http.StatusTooManyRequests,
		Err:    fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr),
	}
}

func (c *Client) doChat(ctx context.Context, op string, body []byte) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &ProviderError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &ProviderError{Op: op, Err: fmt.Errorf("executing request: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &ProviderError{
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(respBody))),
		}
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ListModels returns the list of available models from OpenRouter.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, &ProviderError{Op: "models", Err: fmt.Errorf("creating request: %w", err)}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Op: "models", Err: fmt.Errorf("requesting models: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Op: "models", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &ProviderError{Op: "models", Err: fmt.Errorf("decoding models: %w", err)}
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
