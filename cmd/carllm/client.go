package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/carllm/internal/config"
)

// apiClient talks to a running carllm server over its local HTTP API.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newAPIClient is swapped out by tests.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	token, err := config.APIToken()
	if err != nil {
		return nil, err
	}

	// A diagnose call blocks for the slowest engine plus the judge.
	timeout := 2*cfg.OpenRouter.RequestTimeout + 30*time.Second
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// apiError is a non-2xx reply from the server.
type apiError struct {
	Status  int
	Type    string
	Message string
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Type, e.Message)
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, path, "", nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return c.send(ctx, http.MethodPost, path, "application/json", payload)
}

// upload posts raw bytes, e.g. a PDF invoice.
func (c *apiClient) upload(ctx context.Context, path, contentType string, data []byte) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, path, contentType, data)
}

func (c *apiClient) send(ctx context.Context, method, path, contentType string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "carllm-cli/"+version)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is carllm running? (%w)", err)
	}
	return resp, nil
}

// decodeJSON reads a successful reply into v, or turns an error reply into
// an *apiError.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusBadRequest {
		return json.NewDecoder(resp.Body).Decode(v)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apiError{Status: resp.StatusCode, Message: "unreadable body: " + err.Error()}
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return &apiError{Status: resp.StatusCode, Type: envelope.Error.Type, Message: envelope.Error.Message}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
