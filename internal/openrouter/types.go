package openrouter

import "github.com/kalambet/carllm/internal/structured"

// Message is a chat message in the OpenAI-compatible format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamOptions asks the provider to append a usage object to the stream.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest is the chat completion request body.
type ChatRequest struct {
	Model          string                     `json:"model"`
	Messages       []Message                  `json:"messages"`
	Temperature    *float64                   `json:"temperature,omitempty"`
	Stream         bool                       `json:"stream,omitempty"`
	StreamOptions  *StreamOptions             `json:"stream_options,omitempty"`
	ResponseFormat *structured.ResponseFormat `json:"response_format,omitempty"`
}

// Temperature returns a pointer for ChatRequest.Temperature.
func Temperature(v float64) *float64 {
	return &v
}

// Usage is the provider's authoritative token accounting.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
}

// StreamResult is the outcome of a streamed completion.
type StreamResult struct {
	Content string
	// Usage is the last usage object seen on the stream, nil if none arrived.
	Usage *Usage
}

// chatResponse is the non-streaming completion body.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// streamChunk is one SSE data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Model represents a model entry returned by the /models endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
