// Package provider abstracts the external model and web services the tutor
// depends on: chat completion, embeddings, vision, image generation, and web
// search. Callers consume the small interfaces; the concrete clients live in
// this package so swapping a backend touches nothing above it.
package provider

import (
	"context"
	"encoding/json"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a chat transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec describes a tool the model may call. Parameters follows the JSON
// Schema object convention used by OpenAI-compatible APIs.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionRequest is a single chat completion call. Model overrides the
// client's default when set.
type CompletionRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// ChatCompleter produces chat completions.
type ChatCompleter interface {
	// Complete returns the model's full response message, including any
	// tool calls it requested.
	Complete(ctx context.Context, req CompletionRequest) (Message, error)

	// Stream sends the completion token by token through onToken and
	// returns the assembled text. Tools are ignored in streaming mode.
	Stream(ctx context.Context, req CompletionRequest, onToken func(token string)) (string, error)
}

// Embedder converts text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ImageDescriber turns an image into a textual description via a vision model.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, data []byte, mimeType, prompt string) (string, error)
}

// ImageGenerator renders an image from a text prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title       string
	URL         string
	Description string
	Age         string
}

// WebSearcher runs a web search query.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}
