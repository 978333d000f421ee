// Package models contains shared data models used across the analysis pipeline.
package models

import "context"

// LLMProvider is the core interface that all model integrations must implement.
// Never call specific providers directly; always inject this interface.
type LLMProvider interface {
	// Complete sends one prompt (optionally with an image) and returns the raw reply.
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider identifier (e.g., "anthropic", "gemini").
	Name() string
}

// ChatRequest is the input to a single model call.
type ChatRequest struct {
	System    string
	Prompt    string
	ImageURL  string
	MaxTokens int
	// Model overrides the provider's configured model when set.
	Model string
	// JSON asks the provider for a JSON-only reply where the API supports it.
	JSON bool
}

// ChatResponse carries the model reply and token accounting.
type ChatResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

func (r ChatResponse) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}
