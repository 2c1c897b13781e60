// Package agent implements the cognitive router: tier selection, prompt
// assembly, streaming, tool-call bridging, and model fallback.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/aided/pkg/models"
)

// Provider is the interface every model backend implements.
//
// Stream opens a single model call and delivers events on the returned channel
// in the order the backend produced them. The channel is closed after the
// terminal event (Done or Err). Implementations must be safe for concurrent
// use.
type Provider interface {
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamEvent, error)

	// Name returns the provider identifier ("anthropic", "local", ...).
	Name() string
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []*models.Message
	Tools     []ToolSpec
	MaxTokens int
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
}

// StreamEvent is one element of a backend stream: a text delta, a tool call,
// a terminal Done, or an error.
type StreamEvent struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Err      error
}
