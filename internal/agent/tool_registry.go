package agent

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Tool is an executable agent capability.
type Tool interface {
	// Name returns the tool identifier used in model tool calls.
	Name() string

	// Description is the one-line purpose shown in the capability manifest.
	Description() string

	// Schema returns the JSON Schema for the tool's input, or nil.
	Schema() json.RawMessage

	// Invoke executes the tool.
	Invoke(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolFunc adapts a function to a schemaless Tool.
type ToolFunc struct {
	ToolName string
	Purpose  string
	Fn       func(ctx context.Context, input json.RawMessage) (string, error)
}

func (t *ToolFunc) Name() string            { return t.ToolName }
func (t *ToolFunc) Description() string     { return t.Purpose }
func (t *ToolFunc) Schema() json.RawMessage { return nil }
func (t *ToolFunc) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	return t.Fn(ctx, input)
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Specs returns the tool descriptions for a model call, sorted by name.
func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Manifest renders the capability manifest injected into system prompts: one
// line per registered tool.
func (r *ToolRegistry) Manifest() string {
	specs := r.Specs()
	if len(specs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You have the following tools available:\n")
	for _, spec := range specs {
		b.WriteString("- ")
		b.WriteString(spec.Name)
		if spec.Description != "" {
			b.WriteString(": ")
			b.WriteString(spec.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
