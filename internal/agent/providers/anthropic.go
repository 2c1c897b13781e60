package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/haasonsaas/aided/internal/agent"
	"github.com/haasonsaas/aided/pkg/models"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements agent.Provider against Anthropic's Messages
// API. Each Stream call creates an independent SSE stream and goroutine; the
// provider is safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string

	// DefaultModel is used when the request leaves Model empty.
	DefaultModel string
}

// NewAnthropicProvider creates the tier-2 cloud backend.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = anthropicDefaultModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: model,
	}, nil
}

// Name implements agent.Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream implements agent.Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.StreamEvent, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		raw := tool.Schema
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan agent.StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		var currentTool *models.ToolCall
		var toolInput strings.Builder

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					toolInput.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						events <- agent.StreamEvent{Text: delta.Text}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if currentTool != nil {
					input := toolInput.String()
					if input == "" {
						input = "{}"
					}
					currentTool.Input = json.RawMessage(input)
					events <- agent.StreamEvent{ToolCall: currentTool}
					currentTool = nil
				}
			case "message_stop":
				events <- agent.StreamEvent{Done: true}
				return
			}
		}
		if err := stream.Err(); err != nil {
			events <- agent.StreamEvent{Err: p.wrapError(err, model)}
			return
		}
		events <- agent.StreamEvent{Done: true}
	}()

	return events, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	var apiErr *anthropic.Error
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return agent.Classify(p.Name(), model, status, err)
}

func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input any
				if len(call.Input) > 0 {
					if err := json.Unmarshal(call.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %s input: %w", call.ID, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))
		case models.RoleTool:
			for _, res := range msg.ToolResults {
				toolResultBlock := anthropic.NewToolResultBlock(res.ToolCallID)
				toolResultBlock.OfToolResult.Content = []anthropic.ToolResultBlockParamContentUnion{
					{OfText: &anthropic.TextBlockParam{Text: res.Content}},
				}
				toolResultBlock.OfToolResult.IsError = param.NewOpt(res.IsError)
				content = append(content, toolResultBlock)
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(content...))
		case models.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case models.RoleSystem:
			// System content travels in params.System, not the message list.
			continue
		}
	}
	return result, nil
}
