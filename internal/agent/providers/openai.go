package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/aided/internal/agent"
	"github.com/haasonsaas/aided/pkg/models"
)

// OpenAICompatProvider implements agent.Provider against any
// OpenAI-compatible chat completions endpoint. It backs the local tier 1
// (Ollama and friends expose this API) and the worker engine.
type OpenAICompatProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
}

// OpenAICompatConfig configures an OpenAICompatProvider.
type OpenAICompatConfig struct {
	// Name is the provider identifier used in model candidates
	// ("local", "worker", "openai").
	Name string

	// APIKey is the bearer token; local servers accept any value.
	APIKey string

	// BaseURL points at the chat completions server,
	// e.g. "http://127.0.0.1:11434/v1".
	BaseURL string

	// DefaultModel is used when the request leaves Model empty.
	DefaultModel string
}

// NewOpenAICompatProvider creates a provider for an OpenAI-compatible server.
func NewOpenAICompatProvider(cfg OpenAICompatConfig) (*OpenAICompatProvider, error) {
	if cfg.Name == "" {
		return nil, errors.New("openai-compat: provider name is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAICompatProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name implements agent.Provider.
func (p *OpenAICompatProvider) Name() string { return p.name }

// Stream implements agent.Provider.
func (p *OpenAICompatProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		var params any
		if len(tool.Schema) > 0 {
			_ = json.Unmarshal(tool.Schema, &params)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	events := make(chan agent.StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		// Tool calls arrive fragmented across deltas; assemble by index.
		type partial struct {
			id   string
			name string
			args string
		}
		pending := map[int]*partial{}
		order := []int{}

		flush := func() {
			for _, idx := range order {
				part := pending[idx]
				input := part.args
				if input == "" {
					input = "{}"
				}
				events <- agent.StreamEvent{ToolCall: &models.ToolCall{
					ID:    part.id,
					Name:  part.name,
					Input: json.RawMessage(input),
				}}
			}
			pending = map[int]*partial{}
			order = order[:0]
		}

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				flush()
				events <- agent.StreamEvent{Done: true}
				return
			}
			if err != nil {
				events <- agent.StreamEvent{Err: p.wrapError(err, model)}
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]
			if choice.Delta.Content != "" {
				events <- agent.StreamEvent{Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				part, ok := pending[idx]
				if !ok {
					part = &partial{}
					pending[idx] = part
					order = append(order, idx)
				}
				if tc.ID != "" {
					part.id = tc.ID
				}
				if tc.Function.Name != "" {
					part.name = tc.Function.Name
				}
				part.args += tc.Function.Arguments
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				flush()
			}
		}
	}()

	return events, nil
}

func (p *OpenAICompatProvider) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	return agent.Classify(p.name, model, status, err)
}

func convertOpenAIMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			oai := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, oai)
		case models.RoleTool:
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: res.ToolCallID,
					Content:    res.Content,
				})
			}
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		}
	}
	return result
}
