package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/aided/internal/approval"
	"github.com/haasonsaas/aided/internal/memory"
	"github.com/haasonsaas/aided/internal/retry"
	"github.com/haasonsaas/aided/pkg/models"
)

// DefaultMaxToolSteps caps multi-turn tool invocations within one request.
const DefaultMaxToolSteps = 5

// ragPerCategory and ragTopN bound Auto-RAG pre-injection.
const (
	ragPerCategory = 2
	ragTopN        = 3
)

// wisdomMinChars is the response length that triggers distillation.
const wisdomMinChars = 800

const deniedToolResult = "The user denied permission to run this tool. Do not retry it; continue without it."

// Callbacks receive routed stream events in backend order.
type Callbacks struct {
	OnChunk      func(delta string)
	OnToolCall   func(name string, args json.RawMessage)
	OnToolResult func(name string, success bool, result string)
	OnDone       func(fullText string, tier models.Tier, model string)
	OnError      func(err error)
}

func (c *Callbacks) chunk(delta string) {
	if c.OnChunk != nil {
		c.OnChunk(delta)
	}
}

func (c *Callbacks) toolCall(name string, args json.RawMessage) {
	if c.OnToolCall != nil {
		c.OnToolCall(name, args)
	}
}

func (c *Callbacks) toolResult(name string, success bool, result string) {
	if c.OnToolResult != nil {
		c.OnToolResult(name, success, result)
	}
}

// TierConfig binds a tier to its model candidates.
type TierConfig struct {
	Primary   ModelCandidate
	Fallbacks []ModelCandidate
	MaxTokens int
}

// Request is one routed prompt.
type Request struct {
	RequestID string
	SessionID string
	Content   string
	// Tier forces a backend class; empty selects by heuristic.
	Tier    models.Tier
	History []*models.Message
}

// Router dispatches prompts to tiered model backends, streams the response,
// and bridges tool calls through the approval gate.
type Router struct {
	logger         *slog.Logger
	providers      map[string]Provider
	tiers          map[models.Tier]TierConfig
	memory         memory.Store
	tools          *ToolRegistry
	flags          *approval.FlagRegistry
	gate           *approval.Gate
	cooldowns      *CooldownMap
	retryCfg       retry.Config
	persona        string
	coreMemoryPath string
	maxToolSteps   int
}

// RouterOptions configure a Router.
type RouterOptions struct {
	Providers      map[string]Provider
	Tiers          map[models.Tier]TierConfig
	Memory         memory.Store
	Tools          *ToolRegistry
	Flags          *approval.FlagRegistry
	Gate           *approval.Gate
	Persona        string
	CoreMemoryPath string
	MaxToolSteps   int
	Retry          retry.Config
	Logger         *slog.Logger
}

// NewRouter wires a router.
func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := opts.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxToolSteps
	}
	retryCfg := opts.Retry
	if retryCfg.Attempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	tools := opts.Tools
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Router{
		logger:         logger,
		providers:      opts.Providers,
		tiers:          opts.Tiers,
		memory:         opts.Memory,
		tools:          tools,
		flags:          opts.Flags,
		gate:           opts.Gate,
		cooldowns:      NewCooldownMap(),
		retryCfg:       retryCfg,
		persona:        opts.Persona,
		coreMemoryPath: opts.CoreMemoryPath,
		maxToolSteps:   maxSteps,
	}
}

var (
	codeKeywords = regexp.MustCompile(`(?i)\b(func|class|def|struct|package|import|SELECT|INSERT|UPDATE|DELETE|docker|kubernetes|terraform|deploy|compile|refactor|debug)\b`)
	reasonWords  = regexp.MustCompile(`(?i)\b(analyze|analyse|reason|derive|prove|compare|tradeoff|architecture|design|why|explain in depth)\b`)
	fenceMarker  = regexp.MustCompile("```")
)

// tierThreshold is the heuristic score at which a prompt escalates to tier 2.
const tierThreshold = 2

// SelectTier scores the raw prompt and recent history; scores at or above the
// threshold route to the cloud tier.
func SelectTier(content string, history []*models.Message) models.Tier {
	score := 0
	if len(content) > 400 {
		score++
	}
	if codeKeywords.MatchString(content) {
		score++
	}
	if reasonWords.MatchString(content) {
		score++
	}

	tail := history
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	for _, msg := range tail {
		if fenceMarker.MatchString(msg.Content) || len(msg.ToolResults) > 0 {
			score++
			break
		}
	}

	if score >= tierThreshold {
		return models.TierCloud
	}
	return models.TierLocal
}

// injectContext performs Auto-RAG: the top chunks across all categories are
// prepended to the user content as a bracketed context block. Retrieval
// failures fall through to the original content; the pipeline never fails
// because of RAG.
func (r *Router) injectContext(ctx context.Context, content string) string {
	if r.memory == nil {
		return content
	}
	categories, err := r.memory.GetCognitiveMap(ctx)
	if err != nil || len(categories) == 0 {
		return content
	}

	var all []memory.Chunk
	for _, category := range categories {
		chunks, err := r.memory.SearchMemory(ctx, category, content, ragPerCategory)
		if err != nil {
			r.logger.Debug("memory search failed, skipping category",
				"category", category, "error", err)
			continue
		}
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return content
	}

	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Score > all[j-1].Score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > ragTopN {
		all = all[:ragTopN]
	}

	var b strings.Builder
	b.WriteString("[Context from memory]\n")
	for _, chunk := range all {
		fmt.Fprintf(&b, "[%s] %s\n", chunk.Category, chunk.Content)
	}
	b.WriteString("[End context]\n\n")
	b.WriteString(content)
	return b.String()
}

// Route runs one prompt through tier selection, prompt assembly, streaming,
// and tool bridging. Callback errors terminate the turn via OnError; Route
// also returns the terminal error for lane accounting.
func (r *Router) Route(ctx context.Context, req Request, cb *Callbacks) error {
	tier := req.Tier
	if tier == "" {
		tier = SelectTier(req.Content, req.History)
	}
	cfg, ok := r.tiers[tier]
	if !ok {
		err := fmt.Errorf("no backend configured for tier %q", tier)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}

	var categories []string
	if r.memory != nil {
		categories, _ = r.memory.GetCognitiveMap(ctx)
	}
	builder := &PromptBuilder{
		Persona:            r.persona,
		CoreMemory:         LoadCoreMemory(r.coreMemoryPath),
		CapabilityManifest: r.tools.Manifest(),
		MemoryCategories:   categories,
	}
	system := builder.Build(tier)

	content := r.injectContext(ctx, req.Content)

	messages, report := RepairTranscript(req.History, MaxToolResultChars)
	if report.Inserted > 0 || report.Dropped > 0 {
		r.logger.Debug("transcript repaired",
			"inserted", report.Inserted, "dropped", report.Dropped, "truncated", report.Truncated)
	}
	messages = append(messages, models.UserMessage(content))

	var toolSpecs []ToolSpec
	if tier == models.TierCloud {
		toolSpecs = r.tools.Specs()
	}

	var full strings.Builder
	toolCalled := false
	modelUsed := cfg.Primary.Model

	for step := 0; step < r.maxToolSteps; step++ {
		creq := &CompletionRequest{
			System:    system,
			Messages:  messages,
			Tools:     toolSpecs,
			MaxTokens: cfg.MaxTokens,
		}

		events, fres, err := RunWithModelFallback(ctx, cfg.Primary, cfg.Fallbacks, r.cooldowns, r.retryCfg, r.logger,
			func(ctx context.Context, c ModelCandidate) (<-chan StreamEvent, error) {
				provider, ok := r.providers[c.Provider]
				if !ok {
					return nil, fmt.Errorf("unknown provider %q", c.Provider)
				}
				call := *creq
				call.Model = c.Model
				return provider.Stream(ctx, &call)
			})
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return err
		}
		modelUsed = fres.Model

		stepText, stepCalls, err := r.consume(ctx, req, events, cb)
		full.WriteString(stepText)
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return err
		}
		if len(stepCalls) == 0 {
			break
		}
		toolCalled = true

		assistant := &models.Message{Role: models.RoleAssistant, Content: stepText, ToolCalls: stepCalls}
		messages = append(messages, assistant)
		results := r.executeToolCalls(ctx, req, stepCalls, cb)
		messages = append(messages, &models.Message{Role: models.RoleTool, ToolResults: results})
	}

	if cb.OnDone != nil {
		cb.OnDone(full.String(), tier, modelUsed)
	}

	r.distill(tier, req.Content, full.String(), toolCalled)
	return nil
}

// consume drains one backend stream, forwarding deltas and collecting tool
// calls. A mid-stream error ends the turn.
func (r *Router) consume(ctx context.Context, req Request, events <-chan StreamEvent, cb *Callbacks) (string, []models.ToolCall, error) {
	var text strings.Builder
	var calls []models.ToolCall

	for {
		select {
		case <-ctx.Done():
			return text.String(), calls, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return text.String(), calls, nil
			}
			switch {
			case ev.Err != nil:
				return text.String(), calls, ev.Err
			case ev.ToolCall != nil:
				calls = append(calls, *ev.ToolCall)
			case ev.Text != "":
				cb.chunk(ev.Text)
				text.WriteString(ev.Text)
			case ev.Done:
				return text.String(), calls, nil
			}
		}
	}
}

// executeToolCalls runs each call, holding flagged tools at the approval gate
// first. A denial becomes a structured refusal result; the turn continues.
func (r *Router) executeToolCalls(ctx context.Context, req Request, calls []models.ToolCall, cb *Callbacks) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		cb.toolCall(call.Name, call.Input)

		if !r.authorize(ctx, req, call) {
			cb.toolResult(call.Name, false, deniedToolResult)
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    deniedToolResult,
				IsError:    true,
			})
			continue
		}

		tool, ok := r.tools.Get(call.Name)
		if !ok {
			msg := fmt.Sprintf("unknown tool %q", call.Name)
			cb.toolResult(call.Name, false, msg)
			results = append(results, models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true})
			continue
		}

		output, err := tool.Invoke(ctx, call.Input)
		if err != nil {
			msg := fmt.Sprintf("tool %s failed: %v", call.Name, err)
			r.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
			cb.toolResult(call.Name, false, msg)
			results = append(results, models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true})
			continue
		}
		cb.toolResult(call.Name, true, output)
		results = append(results, models.ToolResult{ToolCallID: call.ID, Content: output})
	}
	return results
}

func (r *Router) authorize(ctx context.Context, req Request, call models.ToolCall) bool {
	if r.flags == nil || r.gate == nil {
		return true
	}
	reason, gated := r.flags.Check(call.Name)
	if !gated {
		return true
	}
	if r.gate.IsRemembered(req.SessionID, call.Name) {
		return true
	}

	allowed, err := r.gate.RequestApproval(ctx, approval.Request{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		ToolName:    call.Name,
		Description: fmt.Sprintf("Tool %s requested by request %s", call.Name, req.RequestID),
		Reason:      reason,
		Args:        call.Input,
	})
	if err != nil {
		return false
	}
	return allowed
}

// distill stores successful cloud reasoning for reuse by the local tier.
// Fire-and-forget: failures are logged only.
func (r *Router) distill(tier models.Tier, prompt, fullText string, toolCalled bool) {
	if tier != models.TierCloud || r.memory == nil {
		return
	}
	if len(fullText) < wisdomMinChars && !toolCalled {
		return
	}
	record := fmt.Sprintf("When asked to: %q, the optimal approach is:\n%s", prompt, fullText)
	go func() {
		if err := r.memory.Memorize(context.Background(), memory.CategoryCloudWisdom, record); err != nil {
			r.logger.Debug("wisdom distillation failed", "error", err)
		}
	}()
}
