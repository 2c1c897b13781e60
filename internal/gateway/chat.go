package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/aided/internal/agent"
	"github.com/haasonsaas/aided/internal/heartbeat"
	"github.com/haasonsaas/aided/internal/memory"
	"github.com/haasonsaas/aided/internal/queue"
	"github.com/haasonsaas/aided/pkg/models"
)

// Emitter delivers protocol frames for one chat turn.
type Emitter func(env *models.Envelope)

// ChatHandler binds inbound chat requests to the router, the approval gate,
// and the lane queue, translating router callbacks into protocol frames.
type ChatHandler struct {
	queue            *queue.Queue
	router           *agent.Router
	monitor          *heartbeat.Monitor
	transcripts      memory.TranscriptStore
	logger           *slog.Logger
	broadcastEmitter Emitter
}

// NewChatHandler wires the chat glue.
func NewChatHandler(q *queue.Queue, router *agent.Router, monitor *heartbeat.Monitor, transcripts memory.TranscriptStore, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		queue:            q,
		router:           router,
		monitor:          monitor,
		transcripts:      transcripts,
		logger:           logger,
		broadcastEmitter: noopEmitter,
	}
}

// laneFor derives the lane a client's turns serialize on.
func laneFor(clientID string) string {
	if clientID == "" {
		return queue.DefaultLane
	}
	return "session:" + clientID
}

// Handle enqueues one chat turn. forcedTier overrides both the request tier
// and the heuristic when set.
func (h *ChatHandler) Handle(clientID string, emit Emitter, payload models.ChatRequestPayload, forcedTier models.Tier) {
	h.HandleOnLane(laneFor(clientID), clientID, emit, payload, forcedTier)
}

// HandleOnLane is Handle with an explicit lane; the cron scheduler injects
// through this path.
func (h *ChatHandler) HandleOnLane(lane, clientID string, emit Emitter, payload models.ChatRequestPayload, forcedTier models.Tier) {
	tier := payload.Tier
	if forcedTier != "" {
		tier = forcedTier
	}

	_, err := h.queue.Enqueue(lane, func(ctx context.Context) (any, error) {
		return nil, h.runTurn(ctx, clientID, emit, payload, tier)
	}, nil)
	if err != nil {
		emit(models.NewEnvelope(models.TypeChatError, models.ChatErrorPayload{
			RequestID: payload.RequestID,
			Error:     err.Error(),
		}))
	}
}

// runTurn executes one routed turn with the thinking bracket held for its
// whole duration.
func (h *ChatHandler) runTurn(ctx context.Context, clientID string, emit Emitter, payload models.ChatRequestPayload, tier models.Tier) error {
	h.monitor.SetThinking(true)
	defer h.monitor.SetThinking(false)

	var fullText string
	callbacks := &agent.Callbacks{
		OnChunk: func(delta string) {
			emit(models.NewEnvelope(models.TypeChatStreamChunk, models.ChatStreamChunkPayload{
				RequestID: payload.RequestID,
				Delta:     delta,
			}))
		},
		OnToolCall: func(name string, args json.RawMessage) {
			emit(models.NewEnvelope(models.TypeChatToolCall, models.ChatToolCallPayload{
				RequestID: payload.RequestID,
				ToolName:  name,
				Args:      args,
			}))
		},
		OnToolResult: func(name string, success bool, result string) {
			emit(models.NewEnvelope(models.TypeChatToolResult, models.ChatToolResultPayload{
				RequestID: payload.RequestID,
				ToolName:  name,
				Success:   success,
				Result:    result,
			}))
		},
		OnDone: func(text string, usedTier models.Tier, model string) {
			fullText = text
			emit(models.NewEnvelope(models.TypeChatStreamDone, models.ChatStreamDonePayload{
				RequestID: payload.RequestID,
				FullText:  text,
				Tier:      usedTier,
				Model:     model,
			}))
		},
		OnError: func(err error) {
			emit(models.NewEnvelope(models.TypeChatError, models.ChatErrorPayload{
				RequestID: payload.RequestID,
				Error:     err.Error(),
			}))
		},
	}

	err := h.router.Route(ctx, agent.Request{
		RequestID: payload.RequestID,
		SessionID: clientID,
		Content:   payload.Content,
		Tier:      tier,
		History:   payload.Messages,
	}, callbacks)
	if err != nil {
		return err
	}

	if h.transcripts != nil {
		if err := h.transcripts.SaveExchange(ctx, clientID, payload.Content, fullText); err != nil {
			h.logger.Warn("failed to persist transcript", "error", err)
		}
	}
	return nil
}

// InjectPrompt implements cron.PromptSink: a synthetic prompt enters the
// queue exactly like a user turn, with events broadcast to every client.
func (h *ChatHandler) InjectPrompt(lane, content string) {
	h.HandleOnLane(lane, "", h.broadcastEmitter, models.ChatRequestPayload{
		RequestID: uuid.New().String(),
		Content:   content,
	}, "")
}

var noopEmitter Emitter = func(*models.Envelope) {}

// SetBroadcastEmitter routes synthetic-turn events to the transport; the
// server sets this at wiring time.
func (h *ChatHandler) SetBroadcastEmitter(emit Emitter) {
	if emit == nil {
		emit = noopEmitter
	}
	h.broadcastEmitter = emit
}
