package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/aided/internal/agent"
	"github.com/haasonsaas/aided/internal/heartbeat"
	"github.com/haasonsaas/aided/internal/memory"
	"github.com/haasonsaas/aided/internal/queue"
	"github.com/haasonsaas/aided/pkg/models"
)

type stubProvider struct {
	events []agent.StreamEvent
	block  chan struct{}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.StreamEvent, error) {
	ch := make(chan agent.StreamEvent, len(p.events)+1)
	go func() {
		if p.block != nil {
			<-p.block
		}
		for _, ev := range p.events {
			ch <- ev
		}
		close(ch)
	}()
	return ch, nil
}

type recordingStore struct {
	mu        sync.Mutex
	exchanges [][2]string
}

func (s *recordingStore) SaveExchange(ctx context.Context, sessionID, prompt, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = append(s.exchanges, [2]string{prompt, response})
	return nil
}

type frameCollector struct {
	mu     sync.Mutex
	frames []*models.Envelope
}

func (f *frameCollector) emit(env *models.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
}

func (f *frameCollector) types() []models.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.MessageType, len(f.frames))
	for i, env := range f.frames {
		out[i] = env.Type
	}
	return out
}

func newHandlerWith(p agent.Provider, store *recordingStore) (*ChatHandler, *queue.Queue, *heartbeat.Monitor) {
	router := agent.NewRouter(agent.RouterOptions{
		Providers: map[string]agent.Provider{p.Name(): p},
		Tiers: map[models.Tier]agent.TierConfig{
			models.TierLocal: {Primary: agent.ModelCandidate{Provider: p.Name(), Model: "m"}},
			models.TierCloud: {Primary: agent.ModelCandidate{Provider: p.Name(), Model: "m"}},
		},
	})
	q := queue.New(nil)
	monitor := heartbeat.NewMonitor(heartbeat.Config{}, &nullBroadcaster{}, heartbeat.Sources{}, nil, nil)
	var ts memory.TranscriptStore
	if store != nil {
		ts = store
	}
	return NewChatHandler(q, router, monitor, ts, nil), q, monitor
}

type nullBroadcaster struct{}

func (nullBroadcaster) Broadcast(*models.Envelope) {}

func TestChatTurnEmitsProtocolSequence(t *testing.T) {
	p := &stubProvider{events: []agent.StreamEvent{{Text: "hi "}, {Text: "there"}, {Done: true}}}
	store := &recordingStore{}
	handler, _, _ := newHandlerWith(p, store)

	collector := &frameCollector{}
	handler.Handle("client-1", collector.emit, models.ChatRequestPayload{
		RequestID: "req-1",
		Content:   "greet me",
		Tier:      models.TierLocal,
	}, "")

	require.Eventually(t, func() bool {
		types := collector.types()
		return len(types) > 0 && types[len(types)-1] == models.TypeChatStreamDone
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []models.MessageType{
		models.TypeChatStreamChunk,
		models.TypeChatStreamChunk,
		models.TypeChatStreamDone,
	}, collector.types())

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.exchanges) == 1
	}, time.Second, 5*time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, [2]string{"greet me", "hi there"}, store.exchanges[0])
	store.mu.Unlock()
}

func TestChatTurnHoldsThinkingBracket(t *testing.T) {
	block := make(chan struct{})
	p := &stubProvider{events: []agent.StreamEvent{{Text: "x"}, {Done: true}}, block: block}
	handler, _, monitor := newHandlerWith(p, nil)

	collector := &frameCollector{}
	handler.Handle("c", collector.emit, models.ChatRequestPayload{
		RequestID: "r", Content: "hi", Tier: models.TierLocal,
	}, "")

	require.Eventually(t, func() bool {
		return monitor.ComputeState() == models.StateThinking
	}, time.Second, 5*time.Millisecond)

	close(block)
	require.Eventually(t, func() bool {
		return monitor.ComputeState() == models.StateIdle
	}, time.Second, 5*time.Millisecond, "an errant turn must never leave the daemon non-IDLE")
}

func TestChatErrorWhenQueueDraining(t *testing.T) {
	p := &stubProvider{events: []agent.StreamEvent{{Done: true}}}
	handler, q, _ := newHandlerWith(p, nil)
	q.MarkGatewayDraining()

	collector := &frameCollector{}
	handler.Handle("c", collector.emit, models.ChatRequestPayload{
		RequestID: "r", Content: "hi",
	}, "")

	types := collector.types()
	require.Len(t, types, 1)
	assert.Equal(t, models.TypeChatError, types[0])
}

func TestForcedTierOverridesRequest(t *testing.T) {
	p := &stubProvider{events: []agent.StreamEvent{{Text: "ok"}, {Done: true}}}
	handler, _, _ := newHandlerWith(p, nil)

	collector := &frameCollector{}
	handler.Handle("c", collector.emit, models.ChatRequestPayload{
		RequestID: "r", Content: "hi", Tier: models.TierLocal,
	}, models.TierCloud)

	require.Eventually(t, func() bool {
		types := collector.types()
		return len(types) > 0 && types[len(types)-1] == models.TypeChatStreamDone
	}, time.Second, 5*time.Millisecond)

	var done models.ChatStreamDonePayload
	collector.mu.Lock()
	last := collector.frames[len(collector.frames)-1]
	collector.mu.Unlock()
	require.NoError(t, unmarshalPayload(last, &done))
	assert.Equal(t, models.TierCloud, done.Tier)
}

func TestInjectPromptRunsOnCronLane(t *testing.T) {
	p := &stubProvider{events: []agent.StreamEvent{{Text: "done"}, {Done: true}}}
	handler, q, _ := newHandlerWith(p, nil)

	collector := &frameCollector{}
	handler.SetBroadcastEmitter(collector.emit)

	handler.InjectPrompt("cron", "[SCHEDULED TASK: hc] check health")

	require.Eventually(t, func() bool {
		types := collector.types()
		return len(types) > 0 && types[len(types)-1] == models.TypeChatStreamDone
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Size("cron"))
}

func unmarshalPayload(env *models.Envelope, v any) error {
	return json.Unmarshal(env.Payload, v)
}
