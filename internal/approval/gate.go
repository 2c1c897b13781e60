// Package approval implements the human-in-the-loop gate that pauses flagged
// tool executions until a connected client decides, or the request expires.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/aided/pkg/models"
)

// DefaultTTL bounds how long a request may stay pending.
const DefaultTTL = 2 * time.Minute

// Broadcaster delivers approval protocol frames to connected clients.
type Broadcaster interface {
	Broadcast(env *models.Envelope)
}

// Request describes a tool call awaiting authorization.
type Request struct {
	ID          string
	SessionID   string
	ToolName    string
	Description string
	Reason      models.ApprovalReason
	Args        json.RawMessage
	TTL         time.Duration
}

type pending struct {
	req       Request
	expiresAt time.Time
	timer     *time.Timer
	decision  chan models.ApprovalDecision
}

// Gate holds pending approval requests and resolves them exactly once each.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*pending
	remembers map[string]map[string]struct{} // session id -> tool names allowed for the session
	transport Broadcaster
	logger    *slog.Logger
}

// NewGate creates an approval gate bound to a transport.
func NewGate(transport Broadcaster, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending:   make(map[string]*pending),
		remembers: make(map[string]map[string]struct{}),
		transport: transport,
		logger:    logger,
	}
}

// IsRemembered reports whether a prior allow-always covers this tool for the
// session.
func (g *Gate) IsRemembered(sessionID, toolName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	tools, ok := g.remembers[sessionID]
	if !ok {
		return false
	}
	_, ok = tools[toolName]
	return ok
}

// RequestApproval registers the request, notifies clients, and blocks until a
// decision arrives, the TTL expires, or ctx is cancelled. It returns true only
// for allow-once and allow-always.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (bool, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	p := &pending{
		req:       req,
		expiresAt: time.Now().Add(ttl),
		decision:  make(chan models.ApprovalDecision, 1),
	}

	g.mu.Lock()
	g.pending[req.ID] = p
	p.timer = time.AfterFunc(ttl, func() { g.expire(req.ID) })
	g.mu.Unlock()

	g.transport.Broadcast(models.NewEnvelope(models.TypeApprovalRequest, models.ApprovalRequestPayload{
		ApprovalID:  req.ID,
		ToolName:    req.ToolName,
		Description: req.Description,
		Reason:      req.Reason,
		Args:        req.Args,
		ExpiresAtMs: p.expiresAt.UnixMilli(),
	}))

	select {
	case decision := <-p.decision:
		allowed := decision == models.DecisionAllowOnce || decision == models.DecisionAllowAlways
		if decision == models.DecisionAllowAlways && req.SessionID != "" {
			g.mu.Lock()
			tools, ok := g.remembers[req.SessionID]
			if !ok {
				tools = make(map[string]struct{})
				g.remembers[req.SessionID] = tools
			}
			tools[req.ToolName] = struct{}{}
			g.mu.Unlock()
		}
		return allowed, nil
	case <-ctx.Done():
		// The caller went away; the request resolves as a deny so a late
		// client decision cannot double-fire.
		g.Resolve(req.ID, models.DecisionDeny)
		return false, ctx.Err()
	}
}

// Resolve applies a client decision. It returns false when the id is unknown
// or already resolved.
func (g *Gate) Resolve(id string, decision models.ApprovalDecision) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, id)
	p.timer.Stop()
	g.mu.Unlock()

	g.transport.Broadcast(models.NewEnvelope(models.TypeApprovalResolved, models.ApprovalResolvedPayload{
		ApprovalID: id,
		Decision:   decision,
	}))
	p.decision <- decision
	return true
}

func (g *Gate) expire(id string) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pending, id)
	g.mu.Unlock()

	g.logger.Warn("approval request expired", "approval_id", id, "tool", p.req.ToolName)
	g.transport.Broadcast(models.NewEnvelope(models.TypeApprovalResolved, models.ApprovalResolvedPayload{
		ApprovalID: id,
		Decision:   models.DecisionExpired,
	}))
	p.decision <- models.DecisionExpired
}

// HasPending reports whether any request is awaiting a decision.
func (g *Gate) HasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending) > 0
}

// PendingCount returns the number of outstanding requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// ReleaseSession denies every pending request owned by the session and drops
// its allow-always remembers. Called on client disconnect.
func (g *Gate) ReleaseSession(sessionID string) {
	g.mu.Lock()
	var ids []string
	for id, p := range g.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	delete(g.remembers, sessionID)
	g.mu.Unlock()

	for _, id := range ids {
		g.Resolve(id, models.DecisionDeny)
	}
}
