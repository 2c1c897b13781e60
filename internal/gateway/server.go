// Package gateway serves the local WebSocket control plane: it validates and
// dispatches inbound frames, fans telemetry out to clients, and owns the
// per-session lifecycle (lane cleanup, approval release).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/aided/internal/approval"
	"github.com/haasonsaas/aided/internal/config"
	"github.com/haasonsaas/aided/internal/observability"
	"github.com/haasonsaas/aided/internal/queue"
	"github.com/haasonsaas/aided/pkg/models"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 256
)

type client struct {
	id     string
	conn   *websocket.Conn
	out    chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// send queues a frame for this client, dropping it if the writer is stalled
// or the connection is gone.
func (c *client) send(env *models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		c.server.logger.Warn("dropping frame for slow client", "client_id", c.id, "type", env.Type)
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Server is the daemon's WebSocket gateway.
type Server struct {
	cfg     config.GatewayConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	queue   *queue.Queue
	gate    *approval.Gate
	handler *ChatHandler

	upgrader websocket.Upgrader
	http     *http.Server
	listener net.Listener

	mu          sync.Mutex
	clients     map[string]*client
	forcedTier  models.Tier
	defaultTier models.Tier
	defaultRole string
}

// NewServer wires the gateway. The chat handler's broadcast emitter is bound
// to this server.
func NewServer(cfg config.GatewayConfig, q *queue.Queue, gate *approval.Gate, handler *ChatHandler, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queue:   q,
		gate:    gate,
		handler: handler,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			// Local-only daemon; the listener binds loopback.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	handler.SetBroadcastEmitter(s.Broadcast)
	return s
}

// Broadcast sends a frame to every connected client.
func (s *Server) Broadcast(env *models.Envelope) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.send(env)
	}
}

// ClientCount reports connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ForcedTier returns the current routing override, falling back to the
// default tier; it is empty when neither is set.
func (s *Server) ForcedTier() models.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forcedTier != "" {
		return s.forcedTier
	}
	return s.defaultTier
}

func (s *Server) setForcedTier(t models.Tier) {
	s.mu.Lock()
	s.forcedTier = t
	s.mu.Unlock()
}

func (s *Server) setDefaultTier(t models.Tier) {
	s.mu.Lock()
	s.defaultTier = t
	s.mu.Unlock()
}

func (s *Server) setDefaultRole(ref string) {
	s.mu.Lock()
	s.defaultRole = ref
	s.mu.Unlock()
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.logger.Info("gateway listening", "addr", addr)
	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		out:    make(chan []byte, sendBufferSize),
		server: s,
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("client connected", "client_id", c.id)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) writePump(c *client) {
	for data := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (s *Server) readPump(c *client) {
	defer s.disconnect(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(c, raw)
	}
}

// disconnect tears down session state: queued turns are cleared and the
// session's approvals resolve as deny.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.shutdown()

	removed := s.queue.ClearLane(laneFor(c.id))
	s.gate.ReleaseSession(c.id)
	s.logger.Info("client disconnected", "client_id", c.id, "cleared_tasks", removed)
}

func (s *Server) handleFrame(c *client, raw []byte) {
	env, err := models.DecodeClientFrame(raw)
	if err != nil {
		s.rejectFrame(c, err)
		return
	}
	if err := validateClientFrame(raw, env); err != nil {
		s.rejectFrame(c, err)
		return
	}

	switch env.Type {
	case models.TypePing:
		c.send(models.NewEnvelope(models.TypeLog, models.LogPayload{
			Level: "debug", Source: "gateway", Message: "pong",
		}))

	case models.TypeChatRequest:
		var payload models.ChatRequestPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.rejectFrame(c, err)
			return
		}
		s.handler.Handle(c.id, c.send, payload, s.ForcedTier())

	case models.TypeSystemCommand:
		var payload models.SystemCommandPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.rejectFrame(c, err)
			return
		}
		s.handleSystemCommand(c, payload)

	case models.TypeApprovalResponse:
		var payload models.ApprovalResponsePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.rejectFrame(c, err)
			return
		}
		if !s.gate.Resolve(payload.ApprovalID, payload.Decision) {
			c.send(models.NewEnvelope(models.TypeLog, models.LogPayload{
				Level: "warn", Source: "gateway",
				Message: fmt.Sprintf("approval %s already resolved or unknown", payload.ApprovalID),
			}))
		}
	}
}

// rejectFrame reports a malformed or unknown frame back to the sender as a
// structured error rather than discarding it silently.
func (s *Server) rejectFrame(c *client, err error) {
	s.logger.Warn("rejected client frame", "client_id", c.id, "error", err)
	c.send(models.NewEnvelope(models.TypeLog, models.LogPayload{
		Level:   "error",
		Source:  "gateway",
		Message: fmt.Sprintf("rejected frame: %v", err),
	}))
}
