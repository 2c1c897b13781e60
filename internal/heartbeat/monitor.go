// Package heartbeat aggregates subsystem signals into a single daemon state
// and broadcasts periodic telemetry with change-suppression. It also drives
// the worker tick that drains the heavy-task queue.
package heartbeat

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/aided/internal/observability"
	"github.com/haasonsaas/aided/internal/tasks"
	"github.com/haasonsaas/aided/pkg/models"
)

// DefaultInterval is the heartbeat cadence.
const DefaultInterval = time.Second

// DefaultWorkerInterval is the coarser worker-tick cadence.
const DefaultWorkerInterval = 3 * time.Second

// Broadcaster delivers telemetry frames to connected clients.
type Broadcaster interface {
	Broadcast(env *models.Envelope)
}

// WorkerEngine is the backend the worker tick runs heavy tasks against.
type WorkerEngine interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// Sources supply the live counts a snapshot aggregates. Nil funcs read as 0.
type Sources struct {
	ActiveTasks      func() int
	PendingTasks     func() int
	PendingApprovals func() int
	ConnectedClients func() int
}

func (s Sources) read(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

// Snapshot is the comparable state tuple; equal snapshots suppress broadcast.
type Snapshot struct {
	State            models.DaemonStateName
	ActiveTasks      int
	PendingTasks     int
	AwaitingApproval int
	ConnectedClients int
	WorkerPending    int
	WorkerRunning    int
	WorkerCompleted  int
	WorkerFailed     int
}

// Config tunes a Monitor.
type Config struct {
	Interval          time.Duration
	WorkerInterval    time.Duration
	SuppressUnchanged bool
	Port              int
	WorkerModel       string
}

// Monitor owns the heartbeat and worker tickers for one daemon instance.
type Monitor struct {
	cfg       Config
	transport Broadcaster
	sources   Sources
	worker    *tasks.Queue
	engine    WorkerEngine
	metrics   *observability.Metrics

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
	startedAt     time.Time
	tick          uint64
	thinking      int
	last          *Snapshot
	workerBusy    bool
	broadcastSeen int
}

// NewMonitor creates a heartbeat monitor. worker and engine may be nil to
// disable the worker tick.
func NewMonitor(cfg Config, transport Broadcaster, sources Sources, worker *tasks.Queue, engine WorkerEngine) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WorkerInterval <= 0 {
		cfg.WorkerInterval = DefaultWorkerInterval
	}
	return &Monitor{
		cfg:       cfg,
		transport: transport,
		sources:   sources,
		worker:    worker,
		engine:    engine,
	}
}

// SetMetrics attaches prometheus instruments updated on each tick.
func (m *Monitor) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// SetThinking moves the state machine into or out of the streaming phase.
// Calls nest: each true must be paired with a false.
func (m *Monitor) SetThinking(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.thinking++
	} else if m.thinking > 0 {
		m.thinking--
	}
}

// ComputeState derives the aggregate daemon state: a pending approval wins,
// then streaming, then running tasks.
func (m *Monitor) ComputeState() models.DaemonStateName {
	m.mu.Lock()
	thinking := m.thinking
	m.mu.Unlock()

	switch {
	case m.sources.read(m.sources.PendingApprovals) > 0:
		return models.StateBlockedWaitingUser
	case thinking > 0:
		return models.StateThinking
	case m.sources.read(m.sources.ActiveTasks) > 0:
		return models.StateExecutingTool
	default:
		return models.StateIdle
	}
}

func (m *Monitor) snapshot() Snapshot {
	s := Snapshot{
		State:            m.ComputeState(),
		ActiveTasks:      m.sources.read(m.sources.ActiveTasks),
		PendingTasks:     m.sources.read(m.sources.PendingTasks),
		AwaitingApproval: m.sources.read(m.sources.PendingApprovals),
		ConnectedClients: m.sources.read(m.sources.ConnectedClients),
	}
	if m.worker != nil {
		counts := m.worker.GetStatus()
		s.WorkerPending = counts.Pending
		s.WorkerRunning = counts.Running
		s.WorkerCompleted = counts.Completed
		s.WorkerFailed = counts.Failed
	}
	return s
}

// Start launches the tickers. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.startedAt = time.Now()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the tickers and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	workerTicker := time.NewTicker(m.cfg.WorkerInterval)
	defer ticker.Stop()
	defer workerTicker.Stop()

	// First beat goes out immediately so clients see state on connect.
	m.Tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		case <-workerTicker.C:
			m.workerTick(ctx)
		}
	}
}

// Tick advances the tick counter and broadcasts the heartbeat unless the
// snapshot is unchanged and suppression is on.
func (m *Monitor) Tick() {
	snap := m.snapshot()

	if m.metrics != nil {
		m.metrics.HeartbeatTicks.Inc()
		m.metrics.ActiveTasks.Set(float64(snap.ActiveTasks))
		m.metrics.PendingTasks.Set(float64(snap.PendingTasks))
		m.metrics.ApprovalsPending.Set(float64(snap.AwaitingApproval))
	}

	m.mu.Lock()
	m.tick++
	tick := m.tick
	if m.cfg.SuppressUnchanged && m.last != nil && *m.last == snap {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.HeartbeatsSuppressed.Inc()
		}
		return
	}
	m.last = &snap
	m.broadcastSeen++
	startedAt := m.startedAt
	m.mu.Unlock()

	payload := models.HeartbeatPayload{
		UptimeMs:         time.Since(startedAt).Milliseconds(),
		PID:              os.Getpid(),
		Port:             m.cfg.Port,
		State:            snap.State,
		ActiveTasks:      snap.ActiveTasks,
		PendingTasks:     snap.PendingTasks,
		AwaitingApproval: snap.AwaitingApproval,
		ConnectedClients: snap.ConnectedClients,
		Tick:             tick,
	}
	if m.worker != nil {
		payload.WorkerStatus = &models.WorkerStatus{
			Enabled:   m.engine != nil,
			Model:     m.cfg.WorkerModel,
			Pending:   snap.WorkerPending,
			Running:   snap.WorkerRunning,
			Completed: snap.WorkerCompleted,
			Failed:    snap.WorkerFailed,
		}
	}
	m.transport.Broadcast(models.NewEnvelope(models.TypeHeartbeat, payload))
}

// BroadcastCount reports how many heartbeats were actually sent.
func (m *Monitor) BroadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcastSeen
}

// TickCount reports the monotonic tick counter.
func (m *Monitor) TickCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

// workerTick drains at most one pending heavy task. The busy flag keeps a
// single task in flight regardless of ticker timing.
func (m *Monitor) workerTick(ctx context.Context) {
	if m.worker == nil || m.engine == nil {
		return
	}

	m.mu.Lock()
	if m.workerBusy {
		m.mu.Unlock()
		return
	}
	task := m.worker.Dequeue()
	if task == nil {
		m.mu.Unlock()
		return
	}
	m.workerBusy = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.workerBusy = false
			m.mu.Unlock()
		}()

		result, err := m.engine.Run(ctx, task.Prompt)
		if err != nil {
			m.worker.Fail(task.ID, err)
			if m.metrics != nil {
				m.metrics.HeavyTasksFailed.Inc()
			}
			m.transport.Broadcast(models.NewEnvelope(models.TypeWorkerTaskFailed, models.WorkerTaskFailedPayload{
				TaskID:      task.ID,
				Description: task.Description,
				Error:       err.Error(),
			}))
			return
		}
		m.worker.Complete(task.ID, result)
		if m.metrics != nil {
			m.metrics.HeavyTasksCompleted.Inc()
		}
		m.transport.Broadcast(models.NewEnvelope(models.TypeWorkerTaskCompleted, models.WorkerTaskCompletedPayload{
			TaskID:       task.ID,
			Description:  task.Description,
			TaskType:     string(task.Type),
			ResultLength: len(result),
		}))
	}()
}
