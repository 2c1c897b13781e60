package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/aided/internal/agent"
	"github.com/haasonsaas/aided/internal/agent/providers"
	"github.com/haasonsaas/aided/internal/approval"
	"github.com/haasonsaas/aided/internal/config"
	"github.com/haasonsaas/aided/internal/cron"
	"github.com/haasonsaas/aided/internal/gateway"
	"github.com/haasonsaas/aided/internal/heartbeat"
	"github.com/haasonsaas/aided/internal/memory"
	"github.com/haasonsaas/aided/internal/observability"
	"github.com/haasonsaas/aided/internal/queue"
	"github.com/haasonsaas/aided/internal/retry"
	"github.com/haasonsaas/aided/internal/tasks"
	"github.com/haasonsaas/aided/pkg/models"
)

const defaultCoreMemory = `# Core Working Memory

Edit this file to give the assistant standing context. It is injected into
every system prompt, capped at roughly a thousand tokens.
`

func newServeCmd() *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), drainTimeout)
		},
	}
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 10*time.Second, "how long to wait for in-flight work on shutdown")
	return cmd
}

func runServe(ctx context.Context, drainTimeout time.Duration) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(stateDir)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	pidPath, err := config.WritePidFile(stateDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	coreMemoryPath := filepath.Join(stateDir, "core_memory.md")
	if err := config.EnsureFile(coreMemoryPath, defaultCoreMemory); err != nil {
		logger.Warn("could not seed core memory file", "error", err)
	}

	store, err := memory.OpenSQLite(filepath.Join(stateDir, "memory.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	providerMap, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	q := queue.New(logger)
	flags := approval.NewFlagRegistry()
	tools := agent.NewToolRegistry()
	registerBuiltinTools(tools, flags, store)

	// The gate, heartbeat, and handler all broadcast through the server;
	// wire with a late-bound reference.
	var server *gateway.Server
	transport := broadcasterFunc(func(env *models.Envelope) {
		if server != nil {
			server.Broadcast(env)
		}
	})

	gate := approval.NewGate(transport, logger)

	router := agent.NewRouter(agent.RouterOptions{
		Providers:      providerMap,
		Tiers:          buildTiers(cfg, providerMap),
		Memory:         store,
		Tools:          tools,
		Flags:          flags,
		Gate:           gate,
		Persona:        cfg.LLM.Persona,
		CoreMemoryPath: coreMemoryPath,
		Retry:          retry.DefaultConfig(),
		Logger:         logger,
	})

	heavy := tasks.NewQueue(nil)
	workerEngine := &routerWorkerEngine{
		provider: providerMap[cfg.LLM.Worker.Provider],
		model:    cfg.LLM.Worker.Model,
	}

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Interval:          time.Duration(cfg.Gateway.HeartbeatIntervalMs) * time.Millisecond,
		SuppressUnchanged: true,
		Port:              cfg.Gateway.Port,
		WorkerModel:       cfg.LLM.Worker.Model,
	}, transport, heartbeat.Sources{
		ActiveTasks:      q.ActiveCount,
		PendingTasks:     q.TotalSize,
		PendingApprovals: gate.PendingCount,
		ConnectedClients: func() int {
			if server == nil {
				return 0
			}
			return server.ClientCount()
		},
	}, heavy, workerEngine)
	monitor.SetMetrics(metrics)

	handler := gateway.NewChatHandler(q, router, monitor, store, logger)
	server = gateway.NewServer(cfg.Gateway, q, gate, handler, metrics, logger)

	scheduler := cron.NewScheduler(stateDir, handler, transport, logger)
	if err := scheduler.Init(); err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.Broadcast(models.NewEnvelope(models.TypeSystemStatus, models.SystemStatusPayload{Status: "starting"}))
	monitor.Start(ctx)
	defer monitor.Stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx) }()

	logger.Info("daemon ready", "state_dir", stateDir, "port", cfg.Gateway.Port)
	server.Broadcast(models.NewEnvelope(models.TypeSystemStatus, models.SystemStatusPayload{Status: "ready"}))

	select {
	case err := <-serveErr:
		scheduler.StopAll()
		return err
	case <-ctx.Done():
	}

	// Graceful drain: refuse new work, drop queued cron entries, stop the cron
	// timers, then wait up to drainTimeout for in-flight turns (including a
	// running cron turn) to finish.
	server.Broadcast(models.NewEnvelope(models.TypeSystemStatus, models.SystemStatusPayload{Status: "shutting_down"}))
	q.MarkGatewayDraining()
	q.ClearLane(cron.Lane)
	scheduler.StopAll()
	if !q.WaitForActive(drainTimeout) {
		logger.Warn("shutdown drain timed out with tasks still active")
	}
	<-serveErr
	logger.Info("daemon stopped")
	return nil
}

type broadcasterFunc func(env *models.Envelope)

func (f broadcasterFunc) Broadcast(env *models.Envelope) { f(env) }

// routerWorkerEngine runs heavy tasks against the worker-tier backend with a
// plain one-shot completion.
type routerWorkerEngine struct {
	provider agent.Provider
	model    string
}

func (e *routerWorkerEngine) Run(ctx context.Context, prompt string) (string, error) {
	if e.provider == nil {
		return "", fmt.Errorf("no worker provider configured")
	}
	events, err := e.provider.Stream(ctx, &agent.CompletionRequest{
		Model:    e.model,
		Messages: []*models.Message{models.UserMessage(prompt)},
	})
	if err != nil {
		return "", err
	}
	var out []byte
	for ev := range events {
		if ev.Err != nil {
			return "", ev.Err
		}
		out = append(out, ev.Text...)
	}
	return string(out), nil
}

func buildProviders(cfg *config.Config) (map[string]agent.Provider, error) {
	providerMap := make(map[string]agent.Provider)

	local, err := providers.NewOpenAICompatProvider(providers.OpenAICompatConfig{
		Name:         "local",
		BaseURL:      cfg.LLM.LocalBaseURL,
		DefaultModel: cfg.LLM.Tier1.Model,
	})
	if err != nil {
		return nil, err
	}
	providerMap["local"] = local

	if cfg.LLM.AnthropicAPIKey == "" {
		cfg.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.LLM.AnthropicAPIKey != "" {
		cloud, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.AnthropicAPIKey,
			DefaultModel: cfg.LLM.Tier2.Model,
		})
		if err != nil {
			return nil, err
		}
		providerMap["anthropic"] = cloud
	}
	return providerMap, nil
}

func buildTiers(cfg *config.Config, providerMap map[string]agent.Provider) map[models.Tier]agent.TierConfig {
	tiers := make(map[models.Tier]agent.TierConfig)
	for tier, tc := range map[models.Tier]config.TierModelConfig{
		models.TierLocal:  cfg.LLM.Tier1,
		models.TierCloud:  cfg.LLM.Tier2,
		models.TierWorker: cfg.LLM.Worker,
	} {
		entry := agent.TierConfig{
			Primary:   agent.ModelCandidate{Provider: tc.Provider, Model: tc.Model},
			MaxTokens: tc.MaxTokens,
		}
		if _, ok := providerMap[tc.Provider]; !ok {
			// Cloud key absent: the tier degrades to the local backend
			// rather than erroring every escalated turn.
			entry.Primary = agent.ModelCandidate{Provider: "local", Model: cfg.LLM.Tier1.Model}
		}
		for _, fb := range tc.Fallbacks {
			if candidate, ok := parseCandidate(fb); ok {
				if _, known := providerMap[candidate.Provider]; known {
					entry.Fallbacks = append(entry.Fallbacks, candidate)
				}
			}
		}
		tiers[tier] = entry
	}
	return tiers
}

func parseCandidate(s string) (agent.ModelCandidate, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return agent.ModelCandidate{Provider: s[:i], Model: s[i+1:]}, i > 0 && i < len(s)-1
		}
	}
	return agent.ModelCandidate{}, false
}
