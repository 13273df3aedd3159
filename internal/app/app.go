// Package app is the composition root: it owns the broker, the stores, the
// memory index, the runtime, and the five platform services, and wires them
// together over the bus.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/bus"
	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/cron"
	"github.com/haasonsaas/switchboard/internal/memory"
	"github.com/haasonsaas/switchboard/internal/memory/embeddings"
	"github.com/haasonsaas/switchboard/internal/queue"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/internal/webhook"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// connectTimeout bounds each service's initial broker dial.
const connectTimeout = 10 * time.Second

// App owns every long-lived component of a Switchboard process.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	broker     *bus.Broker
	store      sessions.Store
	index      *memory.Index
	runtime    *agent.Runtime
	scheduler  *cron.Scheduler
	channelSvc *channels.Service
	webhookSrv *webhook.Server
	clients    []*bus.Client

	cancel context.CancelFunc
}

// New validates the configuration and builds the component graph. Nothing
// listens until Start.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := newStore(cfg.Sessions)
	if err != nil {
		return nil, err
	}
	provider, err := newModelProvider(cfg.Model)
	if err != nil {
		return nil, err
	}

	index := memory.NewIndex(memory.Config{Root: cfg.Memory.Root},
		newEmbeddings(cfg.Memory, logger), memory.WithLogger(logger))

	a := &App{
		cfg:    cfg,
		logger: logger,
		broker: bus.NewBroker(bus.WithLogger(logger), bus.WithRequestTimeout(cfg.Gateway.RequestTimeout)),
		store:  store,
		index:  index,
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewMemorySearchTool(index))
	registry.Register(tools.NewSessionsListTool(store))
	registry.Register(tools.NewSessionsHistoryTool(store))
	registry.Register(tools.NewSessionsSendTool())
	registry.Register(tools.NewSessionsSpawnTool())

	// Each service holds a lateCaller so clients and services can reference
	// each other before the bus connections exist.
	toolsCaller := &lateCaller{}
	toolsSvc := tools.NewService(registry, toolsCaller, logger)

	a.runtime = agent.NewRuntime(agent.Config{
		Identity:       cfg.Agent.Identity,
		Model:          cfg.Model.Model,
		ContextWindow:  cfg.Model.ContextWindow,
		MaxTokens:      cfg.Model.MaxTokens,
		MaxIterations:  cfg.Agent.MaxIterations,
		PruneSoftRatio: cfg.Prune.SoftRatio,
		PruneHardRatio: cfg.Prune.HardRatio,
		PruneMaxChars:  cfg.Prune.MaxResultChars,
	}, store, queue.New(), provider, registry, agent.NewEmitter(),
		agent.WithMemory(index),
		agent.WithToolCalls(toolsCaller.Call),
		agent.WithLogger(logger),
	)

	agentCaller := &lateCaller{}
	agentSvc := agent.NewService(a.runtime, store, agentCaller,
		parseNotify(cfg.Agent.Notify), cfg.Agent.WorkspaceDir, logger)

	channelsEmitter := &lateEmitter{}
	a.channelSvc = channels.NewService(store, channelsEmitter, logger)

	cronEmitter := &lateEmitter{}
	a.scheduler, err = cron.NewScheduler(cronEmitter, loadCronTasks(cfg.Cron.File, logger),
		cron.WithLogger(logger),
		cron.WithPersistence(persistCronTasks(cfg.Cron.File)),
	)
	if err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}
	cronSvc := cron.NewService(a.scheduler)

	hookRegistry, err := webhook.NewRegistry(nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	webhookEmitter := &lateEmitter{}
	webhookSvc := webhook.NewService(hookRegistry)
	a.webhookSrv = webhook.NewServer(cfg.Webhook.Addr(),
		webhook.NewHandler(hookRegistry, webhookEmitter, logger), logger)

	url := "ws://" + cfg.Gateway.Addr()
	newClient := func(name string, methods, subscriptions []string, handler bus.Handler) *bus.Client {
		return bus.NewClient(bus.ClientConfig{
			Name:          name,
			Methods:       methods,
			Subscriptions: subscriptions,
			URL:           url,
			Handler:       handler,
			Logger:        logger,
		})
	}

	toolsClient := newClient(tools.ServiceName, tools.Methods, nil, toolsSvc)
	toolsCaller.set(toolsClient)

	agentClient := newClient(agent.ServiceName, agent.Methods, agent.Subscriptions, agentSvc)
	agentCaller.set(agentClient)

	channelsClient := newClient(channels.ServiceName, channels.Methods, nil, a.channelSvc)
	channelsEmitter.set(channelsClient)

	cronClient := newClient(cron.ServiceName, cron.Methods, nil, cronSvc)
	cronEmitter.set(cronClient)

	webhookClient := newClient(webhook.ServiceName, webhook.Methods, nil, webhookSvc)
	webhookEmitter.set(webhookClient)

	a.clients = []*bus.Client{toolsClient, agentClient, channelsClient, cronClient, webhookClient}
	return a, nil
}

// Channels exposes the channel service so the caller can register adapters
// before Start.
func (a *App) Channels() *channels.Service { return a.channelSvc }

// Runtime exposes the agent runtime, mainly for event subscription.
func (a *App) Runtime() *agent.Runtime { return a.runtime }

// Start brings the process up: broker first, then every service connection,
// then the scheduler and the webhook listener. The memory index syncs once
// and keeps watching in the background.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.broker.Start(ctx, a.cfg.Gateway.Addr()); err != nil {
		return err
	}

	for _, client := range a.clients {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := client.Connect(dialCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect %s: %w", client.Name(), err)
		}
	}

	if err := a.index.Sync(ctx, true); err != nil {
		a.logger.Warn("initial memory sync failed", "error", err)
	}
	go func() {
		if err := a.index.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("memory watcher stopped", "error", err)
		}
	}()

	a.scheduler.Start(ctx)
	a.webhookSrv.Start()

	a.logger.Info("switchboard up",
		"gateway", a.cfg.Gateway.Addr(),
		"webhook", a.cfg.Webhook.Addr(),
		"services", len(a.clients),
	)
	return nil
}

// Stop tears the process down in reverse order. Safe to call once.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.webhookSrv.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, client := range a.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newStore(cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Backend {
	case "jsonl":
		return sessions.NewJSONLStore(cfg.Root)
	default:
		return sessions.NewMemoryStore(), nil
	}
}

func newModelProvider(cfg config.ModelConfig) (agent.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	default:
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	}
}

func newEmbeddings(cfg config.MemoryConfig, logger *slog.Logger) embeddings.Provider {
	if cfg.EmbeddingsProvider == "openai" && cfg.EmbeddingsAPIKey != "" {
		provider, err := embeddings.NewOpenAI(embeddings.OpenAIConfig{APIKey: cfg.EmbeddingsAPIKey})
		if err == nil {
			return provider
		}
		logger.Warn("embeddings provider unavailable, using local fallback", "error", err)
	}
	return embeddings.NewFallback()
}

func parseNotify(addrs []string) []models.ChannelAddress {
	out := make([]models.ChannelAddress, 0, len(addrs))
	for _, addr := range addrs {
		channel, userID, ok := strings.Cut(addr, ":")
		if !ok || channel == "" || userID == "" {
			continue
		}
		out = append(out, models.ChannelAddress{Channel: channel, UserID: userID})
	}
	return out
}

// loadCronTasks reads the durable task table. A missing file means an empty
// table; a corrupt file is logged and skipped rather than blocking startup.
func loadCronTasks(path string, logger *slog.Logger) []cron.Task {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("read cron table failed", "path", path, "error", err)
		}
		return nil
	}
	var tasks []cron.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		logger.Warn("corrupt cron table ignored", "path", path, "error", err)
		return nil
	}
	return tasks
}

// persistCronTasks writes the table atomically via a temp-file rename.
func persistCronTasks(path string) cron.PersistFunc {
	return func(ctx context.Context, tasks []cron.Task) error {
		if path == "" {
			return nil
		}
		raw, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}
}
