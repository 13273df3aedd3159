package agent

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/bus"
	"github.com/haasonsaas/switchboard/internal/compaction"
	"github.com/haasonsaas/switchboard/internal/memory"
	"github.com/haasonsaas/switchboard/internal/prune"
	"github.com/haasonsaas/switchboard/internal/queue"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	// defaultMaxIterations bounds the tool loop within one run.
	defaultMaxIterations = 20

	// defaultContextWindow is assumed when the config leaves it unset.
	defaultContextWindow = 100000

	// compactionThreshold is the share of the context window at which the
	// runtime compacts history before the next model call.
	compactionThreshold = 0.8

	// defaultTask stands in when no session message is marked as the task.
	defaultTask = "Complete your assigned task."

	// subagentResultMax caps the result excerpt announced to the parent.
	subagentResultMax = 500
)

// ToolExecutor dispatches tool calls. The registry satisfies it in-process;
// a bus-backed executor forwards to the tools service.
type ToolExecutor interface {
	Execute(ctx context.Context, tc tools.Context, name string, args json.RawMessage) (*tools.Result, error)
	DescriptorsFor(sessionKey string) []tools.Descriptor
}

// RunConfig describes one runtime invocation.
type RunConfig struct {
	SessionKey        string
	WorkspaceDir      string
	Model             string
	Channel           string
	Images            []models.Block
	ContextFiles      []string
	ExtraSystemPrompt string
}

// RunResult is a completed run's outcome.
type RunResult struct {
	RunID  string
	Text   string
	Tokens int
}

// Config tunes the runtime.
type Config struct {
	Identity      string
	Model         string
	ContextWindow int
	MaxTokens     int
	MaxIterations int
	Timezone      *time.Location

	// Pruning thresholds; zero values take the prune package defaults.
	PruneSoftRatio float64
	PruneHardRatio float64
	PruneMaxChars  int
}

// pruneConfig maps the runtime's knobs onto the prune pass.
func (c Config) pruneConfig() prune.Config {
	cfg := prune.DefaultConfig(c.ContextWindow)
	if c.PruneSoftRatio > 0 {
		cfg.SoftTrimRatio = c.PruneSoftRatio
	}
	if c.PruneHardRatio > 0 {
		cfg.HardClearRatio = c.PruneHardRatio
	}
	if c.PruneMaxChars > 0 {
		cfg.SoftTrim.MaxChars = c.PruneMaxChars
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.Identity == "" {
		c.Identity = "You are a capable assistant operating inside the Switchboard platform."
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	return c
}

// Runtime owns the per-run loop. One Runtime serves every session; the
// session queue serializes runs per key.
type Runtime struct {
	cfg      Config
	store    sessions.Store
	queue    *queue.Queue
	provider Provider
	executor ToolExecutor
	emitter  *Emitter
	memory   *memory.Index
	calls    tools.CallFunc
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithMemory attaches the memory index used for prompt recall.
func WithMemory(ix *memory.Index) RuntimeOption {
	return func(r *Runtime) { r.memory = ix }
}

// WithToolCalls sets the bus-call closure handed to executing tools so they
// can reach peer services.
func WithToolCalls(fn tools.CallFunc) RuntimeOption {
	return func(r *Runtime) { r.calls = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger.With("component", "runtime") }
}

// WithNow overrides the clock for deterministic tests.
func WithNow(now func() time.Time) RuntimeOption {
	return func(r *Runtime) { r.now = now }
}

// NewRuntime wires the runtime's collaborators.
func NewRuntime(cfg Config, store sessions.Store, q *queue.Queue, provider Provider, executor ToolExecutor, emitter *Emitter, opts ...RuntimeOption) *Runtime {
	if emitter == nil {
		emitter = NewEmitter()
	}
	r := &Runtime{
		cfg:      cfg.withDefaults(),
		store:    store,
		queue:    q,
		provider: provider,
		executor: executor,
		emitter:  emitter,
		logger:   slog.Default().With("component", "runtime"),
		now:      time.Now,
		runs:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the lifecycle emitter for subscription.
func (r *Runtime) Events() *Emitter { return r.emitter }

// NewRunID allocates a run identifier.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%d-%s", now.Unix(), randSuffix(6))
}

func randSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = alphabet[i%len(alphabet)]
		}
		return string(buf)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// Run enqueues a run on the session queue and waits for its outcome. At most
// one run per session key executes at a time.
func (r *Runtime) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	runID := NewRunID(r.now())
	future := r.queue.Enqueue(ctx, cfg.SessionKey, runID, func(taskCtx context.Context) (any, error) {
		return r.execute(taskCtx, runID, cfg)
	})
	value, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	result, ok := value.(*RunResult)
	if !ok {
		return nil, fmt.Errorf("unexpected run result %T", value)
	}
	return result, nil
}

// AbortRun cancels an in-flight run. The runtime emits lifecycle abort once
// the cancellation lands.
func (r *Runtime) AbortRun(runID, reason string) bool {
	r.mu.Lock()
	cancel, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.logger.Info("aborting run", "run_id", runID, "reason", reason)
	cancel()
	return true
}

// ClearQueue rejects the pending (not in-flight) messages of a session.
func (r *Runtime) ClearQueue(sessionKey string) int {
	return r.queue.Clear(sessionKey)
}

func (r *Runtime) execute(ctx context.Context, runID string, cfg RunConfig) (*RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.runs[runID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
	}()

	r.emitter.Emit(models.AgentEvent{
		Type:       models.AgentEventLifecycle,
		Phase:      models.PhaseStart,
		RunID:      runID,
		SessionKey: cfg.SessionKey,
	})

	result, err := r.loop(ctx, runID, cfg)
	if err != nil {
		if ctx.Err() != nil {
			r.emitter.Emit(models.AgentEvent{
				Type:       models.AgentEventLifecycle,
				Phase:      models.PhaseAbort,
				RunID:      runID,
				SessionKey: cfg.SessionKey,
			})
			return nil, err
		}
		message := ClassifyModelError(err)
		r.emitter.Emit(models.AgentEvent{
			Type:       models.AgentEventError,
			RunID:      runID,
			SessionKey: cfg.SessionKey,
			Message:    message,
		})
		return nil, fmt.Errorf("%s: %w", message, err)
	}

	r.emitter.Emit(models.AgentEvent{
		Type:       models.AgentEventLifecycle,
		Phase:      models.PhaseEnd,
		RunID:      runID,
		SessionKey: cfg.SessionKey,
		Tokens:     result.Tokens,
	})
	return result, nil
}

func (r *Runtime) loop(ctx context.Context, runID string, cfg RunConfig) (*RunResult, error) {
	history, err := r.store.GetMessages(ctx, cfg.SessionKey, sessions.MessageQuery{})
	if err != nil && !errors.Is(err, sessions.ErrNotFound) {
		return nil, fmt.Errorf("read session history: %w", err)
	}
	firstRun := !hasAssistantTurn(history)
	working := sessions.Sanitize(cfg.SessionKey, history)

	task := extractTask(working)
	system := ""
	if firstRun {
		system = r.buildPrompt(ctx, cfg, task)
	}

	if len(cfg.Images) > 0 {
		working = r.appendInbound(ctx, cfg.SessionKey, working, cfg.Images)
	}

	model := cfg.Model
	if model == "" {
		model = r.cfg.Model
	}
	descriptors := r.executor.DescriptorsFor(cfg.SessionKey)
	totalTokens := 0

	for iter := 0; iter < r.cfg.MaxIterations; iter++ {
		working, err = r.maybeCompact(ctx, runID, cfg.SessionKey, working)
		if err != nil {
			return nil, err
		}
		pruned, report := prune.Prune(working, r.cfg.pruneConfig())
		if report.Changed() {
			r.logger.Debug("pruned context",
				"session", cfg.SessionKey,
				"soft_trimmed", report.SoftTrimmed,
				"hard_cleared", report.HardCleared,
			)
		}

		completion, err := r.provider.Complete(ctx, &CompletionRequest{
			Model:     model,
			System:    system,
			Messages:  pruned,
			Tools:     descriptors,
			MaxTokens: r.cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		totalTokens += completion.Usage.InputTokens + completion.Usage.OutputTokens

		assistant, err := r.store.AddMessage(ctx, cfg.SessionKey, models.RoleAssistant, completion.Blocks, nil)
		if err != nil {
			return nil, fmt.Errorf("persist assistant message: %w", err)
		}
		working = append(working, assistant)

		calls := assistant.ToolCalls()
		if len(calls) == 0 {
			text := models.TextContent(completion.Blocks)
			if text == "" {
				return nil, ErrEmptyResponse
			}
			r.emitter.Emit(models.AgentEvent{
				Type:       models.AgentEventAssistant,
				RunID:      runID,
				SessionKey: cfg.SessionKey,
				Text:       text,
			})
			return &RunResult{RunID: runID, Text: text, Tokens: totalTokens}, nil
		}

		results := make([]models.Block, 0, len(calls))
		for _, call := range calls {
			results = append(results, r.dispatchTool(ctx, runID, cfg, call))
		}
		toolMsg, err := r.store.AddMessage(ctx, cfg.SessionKey, models.RoleToolResult, results, nil)
		if err != nil {
			return nil, fmt.Errorf("persist tool results: %w", err)
		}
		working = append(working, toolMsg)
	}

	return nil, ErrMaxIterations
}

// dispatchTool runs one tool call and emits the start/end lifecycle pair.
// Failures become isError results so the model can react; only a denied
// subagent call carries the permission message instead of tool output.
func (r *Runtime) dispatchTool(ctx context.Context, runID string, cfg RunConfig, call *models.ToolCallBlock) models.Block {
	r.emitter.Emit(models.AgentEvent{
		Type:       models.AgentEventTool,
		RunID:      runID,
		SessionKey: cfg.SessionKey,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	})

	tc := tools.Context{SessionKey: cfg.SessionKey, WorkingDir: cfg.WorkspaceDir, Call: r.calls}
	result, err := r.executor.Execute(ctx, tc, call.Name, call.Arguments)
	var block models.Block
	switch {
	case err != nil:
		var busErr *bus.Error
		if errors.As(err, &busErr) && busErr.Code == bus.CodePermissionDenied {
			block = models.NewToolResultBlock(call.ID, busErr.Message, true)
		} else {
			block = models.NewToolResultBlock(call.ID, "tool execution failed: "+err.Error(), true)
		}
	case result.IsError:
		block = models.Block{Type: models.BlockToolResult, ToolResult: &models.ToolResultBlock{
			ToolCallID: call.ID,
			Content:    result.Content,
			IsError:    true,
		}}
	default:
		block = models.Block{Type: models.BlockToolResult, ToolResult: &models.ToolResultBlock{
			ToolCallID: call.ID,
			Content:    result.Content,
		}}
	}

	r.emitter.Emit(models.AgentEvent{
		Type:       models.AgentEventTool,
		RunID:      runID,
		SessionKey: cfg.SessionKey,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		ToolDone:   true,
		ToolError:  block.ToolResult.IsError,
	})
	return block
}

// maybeCompact folds older history into a summary once the context estimate
// crosses the threshold. The summary replaces the compacted span as a system
// message.
func (r *Runtime) maybeCompact(ctx context.Context, runID, sessionKey string, working []*models.Message) ([]*models.Message, error) {
	tokens := compaction.EstimateMessagesTokens(working)
	if float64(tokens) < compactionThreshold*float64(r.cfg.ContextWindow) {
		return working, nil
	}
	if len(working) < 4 {
		return working, nil
	}

	// Keep the most recent quarter of the history; summarize the rest.
	keepFrom := len(working) * 3 / 4
	if keepFrom < 1 {
		keepFrom = 1
	}
	toSummarize := working[:keepFrom]
	kept := working[keepFrom:]

	result, err := compaction.Compact(ctx, compaction.Request{
		Messages:   toSummarize,
		TurnPrefix: kept,
		Config:     compaction.Config{ContextWindow: r.cfg.ContextWindow},
	}, &providerSummarizer{provider: r.provider, model: r.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("compact history: %w", err)
	}

	r.emitter.Emit(models.AgentEvent{
		Type:         models.AgentEventCompaction,
		RunID:        runID,
		SessionKey:   sessionKey,
		TokensBefore: result.TokensBefore,
	})

	summary := &models.Message{
		SessionKey: sessionKey,
		Role:       models.RoleSystem,
		Content:    []models.Block{models.NewTextBlock("Summary of earlier conversation:\n\n" + result.Summary)},
		Timestamp:  r.now(),
	}
	replaced := append([]*models.Message{summary}, kept...)
	return replaced, nil
}

func (r *Runtime) appendInbound(ctx context.Context, sessionKey string, working []*models.Message, images []models.Block) []*models.Message {
	msg, err := r.store.AddMessage(ctx, sessionKey, models.RoleUser, images, nil)
	if err != nil {
		r.logger.Warn("persist inbound images failed", "session", sessionKey, "error", err)
		return working
	}
	return append(working, msg)
}

func (r *Runtime) buildPrompt(ctx context.Context, cfg RunConfig, task string) string {
	pc := PromptConfig{
		Identity:     r.cfg.Identity,
		Tools:        r.executor.DescriptorsFor(cfg.SessionKey),
		WorkspaceDir: cfg.WorkspaceDir,
		ProjectFiles: cfg.ContextFiles,
		Channel:      cfg.Channel,
		Now:          r.now(),
		Timezone:     r.cfg.Timezone,
		Model:        r.cfg.Model,
		Extra:        cfg.ExtraSystemPrompt,
	}
	if cfg.Model != "" {
		pc.Model = cfg.Model
	}
	if len(pc.ProjectFiles) == 0 {
		pc.ProjectFiles = WorkspaceMarkdownFiles(cfg.WorkspaceDir)
	}
	if r.memory != nil && task != defaultTask {
		if hits, err := r.memory.Search(ctx, task); err == nil {
			for _, hit := range hits {
				pc.MemoryRecall = append(pc.MemoryRecall, hit.Citation+": "+firstLine(hit.Chunk.Content))
			}
		}
	}
	return BuildSystemPrompt(pc)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

// extractTask returns the text of the latest message tagged as the task.
func extractTask(messages []*models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if kind, _ := messages[i].Metadata["type"].(string); kind == "task" {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return defaultTask
}

func hasAssistantTurn(messages []*models.Message) bool {
	for _, msg := range messages {
		if msg.Role == models.RoleAssistant {
			return true
		}
	}
	return false
}

// providerSummarizer adapts the model provider to the compaction engine.
type providerSummarizer struct {
	provider Provider
	model    string
}

func (s *providerSummarizer) Summarize(ctx context.Context, req compaction.SummaryRequest) (string, error) {
	prompt := "Summarize the following conversation excerpt. Be concise and factual."
	if req.Instructions != "" {
		prompt = req.Instructions
	}
	body := compaction.FormatMessagesForSummary(req.Messages)
	if req.PreviousSummary != "" {
		body = "Prior summary:\n" + req.PreviousSummary + "\n\nNew messages:\n" + body
	}
	completion, err := s.provider.Complete(ctx, &CompletionRequest{
		Model:  s.model,
		System: prompt,
		Messages: []*models.Message{{
			Role:    models.RoleUser,
			Content: []models.Block{models.NewTextBlock(body)},
		}},
	})
	if err != nil {
		return "", err
	}
	text := models.TextContent(completion.Blocks)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// SubagentAnnouncement renders the completion notice appended to a parent
// session after a child run finishes.
func SubagentAnnouncement(sessionKey, status, result string) string {
	if len(result) > subagentResultMax {
		result = result[:subagentResultMax]
	}
	return fmt.Sprintf("## Sub-agent Complete\n**Session:** %s\n**Status:** %s\n**Result:** %s", sessionKey, status, result)
}
