// Package config holds the process configuration. Every knob has a default
// and a SWITCHBOARD_* environment override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full platform configuration.
type Config struct {
	Gateway  GatewayConfig
	Webhook  WebhookConfig
	Sessions SessionsConfig
	Memory   MemoryConfig
	Model    ModelConfig
	Prune    PruneConfig
	Agent    AgentConfig
	Cron     CronConfig
	Log      LogConfig
}

// GatewayConfig addresses the WebSocket broker. It binds to loopback unless
// overridden.
type GatewayConfig struct {
	Host string
	Port int
	// RequestTimeout bounds one routed RPC at the broker.
	RequestTimeout time.Duration
}

// Addr returns host:port.
func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebhookConfig addresses the inbound hook listener.
type WebhookConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	// Backend is "memory" or "jsonl".
	Backend string
	// Root is the directory of JSONL session files.
	Root string
}

// MemoryConfig selects the memory index sources and embeddings.
type MemoryConfig struct {
	// Root is the directory of markdown memory files.
	Root string
	// EmbeddingsProvider is "openai" or "local".
	EmbeddingsProvider string
	EmbeddingsAPIKey   string
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	// ContextWindow is the provider context budget in estimated tokens.
	ContextWindow int
	MaxTokens     int
}

// PruneConfig tunes the context-pruning pass.
type PruneConfig struct {
	// SoftRatio and HardRatio are shares of the context window.
	SoftRatio float64
	HardRatio float64
	// MaxResultChars caps a kept tool result during soft trimming.
	MaxResultChars int
}

// AgentConfig tunes the runtime and its service.
type AgentConfig struct {
	Identity      string
	WorkspaceDir  string
	MaxIterations int
	// Notify lists "channel:userId" addresses cron and webhook results are
	// announced to.
	Notify []string
}

// CronConfig locates the durable task table.
type CronConfig struct {
	File string
}

// LogConfig tunes logging.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Gateway:  GatewayConfig{Host: "127.0.0.1", Port: 8790, RequestTimeout: 30 * time.Second},
		Webhook:  WebhookConfig{Host: "127.0.0.1", Port: 8791},
		Sessions: SessionsConfig{Backend: "memory", Root: "./sessions"},
		Memory: MemoryConfig{
			Root:               "./memory",
			EmbeddingsProvider: "local",
		},
		Model: ModelConfig{
			Provider:      "anthropic",
			ContextWindow: 100000,
			MaxTokens:     4096,
		},
		Prune: PruneConfig{
			SoftRatio:      0.3,
			HardRatio:      0.5,
			MaxResultChars: 4000,
		},
		Agent: AgentConfig{
			WorkspaceDir:  ".",
			MaxIterations: 20,
		},
		Cron: CronConfig{File: "./cron.json"},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults plus environment overrides.
func Load() Config {
	cfg := Default()

	envString(&cfg.Gateway.Host, "SWITCHBOARD_GATEWAY_HOST")
	envInt(&cfg.Gateway.Port, "SWITCHBOARD_GATEWAY_PORT")
	envDuration(&cfg.Gateway.RequestTimeout, "SWITCHBOARD_REQUEST_TIMEOUT")
	envString(&cfg.Webhook.Host, "SWITCHBOARD_WEBHOOK_HOST")
	envInt(&cfg.Webhook.Port, "SWITCHBOARD_WEBHOOK_PORT")

	envString(&cfg.Sessions.Backend, "SWITCHBOARD_SESSIONS_BACKEND")
	envString(&cfg.Sessions.Root, "SWITCHBOARD_SESSIONS_ROOT")

	envString(&cfg.Memory.Root, "SWITCHBOARD_MEMORY_ROOT")
	envString(&cfg.Memory.EmbeddingsProvider, "SWITCHBOARD_EMBEDDINGS_PROVIDER")
	envString(&cfg.Memory.EmbeddingsAPIKey, "SWITCHBOARD_EMBEDDINGS_API_KEY")

	envString(&cfg.Model.Provider, "SWITCHBOARD_MODEL_PROVIDER")
	envString(&cfg.Model.APIKey, "SWITCHBOARD_MODEL_API_KEY")
	envString(&cfg.Model.BaseURL, "SWITCHBOARD_MODEL_BASE_URL")
	envString(&cfg.Model.Model, "SWITCHBOARD_MODEL")
	envInt(&cfg.Model.ContextWindow, "SWITCHBOARD_CONTEXT_WINDOW")
	envInt(&cfg.Model.MaxTokens, "SWITCHBOARD_MAX_TOKENS")

	envFloat(&cfg.Prune.SoftRatio, "SWITCHBOARD_PRUNE_SOFT_RATIO")
	envFloat(&cfg.Prune.HardRatio, "SWITCHBOARD_PRUNE_HARD_RATIO")
	envInt(&cfg.Prune.MaxResultChars, "SWITCHBOARD_PRUNE_MAX_RESULT_CHARS")

	envString(&cfg.Agent.Identity, "SWITCHBOARD_IDENTITY")
	envString(&cfg.Agent.WorkspaceDir, "SWITCHBOARD_WORKSPACE")
	envInt(&cfg.Agent.MaxIterations, "SWITCHBOARD_MAX_ITERATIONS")
	envList(&cfg.Agent.Notify, "SWITCHBOARD_NOTIFY")

	envString(&cfg.Cron.File, "SWITCHBOARD_CRON_FILE")

	envString(&cfg.Log.Level, "SWITCHBOARD_LOG_LEVEL")
	envString(&cfg.Log.Format, "SWITCHBOARD_LOG_FORMAT")

	return cfg
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	switch c.Sessions.Backend {
	case "memory", "jsonl":
	default:
		return fmt.Errorf("unknown sessions backend %q", c.Sessions.Backend)
	}
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	switch c.Memory.EmbeddingsProvider {
	case "openai", "local":
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Memory.EmbeddingsProvider)
	}
	if c.Prune.SoftRatio <= 0 || c.Prune.HardRatio <= c.Prune.SoftRatio {
		return fmt.Errorf("prune ratios must satisfy 0 < soft < hard")
	}
	if c.Gateway.Port <= 0 || c.Webhook.Port <= 0 {
		return fmt.Errorf("ports must be positive")
	}
	for _, addr := range c.Agent.Notify {
		if !strings.Contains(addr, ":") {
			return fmt.Errorf("notify address %q is not channel:userId", addr)
		}
	}
	return nil
}

func envString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func envInt(dst *int, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

func envFloat(dst *float64, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = parsed
		}
	}
}

func envList(dst *[]string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}

func envDuration(dst *time.Duration, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			*dst = parsed
		}
	}
}
