// Package config loads inboxpilot settings from defaults, a JSON file and
// INBOXPILOT_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	Server   ServerConfig
	LLM      LLMConfig
	Ollama   OllamaConfig
	OpenAI   OpenAIConfig
	Storage  StorageConfig
	Dataset  DatasetConfig
	Pipeline PipelineConfig
	Sync     SyncConfig
	Agent    AgentConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
	APIToken   string
}

type LLMConfig struct {
	Provider string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type DatasetConfig struct {
	Path string
}

type PipelineConfig struct {
	BatchSize      int
	CallsPerMinute int
	DefaultDueDays int
}

type SyncConfig struct {
	Schedule string
}

// AgentConfig names the agent CLI commands and MCP tools act for by default.
type AgentConfig struct {
	Email string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: false,
		},
		LLM: LLMConfig{Provider: ProviderOllama},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Dataset: DatasetConfig{Path: "data/emails.json"},
		Pipeline: PipelineConfig{
			BatchSize:      5,
			CallsPerMinute: 12,
			DefaultDueDays: 7,
		},
		Sync: SyncConfig{Schedule: "@every 1h"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads configuration from the JSON file at FilePath and applies
// INBOXPILOT_* environment overrides. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.LLM.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("missing required config: OpenAI API key. Set it via environment variable INBOXPILOT_OPENAI_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be %q or %q, got %q", ProviderOllama, ProviderOpenAI, c.LLM.Provider))
	}
	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize))
	}
	if c.Pipeline.CallsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("pipeline.calls_per_minute must not be negative, got %d", c.Pipeline.CallsPerMinute))
	}
	if c.Pipeline.DefaultDueDays <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.default_due_days must be positive, got %d", c.Pipeline.DefaultDueDays))
	}
	return errors.Join(errs...)
}

// ChatModel returns the chat model of the selected provider.
func (c Config) ChatModel() string {
	if c.LLM.Provider == ProviderOpenAI {
		return c.OpenAI.ChatModel
	}
	return c.Ollama.ChatModel
}

// EmbedModel returns the embedding model of the selected provider.
func (c Config) EmbedModel() string {
	if c.LLM.Provider == ProviderOpenAI {
		return c.OpenAI.EmbedModel
	}
	return c.Ollama.EmbedModel
}

// SlogLevel maps log.level to a slog level; unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
