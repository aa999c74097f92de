package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/inboxpilot/internal/classify"
	"github.com/kalambet/inboxpilot/internal/config"
	"github.com/kalambet/inboxpilot/internal/engine"
	"github.com/kalambet/inboxpilot/internal/ingest"
	"github.com/kalambet/inboxpilot/internal/memory"
	"github.com/kalambet/inboxpilot/internal/pacing"
	"github.com/kalambet/inboxpilot/internal/retrieval"
	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
	"github.com/kalambet/inboxpilot/internal/worker"
)

// app holds what local commands and the server share: config, storage and,
// when a model backend is needed, the engine and vector index.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	sessions memory.SessionStore
	engine   engine.Engine
	index    *retrieval.Index
	pacer    pacing.Pacer
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
}

func detectConfig(cfg config.Config) engine.DetectConfig {
	return engine.DetectConfig{
		Provider:      cfg.LLM.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAI: engine.LangChainConfig{
			BaseURL:    cfg.OpenAI.BaseURL,
			APIKey:     cfg.OpenAI.APIKey,
			ChatModel:  cfg.OpenAI.ChatModel,
			EmbedModel: cfg.OpenAI.EmbedModel,
		},
	}
}

// openApp loads config and opens storage. withEngine also connects the model
// backend, pulling missing models where the backend allows it.
func openApp(ctx context.Context, withEngine bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		sessions: memory.NewSQLiteStore(store.DB()),
		pacer:    pacing.NewTokenBucket(cfg.Pipeline.CallsPerMinute),
	}
	if !withEngine {
		return a, nil
	}

	eng, err := engine.Detect(detectConfig(cfg))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.ChatModel(), cfg.EmbedModel(), os.Stderr); err != nil {
		store.Close()
		return nil, err
	}
	a.engine = eng
	a.index = retrieval.NewIndex(retrieval.NewSQLiteStore(store.DB()), retrieval.NewEmbedder(eng, cfg.EmbedModel()), logger)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

// agent resolves the --agent flag, falling back to agent.email.
func (a *app) agent(cmd *cobra.Command) (storage.User, error) {
	email, _ := cmd.Flags().GetString("agent")
	if email == "" {
		email = a.cfg.Agent.Email
	}
	if email == "" {
		return storage.User{}, errors.New("no agent given; pass --agent or set agent.email")
	}
	u, err := a.store.GetUserByEmail(cmd.Context(), email)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, fmt.Errorf("agent %q not found; create it with 'inboxpilot user add'", email)
	}
	return u, err
}

func (a *app) generator(systemPrompt string) *engine.Generator {
	return engine.NewGenerator(a.engine, a.cfg.ChatModel(),
		engine.WithSystemPrompt(systemPrompt),
		engine.WithSchema(engine.JSONList),
	)
}

func (a *app) ingestPipeline() *ingest.Pipeline {
	return ingest.NewPipeline(a.store, a.index, a.logger)
}

func (a *app) classifyPipeline() *classify.Pipeline {
	return classify.NewPipeline(a.store, a.generator(classify.SystemPrompt),
		classify.WithBatchSize(a.cfg.Pipeline.BatchSize),
		classify.WithPacer(a.pacer),
		classify.WithNarratives(a.sessions),
		classify.WithLogger(a.logger),
	)
}

func (a *app) tasksPipeline() *tasks.Pipeline {
	return tasks.NewPipeline(a.store, a.generator(tasks.SystemPrompt),
		tasks.WithPacer(a.pacer),
		tasks.WithMemory(a.sessions),
		tasks.WithDefaultDueDays(a.cfg.Pipeline.DefaultDueDays),
		tasks.WithLogger(a.logger),
	)
}

func (a *app) syncer() *worker.Syncer {
	return &worker.Syncer{
		Load: func(context.Context) ([]ingest.RawEmail, error) {
			return ingest.LoadDataset(a.cfg.Dataset.Path)
		},
		Ingest:   a.ingestPipeline(),
		Classify: a.classifyPipeline(),
		Tasks:    a.tasksPipeline(),
		Logger:   a.logger,
	}
}
