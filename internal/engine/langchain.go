package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainConfig configures an OpenAI-compatible backend.
type LangChainConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

// LangChainEngine talks to any OpenAI-compatible server (OpenAI, vLLM,
// LM Studio, llama.cpp) through langchaingo.
type LangChainEngine struct {
	llm        *openai.LLM
	embedder   embeddings.Embedder
	baseURL    string
	apiKey     string
	embedModel string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLangChainEngine builds the chat client and embedder. Local servers that
// need no key get the placeholder token "none".
func NewLangChainEngine(cfg LangChainConfig) (*LangChainEngine, error) {
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.ChatModel),
		openai.WithEmbeddingModel(cfg.EmbedModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &LangChainEngine{
		llm:        llm,
		embedder:   emb,
		baseURL:    baseURL,
		apiKey:     token,
		embedModel: cfg.EmbedModel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "langchain-engine"),
	}, nil
}

func toChatMessageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func (e *LangChainEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	content := make([]llms.MessageContent, len(messages))
	for i, m := range messages {
		content[i] = llms.MessageContent{
			Role:  toChatMessageType(m.Role),
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		}
	}
	callOpts := []llms.CallOption{llms.WithTemperature(0)}
	if model != "" {
		callOpts = append(callOpts, llms.WithModel(model))
	}
	// JSON mode guarantees an object, not a list, so it is only requested for
	// object schemas.
	if jsonSchema != nil && jsonSchema.Type == "object" {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := e.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat: no choices returned")
	}
	return resp.Choices[0].Content, nil
}

// Embed uses the embedding model fixed at construction. A different model
// name is logged and ignored.
func (e *LangChainEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	if model != "" && model != e.embedModel {
		e.logger.Debug("ignoring per-call embedding model", "requested", model, "configured", e.embedModel)
	}
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	return vec, nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels queries GET {base}/models.
func (e *LangChainEngine) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: unexpected status %d", resp.StatusCode)
	}
	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	names := make([]string, len(mr.Data))
	for i, m := range mr.Data {
		names[i] = m.ID
	}
	return names, nil
}

func (e *LangChainEngine) IsRunning(ctx context.Context) bool {
	_, err := e.ListModels(ctx)
	return err == nil
}

func (e *LangChainEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

func (e *LangChainEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("pulling %s: %w", name, ErrPullUnsupported)
}
