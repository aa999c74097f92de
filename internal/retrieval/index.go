package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// EntityEmailMessage is the entity type under which message bodies are indexed.
const EntityEmailMessage = "email_message"

// ErrSkipped is returned by Upsert when the text could not be embedded. Nothing
// was written and any prior vector for the entity is untouched.
var ErrSkipped = errors.New("embedding skipped")

// TextEmbedder turns text into a dense vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the similarity index: it embeds text and keeps one vector per
// entity in a SQLiteStore.
type Index struct {
	store    *SQLiteStore
	embedder TextEmbedder
	logger   *slog.Logger
}

// NewIndex creates an Index. A nil logger uses slog.Default().
func NewIndex(store *SQLiteStore, embedder TextEmbedder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{store: store, embedder: embedder, logger: logger}
}

// Upsert embeds text and stores it for (entityType, entityID). An embedding
// failure is logged and reported as ErrSkipped.
func (ix *Index) Upsert(ctx context.Context, entityType string, entityID int64, text string, metadata map[string]any) error {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		ix.logger.Warn("embedding failed, entity not indexed",
			"entity_type", entityType, "entity_id", entityID, "error", err)
		return fmt.Errorf("%w: %s/%d: %v", ErrSkipped, entityType, entityID, err)
	}
	return ix.store.Upsert(ctx, Record{
		EntityType: entityType,
		EntityID:   entityID,
		Embedding:  vec,
		Metadata:   metadata,
	})
}

// Search embeds query and returns the topK most similar entities of
// entityType (any type when empty).
func (ix *Index) Search(ctx context.Context, query, entityType string, topK int) ([]ScoredRecord, error) {
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		ix.logger.Warn("embedding search query failed", "error", err)
		return nil, err
	}
	return ix.store.Search(ctx, vec, entityType, topK)
}

// SearchVector ranks stored entities against a precomputed vector.
func (ix *Index) SearchVector(ctx context.Context, vector []float32, entityType string, topK int) ([]ScoredRecord, error) {
	return ix.store.Search(ctx, vector, entityType, topK)
}

// Clear deletes every stored vector.
func (ix *Index) Clear(ctx context.Context) (int64, error) {
	return ix.store.Clear(ctx)
}

// Count returns how many vectors are stored for entityType (all when empty).
func (ix *Index) Count(ctx context.Context, entityType string) (int, error) {
	return ix.store.Count(ctx, entityType)
}

// Has reports whether a vector is stored for (entityType, entityID).
func (ix *Index) Has(ctx context.Context, entityType string, entityID int64) (bool, error) {
	r, err := ix.store.Get(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}
