package retrieval

import (
	"context"
	"database/sql"
	"math"
	"testing"

	"github.com/kalambet/inboxpilot/internal/storage"
)

// openTestDB returns an in-memory database with the migrated embeddings table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func upsertVec(t *testing.T, s *SQLiteStore, entityType string, id int64, vec []float32) {
	t.Helper()
	if err := s.Upsert(context.Background(), Record{EntityType: entityType, EntityID: id, Embedding: vec}); err != nil {
		t.Fatalf("Upsert(%s/%d): %v", entityType, id, err)
	}
}

func TestCosine_IdentityIsOne(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	vec := []float32{0.3, -1.2, 4.5, 0.01}
	upsertVec(t, s, "email_message", 1, []float32{1, 0, 0, 0})
	upsertVec(t, s, "email_message", 2, vec)

	results, err := s.Search(context.Background(), vec, "", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].EntityID != 2 {
		t.Errorf("first result = %d, want identical vector 2", results[0].EntityID)
	}
	if math.Abs(float64(results[0].Score)-1.0) > 1e-5 {
		t.Errorf("score = %f, want 1.0", results[0].Score)
	}
}

func TestCosine_ZeroVector(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	upsertVec(t, s, "email_message", 1, []float32{1, 2, 3})
	upsertVec(t, s, "email_message", 2, []float32{0, 0, 0})

	results, err := s.Search(context.Background(), []float32{0, 0, 0}, "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Score != 0 {
			t.Errorf("score for %d = %f, want 0", r.EntityID, r.Score)
		}
	}

	results, err = s.Search(context.Background(), []float32{1, 1, 1}, "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.EntityID == 2 && r.Score != 0 {
			t.Errorf("zero stored vector scored %f, want 0", r.Score)
		}
	}
}

func TestCosine_DimensionMismatchScoresZero(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0, 0}, 1); got != 0 {
		t.Errorf("cosine with mismatched dims = %f, want 0", got)
	}
}

func TestSearch_TiesKeepScanOrder(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	for id := int64(1); id <= 4; id++ {
		upsertVec(t, s, "email_message", id, []float32{1, 1})
	}

	results, err := s.Search(context.Background(), []float32{1, 1}, "", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.EntityID != int64(i+1) {
			t.Errorf("results[%d] = %d, want %d (stable order)", i, r.EntityID, i+1)
		}
	}
}

func TestSearch_TypeFilterAndTopK(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	upsertVec(t, s, "email_message", 1, []float32{1, 0})
	upsertVec(t, s, "contact", 1, []float32{1, 0})
	upsertVec(t, s, "email_message", 2, []float32{0, 1})

	results, err := s.Search(context.Background(), []float32{1, 0}, "email_message", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.EntityType != "email_message" {
			t.Errorf("unexpected entity type %q", r.EntityType)
		}
	}

	results, err = s.Search(context.Background(), []float32{1, 0}, "", 0)
	if err != nil || results != nil {
		t.Errorf("topK=0: %v, %v; want nil, nil", results, err)
	}
}

func TestUpsert_OverwritesInPlace(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	if err := s.Upsert(ctx, Record{EntityType: "email_message", EntityID: 7, Embedding: []float32{1, 0}, Metadata: map[string]any{"subject": "old"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	first, err := s.Get(ctx, "email_message", 7)
	if err != nil || first == nil {
		t.Fatalf("Get: %v, %v", first, err)
	}
	if err := s.Upsert(ctx, Record{EntityType: "email_message", EntityID: 7, Embedding: []float32{0, 1}, Metadata: map[string]any{"subject": "new"}}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	n, err := s.Count(ctx, "email_message")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 row per entity", n)
	}
	got, err := s.Get(ctx, "email_message", 7)
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if got.ID != first.ID {
		t.Errorf("row id changed %d -> %d, want overwrite in place", first.ID, got.ID)
	}
	if got.Embedding[1] != 1 || got.Metadata["subject"] != "new" {
		t.Errorf("record not overwritten: %+v", got)
	}
}

func TestClear(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	upsertVec(t, s, "email_message", 1, []float32{1})
	upsertVec(t, s, "email_message", 2, []float32{1})

	n, err := s.Clear(context.Background())
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
	if c, _ := s.Count(context.Background(), ""); c != 0 {
		t.Errorf("count after clear = %d, want 0", c)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, -1.5, 3.25, math.MaxFloat32}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
