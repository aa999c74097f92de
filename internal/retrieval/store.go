package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one row of the embeddings table.
type Record struct {
	ID         int64
	EntityType string
	EntityID   int64
	Embedding  []float32
	Metadata   map[string]any
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// SQLiteStore keeps one vector per (entity_type, entity_id) and answers
// nearest-neighbor queries by brute-force cosine similarity over every row.
// There is no ANN index: each query is a full scan of the (optionally
// filtered) table, which is fine for a few thousand rows.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The embeddings table must already exist (created via storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert writes r, overwriting vector and metadata of an existing row for the
// same (entity_type, entity_id).
func (s *SQLiteStore) Upsert(ctx context.Context, r Record) error {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (entity_type, entity_id, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata`,
		r.EntityType, r.EntityID, encodeFloat32s(r.Embedding), string(metaJSON), createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upserting embedding %s/%d: %w", r.EntityType, r.EntityID, err)
	}
	return nil
}

// Search scores every row matching entityType (all rows when empty) against
// vector, in ascending row-id order, and returns the topK best. Ties keep scan
// order.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, entityType string, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}

	query := `SELECT id, entity_type, entity_id, embedding, metadata, created_at FROM embeddings`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	var results []ScoredRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredRecord{Record: r, Score: cosine(vector, r.Embedding, queryNorm)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Get returns the record for (entityType, entityID), or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, entityType string, entityID int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, embedding, metadata, created_at
		FROM embeddings WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Clear deletes every row and returns how many were removed.
func (s *SQLiteStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM embeddings`)
	if err != nil {
		return 0, fmt.Errorf("clearing embeddings: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of rows of entityType, or of all rows when empty.
func (s *SQLiteStore) Count(ctx context.Context, entityType string) (int, error) {
	var count int
	var err error
	if entityType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE entity_type = ?`, entityType).Scan(&count)
	}
	return count, err
}

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var blob []byte
	var meta, createdAt string
	if err := row.Scan(&r.ID, &r.EntityType, &r.EntityID, &blob, &meta, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning row: %w", err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s/%d: %w", r.EntityType, r.EntityID, err)
	}
	r.Embedding = embedding
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return Record{}, fmt.Errorf("decoding metadata for %s/%d: %w", r.EntityType, r.EntityID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm
// of a. It is 0 when either norm is zero or the dimensions differ.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}
