package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a SessionStore over the memory_sessions and memory_events
// tables created by the storage migrations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) GetSession(ctx context.Context, owner, key string) (Session, error) {
	var sess Session
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, session_key, created_at FROM memory_sessions WHERE owner = ? AND session_key = ?`,
		owner, key).Scan(&sess.ID, &sess.Owner, &sess.Key, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, owner, key string) (Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_sessions (owner, session_key, created_at) VALUES (?, ?, ?)`,
		owner, key, now.Format(timeLayout))
	if err != nil {
		return Session{}, fmt.Errorf("creating session %s/%s: %w", owner, key, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, err
	}
	return Session{ID: id, Owner: owner, Key: key, CreatedAt: now}, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID int64, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.SessionID = sessionID
	parts, err := json.Marshal(ev.Parts)
	if err != nil {
		return Event{}, fmt.Errorf("encoding event parts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_events (id, session_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, sessionID, ev.Author, string(parts), ev.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return Event{}, fmt.Errorf("appending event: %w", err)
	}
	return ev, nil
}

func scanEvent(row interface{ Scan(...any) error }) (Event, string, error) {
	var ev Event
	var key, content, createdAt string
	if err := row.Scan(&ev.ID, &ev.SessionID, &key, &ev.Author, &content, &createdAt); err != nil {
		return Event{}, "", err
	}
	if err := json.Unmarshal([]byte(content), &ev.Parts); err != nil {
		return Event{}, "", fmt.Errorf("decoding event %s: %w", ev.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Event{}, "", fmt.Errorf("parsing created_at: %w", err)
	}
	ev.CreatedAt = t
	return ev, key, nil
}

const eventSelect = `SELECT e.id, e.session_id, s.session_key, e.author, e.content, e.created_at
	FROM memory_events e JOIN memory_sessions s ON s.id = e.session_id`

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, eventSelect+` WHERE e.session_id = ? ORDER BY e.created_at, e.rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, _, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Search narrows candidates with LIKE on the stored JSON and scores the
// extracted text in Go.
func (s *SQLiteStore) Search(ctx context.Context, owner, query string, limit int) ([]SearchHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	likes := make([]string, len(terms))
	args := []any{owner}
	for i, t := range terms {
		likes[i] = "LOWER(e.content) LIKE ?"
		args = append(args, "%"+t+"%")
	}
	rows, err := s.db.QueryContext(ctx,
		eventSelect+` WHERE s.owner = ? AND (`+strings.Join(likes, " OR ")+`) ORDER BY e.rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		ev, key, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if score := scoreText(ev.ExtractText(), terms); score > 0 {
			hits = append(hits, SearchHit{SessionKey: key, Event: ev, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankHits(hits, limit), nil
}
