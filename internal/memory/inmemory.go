package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sessionKey struct{ owner, key string }

// InMemoryStore is a SessionStore held in process memory. It is safe for
// concurrent use and loses everything on exit.
type InMemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	byKey    map[sessionKey]Session
	keyByID  map[int64]string
	ownerIDs map[int64]string
	events   map[int64][]Event
	now      func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byKey:    map[sessionKey]Session{},
		keyByID:  map[int64]string{},
		ownerIDs: map[int64]string{},
		events:   map[int64][]Event{},
		now:      time.Now,
	}
}

func (s *InMemoryStore) GetSession(_ context.Context, owner, key string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[sessionKey{owner, key}]
	if !ok {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, owner, key string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{owner, key}
	if _, ok := s.byKey[k]; ok {
		return Session{}, fmt.Errorf("session %s/%s already exists", owner, key)
	}
	s.nextID++
	sess := Session{ID: s.nextID, Owner: owner, Key: key, CreatedAt: s.now().UTC()}
	s.byKey[k] = sess
	s.keyByID[sess.ID] = key
	s.ownerIDs[sess.ID] = owner
	return sess, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, sessionID int64, ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyByID[sessionID]; !ok {
		return Event{}, ErrNoSession
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	ev.SessionID = sessionID
	s.events[sessionID] = append(s.events[sessionID], ev)
	return ev, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, sessionID int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyByID[sessionID]; !ok {
		return nil, ErrNoSession
	}
	out := make([]Event, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out, nil
}

func (s *InMemoryStore) Search(_ context.Context, owner, query string, limit int) ([]SearchHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []SearchHit
	for id, evs := range s.events {
		if s.ownerIDs[id] != owner {
			continue
		}
		for _, ev := range evs {
			if score := scoreText(ev.ExtractText(), terms); score > 0 {
				hits = append(hits, SearchHit{SessionKey: s.keyByID[id], Event: ev, Score: score})
			}
		}
	}
	// Map iteration order is random; fix a base order before ranking.
	sortByEventID(hits)
	return rankHits(hits, limit), nil
}
