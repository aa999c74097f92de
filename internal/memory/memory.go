// Package memory keeps per-owner conversational sessions: an ordered log of
// events under a (owner, session key) pair, plus keyword search across them.
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoSession is returned by GetSession when the session does not exist.
var ErrNoSession = errors.New("session not found")

const (
	AuthorUser  = "user"
	AuthorModel = "model"
)

// Session identifies one event log.
type Session struct {
	ID        int64
	Owner     string
	Key       string
	CreatedAt time.Time
}

// Part is one fragment of an event. Only text parts carry prose; others
// (tool calls, structured data) are kept for completeness.
type Part struct {
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Event is one entry in a session log.
type Event struct {
	ID        string
	SessionID int64
	Author    string
	Parts     []Part
	CreatedAt time.Time
}

// TextEvent builds an event with a single text part.
func TextEvent(author, text string) Event {
	return Event{Author: author, Parts: []Part{{Text: text}}}
}

// ExtractText concatenates the event's text parts in order. Events without
// text yield "".
func (e Event) ExtractText() string {
	var b strings.Builder
	for _, p := range e.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// SearchHit is an event matched by Search.
type SearchHit struct {
	SessionKey string
	Event      Event
	Score      int
}

// SessionStore persists sessions and their events.
type SessionStore interface {
	GetSession(ctx context.Context, owner, key string) (Session, error)
	CreateSession(ctx context.Context, owner, key string) (Session, error)
	AppendEvent(ctx context.Context, sessionID int64, ev Event) (Event, error)
	ListEvents(ctx context.Context, sessionID int64) ([]Event, error)
	// Search returns the owner's events whose text contains any term of
	// query, best matches first.
	Search(ctx context.Context, owner, query string, limit int) ([]SearchHit, error)
}

// AgentOwner is the session owner used for an agent user's sessions.
func AgentOwner(agentID int64) string {
	return strconv.FormatInt(agentID, 10)
}

// ContactSessionPrefix starts the key of every contact narrative session.
const ContactSessionPrefix = "contact-"

// ContactSessionKey names the session holding a contact's profile narratives.
func ContactSessionKey(email string) string {
	return ContactSessionPrefix + strings.ToLower(email)
}

// GetOrCreate returns the session for (owner, key), creating it when absent.
func GetOrCreate(ctx context.Context, s SessionStore, owner, key string) (Session, error) {
	sess, err := s.GetSession(ctx, owner, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNoSession) {
		return Session{}, err
	}
	return s.CreateSession(ctx, owner, key)
}

func queryTerms(query string) []string {
	var terms []string
	seen := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func scoreText(text string, terms []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			n++
		}
	}
	return n
}

// rankHits orders by score, then newest first, and applies limit.
func rankHits(hits []SearchHit, limit int) []SearchHit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Event.CreatedAt.After(hits[j].Event.CreatedAt)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func sortByEventID(hits []SearchHit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Event.ID < hits[j].Event.ID })
}
