package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/inboxpilot/internal/retrieval"
	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// ErrSearchUnavailable is returned when no similarity index is configured.
var ErrSearchUnavailable = errors.New("vector search not configured")

func clampLimit(n int) int {
	if n <= 0 {
		return defaultSearchLimit
	}
	if n > maxSearchLimit {
		return maxSearchLimit
	}
	return n
}

// searchEmails ranks the agent's indexed messages against query and returns
// at most k hits. Vectors of other agents and of deleted messages are skipped
// before any message is loaded.
func searchEmails(ctx context.Context, store *storage.Store, index *retrieval.Index, agentID int64, query string, k int) ([]emailHit, error) {
	if index == nil {
		return nil, ErrSearchUnavailable
	}
	total, err := index.Count(ctx, retrieval.EntityEmailMessage)
	if err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}
	if total == 0 {
		return []emailHit{}, nil
	}
	owned, err := store.MessageThreads(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if len(owned) == 0 {
		return []emailHit{}, nil
	}
	threads, err := store.ListThreads(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	byID := make(map[int64]storage.Thread, len(threads))
	for _, t := range threads {
		byID[t.ID] = t
	}

	ranked, err := index.Search(ctx, query, retrieval.EntityEmailMessage, total)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	hits := []emailHit{}
	for _, r := range ranked {
		threadID, ok := owned[r.EntityID]
		if !ok {
			continue
		}
		m, err := store.GetMessage(ctx, r.EntityID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		th := byID[threadID]
		hits = append(hits, emailHit{
			MessageID: m.ID,
			ThreadID:  th.ThreadID,
			ContactID: th.ContactID,
			Subject:   m.Subject,
			From:      m.From,
			Direction: string(m.Direction),
			SentAt:    m.SentAt,
			Snippet:   snippet(m.BodyText),
			Score:     r.Score,
		})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// loadContactProfile returns one of the agent's contacts with its threads and
// non-canceled tasks. Contacts of other agents are storage.ErrNotFound.
func loadContactProfile(ctx context.Context, store *storage.Store, agentID, contactID int64, now time.Time) (contactProfile, error) {
	c, err := store.GetContact(ctx, contactID)
	if err != nil {
		return contactProfile{}, err
	}
	if c.AgentID != agentID {
		return contactProfile{}, storage.ErrNotFound
	}
	threads, err := store.ListThreads(ctx, agentID)
	if err != nil {
		return contactProfile{}, fmt.Errorf("listing threads: %w", err)
	}
	ts, err := store.ListContactTasks(ctx, c.ID, false)
	if err != nil {
		return contactProfile{}, fmt.Errorf("listing tasks: %w", err)
	}

	p := contactProfile{contactView: newContactView(c), Threads: []threadView{}, Tasks: []taskView{}}
	for _, t := range threads {
		if t.ContactID != c.ID {
			continue
		}
		p.Threads = append(p.Threads, newThreadView(t))
	}
	for _, t := range ts {
		p.Tasks = append(p.Tasks, newTaskView(tasks.Item{Task: t, Overdue: tasks.IsOverdue(t, now)}))
	}
	return p, nil
}
