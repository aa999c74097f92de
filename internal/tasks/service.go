package tasks

import (
	"context"
	"sort"
	"time"

	"github.com/kalambet/inboxpilot/internal/storage"
)

// Item is a task as shown to the agent.
type Item struct {
	storage.Task
	Overdue bool
}

// IsOverdue reports whether an open task's due date has passed.
func IsOverdue(t storage.Task, now time.Time) bool {
	if t.DueDate == nil || t.Status == storage.StatusDone || t.Status == storage.StatusCanceled {
		return false
	}
	return t.DueDate.Before(now)
}

// Service serves an agent's task views and manual updates.
type Service struct {
	store *storage.Store
	now   func() time.Time
}

// NewService creates a Service. A nil clock uses time.Now.
func NewService(store *storage.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

func (s *Service) items(tasks []storage.Task) []Item {
	now := s.now()
	out := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, Item{Task: t, Overdue: IsOverdue(t, now)})
	}
	return out
}

// List returns the agent's tasks matching f.
func (s *Service) List(ctx context.Context, ownerID int64, f storage.TaskFilter) ([]Item, error) {
	tasks, err := s.store.ListTasks(ctx, ownerID, f)
	if err != nil {
		return nil, err
	}
	return s.items(tasks), nil
}

// Get returns one of the agent's tasks. Tasks of other agents are reported
// as storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, ownerID, id int64) (Item, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if t.AgentID != ownerID {
		return Item{}, storage.ErrNotFound
	}
	return Item{Task: t, Overdue: IsOverdue(t, s.now())}, nil
}

// Update applies u to one of the agent's tasks. Entering DONE stamps
// completed_at; leaving DONE clears it.
func (s *Service) Update(ctx context.Context, ownerID, id int64, u storage.TaskUpdate) (Item, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return Item{}, err
	}
	now := s.now()
	t, err := s.store.UpdateTask(ctx, id, u, now)
	if err != nil {
		return Item{}, err
	}
	return Item{Task: t, Overdue: IsOverdue(t, now)}, nil
}

// Agenda returns the agent's open tasks due before the end of day (UTC),
// overdue ones included, highest priority first and then by due date.
func (s *Service) Agenda(ctx context.Context, ownerID int64, day time.Time) ([]Item, error) {
	y, m, d := day.UTC().Date()
	end := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	tasks, err := s.store.ListTasks(ctx, ownerID, storage.TaskFilter{DueBefore: &end, ExcludeClosed: true})
	if err != nil {
		return nil, err
	}
	items := s.items(tasks)
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].DueDate.Before(*items[j].DueDate)
	})
	return items, nil
}

// Today returns the agenda for the current day.
func (s *Service) Today(ctx context.Context, ownerID int64) ([]Item, error) {
	return s.Agenda(ctx, ownerID, s.now())
}
