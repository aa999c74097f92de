// Package tasks infers each contact's current task list from their email
// threads and serves the agent's task views (listing, agenda, updates).
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kalambet/inboxpilot/internal/memory"
	"github.com/kalambet/inboxpilot/internal/pacing"
	"github.com/kalambet/inboxpilot/internal/storage"
)

// DefaultDueDays is used when the model gives no due_in_days.
const DefaultDueDays = 7

const (
	memoryHits = 3
	// Shorter names match too much text to identify a contact.
	minRecallQuery = 3
	maxDueDays     = 3650
)

// ErrOwnerNotFound is returned when the owning agent user does not exist.
var ErrOwnerNotFound = errors.New("owner not found")

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Report summarizes one inference run.
type Report struct {
	Contacts     int // contacts with at least one thread
	Failed       int // contacts left untouched after a failed request or bad output
	TasksWritten int
	Rejected     int // items dropped for an unknown task type
}

// Pipeline infers tasks per contact and replaces the contact's task set.
type Pipeline struct {
	store    *storage.Store
	gen      Generator
	pacer    pacing.Pacer
	sessions memory.SessionStore
	dueDays  int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPacer spaces requests. The default does not wait.
func WithPacer(pc pacing.Pacer) Option {
	return func(p *Pipeline) { p.pacer = pc }
}

// WithMemory reads remembered contact narratives from sessions and runs each
// request in its own analysis session.
func WithMemory(sessions memory.SessionStore) Option {
	return func(p *Pipeline) { p.sessions = sessions }
}

// WithDefaultDueDays sets the due offset for items without due_in_days.
func WithDefaultDueDays(days int) Option {
	return func(p *Pipeline) {
		if days > 0 {
			p.dueDays = days
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a task inference Pipeline.
func NewPipeline(store *storage.Store, gen Generator, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   store,
		gen:     gen,
		pacer:   pacing.None,
		dueDays: DefaultDueDays,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type contactThreads struct {
	contactID int64
	threads   []storage.Thread
}

// Run infers tasks for every contact of ownerID that has a thread. Each
// contact's task set is replaced in full; a contact whose request fails or
// whose output cannot be parsed keeps its current tasks.
func (p *Pipeline) Run(ctx context.Context, ownerID int64) (Report, error) {
	if _, err := p.store.GetUser(ctx, ownerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Error("task inference aborted: owner not found", "owner_id", ownerID)
			return Report{}, fmt.Errorf("%w: %d", ErrOwnerNotFound, ownerID)
		}
		return Report{}, fmt.Errorf("loading owner: %w", err)
	}

	threads, err := p.store.ListThreads(ctx, ownerID)
	if err != nil {
		return Report{}, fmt.Errorf("listing threads: %w", err)
	}
	groups := groupByContact(threads)
	rep := Report{Contacts: len(groups)}
	p.logger.Info("inferring tasks", "owner_id", ownerID, "contacts", len(groups))

	for _, g := range groups {
		if err := p.pacer.Wait(ctx); err != nil {
			return rep, err
		}
		written, rejected, err := p.processContact(ctx, ownerID, g)
		if err != nil {
			return rep, err
		}
		if written < 0 {
			rep.Failed++
			continue
		}
		rep.TasksWritten += written
		rep.Rejected += rejected
	}

	p.logger.Info("task inference complete",
		"owner_id", ownerID,
		"contacts", rep.Contacts,
		"failed", rep.Failed,
		"tasks_written", rep.TasksWritten,
		"rejected", rep.Rejected,
	)
	return rep, nil
}

// groupByContact keeps the first-seen contact order and each contact's
// thread order.
func groupByContact(threads []storage.Thread) []contactThreads {
	var groups []contactThreads
	index := map[int64]int{}
	for _, t := range threads {
		i, ok := index[t.ContactID]
		if !ok {
			i = len(groups)
			index[t.ContactID] = i
			groups = append(groups, contactThreads{contactID: t.ContactID})
		}
		groups[i].threads = append(groups[i].threads, t)
	}
	return groups
}

// processContact returns the number of tasks written, or -1 when the contact
// was skipped. Only storage failures are returned as errors.
func (p *Pipeline) processContact(ctx context.Context, ownerID int64, g contactThreads) (int, int, error) {
	log := p.logger.With("contact_id", g.contactID)

	cc, err := p.loadContext(ctx, ownerID, g)
	if err != nil {
		return 0, 0, err
	}
	prompt, err := buildPrompt(cc)
	if err != nil {
		log.Warn("skipping contact", "error", err)
		return -1, 0, nil
	}

	now := p.now().UTC()
	raw, err := p.generate(ctx, ownerID, g.contactID, now, prompt)
	if err != nil {
		log.Warn("task inference request failed, skipping contact", "error", err)
		return -1, 0, nil
	}
	items, err := parseItems(raw)
	if err != nil {
		log.Warn("malformed task output, skipping contact", "error", err)
		return -1, 0, nil
	}

	firstThread := g.threads[0].ID
	contactID := g.contactID
	var out []storage.Task
	rejected := 0
	for _, it := range items {
		t, ok := p.toTask(log, it, ownerID, contactID, firstThread, now)
		if !ok {
			rejected++
			continue
		}
		out = append(out, t)
	}

	if _, err := p.store.ReplaceContactTasks(ctx, contactID, out); err != nil {
		return 0, 0, fmt.Errorf("replacing tasks of contact %d: %w", contactID, err)
	}
	log.Info("tasks replaced", "previous", len(cc.existing), "written", len(out), "rejected", rejected)
	return len(out), rejected, nil
}

func (p *Pipeline) loadContext(ctx context.Context, ownerID int64, g contactThreads) (contactContext, error) {
	contact, err := p.store.GetContact(ctx, g.contactID)
	if err != nil {
		return contactContext{}, fmt.Errorf("loading contact %d: %w", g.contactID, err)
	}
	cc := contactContext{contact: contact}
	for _, t := range g.threads {
		msgs, err := p.store.ListThreadMessages(ctx, t.ID)
		if err != nil {
			return contactContext{}, fmt.Errorf("loading messages of thread %d: %w", t.ID, err)
		}
		cc.threads = append(cc.threads, newPromptThread(t, msgs))
	}
	if cc.existing, err = p.store.ListContactTasks(ctx, contact.ID, false); err != nil {
		return contactContext{}, fmt.Errorf("loading tasks of contact %d: %w", contact.ID, err)
	}
	cc.memories = p.recall(ctx, ownerID, contact)
	return cc, nil
}

// recall finds remembered contact narratives containing the contact's email
// or full name. Earlier analysis sessions are not recalled.
func (p *Pipeline) recall(ctx context.Context, ownerID int64, c storage.Contact) []string {
	if p.sessions == nil {
		return nil
	}
	owner := memory.AgentOwner(ownerID)
	seen := map[string]bool{}
	var texts []string
	for _, q := range []string{c.Email, c.Name} {
		if len([]rune(q)) < minRecallQuery {
			continue
		}
		phrase := strings.ToLower(q)
		hits, err := p.sessions.Search(ctx, owner, q, 0)
		if err != nil {
			p.logger.Warn("memory search failed", "contact_id", c.ID, "error", err)
			continue
		}
		for _, h := range hits {
			if len(texts) == memoryHits {
				break
			}
			if seen[h.Event.ID] || !strings.HasPrefix(h.SessionKey, memory.ContactSessionPrefix) {
				continue
			}
			text := h.Event.ExtractText()
			if !strings.Contains(strings.ToLower(text), phrase) {
				continue
			}
			seen[h.Event.ID] = true
			texts = append(texts, text)
		}
	}
	return texts
}

func (p *Pipeline) generate(ctx context.Context, ownerID, contactID int64, now time.Time, prompt string) (string, error) {
	if p.sessions == nil {
		return p.gen.Generate(ctx, prompt)
	}
	runner := memory.NewRunner(p.sessions, p.gen, memory.AgentOwner(ownerID), p.logger)
	return runner.Run(ctx, fmt.Sprintf("task-analysis-%d-%d", contactID, now.Unix()), prompt)
}

func (p *Pipeline) toTask(log *slog.Logger, it item, ownerID, contactID, threadID int64, now time.Time) (storage.Task, bool) {
	tt := storage.ParseTaskType(it.TaskType)
	if !tt.OK() {
		log.Warn("rejecting task with unknown type", "task_type", it.TaskType, "title", it.Title)
		return storage.Task{}, false
	}
	prio := storage.ParsePriority(it.Priority)
	if prio.Outcome == storage.Unknown {
		log.Debug("priority defaulted", "raw", prio.Raw)
	}
	status := storage.ParseTaskStatus(it.Status)
	if status.Outcome == storage.Unknown {
		log.Debug("status defaulted", "raw", status.Raw)
	}

	title := it.Title
	if title == "" {
		title = "Untitled Task"
	}
	days := float64(p.dueDays)
	if it.DueInDays.set && !math.IsNaN(it.DueInDays.value) && !math.IsInf(it.DueInDays.value, 0) {
		days = max(-maxDueDays, min(it.DueInDays.value, maxDueDays))
	}
	due := now.Add(time.Duration(days * float64(24*time.Hour)))

	cid, tid := contactID, threadID
	return storage.Task{
		AgentID:        ownerID,
		ContactID:      &cid,
		TaskType:       tt.Value,
		Title:          title,
		Description:    it.Description,
		Priority:       prio.Value,
		Status:         status.Value,
		DueDate:        &due,
		CreatedAt:      now,
		SourceThreadID: &tid,
	}, true
}
