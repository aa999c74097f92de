package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/inboxpilot/internal/memory"
	"github.com/kalambet/inboxpilot/internal/pacing"
	"github.com/kalambet/inboxpilot/internal/storage"
)

var baseNow = time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	reply   func(prompt string) (string, error)
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply(prompt)
}

func replyAll(s string) *fakeGenerator {
	return &fakeGenerator{reply: func(string) (string, error) { return s, nil }}
}

type countingPacer struct{ waits int }

func (c *countingPacer) Wait(ctx context.Context) error {
	c.waits++
	return ctx.Err()
}

func openStore(t *testing.T) (*storage.Store, storage.User) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	owner, err := s.CreateUser(context.Background(), "agent@x.com", "Agent", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return s, owner
}

// seedContact creates a contact with the given number of threads, one
// message each, and returns the contact and its thread row ids.
func seedContact(t *testing.T, s *storage.Store, ownerID int64, email string, threads int, body string) (storage.Contact, []int64) {
	t.Helper()
	ctx := context.Background()
	c, _, err := s.UpsertContact(ctx, ownerID, email, "")
	if err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}
	var ids []int64
	for i := 0; i < threads; i++ {
		sent := baseNow.Add(-time.Duration(48-i) * time.Hour)
		th, err := s.UpsertThread(ctx, fmt.Sprintf("%s-t%d", email, i), c.ID, ownerID, fmt.Sprintf("Subject %d", i), sent)
		if err != nil {
			t.Fatalf("UpsertThread: %v", err)
		}
		if _, _, err := s.InsertMessage(ctx, storage.Message{
			ThreadID:  th.ID,
			MessageID: fmt.Sprintf("%s-m%d", email, i),
			From:      email,
			Direction: storage.DirectionIncoming,
			Subject:   fmt.Sprintf("Subject %d", i),
			BodyText:  body,
			SentAt:    sent,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		ids = append(ids, th.ID)
	}
	return c, ids
}

func contactTasks(t *testing.T, s *storage.Store, contactID int64) []storage.Task {
	t.Helper()
	got, err := s.ListContactTasks(context.Background(), contactID, true)
	if err != nil {
		t.Fatalf("ListContactTasks: %v", err)
	}
	return got
}

func TestRun_ReplacesTaskSet(t *testing.T) {
	s, owner := openStore(t)
	ctx := context.Background()
	c, _ := seedContact(t, s, owner.ID, "a@mail.com", 1, "Can we see the house on Saturday?")

	now := baseNow
	clock := func() time.Time { return now }

	first := replyAll(`[
		{"task_type": "SCHEDULE_SHOWING", "title": "Book Saturday showing", "priority": "HIGH", "due_in_days": 1},
		{"task_type": "SEND_DOCUMENTS", "title": "Send disclosures", "due_in_days": 3}
	]`)
	if _, err := NewPipeline(s, first, WithClock(clock)).Run(ctx, owner.ID); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before := contactTasks(t, s, c.ID)
	if len(before) != 2 {
		t.Fatalf("tasks after first run = %d, want 2", len(before))
	}

	now = baseNow.Add(time.Hour)
	second := replyAll(fmt.Sprintf(`[
		{"id": %d, "task_type": "SCHEDULE_SHOWING", "title": "Confirm Saturday showing", "status": "WAITING_ON_CLIENT", "due_in_days": 1}
	]`, before[0].ID))
	rep, err := NewPipeline(s, second, WithClock(clock)).Run(ctx, owner.ID)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rep.TasksWritten != 1 {
		t.Errorf("report = %+v", rep)
	}

	after := contactTasks(t, s, c.ID)
	if len(after) != 1 {
		t.Fatalf("tasks after second run = %d, want exactly the second output", len(after))
	}
	got := after[0]
	if got.Title != "Confirm Saturday showing" || got.Status != storage.StatusWaitingOnClient {
		t.Errorf("task = %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want the second run's time %v", got.CreatedAt, now)
	}
	if got.ID == before[0].ID {
		t.Error("referenced task should be re-inserted, not patched in place")
	}

	if !strings.Contains(second.prompts[0], "Book Saturday showing") || !strings.Contains(second.prompts[0], "Existing Tasks") {
		t.Error("second prompt should list existing tasks")
	}
}

func TestRun_ItemParsingRules(t *testing.T) {
	s, owner := openStore(t)
	ctx := context.Background()
	c, threads := seedContact(t, s, owner.ID, "a@mail.com", 2, "Please send comps.")

	gen := replyAll("```json\n" + `[
		{"task_type": "prepare_comparables", "title": "Pull comps", "priority": "URGENT", "due_in_days": "2"},
		{"task_type": "FOLLOW_UP", "description": "check in"},
		{"task_type": "DANCE", "title": "Invented type"},
		{"title": "No type"},
		{"task_type": "REVIEW_OFFER", "title": "Offer reviewed", "status": "done", "priority": "low"}
	]` + "\n```")
	rep, err := NewPipeline(s, gen, WithClock(func() time.Time { return baseNow }), WithDefaultDueDays(5)).Run(ctx, owner.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.TasksWritten != 3 || rep.Rejected != 2 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}

	got := contactTasks(t, s, c.ID)
	if len(got) != 3 {
		t.Fatalf("tasks = %d, want 3", len(got))
	}
	comps, follow, offer := got[0], got[1], got[2]

	if comps.TaskType != storage.TaskPrepareComparables || comps.Priority != storage.PriorityMedium {
		t.Errorf("comps = %+v", comps)
	}
	if want := baseNow.Add(48 * time.Hour); comps.DueDate == nil || !comps.DueDate.Equal(want) {
		t.Errorf("comps due = %v, want %v", comps.DueDate, want)
	}
	if comps.Status != storage.StatusOpen {
		t.Errorf("comps status = %q, want OPEN", comps.Status)
	}
	if comps.SourceThreadID == nil || *comps.SourceThreadID != threads[0] {
		t.Errorf("source thread = %v, want %d", comps.SourceThreadID, threads[0])
	}

	if follow.Title != "Untitled Task" || follow.Description != "check in" {
		t.Errorf("follow = %+v", follow)
	}
	if want := baseNow.Add(5 * 24 * time.Hour); follow.DueDate == nil || !follow.DueDate.Equal(want) {
		t.Errorf("follow due = %v, want default offset %v", follow.DueDate, want)
	}

	if offer.Status != storage.StatusDone || offer.CompletedAt == nil || offer.Priority != storage.PriorityLow {
		t.Errorf("offer = %+v", offer)
	}
}

func TestRun_BadOutputKeepsExistingTasks(t *testing.T) {
	for name, gen := range map[string]*fakeGenerator{
		"malformed": replyAll("Here are the tasks: none"),
		"object":    replyAll(`{"task_type": "FOLLOW_UP"}`),
		"empty":     replyAll("   "),
		"error": {reply: func(string) (string, error) {
			return "", errors.New("rate limited")
		}},
	} {
		t.Run(name, func(t *testing.T) {
			s, owner := openStore(t)
			ctx := context.Background()
			c, _ := seedContact(t, s, owner.ID, "a@mail.com", 1, "hello")
			cid := c.ID
			if _, err := s.InsertTask(ctx, storage.Task{AgentID: owner.ID, ContactID: &cid, TaskType: storage.TaskFollowUp, Title: "Keep me"}); err != nil {
				t.Fatalf("InsertTask: %v", err)
			}

			rep, err := NewPipeline(s, gen).Run(ctx, owner.ID)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if rep.Failed != 1 || rep.TasksWritten != 0 {
				t.Errorf("report = %+v", rep)
			}
			got := contactTasks(t, s, c.ID)
			if len(got) != 1 || got[0].Title != "Keep me" {
				t.Errorf("tasks = %+v", got)
			}
		})
	}
}

func TestRun_EmptyListClearsTasks(t *testing.T) {
	s, owner := openStore(t)
	ctx := context.Background()
	c, _ := seedContact(t, s, owner.ID, "a@mail.com", 1, "All done, thanks!")
	cid := c.ID
	if _, err := s.InsertTask(ctx, storage.Task{AgentID: owner.ID, ContactID: &cid, TaskType: storage.TaskFollowUp, Title: "Stale"}); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	if _, err := NewPipeline(s, replyAll("[]")).Run(ctx, owner.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := contactTasks(t, s, c.ID); len(got) != 0 {
		t.Errorf("tasks = %+v, want none", got)
	}
}

func TestRun_OneFailingContactDoesNotStopOthers(t *testing.T) {
	s, owner := openStore(t)
	ctx := context.Background()
	a, _ := seedContact(t, s, owner.ID, "a@mail.com", 1, "hi")
	b, _ := seedContact(t, s, owner.ID, "b@mail.com", 1, "hi")

	gen := &fakeGenerator{reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Email: a@mail.com") {
			return "", errors.New("timeout")
		}
		return `[{"task_type": "FOLLOW_UP", "title": "Call back"}]`, nil
	}}
	pacer := &countingPacer{}
	rep, err := NewPipeline(s, gen, WithPacer(pacer)).Run(ctx, owner.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Contacts != 2 || rep.Failed != 1 || rep.TasksWritten != 1 {
		t.Errorf("report = %+v", rep)
	}
	if pacer.waits != 2 {
		t.Errorf("pacer waits = %d, want 2", pacer.waits)
	}
	if got := contactTasks(t, s, a.ID); len(got) != 0 {
		t.Errorf("contact a tasks = %+v", got)
	}
	if got := contactTasks(t, s, b.ID); len(got) != 1 {
		t.Errorf("contact b tasks = %+v", got)
	}
}

func TestRun_TruncatesBodies(t *testing.T) {
	s, owner := openStore(t)
	seedContact(t, s, owner.ID, "a@mail.com", 1, strings.Repeat("é", 600))

	gen := replyAll("[]")
	if _, err := NewPipeline(s, gen).Run(context.Background(), owner.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	prompt := gen.prompts[0]
	if !strings.Contains(prompt, strings.Repeat("é", 500)) || strings.Contains(prompt, strings.Repeat("é", 501)) {
		t.Error("body should be truncated to 500 characters")
	}
}

func TestRun_WithMemory(t *testing.T) {
	s, owner := openStore(t)
	ctx := context.Background()
	c, _ := seedContact(t, s, owner.ID, "a@mail.com", 1, "Any news on the condo?")

	sessions := memory.NewInMemoryStore()
	runner := memory.NewRunner(sessions, nil, memory.AgentOwner(owner.ID), nil)
	if err := runner.Record(ctx, memory.ContactSessionKey("a@mail.com"), "Contact Profile Update:\nEmail: a@mail.com\nPrefers quiet streets"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := runner.Record(ctx, memory.ContactSessionKey("z@mail.com"), "Contact Profile Update:\nEmail: z@mail.com\nUnrelated"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	gen := replyAll(`[{"task_type": "FOLLOW_UP", "title": "Send condo update"}]`)
	p := NewPipeline(s, gen, WithMemory(sessions), WithClock(func() time.Time { return baseNow }))
	if _, err := p.Run(ctx, owner.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prompt := gen.prompts[0]
	if !strings.Contains(prompt, "Prefers quiet streets") {
		t.Error("prompt should include the remembered narrative")
	}
	if strings.Contains(prompt, "Unrelated") {
		t.Error("prompt should not include other contacts' narratives")
	}

	key := fmt.Sprintf("task-analysis-%d-%d", c.ID, baseNow.Unix())
	sess, err := sessions.GetSession(ctx, memory.AgentOwner(owner.ID), key)
	if err != nil {
		t.Fatalf("analysis session %s: %v", key, err)
	}
	events, _ := sessions.ListEvents(ctx, sess.ID)
	if len(events) != 2 || events[1].ExtractText() != `[{"task_type": "FOLLOW_UP", "title": "Send condo update"}]` {
		t.Errorf("analysis events = %+v", events)
	}

	// A later run must not recall the analysis session itself.
	gen2 := replyAll("[]")
	p2 := NewPipeline(s, gen2, WithMemory(sessions), WithClock(func() time.Time { return baseNow.Add(time.Minute) }))
	if _, err := p2.Run(ctx, owner.ID); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if strings.Contains(gen2.prompts[0], "Conversation so far") {
		t.Error("fresh analysis session should not carry history")
	}
	if n := strings.Count(gen2.prompts[0], "Email Thread History"); n != 1 {
		t.Errorf("prompt embeds %d thread histories, want 1", n)
	}
}

func TestRun_OwnerNotFound(t *testing.T) {
	s, owner := openStore(t)
	_, err := NewPipeline(s, replyAll("[]")).Run(context.Background(), owner.ID+1)
	if !errors.Is(err, ErrOwnerNotFound) {
		t.Fatalf("err = %v, want ErrOwnerNotFound", err)
	}
}

func TestRun_PacesEveryContact(t *testing.T) {
	s, owner := openStore(t)
	seedContact(t, s, owner.ID, "a@mail.com", 1, "hi")
	seedContact(t, s, owner.ID, "b@mail.com", 1, "hi")

	var at []time.Time
	gen := &fakeGenerator{reply: func(string) (string, error) {
		at = append(at, time.Now())
		return "[]", nil
	}}
	pacer := pacing.NewTokenBucket(600)
	if _, err := NewPipeline(s, gen, WithPacer(pacer)).Run(context.Background(), owner.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(at) != 2 {
		t.Fatalf("calls = %d, want 2", len(at))
	}
	// Allow some slack for timer granularity.
	if gap := at[1].Sub(at[0]); gap < pacer.Interval()*8/10 {
		t.Errorf("gap between contacts = %v, want >= ~%v", gap, pacer.Interval())
	}
}
