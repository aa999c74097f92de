package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/inboxpilot/internal/classify"
	"github.com/kalambet/inboxpilot/internal/ingest"
	"github.com/kalambet/inboxpilot/internal/memory"
	"github.com/kalambet/inboxpilot/internal/retrieval"
	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), float32(strings.Count(text, " ")), 1}, nil
}

type scriptedGenerator struct {
	fn func(prompt string) (string, error)
}

func (g scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	return g.fn(prompt)
}

func scenarioEmails() []ingest.RawEmail {
	return []ingest.RawEmail{
		{AgentEmail: "agent@x.com", ContactEmail: "a@client.com", ThreadID: "ta", MessageID: "a1",
			Subject: "Pre-approved buyer", BodyText: "We are pre-approved and want to tour homes.",
			Direction: "INCOMING", SentAt: "2024-06-01T10:00:00Z"},
		{AgentEmail: "agent@x.com", ContactEmail: "a@client.com", ThreadID: "ta", MessageID: "a2",
			Subject: "Re: Pre-approved buyer", BodyText: "Great, I will send a few listings.",
			Direction: "OUTGOING", SentAt: "2024-06-01T12:00:00Z"},
		{AgentEmail: "agent@x.com", ContactEmail: "b@client.com", ThreadID: "tb", MessageID: "b1",
			Subject: "Just browsing", BodyText: "Hi, just looking for now.",
			Direction: "INCOMING", SentAt: "2024-06-02T09:00:00Z"},
	}
}

func TestSync_EndToEndScenario(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	owner, err := store.CreateUser(ctx, "agent@x.com", "Agent", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	contactID := func(email string) int64 {
		c, err := store.GetContactByEmail(ctx, owner.ID, email)
		if err != nil {
			t.Fatalf("GetContactByEmail(%s): %v", email, err)
		}
		return c.ID
	}
	classifier := scriptedGenerator{fn: func(string) (string, error) {
		return fmt.Sprintf(`[{"contact_id": %d, "stage": "QUALIFIED", "summary": "Pre-approved buyer"},
			{"contact_id": %d, "stage": "NEW_LEAD", "summary": "Browsing"}]`,
			contactID("a@client.com"), contactID("b@client.com")), nil
	}}
	inferrer := scriptedGenerator{fn: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Contact Information:\nName: A\nEmail: a@client.com") {
			return `[{"task_type": "FOLLOW_UP", "title": "Send listings", "priority": "HIGH"}]`, nil
		}
		return "[]", nil
	}}

	now := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	sessions := memory.NewSQLiteStore(store.DB())
	index := retrieval.NewIndex(retrieval.NewSQLiteStore(store.DB()), hashEmbedder{}, nil)
	syncer := &Syncer{
		Load:     func(context.Context) ([]ingest.RawEmail, error) { return scenarioEmails(), nil },
		Ingest:   ingest.NewPipeline(store, index, nil),
		Classify: classify.NewPipeline(store, classifier, classify.WithNarratives(sessions)),
		Tasks: tasks.NewPipeline(store, inferrer,
			tasks.WithMemory(sessions),
			tasks.WithDefaultDueDays(3),
			tasks.WithClock(func() time.Time { return now })),
	}

	rep, err := syncer.Sync(ctx, owner.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	for table, want := range map[string]int64{"contacts": 2, "email_threads": 2, "email_messages": 3, "embeddings": 3} {
		if counts[table] != want {
			t.Errorf("%s = %d, want %d", table, counts[table], want)
		}
	}
	if rep.Ingest.Ingested != 3 || rep.Classify.Updated != 2 || rep.Tasks.TasksWritten != 1 {
		t.Errorf("report = %+v", rep)
	}

	a, _ := store.GetContact(ctx, contactID("a@client.com"))
	b, _ := store.GetContact(ctx, contactID("b@client.com"))
	if a.PipelineStage != storage.StageQualified || b.PipelineStage != storage.StageNewLead {
		t.Errorf("stages = %q, %q", a.PipelineStage, b.PipelineStage)
	}

	aTasks, err := store.ListContactTasks(ctx, a.ID, true)
	if err != nil {
		t.Fatalf("ListContactTasks: %v", err)
	}
	if len(aTasks) != 1 {
		t.Fatalf("tasks for A = %d, want 1", len(aTasks))
	}
	if aTasks[0].Status != storage.StatusOpen {
		t.Errorf("status = %q, want OPEN", aTasks[0].Status)
	}
	if want := now.Add(3 * 24 * time.Hour); aTasks[0].DueDate == nil || !aTasks[0].DueDate.Equal(want) {
		t.Errorf("due = %v, want %v", aTasks[0].DueDate, want)
	}
	if bTasks, _ := store.ListContactTasks(ctx, b.ID, true); len(bTasks) != 0 {
		t.Errorf("tasks for B = %d, want 0", len(bTasks))
	}
}

func TestSync_StopsOnStageError(t *testing.T) {
	store := openTestStore(t)
	loadErr := errors.New("dataset missing")
	syncer := &Syncer{
		Load: func(context.Context) ([]ingest.RawEmail, error) { return nil, loadErr },
	}
	if _, err := syncer.Sync(context.Background(), 1); !errors.Is(err, loadErr) {
		t.Errorf("err = %v, want dataset error", err)
	}

	syncer = &Syncer{
		Load:   func(context.Context) ([]ingest.RawEmail, error) { return nil, nil },
		Ingest: ingest.NewPipeline(store, nil, nil),
	}
	if _, err := syncer.Sync(context.Background(), 99); !errors.Is(err, ingest.ErrOwnerNotFound) {
		t.Errorf("err = %v, want ErrOwnerNotFound", err)
	}
}
