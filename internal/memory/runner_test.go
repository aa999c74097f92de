package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type mockGenerator struct {
	generateFn func(ctx context.Context, prompt string) (string, error)
	prompts    []string
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.generateFn(ctx, prompt)
}

func TestRunner_RunAppendsMessageAndReply(t *testing.T) {
	store := NewInMemoryStore()
	gen := &mockGenerator{generateFn: func(_ context.Context, _ string) (string, error) {
		return `[{"task_type":"FOLLOW_UP"}]`, nil
	}}
	r := NewRunner(store, gen, "1", nil)
	ctx := context.Background()

	out, err := r.Run(ctx, "task-analysis-4-1700000000", "analyze")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != `[{"task_type":"FOLLOW_UP"}]` {
		t.Errorf("out = %q", out)
	}
	if len(gen.prompts) != 1 || gen.prompts[0] != "analyze" {
		t.Errorf("prompts = %q, want fresh session to pass message unchanged", gen.prompts)
	}

	sess, err := store.GetSession(ctx, "1", "task-analysis-4-1700000000")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	events, _ := store.ListEvents(ctx, sess.ID)
	if len(events) != 2 || events[0].Author != AuthorUser || events[1].Author != AuthorModel {
		t.Errorf("events = %+v", events)
	}
}

func TestRunner_RunIncludesHistory(t *testing.T) {
	store := NewInMemoryStore()
	gen := &mockGenerator{generateFn: func(_ context.Context, _ string) (string, error) { return "ok", nil }}
	r := NewRunner(store, gen, "1", nil)
	ctx := context.Background()

	if err := r.Record(ctx, "s", "earlier note"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := r.Run(ctx, "s", "now"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := gen.prompts[0]
	if !strings.Contains(p, "earlier note") || !strings.HasSuffix(p, "now") {
		t.Errorf("prompt = %q", p)
	}
}

func TestRunner_GenerateError(t *testing.T) {
	boom := errors.New("model offline")
	gen := &mockGenerator{generateFn: func(_ context.Context, _ string) (string, error) { return "", boom }}
	r := NewRunner(NewInMemoryStore(), gen, "1", nil)
	if _, err := r.Run(context.Background(), "s", "x"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestRunner_NoGenerator(t *testing.T) {
	r := NewRunner(NewInMemoryStore(), nil, "1", nil)
	if _, err := r.Run(context.Background(), "s", "x"); err == nil {
		t.Error("expected error without generator")
	}
	if err := r.Record(context.Background(), "s", "x"); err != nil {
		t.Errorf("Record without generator: %v", err)
	}
}
