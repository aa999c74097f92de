package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Runner appends messages to sessions of one owner and, for Run, asks the
// generator to respond with the session history in view.
type Runner struct {
	store  SessionStore
	gen    Generator
	owner  string
	logger *slog.Logger
}

// NewRunner creates a Runner. gen may be nil when only Record is used.
func NewRunner(store SessionStore, gen Generator, owner string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, gen: gen, owner: owner, logger: logger}
}

// Store returns the backing session store.
func (r *Runner) Store() SessionStore { return r.store }

// Owner returns the owner whose sessions this runner writes.
func (r *Runner) Owner() string { return r.owner }

// Record appends text as a user event to the session, creating it if absent.
func (r *Runner) Record(ctx context.Context, sessionKey, text string) error {
	sess, err := GetOrCreate(ctx, r.store, r.owner, sessionKey)
	if err != nil {
		return fmt.Errorf("opening session %s: %w", sessionKey, err)
	}
	if _, err := r.store.AppendEvent(ctx, sess.ID, TextEvent(AuthorUser, text)); err != nil {
		return fmt.Errorf("recording in session %s: %w", sessionKey, err)
	}
	return nil
}

// Run appends message to the session, generates a reply over the session's
// history and appends the reply as model events. It returns the concatenated
// text of every emitted event.
func (r *Runner) Run(ctx context.Context, sessionKey, message string) (string, error) {
	if r.gen == nil {
		return "", fmt.Errorf("runner has no generator")
	}
	sess, err := GetOrCreate(ctx, r.store, r.owner, sessionKey)
	if err != nil {
		return "", fmt.Errorf("opening session %s: %w", sessionKey, err)
	}
	history, err := r.store.ListEvents(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("loading session %s: %w", sessionKey, err)
	}
	if _, err := r.store.AppendEvent(ctx, sess.ID, TextEvent(AuthorUser, message)); err != nil {
		return "", fmt.Errorf("appending to session %s: %w", sessionKey, err)
	}

	reply, err := r.gen.Generate(ctx, buildPrompt(history, message))
	if err != nil {
		return "", err
	}

	emitted := []Event{TextEvent(AuthorModel, reply)}
	var out strings.Builder
	for _, ev := range emitted {
		if _, err := r.store.AppendEvent(ctx, sess.ID, ev); err != nil {
			r.logger.Warn("failed to store model reply", "session", sessionKey, "error", err)
		}
		out.WriteString(ev.ExtractText())
	}
	return out.String(), nil
}

// buildPrompt renders earlier turns ahead of the new message. A fresh session
// sends the message unchanged.
func buildPrompt(history []Event, message string) string {
	if len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, ev := range history {
		if text := ev.ExtractText(); text != "" {
			fmt.Fprintf(&b, "[%s] %s\n", ev.Author, text)
		}
	}
	b.WriteString("\n")
	b.WriteString(message)
	return b.String()
}
