// Package classify assigns each contact a pipeline stage, profile summary and
// preferences from their email history, a batch of contacts per model call.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/inboxpilot/internal/memory"
	"github.com/kalambet/inboxpilot/internal/pacing"
	"github.com/kalambet/inboxpilot/internal/storage"
)

// DefaultBatchSize bounds how many contacts share one classification request.
const DefaultBatchSize = 5

// ErrOwnerNotFound is returned when the owning agent user does not exist.
var ErrOwnerNotFound = errors.New("owner not found")

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Report summarizes one classification run.
type Report struct {
	Contacts      int // contacts with at least one message
	Batches       int
	FailedBatches int
	Updated       int // contacts whose profile was written
	Defaulted     int // stages that fell back to NEW_LEAD
}

// Pipeline classifies an agent's contacts.
type Pipeline struct {
	store     *storage.Store
	gen       Generator
	pacer     pacing.Pacer
	sessions  memory.SessionStore
	batchSize int
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBatchSize sets the number of contacts per request. Values below 1 are ignored.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPacer spaces requests. The default does not wait.
func WithPacer(pc pacing.Pacer) Option {
	return func(p *Pipeline) { p.pacer = pc }
}

// WithNarratives records a profile narrative per updated contact in sessions.
func WithNarratives(sessions memory.SessionStore) Option {
	return func(p *Pipeline) { p.sessions = sessions }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a classification Pipeline.
func NewPipeline(store *storage.Store, gen Generator, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		gen:       gen,
		pacer:     pacing.None,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type contactHistory struct {
	contact    storage.Contact
	transcript string
}

// Run classifies every contact of ownerID that has email history. A batch
// whose request fails or whose output cannot be parsed is skipped and its
// contacts keep their current profile.
func (p *Pipeline) Run(ctx context.Context, ownerID int64) (Report, error) {
	if _, err := p.store.GetUser(ctx, ownerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Error("classification aborted: owner not found", "owner_id", ownerID)
			return Report{}, fmt.Errorf("%w: %d", ErrOwnerNotFound, ownerID)
		}
		return Report{}, fmt.Errorf("loading owner: %w", err)
	}

	histories, err := p.loadHistories(ctx, ownerID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Contacts: len(histories)}
	p.logger.Info("classifying contacts", "owner_id", ownerID, "contacts", len(histories), "batch_size", p.batchSize)

	for start := 0; start < len(histories); start += p.batchSize {
		if err := p.pacer.Wait(ctx); err != nil {
			return rep, err
		}
		end := min(start+p.batchSize, len(histories))
		batch := histories[start:end]
		rep.Batches++

		updated, defaulted, err := p.processBatch(ctx, rep.Batches, batch)
		if err != nil {
			return rep, err
		}
		if updated == nil {
			rep.FailedBatches++
			continue
		}
		rep.Updated += len(updated)
		rep.Defaulted += defaulted
		p.recordNarratives(ctx, ownerID, updated)
	}

	p.logger.Info("classification complete",
		"owner_id", ownerID,
		"contacts", rep.Contacts,
		"batches", rep.Batches,
		"failed_batches", rep.FailedBatches,
		"updated", rep.Updated,
		"defaulted", rep.Defaulted,
	)
	return rep, nil
}

func (p *Pipeline) loadHistories(ctx context.Context, ownerID int64) ([]contactHistory, error) {
	contacts, err := p.store.ListContactsWithMessages(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	out := make([]contactHistory, 0, len(contacts))
	for _, c := range contacts {
		msgs, err := p.store.ListContactMessages(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("loading messages for contact %d: %w", c.ID, err)
		}
		if len(msgs) == 0 {
			continue
		}
		out = append(out, contactHistory{contact: c, transcript: Transcript(msgs)})
	}
	return out, nil
}

// processBatch classifies one batch and writes the results in a single
// transaction. A nil slice with a nil error means the batch was skipped.
// Only storage failures are returned as errors.
func (p *Pipeline) processBatch(ctx context.Context, n int, batch []contactHistory) ([]int64, int, error) {
	log := p.logger.With("batch", n, "contacts", len(batch))

	prompt, err := buildPrompt(batch)
	if err != nil {
		log.Warn("skipping batch", "error", err)
		return nil, 0, nil
	}
	raw, err := p.gen.Generate(ctx, prompt)
	if err != nil {
		log.Warn("classification request failed, skipping batch", "error", err)
		return nil, 0, nil
	}
	results, err := parseResults(raw)
	if err != nil {
		log.Warn("malformed classification output, skipping batch", "error", err)
		return nil, 0, nil
	}

	inBatch := make(map[int64]bool, len(batch))
	for _, c := range batch {
		inBatch[c.contact.ID] = true
	}

	updated := []int64{}
	seen := map[int64]bool{}
	defaulted := 0
	err = p.store.InTx(ctx, func(tx *storage.Tx) error {
		for _, r := range results {
			id := int64(r.ContactID)
			if id == 0 || !inBatch[id] {
				log.Debug("ignoring classification for unknown contact", "contact_id", id)
				continue
			}
			stage := storage.ParsePipelineStage(r.Stage)
			if !stage.OK() {
				defaulted++
				log.Warn("stage defaulted", "contact_id", id, "raw", stage.Raw, "outcome", stage.Outcome)
			}
			if err := tx.UpdateContactProfile(ctx, id, stage.Value, r.Summary, r.preferences()); err != nil {
				return fmt.Errorf("updating contact %d: %w", id, err)
			}
			if !seen[id] {
				seen[id] = true
				updated = append(updated, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	log.Info("batch classified", "updated", len(updated))
	return updated, defaulted, nil
}

// recordNarratives stores a profile snapshot per contact. Failures are logged.
func (p *Pipeline) recordNarratives(ctx context.Context, ownerID int64, contactIDs []int64) {
	if p.sessions == nil {
		return
	}
	runner := memory.NewRunner(p.sessions, nil, memory.AgentOwner(ownerID), p.logger)
	for _, id := range contactIDs {
		c, err := p.store.GetContact(ctx, id)
		if err != nil {
			p.logger.Warn("loading contact for narrative", "contact_id", id, "error", err)
			continue
		}
		if err := runner.Record(ctx, memory.ContactSessionKey(c.Email), Narrative(c)); err != nil {
			p.logger.Warn("recording contact narrative", "contact_id", id, "error", err)
		}
	}
}

// Narrative renders a contact's profile as a memory entry.
func Narrative(c storage.Contact) string {
	name := c.Name
	if name == "" {
		name = "Unknown"
	}
	stage := c.PipelineStage
	if stage == "" {
		stage = storage.StageNewLead
	}
	summary := c.ProfileSummary
	if summary == "" {
		summary = "No summary yet"
	}
	prefs := "None recorded"
	if len(c.Preferences) > 0 {
		if b, err := json.Marshal(c.Preferences); err == nil {
			prefs = string(b)
		}
	}
	return fmt.Sprintf(`Contact Profile Update:
Name: %s
Email: %s
Pipeline Stage: %s
Profile Summary: %s
Preferences: %s
Last Updated: %s

This is a comprehensive profile of the contact based on their email communication history.
`, name, c.Email, stage, summary, prefs, c.UpdatedAt.UTC().Format(time.RFC3339))
}
