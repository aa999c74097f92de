package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/inboxpilot/internal/retrieval"
	"github.com/kalambet/inboxpilot/internal/storage"
)

// ErrOwnerNotFound is returned when the owning agent user does not exist.
var ErrOwnerNotFound = errors.New("owner not found")

// MessageIndexer stores message bodies in the similarity index.
type MessageIndexer interface {
	Upsert(ctx context.Context, entityType string, entityID int64, text string, metadata map[string]any) error
	Has(ctx context.Context, entityType string, entityID int64) (bool, error)
}

// Report summarizes one ingestion run.
type Report struct {
	Seen          int // records in the input
	Filtered      int // records belonging to another agent
	Skipped       int // malformed records
	Ingested      int // messages inserted by this run
	Duplicates    int // messages already present
	IndexFailures int // messages whose body could not be indexed
}

// Pipeline turns raw email records into contacts, threads, messages and
// index entries for one agent.
type Pipeline struct {
	store  *storage.Store
	index  MessageIndexer
	logger *slog.Logger
}

// NewPipeline creates a Pipeline. index may be nil to skip indexing; a nil
// logger uses slog.Default().
func NewPipeline(store *storage.Store, index MessageIndexer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, index: index, logger: logger}
}

// record is a validated RawEmail.
type record struct {
	raw       RawEmail
	email     string
	name      string
	direction storage.Direction
	sentAt    time.Time
	body      string
}

// Run ingests records on behalf of ownerID. Records addressed to another
// agent are ignored and malformed ones are skipped with a warning. Every
// record is committed on its own, so re-running over the same input is safe.
func (p *Pipeline) Run(ctx context.Context, ownerID int64, records []RawEmail) (Report, error) {
	owner, err := p.store.GetUser(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Error("ingestion aborted: owner not found", "owner_id", ownerID)
		return Report{}, fmt.Errorf("%w: %d", ErrOwnerNotFound, ownerID)
	}
	if err != nil {
		return Report{}, fmt.Errorf("loading owner: %w", err)
	}

	rep := Report{Seen: len(records)}
	for i, raw := range records {
		if !strings.EqualFold(strings.TrimSpace(raw.AgentEmail), owner.Email) {
			rep.Filtered++
			continue
		}
		rec, err := validate(raw)
		if err != nil {
			p.logger.Warn("skipping malformed email record", "index", i, "message_id", raw.MessageID, "error", err)
			rep.Skipped++
			continue
		}

		msgID, contactID, created, err := p.persist(ctx, owner.ID, rec)
		if err != nil {
			return rep, fmt.Errorf("ingesting message %s: %w", raw.MessageID, err)
		}
		if created {
			rep.Ingested++
		} else {
			rep.Duplicates++
		}

		if !p.indexMessage(ctx, msgID, contactID, rec, created) {
			rep.IndexFailures++
		}
	}

	p.logger.Info("ingestion complete",
		"owner_id", ownerID,
		"seen", rep.Seen,
		"ingested", rep.Ingested,
		"duplicates", rep.Duplicates,
		"skipped", rep.Skipped,
		"filtered", rep.Filtered,
		"index_failures", rep.IndexFailures,
	)
	return rep, nil
}

func validate(raw RawEmail) (record, error) {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"contact_email", raw.ContactEmail},
		{"thread_id", raw.ThreadID},
		{"message_id", raw.MessageID},
		{"sent_at", raw.SentAt},
		{"direction", raw.Direction},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return record{}, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}

	dir := storage.ParseDirection(raw.Direction)
	if !dir.OK() {
		return record{}, fmt.Errorf("unknown direction %q", raw.Direction)
	}
	sentAt, err := ParseSentAt(raw.SentAt)
	if err != nil {
		return record{}, err
	}

	email := strings.ToLower(strings.TrimSpace(raw.ContactEmail))
	name := strings.TrimSpace(raw.ContactName)
	if name == "" {
		name = ContactName(email)
	}
	body := raw.BodyText
	if strings.TrimSpace(body) == "" && raw.BodyHTML != "" {
		body = HTMLToText(raw.BodyHTML)
	}
	return record{raw: raw, email: email, name: name, direction: dir.Value, sentAt: sentAt, body: body}, nil
}

// persist writes the contact, thread and message of one record in a single
// transaction.
func (p *Pipeline) persist(ctx context.Context, ownerID int64, rec record) (msgID, contactID int64, created bool, err error) {
	err = p.store.InTx(ctx, func(tx *storage.Tx) error {
		contact, newContact, err := tx.UpsertContact(ctx, ownerID, rec.email, rec.name)
		if err != nil {
			return err
		}
		if newContact {
			p.logger.Debug("contact created", "contact_id", contact.ID, "email", rec.email)
		}
		contactID = contact.ID

		thread, err := tx.UpsertThread(ctx, rec.raw.ThreadID, contact.ID, ownerID, rec.raw.Subject, rec.sentAt)
		if err != nil {
			return err
		}

		msgID, created, err = tx.InsertMessage(ctx, storage.Message{
			ThreadID:  thread.ID,
			MessageID: rec.raw.MessageID,
			From:      rec.raw.From,
			To:        rec.raw.To,
			Cc:        rec.raw.Cc,
			Direction: rec.direction,
			Subject:   rec.raw.Subject,
			BodyText:  rec.body,
			Labels:    rec.raw.Labels,
			SentAt:    rec.sentAt,
		})
		return err
	})
	return msgID, contactID, created, err
}

// indexMessage embeds the message body. Duplicates are only embedded when
// an earlier run failed to index them. It reports false on failure.
func (p *Pipeline) indexMessage(ctx context.Context, msgID, contactID int64, rec record, created bool) bool {
	if p.index == nil {
		return true
	}
	if !created {
		has, err := p.index.Has(ctx, retrieval.EntityEmailMessage, msgID)
		if err != nil {
			p.logger.Warn("checking index entry", "message_id", msgID, "error", err)
			return false
		}
		if has {
			return true
		}
	}
	err := p.index.Upsert(ctx, retrieval.EntityEmailMessage, msgID, rec.body, map[string]any{
		"subject":    rec.raw.Subject,
		"contact_id": contactID,
	})
	if err != nil {
		if !errors.Is(err, retrieval.ErrSkipped) {
			p.logger.Warn("indexing message failed", "message_id", msgID, "error", err)
		}
		return false
	}
	return true
}
