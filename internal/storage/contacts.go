package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const contactColumns = `id, agent_id, email, name, phone, pipeline_stage, profile_summary, preferences, notes, created_at, updated_at`

func scanContact(row interface{ Scan(...any) error }) (Contact, error) {
	var c Contact
	var stage, prefs, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.AgentID, &c.Email, &c.Name, &c.Phone, &stage,
		&c.ProfileSummary, &prefs, &c.Notes, &createdAt, &updatedAt); err != nil {
		return Contact{}, err
	}
	c.PipelineStage = PipelineStage(stage)
	if prefs != "" {
		if err := json.Unmarshal([]byte(prefs), &c.Preferences); err != nil {
			return Contact{}, fmt.Errorf("decoding preferences for contact %d: %w", c.ID, err)
		}
	}
	if c.Preferences == nil {
		c.Preferences = map[string]any{}
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Contact{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Contact{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func scanContacts(rows *sql.Rows) ([]Contact, error) {
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertContact returns the contact identified by (agentID, email), creating
// it at NEW_LEAD when absent. Name and stage of an existing contact are never
// overwritten. created reports whether a row was inserted.
func (o ops) UpsertContact(ctx context.Context, agentID int64, email, name string) (c Contact, created bool, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := formatTime(time.Now())
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO contacts (agent_id, email, name, pipeline_stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, email) DO NOTHING`,
		agentID, email, name, string(StageNewLead), now, now,
	)
	if err != nil {
		return Contact{}, false, fmt.Errorf("inserting contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Contact{}, false, err
	}
	c, err = o.GetContactByEmail(ctx, agentID, email)
	if err != nil {
		return Contact{}, false, err
	}
	return c, n == 1, nil
}

func (o ops) GetContact(ctx context.Context, id int64) (Contact, error) {
	c, err := scanContact(o.q.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

func (o ops) GetContactByEmail(ctx context.Context, agentID int64, email string) (Contact, error) {
	c, err := scanContact(o.q.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE agent_id = ? AND email = ?`,
		agentID, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

// ListContacts returns the agent's contacts ordered by id.
func (o ops) ListContacts(ctx context.Context, agentID int64) ([]Contact, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, err
	}
	return scanContacts(rows)
}

// ListContactsWithMessages returns the agent's contacts that have at least one
// stored message, ordered by id.
func (o ops) ListContactsWithMessages(ctx context.Context, agentID int64) ([]Contact, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts c
		WHERE c.agent_id = ? AND EXISTS (
			SELECT 1 FROM email_threads t
			JOIN email_messages m ON m.thread_id = t.id
			WHERE t.contact_id = c.id
		)
		ORDER BY c.id`, agentID)
	if err != nil {
		return nil, err
	}
	return scanContacts(rows)
}

// SearchContacts matches a case-insensitive substring of name or email.
func (o ops) SearchContacts(ctx context.Context, agentID int64, query string, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE agent_id = ? AND (LOWER(name) LIKE ? OR LOWER(email) LIKE ?)
		ORDER BY id LIMIT ?`, agentID, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	return scanContacts(rows)
}

// UpdateContactProfile overwrites stage, summary and preferences.
func (o ops) UpdateContactProfile(ctx context.Context, id int64, stage PipelineStage, summary string, prefs map[string]any) error {
	if prefs == nil {
		prefs = map[string]any{}
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	res, err := o.q.ExecContext(ctx, `
		UPDATE contacts SET pipeline_stage = ?, profile_summary = ?, preferences = ?, updated_at = ?
		WHERE id = ?`, string(stage), summary, string(raw), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ContactUpdate carries the agent-editable contact fields. Nil fields are left
// unchanged.
type ContactUpdate struct {
	Name           *string
	Phone          *string
	PipelineStage  *PipelineStage
	ProfileSummary *string
	Preferences    map[string]any
	Notes          *string
}

// UpdateContact applies u and stamps updated_at with now.
func (o ops) UpdateContact(ctx context.Context, id int64, u ContactUpdate, now time.Time) (Contact, error) {
	c, err := o.GetContact(ctx, id)
	if err != nil {
		return Contact{}, err
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.PipelineStage != nil {
		c.PipelineStage = *u.PipelineStage
	}
	if u.ProfileSummary != nil {
		c.ProfileSummary = *u.ProfileSummary
	}
	if u.Preferences != nil {
		c.Preferences = u.Preferences
	}
	if u.Notes != nil {
		c.Notes = *u.Notes
	}
	raw, err := json.Marshal(c.Preferences)
	if err != nil {
		return Contact{}, fmt.Errorf("encoding preferences: %w", err)
	}
	c.UpdatedAt = now.UTC()
	if _, err := o.q.ExecContext(ctx, `
		UPDATE contacts SET name = ?, phone = ?, pipeline_stage = ?, profile_summary = ?, preferences = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Phone, string(c.PipelineStage), c.ProfileSummary, string(raw), c.Notes, formatTime(c.UpdatedAt), id,
	); err != nil {
		return Contact{}, fmt.Errorf("updating contact: %w", err)
	}
	return c, nil
}
