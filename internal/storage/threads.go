package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const threadColumns = `id, thread_id, contact_id, agent_id, subject, last_message_at`

func scanThread(row interface{ Scan(...any) error }) (Thread, error) {
	var t Thread
	var last string
	if err := row.Scan(&t.ID, &t.ThreadID, &t.ContactID, &t.AgentID, &t.Subject, &last); err != nil {
		return Thread{}, err
	}
	var err error
	if t.LastMessageAt, err = parseTime(last); err != nil {
		return Thread{}, fmt.Errorf("parsing last_message_at: %w", err)
	}
	return t, nil
}

func (o ops) GetThreadByExternalID(ctx context.Context, threadID string) (Thread, error) {
	t, err := scanThread(o.q.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM email_threads WHERE thread_id = ?`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

// UpsertThread creates the thread or, when it exists, advances
// last_message_at and refreshes the subject only if sentAt is strictly later.
// The contact and agent of an existing thread are never changed.
func (o ops) UpsertThread(ctx context.Context, threadID string, contactID, agentID int64, subject string, sentAt time.Time) (Thread, error) {
	existing, err := o.GetThreadByExternalID(ctx, threadID)
	switch {
	case errors.Is(err, ErrNotFound):
		res, err := o.q.ExecContext(ctx, `
			INSERT INTO email_threads (thread_id, contact_id, agent_id, subject, last_message_at)
			VALUES (?, ?, ?, ?, ?)`,
			threadID, contactID, agentID, subject, formatTime(sentAt))
		if err != nil {
			return Thread{}, fmt.Errorf("inserting thread: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Thread{}, err
		}
		return Thread{ID: id, ThreadID: threadID, ContactID: contactID, AgentID: agentID,
			Subject: subject, LastMessageAt: sentAt.UTC()}, nil
	case err != nil:
		return Thread{}, err
	}

	if !sentAt.After(existing.LastMessageAt) {
		return existing, nil
	}
	if _, err := o.q.ExecContext(ctx,
		`UPDATE email_threads SET last_message_at = ?, subject = ? WHERE id = ?`,
		formatTime(sentAt), subject, existing.ID); err != nil {
		return Thread{}, fmt.Errorf("updating thread: %w", err)
	}
	existing.LastMessageAt = sentAt.UTC()
	existing.Subject = subject
	return existing, nil
}

// ListThreads returns the agent's threads ordered by contact id, then thread row id.
func (o ops) ListThreads(ctx context.Context, agentID int64) ([]Thread, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM email_threads WHERE agent_id = ? ORDER BY contact_id, id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (o ops) GetThread(ctx context.Context, id int64) (Thread, error) {
	t, err := scanThread(o.q.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM email_threads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

// ListRecentThreads pages through the agent's threads, most recently active first.
func (o ops) ListRecentThreads(ctx context.Context, agentID int64, offset, limit int) ([]Thread, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM email_threads WHERE agent_id = ?
		ORDER BY last_message_at DESC, id DESC
		LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Messages ---

const messageColumns = `m.id, m.thread_id, m.message_id, m.from_email, m.to_emails, m.cc_emails, m.direction, m.subject, m.body_text, m.labels, m.sent_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var to, cc, labels, direction, sentAt string
	if err := row.Scan(&m.ID, &m.ThreadID, &m.MessageID, &m.From, &to, &cc, &direction,
		&m.Subject, &m.BodyText, &labels, &sentAt); err != nil {
		return Message{}, err
	}
	m.Direction = Direction(direction)
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{to, &m.To}, {cc, &m.Cc}, {labels, &m.Labels}} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return Message{}, fmt.Errorf("decoding list column of message %d: %w", m.ID, err)
		}
	}
	var err error
	if m.SentAt, err = parseTime(sentAt); err != nil {
		return Message{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// InsertMessage stores m unless a message with the same external id exists.
// It returns the row id either way; created reports whether a row was written.
// Stored messages are never modified.
func (o ops) InsertMessage(ctx context.Context, m Message) (id int64, created bool, err error) {
	to, err := encodeList(m.To)
	if err != nil {
		return 0, false, err
	}
	cc, err := encodeList(m.Cc)
	if err != nil {
		return 0, false, err
	}
	labels, err := encodeList(m.Labels)
	if err != nil {
		return 0, false, err
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO email_messages (thread_id, message_id, from_email, to_emails, cc_emails, direction, subject, body_text, labels, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.ThreadID, m.MessageID, m.From, to, cc, string(m.Direction), m.Subject, m.BodyText, labels, formatTime(m.SentAt))
	if err != nil {
		return 0, false, fmt.Errorf("inserting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if err := o.q.QueryRowContext(ctx,
		`SELECT id FROM email_messages WHERE message_id = ?`, m.MessageID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("looking up message id: %w", err)
	}
	return id, n == 1, nil
}

func (o ops) GetMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(o.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages m WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListThreadMessages returns a thread's messages in send order.
func (o ops) ListThreadMessages(ctx context.Context, threadRowID int64) ([]Message, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages m WHERE m.thread_id = ? ORDER BY m.sent_at, m.id`, threadRowID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListContactMessages returns every message across the contact's threads in send order.
func (o ops) ListContactMessages(ctx context.Context, contactID int64) ([]Message, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM email_messages m
		JOIN email_threads t ON t.id = m.thread_id
		WHERE t.contact_id = ?
		ORDER BY m.sent_at, m.id`, contactID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// MessageThreads maps the row id of each of the agent's messages to the row id
// of its thread.
func (o ops) MessageThreads(ctx context.Context, agentID int64) (map[int64]int64, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT m.id, m.thread_id FROM email_messages m
		JOIN email_threads t ON t.id = m.thread_id
		WHERE t.agent_id = ?`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var id, threadID int64
		if err := rows.Scan(&id, &threadID); err != nil {
			return nil, err
		}
		out[id] = threadID
	}
	return out, rows.Err()
}
