package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, agent_id, contact_id, task_type, title, description, priority, status, due_date, created_at, completed_at, source_thread_id, source_message_id`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var contactID, srcThread, srcMessage sql.NullInt64
	var taskType, priority, status, createdAt string
	var due, completed sql.NullString
	if err := row.Scan(&t.ID, &t.AgentID, &contactID, &taskType, &t.Title, &t.Description,
		&priority, &status, &due, &createdAt, &completed, &srcThread, &srcMessage); err != nil {
		return Task{}, err
	}
	t.ContactID = scanNullInt(contactID)
	t.SourceThreadID = scanNullInt(srcThread)
	t.SourceMessageID = scanNullInt(srcMessage)
	t.TaskType = TaskType(taskType)
	t.Priority = Priority(priority)
	t.Status = TaskStatus(status)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.DueDate, err = scanNullTime(due); err != nil {
		return Task{}, fmt.Errorf("parsing due_date: %w", err)
	}
	if t.CompletedAt, err = scanNullTime(completed); err != nil {
		return Task{}, fmt.Errorf("parsing completed_at: %w", err)
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTask stores t and returns its row id. Zero CreatedAt is stamped with now;
// a DONE task without CompletedAt gets CreatedAt as its completion time.
func (o ops) InsertTask(ctx context.Context, t Task) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == StatusDone && t.CompletedAt == nil {
		done := t.CreatedAt
		t.CompletedAt = &done
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO tasks (agent_id, contact_id, task_type, title, description, priority, status, due_date, created_at, completed_at, source_thread_id, source_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AgentID, nullInt(t.ContactID), string(t.TaskType), t.Title, t.Description,
		string(t.Priority), string(t.Status), nullTime(t.DueDate), formatTime(t.CreatedAt),
		nullTime(t.CompletedAt), nullInt(t.SourceThreadID), nullInt(t.SourceMessageID),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	return res.LastInsertId()
}

// DeleteContactTasks removes every task of the contact and returns the count.
func (o ops) DeleteContactTasks(ctx context.Context, contactID int64) (int64, error) {
	res, err := o.q.ExecContext(ctx, `DELETE FROM tasks WHERE contact_id = ?`, contactID)
	if err != nil {
		return 0, fmt.Errorf("deleting tasks: %w", err)
	}
	return res.RowsAffected()
}

func (o ops) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(o.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListContactTasks returns the contact's tasks ordered by id.
func (o ops) ListContactTasks(ctx context.Context, contactID int64, includeCanceled bool) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE contact_id = ?`
	if !includeCanceled {
		query += ` AND status <> 'CANCELED'`
	}
	rows, err := o.q.QueryContext(ctx, query+` ORDER BY id`, contactID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// TaskFilter narrows ListTasks. Zero fields do not filter.
type TaskFilter struct {
	ContactID *int64
	Status    TaskStatus
	DueBefore *time.Time
	// ExcludeClosed drops DONE and CANCELED tasks.
	ExcludeClosed bool
	Limit         int
}

// ListTasks returns the agent's tasks ordered by due date (undated last), then id.
func (o ops) ListTasks(ctx context.Context, agentID int64, f TaskFilter) ([]Task, error) {
	var where []string
	args := []any{agentID}
	where = append(where, "agent_id = ?")
	if f.ContactID != nil {
		where = append(where, "contact_id = ?")
		args = append(args, *f.ContactID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DueBefore != nil {
		where = append(where, "due_date IS NOT NULL AND due_date < ?")
		args = append(args, formatTime(*f.DueBefore))
	}
	if f.ExcludeClosed {
		where = append(where, "status NOT IN ('DONE', 'CANCELED')")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY due_date IS NULL, due_date, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// SearchTasks matches a case-insensitive substring of the title.
func (o ops) SearchTasks(ctx context.Context, agentID int64, query string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE agent_id = ? AND LOWER(title) LIKE ?
		ORDER BY id LIMIT ?`,
		agentID, "%"+strings.ToLower(strings.TrimSpace(query))+"%", limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// TaskUpdate carries the mutable task fields. Nil fields are left unchanged.
type TaskUpdate struct {
	Status      *TaskStatus
	Priority    *Priority
	Title       *string
	Description *string
	DueDate     *time.Time
}

// UpdateTask applies u. Moving into DONE stamps completed_at with now; moving
// out of DONE clears it.
func (o ops) UpdateTask(ctx context.Context, id int64, u TaskUpdate, now time.Time) (Task, error) {
	t, err := o.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if u.Status != nil && *u.Status != t.Status {
		switch {
		case *u.Status == StatusDone:
			done := now.UTC()
			t.CompletedAt = &done
		case t.Status == StatusDone:
			t.CompletedAt = nil
		}
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.DueDate != nil {
		due := u.DueDate.UTC()
		t.DueDate = &due
	}
	if _, err := o.q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, priority = ?, title = ?, description = ?, due_date = ?, completed_at = ?
		WHERE id = ?`,
		string(t.Status), string(t.Priority), t.Title, t.Description, nullTime(t.DueDate), nullTime(t.CompletedAt), id,
	); err != nil {
		return Task{}, fmt.Errorf("updating task: %w", err)
	}
	return t, nil
}

// ReplaceContactTasks deletes every task of the contact and inserts tasks in
// one transaction. Either all of it lands or none of it does.
func (s *Store) ReplaceContactTasks(ctx context.Context, contactID int64, tasks []Task) ([]int64, error) {
	var ids []int64
	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.DeleteContactTasks(ctx, contactID); err != nil {
			return err
		}
		for _, t := range tasks {
			id, err := tx.InsertTask(ctx, t)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
