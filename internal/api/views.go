package api

import (
	"time"
	"unicode/utf8"

	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
)

const snippetRunes = 200

type taskView struct {
	ID             int64      `json:"id"`
	ContactID      *int64     `json:"contact_id,omitempty"`
	TaskType       string     `json:"task_type"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SourceThreadID *int64     `json:"source_thread_id,omitempty"`
	Overdue        bool       `json:"overdue"`
}

func newTaskView(it tasks.Item) taskView {
	return taskView{
		ID:             it.ID,
		ContactID:      it.ContactID,
		TaskType:       string(it.TaskType),
		Title:          it.Title,
		Description:    it.Description,
		Priority:       string(it.Priority),
		Status:         string(it.Status),
		DueDate:        it.DueDate,
		CreatedAt:      it.CreatedAt,
		CompletedAt:    it.CompletedAt,
		SourceThreadID: it.SourceThreadID,
		Overdue:        it.Overdue,
	}
}

func newTaskViews(items []tasks.Item) []taskView {
	out := make([]taskView, 0, len(items))
	for _, it := range items {
		out = append(out, newTaskView(it))
	}
	return out
}

type contactView struct {
	ID             int64          `json:"id"`
	Email          string         `json:"email"`
	Name           string         `json:"name"`
	Phone          string         `json:"phone,omitempty"`
	PipelineStage  string         `json:"pipeline_stage"`
	ProfileSummary string         `json:"profile_summary,omitempty"`
	Preferences    map[string]any `json:"preferences"`
	Notes          string         `json:"notes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func newContactView(c storage.Contact) contactView {
	prefs := c.Preferences
	if prefs == nil {
		prefs = map[string]any{}
	}
	return contactView{
		ID:             c.ID,
		Email:          c.Email,
		Name:           c.Name,
		Phone:          c.Phone,
		PipelineStage:  string(c.PipelineStage),
		ProfileSummary: c.ProfileSummary,
		Preferences:    prefs,
		Notes:          c.Notes,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

type threadView struct {
	ID            int64     `json:"id"`
	ThreadID      string    `json:"thread_id"`
	ContactID     int64     `json:"contact_id"`
	Subject       string    `json:"subject"`
	LastMessageAt time.Time `json:"last_message_at"`
}

func newThreadView(t storage.Thread) threadView {
	return threadView{
		ID:            t.ID,
		ThreadID:      t.ThreadID,
		ContactID:     t.ContactID,
		Subject:       t.Subject,
		LastMessageAt: t.LastMessageAt,
	}
}

type messageView struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc,omitempty"`
	Direction string    `json:"direction"`
	Subject   string    `json:"subject"`
	BodyText  string    `json:"body_text"`
	Labels    []string  `json:"labels,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

func newMessageView(m storage.Message) messageView {
	to := m.To
	if to == nil {
		to = []string{}
	}
	return messageView{
		ID:        m.ID,
		MessageID: m.MessageID,
		From:      m.From,
		To:        to,
		Cc:        m.Cc,
		Direction: string(m.Direction),
		Subject:   m.Subject,
		BodyText:  m.BodyText,
		Labels:    m.Labels,
		SentAt:    m.SentAt,
	}
}

// threadDetail is a thread with its messages in send order.
type threadDetail struct {
	threadView
	Messages []messageView `json:"messages"`
}

// contactProfile is a contact with its threads and live tasks.
type contactProfile struct {
	contactView
	Threads []threadView `json:"threads"`
	Tasks   []taskView   `json:"tasks"`
}

type emailHit struct {
	MessageID int64     `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	ContactID int64     `json:"contact_id"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	Direction string    `json:"direction"`
	SentAt    time.Time `json:"sent_at"`
	Snippet   string    `json:"snippet"`
	Score     float32   `json:"score"`
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	return string([]rune(s)[:snippetRunes]) + "..."
}
