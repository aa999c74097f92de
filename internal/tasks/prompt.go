package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/inboxpilot/internal/storage"
)

// maxBodyRunes truncates message bodies in the request.
const maxBodyRunes = 500

// SystemPrompt describes the task inference job to the model.
const SystemPrompt = `You are a CRM task and agenda assistant for real estate professionals.

You receive the full email history for ONE contact, any notes remembered about them, and
possibly the list of EXISTING TASKS for this contact.

- Analyze the email thread history chronologically.
- Use the remembered notes for additional context.
- Review EXISTING TASKS to avoid duplicates and update their status.
- Infer the COMPLETE, CURRENT task list for this contact.
- Include follow-ups, document requests, showings, offers and anything else the agent owes the client.

Only output the JSON array, no explanations.`

const outputFormat = `Return a JSON list of tasks:
[
  {
    "id": 123,
    "task_type": "%s",
    "title": "Brief task title",
    "description": "Detailed description",
    "priority": "HIGH|MEDIUM|LOW",
    "status": "OPEN|WAITING_ON_CLIENT|DONE|CANCELED",
    "due_in_days": 1
  }
]
Include "id" ONLY when updating an existing task.`

type promptEmail struct {
	From      string `json:"from"`
	Direction string `json:"direction"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	SentAt    string `json:"sent_at"`
}

type promptThread struct {
	ThreadID int64         `json:"thread_id"`
	Subject  string        `json:"subject"`
	Emails   []promptEmail `json:"emails"`
}

type promptTask struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

// contactContext is everything the model sees about one contact.
type contactContext struct {
	contact  storage.Contact
	threads  []promptThread
	memories []string
	existing []storage.Task
}

func newPromptThread(t storage.Thread, msgs []storage.Message) promptThread {
	pt := promptThread{ThreadID: t.ID, Subject: t.Subject, Emails: make([]promptEmail, 0, len(msgs))}
	for _, m := range msgs {
		from := m.From
		if from == "" {
			from = "Unknown"
		}
		pt.Emails = append(pt.Emails, promptEmail{
			From:      from,
			Direction: string(m.Direction),
			Subject:   m.Subject,
			Body:      truncateRunes(m.BodyText, maxBodyRunes),
			SentAt:    m.SentAt.UTC().Format("2006-01-02 15:04:05"),
		})
	}
	return pt
}

func buildPrompt(cc contactContext) (string, error) {
	name := cc.contact.Name
	if name == "" {
		name = "Unknown"
	}

	history, err := json.MarshalIndent(cc.threads, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding threads: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Contact Information:\nName: %s\nEmail: %s\n", name, cc.contact.Email)

	if len(cc.memories) > 0 {
		b.WriteString("\nRemembered about this contact:\n")
		for _, m := range cc.memories {
			b.WriteString(strings.TrimSpace(m))
			b.WriteString("\n---\n")
		}
	}

	fmt.Fprintf(&b, "\nEmail Thread History:\n%s\n", history)

	if len(cc.existing) > 0 {
		existing := make([]promptTask, 0, len(cc.existing))
		for _, t := range cc.existing {
			existing = append(existing, promptTask{ID: t.ID, Title: t.Title, Status: string(t.Status), Description: t.Description})
		}
		data, err := json.MarshalIndent(existing, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding existing tasks: %w", err)
		}
		fmt.Fprintf(&b, "\nExisting Tasks (update status to DONE if completed):\n%s\n", data)
	}

	types := make([]string, 0, len(storage.TaskTypes))
	for _, t := range storage.TaskTypes {
		types = append(types, string(t))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, outputFormat, strings.Join(types, "|"))
	b.WriteString("\n\nBased on ALL available information (email history, remembered notes and existing tasks), determine the complete current task list for this contact.")
	return b.String(), nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
