package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/inboxpilot/internal/storage"
)

const instruction = `You are a real estate assistant. Analyze the email history for the following list of contacts.
For EACH contact, determine their pipeline stage, a brief profile summary, and their preferences
(budget, locations, property type, timeline and anything else they asked for).

Pipeline stages:
%s

Input data:
%s

Output strictly a JSON list of objects, one per contact:
[
  {
    "contact_id": 123,
    "stage": "ONE_OF_THE_STAGES",
    "summary": "Brief summary...",
    "preferences": { ... }
  }
]`

// SystemPrompt is sent ahead of every classification request.
const SystemPrompt = `You classify real estate clients from their email history. Your output must be ONLY a valid JSON list. Do not include any other text, prose, or markdown.`

type promptContact struct {
	ContactID    int64  `json:"contact_id"`
	ContactName  string `json:"contact_name"`
	EmailHistory string `json:"email_history"`
}

// Transcript renders messages oldest first, each labeled by who wrote to whom.
func Transcript(msgs []storage.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		label := "Client to Agent"
		if m.Direction == storage.DirectionOutgoing {
			label = "Agent to Client"
		}
		parts = append(parts, fmt.Sprintf("[%s] Subject: %s\nBody: %s", label, m.Subject, m.BodyText))
	}
	return strings.Join(parts, "\n\n")
}

// buildPrompt renders one batch request.
func buildPrompt(batch []contactHistory) (string, error) {
	input := make([]promptContact, 0, len(batch))
	for _, c := range batch {
		name := c.contact.Name
		if name == "" {
			name = c.contact.Email
		}
		input = append(input, promptContact{
			ContactID:    c.contact.ID,
			ContactName:  name,
			EmailHistory: c.transcript,
		})
	}
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding batch: %w", err)
	}

	stages := make([]string, 0, len(storage.PipelineStages))
	for _, s := range storage.PipelineStages {
		stages = append(stages, "- "+string(s))
	}
	return fmt.Sprintf(instruction, strings.Join(stages, "\n"), data), nil
}
