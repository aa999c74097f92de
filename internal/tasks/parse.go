package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/inboxpilot/internal/engine"
)

var errEmptyOutput = errors.New("empty model output")

// optionalNumber decodes a number or numeric string. Anything else leaves
// it unset.
type optionalNumber struct {
	value float64
	set   bool
}

func (n *optionalNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		*n = optionalNumber{value: f, set: true}
		return nil
	}
	*n = optionalNumber{}
	return nil
}

// item is one task as proposed by the model.
type item struct {
	ID          optionalNumber `json:"id"`
	TaskType    string         `json:"task_type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	DueInDays   optionalNumber `json:"due_in_days"`
}

// parseItems decodes the model's task list. Empty or non-list output is an error.
func parseItems(raw string) ([]item, error) {
	text := engine.StripCodeFence(raw)
	if text == "" {
		return nil, errEmptyOutput
	}
	if !strings.HasPrefix(text, "[") {
		return nil, fmt.Errorf("expected a JSON list, got %.80q", text)
	}
	var items []item
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("decoding task list: %w", err)
	}
	return items, nil
}
