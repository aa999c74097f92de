package classify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/inboxpilot/internal/engine"
)

// contactRef accepts a contact id written as a number or a numeric string.
// Anything else decodes to 0, which callers ignore.
type contactRef int64

func (c *contactRef) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*c = contactRef(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		*c = contactRef(int64(f))
		return nil
	}
	*c = 0
	return nil
}

// Result is the classification of one contact.
type Result struct {
	ContactID   contactRef      `json:"contact_id"`
	Stage       string          `json:"stage"`
	Summary     string          `json:"summary"`
	Preferences json.RawMessage `json:"preferences"`
}

// parseResults decodes model output into per-contact results. Output that is
// not a JSON list is an error.
func parseResults(raw string) ([]Result, error) {
	text := engine.StripCodeFence(raw)
	if !strings.HasPrefix(text, "[") {
		return nil, fmt.Errorf("expected a JSON list, got %q", truncate(text, 80))
	}
	var results []Result
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		return nil, fmt.Errorf("decoding classification list: %w", err)
	}
	return results, nil
}

// preferences returns the result's preferences as a map. A non-object value
// is kept under "notes".
func (r Result) preferences() map[string]any {
	prefs := map[string]any{}
	if len(r.Preferences) == 0 || string(r.Preferences) == "null" {
		return prefs
	}
	if err := json.Unmarshal(r.Preferences, &prefs); err == nil {
		return prefs
	}
	var other any
	if err := json.Unmarshal(r.Preferences, &other); err == nil && other != nil {
		return map[string]any{"notes": other}
	}
	return map[string]any{}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
