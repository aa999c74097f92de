package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// RawEmail is one record of an email dataset, as exported per agent mailbox.
type RawEmail struct {
	AgentEmail   string   `json:"agent_email"`
	ContactEmail string   `json:"contact_email"`
	ContactName  string   `json:"contact_name,omitempty"`
	ThreadID     string   `json:"thread_id"`
	MessageID    string   `json:"message_id"`
	From         string   `json:"from"`
	To           []string `json:"to"`
	Cc           []string `json:"cc"`
	Subject      string   `json:"subject"`
	BodyText     string   `json:"body_text"`
	BodyHTML     string   `json:"body_html,omitempty"`
	Direction    string   `json:"direction"`
	SentAt       string   `json:"sent_at"`
	Labels       []string `json:"labels"`
}

type dataset struct {
	Emails []RawEmail `json:"emails"`
}

// LoadDataset reads a JSON dataset file of the form {"emails": [...]}.
func LoadDataset(path string) ([]RawEmail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()
	return DecodeDataset(f)
}

// DecodeDataset decodes a dataset document from r.
func DecodeDataset(r io.Reader) ([]RawEmail, error) {
	var ds dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("decoding dataset: %w", err)
	}
	return ds.Emails, nil
}
