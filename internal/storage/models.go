package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// User is an agent who owns contacts, threads and tasks.
type User struct {
	ID        int64
	Email     string
	Name      string
	Role      string
	CreatedAt time.Time
}

type Contact struct {
	ID             int64
	AgentID        int64
	Email          string
	Name           string
	Phone          string
	PipelineStage  PipelineStage
	ProfileSummary string
	Preferences    map[string]any
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Thread struct {
	ID            int64
	ThreadID      string // external id
	ContactID     int64
	AgentID       int64
	Subject       string
	LastMessageAt time.Time
}

type Message struct {
	ID        int64
	ThreadID  int64 // row id of the owning thread
	MessageID string
	From      string
	To        []string
	Cc        []string
	Direction Direction
	Subject   string
	BodyText  string
	Labels    []string
	SentAt    time.Time
}

type Task struct {
	ID              int64
	AgentID         int64
	ContactID       *int64
	TaskType        TaskType
	Title           string
	Description     string
	Priority        Priority
	Status          TaskStatus
	DueDate         *time.Time
	CreatedAt       time.Time
	CompletedAt     *time.Time
	SourceThreadID  *int64
	SourceMessageID *int64
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
