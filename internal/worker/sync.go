package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/inboxpilot/internal/classify"
	"github.com/kalambet/inboxpilot/internal/ingest"
	"github.com/kalambet/inboxpilot/internal/storage"
	"github.com/kalambet/inboxpilot/internal/tasks"
)

// JobSync runs ingestion, classification and task inference for one agent.
const JobSync = "sync"

// SyncPayload is the payload of a sync job.
type SyncPayload struct {
	OwnerID int64 `json:"owner_id"`
}

// SyncReport collects the per-stage reports of one sync.
type SyncReport struct {
	Ingest   ingest.Report
	Classify classify.Report
	Tasks    tasks.Report
}

// DatasetLoader returns the raw email records to ingest.
type DatasetLoader func(ctx context.Context) ([]ingest.RawEmail, error)

// Ingester writes raw records for an agent.
type Ingester interface {
	Run(ctx context.Context, ownerID int64, records []ingest.RawEmail) (ingest.Report, error)
}

// Classifier updates an agent's contact profiles.
type Classifier interface {
	Run(ctx context.Context, ownerID int64) (classify.Report, error)
}

// TaskInferrer replaces an agent's per-contact task lists.
type TaskInferrer interface {
	Run(ctx context.Context, ownerID int64) (tasks.Report, error)
}

// Syncer chains the three pipelines in order.
type Syncer struct {
	Load     DatasetLoader
	Ingest   Ingester
	Classify Classifier
	Tasks    TaskInferrer
	Logger   *slog.Logger
}

// Sync runs one full pass for ownerID. A stage error stops the pass; per-unit
// failures inside a stage are reported in its counts instead.
func (s *Syncer) Sync(ctx context.Context, ownerID int64) (SyncReport, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var rep SyncReport

	records, err := s.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("loading dataset: %w", err)
	}
	logger.Info("sync started", "owner_id", ownerID, "records", len(records))

	if rep.Ingest, err = s.Ingest.Run(ctx, ownerID, records); err != nil {
		return rep, fmt.Errorf("ingesting: %w", err)
	}
	if rep.Classify, err = s.Classify.Run(ctx, ownerID); err != nil {
		return rep, fmt.Errorf("classifying: %w", err)
	}
	if rep.Tasks, err = s.Tasks.Run(ctx, ownerID); err != nil {
		return rep, fmt.Errorf("inferring tasks: %w", err)
	}

	logger.Info("sync complete", "owner_id", ownerID)
	return rep, nil
}

// EnqueueSync queues a sync job for ownerID unless one is already pending or
// running. It returns the job id and whether a new job was queued.
func EnqueueSync(ctx context.Context, store *storage.Store, ownerID int64) (string, bool, error) {
	payload, err := json.Marshal(SyncPayload{OwnerID: ownerID})
	if err != nil {
		return "", false, err
	}
	active, err := store.HasActiveJob(ctx, JobSync, string(payload))
	if err != nil {
		return "", false, fmt.Errorf("checking active sync: %w", err)
	}
	if active {
		return "", false, nil
	}
	id := uuid.New().String()
	if err := store.EnqueueJob(ctx, storage.Job{ID: id, Type: JobSync, PayloadJSON: string(payload)}); err != nil {
		return "", false, fmt.Errorf("enqueuing sync: %w", err)
	}
	return id, true, nil
}
