package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/inboxpilot/internal/storage"
)

type mockSyncer struct {
	mu     sync.Mutex
	owners []int64
	syncFn func(ctx context.Context, ownerID int64) (SyncReport, error)
}

func (m *mockSyncer) Sync(ctx context.Context, ownerID int64) (SyncReport, error) {
	m.mu.Lock()
	m.owners = append(m.owners, ownerID)
	m.mu.Unlock()
	if m.syncFn != nil {
		return m.syncFn(ctx, ownerID)
	}
	return SyncReport{}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, jobID string, ownerID int64) {
	t.Helper()
	payload, _ := json.Marshal(SyncPayload{OwnerID: ownerID})
	job := storage.Job{
		ID:          jobID,
		Type:        JobSync,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

// resetRunAfter makes the job immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, "2000-01-01T00:00:00.000000000Z", jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobID string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, jobID).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", jobID, err)
	}
	return status, attempts
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-1", 42)

	syncer := &mockSyncer{}
	w := NewWorker(store, syncer, 0, nil)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(syncer.owners) != 1 || syncer.owners[0] != 42 {
		t.Errorf("synced owners = %v, want [42]", syncer.owners)
	}
	if status, _ := jobStatus(t, store, "job-1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("empty queue: didWork=%v err=%v", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-r", 7)

	var calls atomic.Int32
	w := NewWorker(store, &mockSyncer{
		syncFn: func(_ context.Context, _ int64) (SyncReport, error) {
			n := calls.Add(1)
			if n <= 2 {
				return SyncReport{}, fmt.Errorf("transient error %d", n)
			}
			return SyncReport{}, nil
		},
	}, 0, nil)
	ctx := context.Background()

	// 1st attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1: didWork=%v err=%v", didWork, err)
	}
	if status, attempts := jobStatus(t, store, "job-r"); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	// Not claimable until the backoff expires.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Fatal("job claimed during backoff")
	}
	resetRunAfter(t, store, "job-r")

	// 2nd attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}
	if _, attempts := jobStatus(t, store, "job-r"); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}
	resetRunAfter(t, store, "job-r")

	// 3rd attempt succeeds
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3: didWork=%v err=%v", didWork, err)
	}
	if status, _ := jobStatus(t, store, "job-r"); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-m", 7)

	w := NewWorker(store, &mockSyncer{
		syncFn: func(_ context.Context, _ int64) (SyncReport, error) {
			return SyncReport{}, fmt.Errorf("permanent error")
		},
	}, 0, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-m")
		}
	}

	if status, _ := jobStatus(t, store, "job-m"); status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(context.Background(), storage.Job{ID: "job-b", Type: JobSync, PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	syncer := &mockSyncer{}
	if _, err := NewWorker(store, syncer, 0, nil).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(syncer.owners) != 0 {
		t.Error("sync should not run without an owner")
	}
	if status, _ := jobStatus(t, store, "job-b"); status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				owner := int64(g*jobsPerGoroutine + j + 1)
				if _, ok, err := EnqueueSync(context.Background(), store, owner); err != nil || !ok {
					t.Errorf("EnqueueSync(%d): ok=%v err=%v", owner, ok, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	syncer := &mockSyncer{}
	w := NewWorker(store, syncer, 0, nil)

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if !didWork {
			break
		}
		processed++
	}

	if processed != total {
		t.Errorf("processed %d jobs, want %d", processed, total)
	}
	seen := map[int64]bool{}
	for _, o := range syncer.owners {
		seen[o] = true
	}
	if len(seen) != total {
		t.Errorf("synced %d distinct owners, want %d", len(seen), total)
	}
}

func TestEnqueueSync_Dedupes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, ok, err := EnqueueSync(ctx, store, 1)
	if err != nil || !ok || id == "" {
		t.Fatalf("first EnqueueSync: id=%q ok=%v err=%v", id, ok, err)
	}
	if _, ok, err := EnqueueSync(ctx, store, 1); err != nil || ok {
		t.Errorf("second EnqueueSync: ok=%v err=%v, want deduped", ok, err)
	}
	if _, ok, _ := EnqueueSync(ctx, store, 2); !ok {
		t.Error("another owner's sync should queue")
	}

	if _, err := NewWorker(store, &mockSyncer{}, 0, nil).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// Owner 1's job is completed now; a new one may be queued.
	if _, ok, _ := EnqueueSync(ctx, store, 1); !ok {
		t.Error("sync should queue again once the previous one completed")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockSyncer{}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
