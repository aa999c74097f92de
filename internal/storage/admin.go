package storage

import (
	"context"
	"fmt"
)

// ResetReport counts rows removed by Reset, keyed by table.
type ResetReport map[string]int64

// resetOrder deletes children before parents.
var resetOrder = []string{
	"tasks",
	"email_messages",
	"email_threads",
	"contacts",
	"embeddings",
	"memory_events",
	"memory_sessions",
}

// Reset deletes all domain data except users and the job queue, in one transaction.
func (s *Store) Reset(ctx context.Context) (ResetReport, error) {
	report := ResetReport{}
	err := s.InTx(ctx, func(tx *Tx) error {
		for _, table := range resetOrder {
			res, err := tx.q.ExecContext(ctx, "DELETE FROM "+table)
			if err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			report[table] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Counts returns the row count of every domain table.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, table := range append([]string{"users", "jobs"}, resetOrder...) {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
