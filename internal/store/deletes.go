package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/filecellar/filecellar/internal/files"
	"github.com/filecellar/filecellar/internal/metrics"
)

// QueueDeferredDelete schedules physical deletion of a hash's file and/or
// thumbnail. Record deletion happens elsewhere; this queue only touches disk.
func (s *Store) QueueDeferredDelete(ctx context.Context, d files.DeferredDelete) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred_deletes (hash, delete_file, delete_thumbnail)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (hash) DO UPDATE SET
		   delete_file = deferred_deletes.delete_file OR $2,
		   delete_thumbnail = deferred_deletes.delete_thumbnail OR $3`,
		d.Hash[:], d.DeleteFile, d.DeleteThumb)
	if err != nil {
		return fmt.Errorf("queue deferred delete: %w", err)
	}
	return nil
}

// NextDeferredDelete returns the oldest queued physical delete.
func (s *Store) NextDeferredDelete(ctx context.Context) (files.DeferredDelete, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("next_deferred_delete", time.Since(start)) }()

	var d files.DeferredDelete
	var b []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, delete_file, delete_thumbnail FROM deferred_deletes
		 ORDER BY queued_at LIMIT 1`).Scan(&b, &d.DeleteFile, &d.DeleteThumb)
	if err == sql.ErrNoRows {
		return files.DeferredDelete{}, false, nil
	}
	if err != nil {
		return files.DeferredDelete{}, false, fmt.Errorf("query deferred delete: %w", err)
	}
	if len(b) != files.HashSize {
		return files.DeferredDelete{}, false, fmt.Errorf("bad hash length %d in deferred delete queue", len(b))
	}
	copy(d.Hash[:], b)
	return d, true, nil
}

// ClearDeferredDelete acknowledges a completed physical delete.
func (s *Store) ClearDeferredDelete(ctx context.Context, d files.DeferredDelete) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deferred_deletes WHERE hash = $1`, d.Hash[:])
	if err != nil {
		return fmt.Errorf("clear deferred delete: %w", err)
	}
	return nil
}

// DeferredDeleteCount returns the queue depth.
func (s *Store) DeferredDeleteCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deferred_deletes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count deferred deletes: %w", err)
	}
	return n, nil
}
