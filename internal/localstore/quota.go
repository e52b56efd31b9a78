package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/models"
)

// How many times a write is retried after a cleanup pass before the
// storage-full error propagates to the caller.
const quotaRetryLimit = 2

const cleanupLockKey = "cleanup_lock"

// execWithQuotaRelief runs a write and, on a storage-full error, purges
// stale synced records and retries. Anything other than storage pressure
// passes straight through.
func (s *Store) execWithQuotaRelief(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !isStorageFullErr(err) {
			return err
		}
		if attempt >= quotaRetryLimit {
			break
		}

		s.log.Warn(ctx, "local store full, purging stale synced records",
			"attempt", attempt+1, "retention", s.retention)
		cutoff := time.Now().Add(-s.retention).UnixMilli()
		if _, cleanupErr := s.PurgeOlderThan(ctx, cutoff); cleanupErr != nil {
			s.log.Error(ctx, "storage-pressure cleanup failed", "error", cleanupErr)
			break
		}
	}
	return fmt.Errorf("%w: %v", common.ErrStorageFull, err)
}

// PurgeOlderThan deletes synced records last modified before the cutoff.
// Pending work and tombstones are never purged: losing them would lose
// unsynced data. Returns the number of records removed.
//
// Concurrent cleanup passes (several open handles on the same file) are
// serialized through a sentinel row in the metadata table; when the
// sentinel is already held the call is a counted no-op.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	acquired, err := s.acquireCleanupLock(ctx)
	if err != nil {
		return 0, err
	}
	if !acquired {
		s.log.Debug(ctx, "cleanup already in progress, skipping")
		return 0, nil
	}
	defer s.releaseCleanupLock(ctx)

	var total int64
	for _, kind := range models.Kinds() {
		table, err := tableFor(kind)
		if err != nil {
			return total, err
		}
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+`
			WHERE sync_status = ? AND last_modified < ?`,
			models.StatusSynced, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", kind, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *Store) acquireCleanupLock(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`,
		cleanupLockKey, []byte(time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		return false, fmt.Errorf("failed to acquire cleanup lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) releaseCleanupLock(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, cleanupLockKey); err != nil {
		s.log.Error(ctx, "failed to release cleanup lock", "error", err)
	}
}
