// Package localstore implements the durable on-device store backing the
// sync core: one sqlite table per entity kind, schema-versioned through
// goose migrations, with pending/tombstone bookkeeping discoverable by a
// single indexed query.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/dbx"
	"github.com/nekay/nekaysync/internal/localstore/migrations"
	"github.com/nekay/nekaysync/internal/logging"
	"github.com/nekay/nekaysync/internal/models"
)

const checkpointKeyPrefix = "checkpoint:"

// Store is the local durable store. All mutating calls stamp LastModified
// strictly increasing, so the stamp is a valid last-writer-wins key even
// when the wall clock stands still between writes.
type Store struct {
	db  *sql.DB
	log logging.Logger

	path      string
	retention time.Duration

	mu        sync.Mutex
	lastStamp int64
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long synced records are kept before they become
// eligible for storage-pressure purging.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// Open opens (or creates) the store at path and migrates it to the current
// schema version. If migration fails on an existing file the store is
// destroyed and recreated from zero: the remote store is the durable
// source of truth, and an unusable local database must not block startup.
func Open(ctx context.Context, path string, log logging.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}

	db, err := openAndMigrate(ctx, path)
	if err != nil {
		if path == ":memory:" {
			return nil, err
		}
		log.Warn(ctx, "local store migration failed, recreating from zero", "path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove unusable store: %w", rmErr)
		}
		db, err = openAndMigrate(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate local store: %w", err)
		}
	}

	s := &Store{db: db, log: log, path: path, retention: 30 * 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func openAndMigrate(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stamp returns the next strictly-increasing modification timestamp in
// epoch milliseconds.
func (s *Store) Stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func tableFor(kind models.Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", common.ErrValidation, kind)
	}
	return string(kind), nil
}

// Add inserts a new record, stamping Status=pending, CreatedAt and
// LastModified. Returns common.ErrAlreadyExists on a duplicate id so the
// caller can fall back to Upsert instead of hard-failing.
func (s *Store) Add(ctx context.Context, rec *models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	table, err := tableFor(rec.Kind)
	if err != nil {
		return err
	}

	stamp := s.Stamp()
	rec.Status = models.StatusPending
	rec.LastModified = stamp
	if rec.CreatedAt == 0 {
		rec.CreatedAt = stamp
	}

	query := `INSERT INTO ` + table + ` (id, folder_id, sync_status, last_modified, created_at, fields)
		VALUES (?, ?, ?, ?, ?, ?)`

	return s.execWithQuotaRelief(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, nullable(rec.FolderID), rec.Status, rec.LastModified, rec.CreatedAt, []byte(rec.Fields))
		if err != nil {
			if isConstraintErr(err) {
				return fmt.Errorf("record %s/%s: %w", rec.Kind, rec.ID, common.ErrAlreadyExists)
			}
			return fmt.Errorf("failed to insert record: %w", err)
		}
		return nil
	})
}

// Patch names the updatable parts of a record. Fields is shallow-merged
// into the existing payload; FolderID replaces the soft folder reference
// (empty string clears it).
type Patch struct {
	Fields   json.RawMessage
	FolderID *string
}

// Update merges p into the stored record, re-stamps LastModified and
// resets the record to pending. Returns common.ErrNotFound if no record
// with the id exists.
func (s *Store) Update(ctx context.Context, kind models.Kind, id string, p Patch) (*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var updated *models.Record
	err = s.execWithQuotaRelief(ctx, func(ctx context.Context) error {
		return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			rec, err := getByID(ctx, tx, table, kind, id)
			if err != nil {
				return err
			}

			if p.Fields != nil {
				merged, err := mergeFields(rec.Fields, p.Fields)
				if err != nil {
					return fmt.Errorf("%w: %v", common.ErrValidation, err)
				}
				rec.Fields = merged
			}
			if p.FolderID != nil {
				rec.FolderID = *p.FolderID
			}
			rec.Status = models.StatusPending
			rec.LastModified = s.Stamp()

			_, err = tx.ExecContext(ctx, `UPDATE `+table+`
				SET folder_id=?, sync_status=?, last_modified=?, attempts=0, fields=?
				WHERE id=?`,
				nullable(rec.FolderID), rec.Status, rec.LastModified, []byte(rec.Fields), rec.ID)
			if err != nil {
				return fmt.Errorf("failed to update record: %w", err)
			}
			updated = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyRemote upserts an inbound remote record verbatim: marked synced,
// no local re-stamp, so the remote LastModified stays the conflict key.
func (s *Store) ApplyRemote(ctx context.Context, rec *models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	table, err := tableFor(rec.Kind)
	if err != nil {
		return err
	}

	query := `INSERT INTO ` + table + ` (id, folder_id, sync_status, last_modified, created_at, synced_once, fields)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			folder_id = excluded.folder_id,
			sync_status = excluded.sync_status,
			last_modified = excluded.last_modified,
			synced_once = 1,
			attempts = 0,
			fields = excluded.fields`

	return s.execWithQuotaRelief(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, nullable(rec.FolderID), models.StatusSynced, rec.LastModified, rec.CreatedAt, []byte(rec.Fields))
		if err != nil {
			return fmt.Errorf("failed to apply remote record: %w", err)
		}
		return nil
	})
}

// GetByID returns a single record. Tombstoned records are still returned;
// callers that need live records filter on Status.
func (s *Store) GetByID(ctx context.Context, kind models.Kind, id string) (*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return getByID(ctx, s.db, table, kind, id)
}

func getByID(ctx context.Context, db dbx.DBTX, table string, kind models.Kind, id string) (*models.Record, error) {
	row := db.QueryRowContext(ctx, `SELECT id, folder_id, sync_status, last_modified, created_at, fields
		FROM `+table+` WHERE id=?`, id)
	rec, err := scanRecord(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", kind, id, common.ErrNotFound)
	}
	return rec, err
}

// GetAll lists every non-tombstoned record of a kind.
func (s *Store) GetAll(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, kind, `SELECT id, folder_id, sync_status, last_modified, created_at, fields
		FROM `+table+` WHERE sync_status != ? ORDER BY last_modified`, models.StatusDeleted)
}

// GetPending returns up to limit pending records of a kind in modification
// order, starting at offset. The (sync_status, last_modified) composite
// index makes this a range scan, so large backlogs drain in pages without
// ever being loaded whole.
func (s *Store) GetPending(ctx context.Context, kind models.Kind, limit, offset int) ([]*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, kind, `SELECT id, folder_id, sync_status, last_modified, created_at, fields
		FROM `+table+` WHERE sync_status = ? ORDER BY last_modified LIMIT ? OFFSET ?`,
		models.StatusPending, limit, offset)
}

// GetTombstoned returns records awaiting remote deletion.
func (s *Store) GetTombstoned(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, kind, `SELECT id, folder_id, sync_status, last_modified, created_at, fields
		FROM `+table+` WHERE sync_status = ? ORDER BY last_modified`, models.StatusDeleted)
}

func (s *Store) queryRecords(ctx context.Context, kind models.Kind, query string, args ...any) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows, kind)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable, kind models.Kind) (*models.Record, error) {
	rec := &models.Record{Kind: kind}
	var folderID sql.NullString
	var fields []byte
	if err := row.Scan(&rec.ID, &folderID, &rec.Status, &rec.LastModified, &rec.CreatedAt, &fields); err != nil {
		return nil, err
	}
	rec.FolderID = folderID.String
	rec.Fields = fields
	return rec, nil
}

// Tombstone marks a record for deletion. A record that has never reached
// the remote is removed immediately: there is nothing remote to confirm.
// Returns common.ErrNotFound if the record does not exist.
func (s *Store) Tombstone(ctx context.Context, kind models.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var syncedOnce int
		err := tx.QueryRowContext(ctx, `SELECT synced_once FROM `+table+` WHERE id=?`, id).Scan(&syncedOnce)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %s/%s: %w", kind, id, common.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if syncedOnce == 0 {
			_, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id=?`, id)
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE `+table+` SET sync_status=?, last_modified=?, attempts=0 WHERE id=?`,
			models.StatusDeleted, s.Stamp(), id)
		return err
	})
}

// Delete physically removes a record. The tombstone lifecycle lives one
// layer up; this is the final step after the remote confirmed removal.
func (s *Store) Delete(ctx context.Context, kind models.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// MarkSynced flips the given records to synced after a successful remote
// commit. LastModified is deliberately left untouched: pushing is not a
// local mutation, and the stamp must keep matching the remote copy.
func (s *Store) MarkSynced(ctx context.Context, kind models.Kind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE `+table+`
				SET sync_status=?, synced_once=1, attempts=0 WHERE id=?`,
				models.StatusSynced, id); err != nil {
				return fmt.Errorf("failed to mark record synced: %w", err)
			}
		}
		return nil
	})
}

// BumpAttempts increments the push-attempt counter on the given records
// and demotes any pending record reaching maxAttempts to failed, removing
// it from the active pending queue. It returns the ids demoted this call.
// Tombstoned records are never demoted: a remote delete stays queued
// until it lands.
func (s *Store) BumpAttempts(ctx context.Context, kind models.Kind, ids []string, maxAttempts int) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var failed []string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET attempts = attempts + 1 WHERE id=?`, id); err != nil {
				return err
			}
			var attempts int
			if err := tx.QueryRowContext(ctx, `SELECT attempts FROM `+table+` WHERE id=?`, id).Scan(&attempts); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			if attempts >= maxAttempts {
				res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET sync_status=? WHERE id=? AND sync_status=?`,
					models.StatusFailed, id, models.StatusPending)
				if err != nil {
					return err
				}
				// Tombstones keep their deleted status and match no
				// rows here; only genuinely demoted records count.
				if n, err := res.RowsAffected(); err == nil && n > 0 {
					failed = append(failed, id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bump attempts: %w", err)
	}
	return failed, nil
}

// CountPending returns the number of records awaiting push across all
// kinds (tombstones included: they still need a remote round-trip).
func (s *Store) CountPending(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range models.Kinds() {
		n, err := s.CountPendingKind(ctx, kind)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// CountPendingKind returns the number of records of one kind awaiting
// push, tombstones included.
func (s *Store) CountPendingKind(ctx context.Context, kind models.Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE sync_status IN (?, ?)`,
		models.StatusPending, models.StatusDeleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

// ClearFolderRefs nulls the folder reference on every record pointing at
// folderID and re-stamps them pending, so dependents survive a folder
// delete and the cleared reference propagates on the next push.
func (s *Store) ClearFolderRefs(ctx context.Context, folderID string) error {
	for _, kind := range []models.Kind{models.KindTask, models.KindJournal, models.KindNote} {
		table, err := tableFor(kind)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `UPDATE `+table+`
			SET folder_id=NULL, sync_status=?, last_modified=?
			WHERE folder_id=? AND sync_status != ?`,
			models.StatusPending, s.Stamp(), folderID, models.StatusDeleted)
		if err != nil {
			return fmt.Errorf("failed to clear folder refs: %w", err)
		}
	}
	return nil
}

// Clear removes every record of a kind.
func (s *Store) Clear(ctx context.Context, kind models.Kind) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM `+table)
	if err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

// Checkpoint returns the pull checkpoint for a kind in epoch millis, zero
// when no pass has completed yet.
func (s *Store) Checkpoint(ctx context.Context, kind models.Kind) (int64, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`,
		checkpointKeyPrefix+string(kind)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint[%s]: %w", kind, err)
	}
	ts, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint[%s]: %w", kind, err)
	}
	return ts, nil
}

// SetCheckpoint records the timestamp of the last fully successful sync
// pass for a kind.
func (s *Store) SetCheckpoint(ctx context.Context, kind models.Kind, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, checkpointKeyPrefix+string(kind), []byte(strconv.FormatInt(ts, 10)))
	if err != nil {
		return fmt.Errorf("failed to set checkpoint[%s]: %w", kind, err)
	}
	return nil
}

func mergeFields(existing, patch json.RawMessage) (json.RawMessage, error) {
	if len(existing) == 0 {
		return patch, nil
	}
	var base, overlay map[string]any
	if err := json.Unmarshal(existing, &base); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, err
	}
	for k, v := range overlay {
		base[k] = v
	}
	return json.Marshal(base)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isConstraintErr(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// SQLITE_CONSTRAINT and its extended codes
		return serr.Code()&0xff == 19
	}
	return false
}

func isStorageFullErr(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == 13 // SQLITE_FULL
	}
	return false
}
