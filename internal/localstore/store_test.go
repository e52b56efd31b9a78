package localstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(t *testing.T, id, content string) *models.Record {
	t.Helper()
	fields, err := models.Wrap(models.TaskFields{Content: content})
	require.NoError(t, err)
	return &models.Record{ID: id, Kind: models.KindTask, Fields: fields}
}

func TestAdd_StampsPendingAndTimestamps(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := newTask(t, "t1", "buy milk")
	require.NoError(t, s.Add(ctx, rec))

	got, err := s.GetByID(ctx, models.KindTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Positive(t, got.LastModified)
	assert.Equal(t, got.LastModified, got.CreatedAt)
}

func TestAdd_DuplicateIDReturnsAlreadyExists(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, newTask(t, "t1", "one")))
	err := s.Add(ctx, newTask(t, "t1", "two"))
	require.ErrorIs(t, err, common.ErrAlreadyExists)
}

func TestUpdate_MergesFieldsAndRestamps(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := newTask(t, "t1", "water plants")
	require.NoError(t, s.Add(ctx, rec))
	first := rec.LastModified

	patch, err := json.Marshal(map[string]any{"completed": true})
	require.NoError(t, err)

	updated, err := s.Update(ctx, models.KindTask, "t1", Patch{Fields: patch})
	require.NoError(t, err)
	assert.Greater(t, updated.LastModified, first, "lastModified must strictly increase")
	assert.Equal(t, models.StatusPending, updated.Status)

	fields, err := models.Unwrap[models.TaskFields](updated.Fields)
	require.NoError(t, err)
	assert.True(t, fields.Completed)
	assert.Equal(t, "water plants", fields.Content, "merge must preserve untouched fields")
}

func TestUpdate_MissingRecordReturnsNotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.Update(context.Background(), models.KindTask, "ghost", Patch{})
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestStamp_StrictlyIncreases(t *testing.T) {
	s := setupStore(t)

	prev := s.Stamp()
	for i := 0; i < 100; i++ {
		next := s.Stamp()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestGetPending_PagesInModificationOrder(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Add(ctx, newTask(t, id, id)))
	}

	page1, err := s.GetPending(ctx, models.KindTask, 2, 0)
	require.NoError(t, err)
	page2, err := s.GetPending(ctx, models.KindTask, 2, 2)
	require.NoError(t, err)
	page3, err := s.GetPending(ctx, models.KindTask, 2, 4)
	require.NoError(t, err)

	var ids []string
	for _, r := range append(append(page1, page2...), page3...) {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestGetPending_ExcludesTombstonedAndFailed(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, newTask(t, "live", "x")))
	require.NoError(t, s.Add(ctx, newTask(t, "gone", "y")))
	require.NoError(t, s.MarkSynced(ctx, models.KindTask, []string{"gone"}))
	require.NoError(t, s.Tombstone(ctx, models.KindTask, "gone"))

	pending, err := s.GetPending(ctx, models.KindTask, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "live", pending[0].ID)
}

func TestTombstone_NeverSyncedIsRemovedImmediately(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, newTask(t, "t1", "draft")))
	require.NoError(t, s.Tombstone(ctx, models.KindTask, "t1"))

	_, err := s.GetByID(ctx, models.KindTask, "t1")
	require.ErrorIs(t, err, common.ErrNotFound)

	stones, err := s.GetTombstoned(ctx, models.KindTask)
	require.NoError(t, err)
	assert.Empty(t, stones, "never-synced record must not leave a tombstone")
}

func TestTombstone_SyncedBecomesDeleted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, newTask(t, "t1", "done")))
	require.NoError(t, s.MarkSynced(ctx, models.KindTask, []string{"t1"}))
	require.NoError(t, s.Tombstone(ctx, models.KindTask, "t1"))

	stones, err := s.GetTombstoned(ctx, models.KindTask)
	require.NoError(t, err)
	require.Len(t, stones, 1)
	assert.Equal(t, models.StatusDeleted, stones[0].Status)
}

func TestMarkSynced_KeepsLastModified(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := newTask(t, "t1", "x")
	require.NoError(t, s.Add(ctx, rec))
	stamp := rec.LastModified

	require.NoError(t, s.MarkSynced(ctx, models.KindTask, []string{"t1"}))

	got, err := s.GetByID(ctx, models.KindTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, got.Status)
	assert.Equal(t, stamp, got.LastModified, "push must not re-stamp")
}

func TestBumpAttempts_DemotesToFailedAtMax(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, newTask(t, "t1", "x")))

	failed, err := s.BumpAttempts(ctx, models.KindTask, []string{"t1"}, 3)
	require.NoError(t, err)
	assert.Empty(t, failed)

	failed, err = s.BumpAttempts(ctx, models.KindTask, []string{"t1"}, 3)
	require.NoError(t, err)
	assert.Empty(t, failed)

	failed, err = s.BumpAttempts(ctx, models.KindTask, []string{"t1"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, failed)

	got, err := s.GetByID(ctx, models.KindTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	pending, err := s.GetPending(ctx, models.KindTask, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed records leave the active queue")
}

func TestBumpAttempts_NeverDemotesTombstones(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, newTask(t, "t1", "x")))
	require.NoError(t, s.MarkSynced(ctx, models.KindTask, []string{"t1"}))
	require.NoError(t, s.Tombstone(ctx, models.KindTask, "t1"))

	for i := 0; i < 5; i++ {
		failed, err := s.BumpAttempts(ctx, models.KindTask, []string{"t1"}, 3)
		require.NoError(t, err)
		assert.Empty(t, failed, "a queued remote delete is never reported as demoted")
	}

	// The tombstone stays queued for the next pass.
	tombs, err := s.GetTombstoned(ctx, models.KindTask)
	require.NoError(t, err)
	require.Len(t, tombs, 1)
	assert.Equal(t, models.StatusDeleted, tombs[0].Status)
}

func TestApplyRemote_UpsertsVerbatimAsSynced(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	fields, err := models.Wrap(models.TaskFields{Content: "from other device"})
	require.NoError(t, err)
	remote := &models.Record{
		ID: "t1", Kind: models.KindTask, Status: models.StatusSynced,
		LastModified: 12345, CreatedAt: 12000, Fields: fields,
	}
	require.NoError(t, s.ApplyRemote(ctx, remote))

	got, err := s.GetByID(ctx, models.KindTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, got.Status)
	assert.Equal(t, int64(12345), got.LastModified, "remote stamp must be preserved")

	// second apply with a newer stamp replaces in place
	remote.LastModified = 20000
	require.NoError(t, s.ApplyRemote(ctx, remote))
	got, err = s.GetByID(ctx, models.KindTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), got.LastModified)
}

func TestClearFolderRefs_NullsSoftReferences(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	rec := newTask(t, "t1", "filed")
	rec.FolderID = "f1"
	require.NoError(t, s.Add(ctx, rec))
	require.NoError(t, s.MarkSynced(ctx, models.KindTask, []string{"t1"}))

	require.NoError(t, s.ClearFolderRefs(ctx, "f1"))

	got, err := s.GetByID(ctx, models.KindTask, "t1")
	require.NoError(t, err)
	assert.Empty(t, got.FolderID)
	assert.Equal(t, models.StatusPending, got.Status, "cleared ref must propagate on next push")
}

func TestCheckpoint_RoundTripAndZeroDefault(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	ts, err := s.Checkpoint(ctx, models.KindTask)
	require.NoError(t, err)
	assert.Zero(t, ts)

	require.NoError(t, s.SetCheckpoint(ctx, models.KindTask, 987654))
	ts, err = s.Checkpoint(ctx, models.KindTask)
	require.NoError(t, err)
	assert.Equal(t, int64(987654), ts)
}

func TestCountPending_IncludesTombstones(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, newTask(t, "p1", "x")))
	require.NoError(t, s.Add(ctx, newTask(t, "p2", "y")))
	require.NoError(t, s.MarkSynced(ctx, models.KindTask, []string{"p2"}))
	require.NoError(t, s.Tombstone(ctx, models.KindTask, "p2"))

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpen_RecreatesUnusableDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bad.db")

	// Something that is not a sqlite database at all.
	require.NoError(t, os.WriteFile(path, []byte("this is not a database"), 0o600))

	s, err := Open(ctx, path, nil)
	require.NoError(t, err, "open must destroy and recreate an unusable store")
	defer s.Close()

	require.NoError(t, s.Add(ctx, newTask(t, "t1", "fresh start")))
}
