package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/localstore"
	"github.com/nekay/nekaysync/internal/models"
)

// The CRUD surface. Every mutation lands in the local store first (so it
// works offline) and then nudges a background sync when online. Ids are
// client-generated UUIDs, so creation never needs a server round-trip.

func (c *Core) add(ctx context.Context, kind models.Kind, fields models.TypedFields, folderID string) (*models.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	raw, err := models.Wrap(fields)
	if err != nil {
		return nil, err
	}
	rec := &models.Record{
		ID:       uuid.NewString(),
		Kind:     kind,
		FolderID: folderID,
		Fields:   raw,
	}
	if err := c.store.Add(ctx, rec); err != nil {
		return nil, err
	}
	c.nudge(ctx)
	return rec, nil
}

func (c *Core) edit(ctx context.Context, kind models.Kind, id string, fields models.TypedFields) (*models.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	raw, err := models.Wrap(fields)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.Update(ctx, kind, id, localstore.Patch{Fields: raw})
	if err != nil {
		return nil, err
	}
	c.nudge(ctx)
	return rec, nil
}

func (c *Core) delete(ctx context.Context, kind models.Kind, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.store.Tombstone(ctx, kind, id); err != nil {
		return err
	}
	c.nudge(ctx)
	return nil
}

// AddTask creates a task, optionally inside a folder (empty folderID for
// none).
func (c *Core) AddTask(ctx context.Context, fields models.TaskFields, folderID string) (*models.Record, error) {
	return c.add(ctx, models.KindTask, fields, folderID)
}

// EditTask replaces the task's payload.
func (c *Core) EditTask(ctx context.Context, id string, fields models.TaskFields) (*models.Record, error) {
	return c.edit(ctx, models.KindTask, id, fields)
}

// DeleteTask tombstones a task; it disappears from listings immediately
// and from the remote on the next sync pass.
func (c *Core) DeleteTask(ctx context.Context, id string) error {
	return c.delete(ctx, models.KindTask, id)
}

// Tasks lists all live tasks in modification order.
func (c *Core) Tasks(ctx context.Context) ([]*models.Record, error) {
	return c.list(ctx, models.KindTask)
}

func (c *Core) AddJournalEntry(ctx context.Context, fields models.JournalFields, folderID string) (*models.Record, error) {
	return c.add(ctx, models.KindJournal, fields, folderID)
}

func (c *Core) EditJournalEntry(ctx context.Context, id string, fields models.JournalFields) (*models.Record, error) {
	return c.edit(ctx, models.KindJournal, id, fields)
}

func (c *Core) DeleteJournalEntry(ctx context.Context, id string) error {
	return c.delete(ctx, models.KindJournal, id)
}

func (c *Core) JournalEntries(ctx context.Context) ([]*models.Record, error) {
	return c.list(ctx, models.KindJournal)
}

func (c *Core) AddFolder(ctx context.Context, fields models.FolderFields) (*models.Record, error) {
	return c.add(ctx, models.KindFolder, fields, "")
}

func (c *Core) EditFolder(ctx context.Context, id string, fields models.FolderFields) (*models.Record, error) {
	return c.edit(ctx, models.KindFolder, id, fields)
}

// DeleteFolder tombstones a folder and clears the soft reference on every
// dependent record. Dependents survive; only the grouping goes away.
func (c *Core) DeleteFolder(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.store.Tombstone(ctx, models.KindFolder, id); err != nil {
		return err
	}
	if err := c.store.ClearFolderRefs(ctx, id); err != nil {
		return err
	}
	c.nudge(ctx)
	return nil
}

func (c *Core) Folders(ctx context.Context) ([]*models.Record, error) {
	return c.list(ctx, models.KindFolder)
}

// MoveToFolder re-homes a record (empty folderID clears the reference).
func (c *Core) MoveToFolder(ctx context.Context, kind models.Kind, id, folderID string) (*models.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	rec, err := c.store.Update(ctx, kind, id, localstore.Patch{FolderID: &folderID})
	if err != nil {
		return nil, err
	}
	c.nudge(ctx)
	return rec, nil
}

func (c *Core) AddPomodoroStat(ctx context.Context, fields models.PomodoroFields) (*models.Record, error) {
	return c.add(ctx, models.KindPomodoro, fields, "")
}

func (c *Core) EditPomodoroStat(ctx context.Context, id string, fields models.PomodoroFields) (*models.Record, error) {
	return c.edit(ctx, models.KindPomodoro, id, fields)
}

func (c *Core) DeletePomodoroStat(ctx context.Context, id string) error {
	return c.delete(ctx, models.KindPomodoro, id)
}

func (c *Core) PomodoroStats(ctx context.Context) ([]*models.Record, error) {
	return c.list(ctx, models.KindPomodoro)
}

func (c *Core) AddNote(ctx context.Context, fields models.NoteFields, folderID string) (*models.Record, error) {
	return c.add(ctx, models.KindNote, fields, folderID)
}

func (c *Core) EditNote(ctx context.Context, id string, fields models.NoteFields) (*models.Record, error) {
	return c.edit(ctx, models.KindNote, id, fields)
}

func (c *Core) DeleteNote(ctx context.Context, id string) error {
	return c.delete(ctx, models.KindNote, id)
}

func (c *Core) Notes(ctx context.Context) ([]*models.Record, error) {
	return c.list(ctx, models.KindNote)
}

func (c *Core) list(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.store.GetAll(ctx, kind)
}

// Get returns one record by id. Tombstoned records read as not found.
func (c *Core) Get(ctx context.Context, kind models.Kind, id string) (*models.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	rec, err := c.store.GetByID(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.StatusDeleted {
		return nil, fmt.Errorf("record %s/%s: %w", kind, id, common.ErrNotFound)
	}
	return rec, nil
}
