// Package models defines the syncable record types shared by the local
// store, the sync orchestrator and the remote transport.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/nekay/nekaysync/internal/common"
)

// Kind identifies an entity collection. Each kind has its own local table
// and remote collection; record ids are unique within a kind, not globally.
type Kind string

const (
	KindTask     Kind = "tasks"
	KindJournal  Kind = "journal"
	KindFolder   Kind = "folders"
	KindPomodoro Kind = "pomodoro"
	KindNote     Kind = "notes"
)

// Kinds lists every syncable kind in the order sync passes process them.
// Folders come before tasks/journal so that pulled parents exist before
// records referencing them.
func Kinds() []Kind {
	return []Kind{KindFolder, KindTask, KindJournal, KindPomodoro, KindNote}
}

// Valid reports whether k names a known collection.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindJournal, KindFolder, KindPomodoro, KindNote:
		return true
	}
	return false
}

// Status is the sync lifecycle state of a record. StatusDeleted is a
// tombstone: the record stays in the local table until the remote delete
// is confirmed, then is physically removed.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusDeleted Status = "deleted"
)

// Record is a single syncable entity instance.
//
// LastModified carries epoch milliseconds and is the sole conflict key:
// the local store stamps it strictly increasing on every local write, and
// both sync paths resolve concurrent edits last-writer-wins on it.
// CreatedAt is stamped once and never changes. Fields holds the
// kind-specific payload, opaque to the sync core.
type Record struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Status       Status          `json:"syncStatus"`
	LastModified int64           `json:"lastModified"`
	CreatedAt    int64           `json:"timestamp"`
	FolderID     string          `json:"folderId,omitempty"`
	Fields       json.RawMessage `json:"fields,omitempty"`
}

// Validate checks the invariants enforced at the store boundary.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing record id", common.ErrValidation)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", common.ErrValidation, r.Kind)
	}
	switch r.Status {
	case StatusSynced, StatusPending, StatusFailed, StatusDeleted, "":
	default:
		return fmt.Errorf("%w: unknown sync status %q", common.ErrValidation, r.Status)
	}
	return nil
}

// Clone returns a deep copy. Fields is copied so callers can mutate the
// clone without aliasing the original payload.
func (r *Record) Clone() *Record {
	c := *r
	if r.Fields != nil {
		c.Fields = make(json.RawMessage, len(r.Fields))
		copy(c.Fields, r.Fields)
	}
	return &c
}

// Newer reports whether r carries a strictly greater modification stamp
// than other. Equal stamps mean the replicas are already consistent.
func (r *Record) Newer(other *Record) bool {
	return r.LastModified > other.LastModified
}
