package models

import "encoding/json"

// Typed payloads for each kind. The sync core never inspects these; they
// exist so callers on the CRUD surface get typed construction and reads.

// TaskFields is the task payload.
type TaskFields struct {
	Content   string `json:"taskContent"`
	Completed bool   `json:"completed"`
}

func (TaskFields) Kind() Kind { return KindTask }

// JournalFields is the journal-entry payload. Date is the entry's own
// calendar date, distinct from the record timestamps.
type JournalFields struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Date     string `json:"date"`
	Archived bool   `json:"archived,omitempty"`
}

func (JournalFields) Kind() Kind { return KindJournal }

// FolderFields is the folder payload. Type tells which entity family the
// folder groups ("task" or "journal").
type FolderFields struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NumOfItems int    `json:"numOfItems,omitempty"`
}

func (FolderFields) Kind() Kind { return KindFolder }

// PomodoroFields is a completed focus-session stat.
type PomodoroFields struct {
	Date          string `json:"date"`
	FocusMinutes  int    `json:"focusMinutes"`
	BreakMinutes  int    `json:"breakMinutes"`
	SessionsCount int    `json:"sessionsCount"`
}

func (PomodoroFields) Kind() Kind { return KindPomodoro }

// NoteFields is a free-form note payload.
type NoteFields struct {
	Text string `json:"text"`
}

func (NoteFields) Kind() Kind { return KindNote }

// TypedFields is implemented by every payload type above.
type TypedFields interface {
	Kind() Kind
}

// Wrap marshals a typed payload into an opaque Fields blob.
func Wrap[T TypedFields](v T) (json.RawMessage, error) {
	return json.Marshal(v)
}

// Unwrap decodes an opaque Fields blob into the typed payload for its kind.
func Unwrap[T TypedFields](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
