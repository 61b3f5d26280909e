package model

import (
	"database/sql"
	"time"
)

// Session statuses. A session only ever moves forward:
// in_progress -> completed | failed, completed -> reverted.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusReverted   = "reverted"
)

// Account is a destination user that owns imported data.
type Account struct {
	ID       int64  `db:"id"`
	Username string `db:"username"`
	IsStaff  bool   `db:"is_staff"`
}

// ImportSession is one invocation of the import engine. The row is never deleted.
type ImportSession struct {
	ID                   string         `db:"id"`
	OwnerID              int64          `db:"owner_id"`
	ArchivePath          string         `db:"archive_path"`
	ArchiveSize          int64          `db:"archive_size"`
	Options              string         `db:"options"`     // JSON map kind -> included
	Nominations          string         `db:"nominations"` // JSON map original storage id -> destination id
	Policy               string         `db:"policy"`
	Status               string         `db:"status"`
	EntitiesCreated      int64          `db:"entities_created"`
	EntitiesReused       int64          `db:"entities_reused"`
	FilesCreated         int64          `db:"files_created"`
	RelationshipsCreated int64          `db:"relationships_created"`
	StartedAt            time.Time      `db:"started_at"`
	FinishedAt           sql.NullTime   `db:"finished_at"`
	Error                sql.NullString `db:"error"`
	CanRevert            bool           `db:"can_revert"`
	RevertReason         sql.NullString `db:"revert_reason"`
	RevertedAt           sql.NullTime   `db:"reverted_at"`
	RevertedBy           sql.NullInt64  `db:"reverted_by"`
}

// SessionOutcome is the terminal state written when an import finishes.
type SessionOutcome struct {
	Status       string
	FinishedAt   time.Time
	Error        string
	CanRevert    bool
	RevertReason string
}

// EntityRecord tracks one entity created by an import session.
type EntityRecord struct {
	ID         int64     `db:"id"`
	SessionID  string    `db:"session_id"`
	Kind       string    `db:"kind"`
	NewID      int64     `db:"new_id"`
	OriginalID int64     `db:"original_id"`
	Snapshot   string    `db:"snapshot"` // JSON of the created fields
	CreatedAt  time.Time `db:"created_at"`
}

// FileRecord tracks one binary file materialized in the media store.
type FileRecord struct {
	ID           int64     `db:"id"`
	SessionID    string    `db:"session_id"`
	Path         string    `db:"path"` // media store key
	OriginalName string    `db:"original_name"`
	Size         int64     `db:"size"`
	CreatedAt    time.Time `db:"created_at"`
}

// RelationshipRecord tracks one many-to-many link added by an import session.
type RelationshipRecord struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	Relation  string    `db:"relation"`
	FromKind  string    `db:"from_kind"`
	FromID    int64     `db:"from_id"`
	ToKind    string    `db:"to_kind"`
	ToID      int64     `db:"to_id"`
	CreatedAt time.Time `db:"created_at"`
}
