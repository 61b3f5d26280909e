package transfer

import (
	"context"
	"time"

	"labport/internal/model"
)

// Fields holds column values for one destination entity.
type Fields map[string]any

// Querier is the read-only view of the destination store.
type Querier interface {
	// FindByNaturalKey returns the id of the oldest entity of kind whose columns equal key.
	// A nil ownerID searches across all owners.
	FindByNaturalKey(ctx context.Context, kind Kind, ownerID *int64, key Fields) (int64, bool, error)

	// EntityExists reports whether an entity of kind with the given id exists.
	EntityExists(ctx context.Context, kind Kind, id int64) (bool, error)

	// CanUseStorage reports whether the account owns the storage object or reaches it
	// through a lab group it belongs to.
	CanUseStorage(ctx context.Context, accountID, storageID int64) (bool, error)

	// FindAccountByUsername returns nil, nil when no account matches.
	FindAccountByUsername(ctx context.Context, username string) (*model.Account, error)
}

// Tx is a transactional unit of work against the destination store. Entity writes and
// ledger records issued through the same Tx commit or roll back together.
type Tx interface {
	Querier

	InsertEntity(ctx context.Context, kind Kind, fields Fields) (int64, error)
	UpdateEntity(ctx context.Context, kind Kind, id int64, fields Fields) error
	// DeleteEntity returns false when the entity was already gone.
	DeleteEntity(ctx context.Context, kind Kind, id int64) (bool, error)

	// Link returns false when the link already existed.
	Link(ctx context.Context, rel Relation, fromID, toID int64) (bool, error)
	// Unlink returns false when the link was already gone.
	Unlink(ctx context.Context, rel Relation, fromID, toID int64) (bool, error)

	// Savepoint runs fn inside a nested savepoint; an error from fn rolls back only the
	// work done by fn.
	Savepoint(ctx context.Context, name string, fn func() error) error

	GetSession(ctx context.Context, id string) (*model.ImportSession, error)
	FinishSession(ctx context.Context, id string, outcome model.SessionOutcome) error
	MarkSessionReverted(ctx context.Context, id string, by int64, at time.Time) error

	// Record methods insert a ledger row and bump the matching session counter.
	RecordEntity(ctx context.Context, rec *model.EntityRecord) error
	RecordReuse(ctx context.Context, sessionID string) error
	RecordFile(ctx context.Context, rec *model.FileRecord) error
	RecordRelationship(ctx context.Context, rec *model.RelationshipRecord) error

	// Ledger reads return records in insertion order.
	EntityRecords(ctx context.Context, sessionID string) ([]*model.EntityRecord, error)
	FileRecords(ctx context.Context, sessionID string) ([]*model.FileRecord, error)
	RelationshipRecords(ctx context.Context, sessionID string) ([]*model.RelationshipRecord, error)
	PurgeLedger(ctx context.Context, sessionID string) error
}

// Store is the destination relational store.
type Store interface {
	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(q Querier) error) error

	CreateSession(ctx context.Context, session *model.ImportSession) error
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*model.ImportSession, error)
	// ListSessions returns the account's sessions, newest first.
	ListSessions(ctx context.Context, ownerID int64, includeReverted bool) ([]*model.ImportSession, error)
	// FinishSession moves an in-progress session to a terminal status. Repeating the
	// same outcome is a no-op; any other change fails.
	FinishSession(ctx context.Context, id string, outcome model.SessionOutcome) error

	// GetAccount returns nil, nil when the account does not exist.
	GetAccount(ctx context.Context, id int64) (*model.Account, error)

	Close() error
}
