package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"labport/internal/model"
	"labport/internal/transfer"
)

const (
	sessionsTable      = "import_sessions"
	entityRecordsTable = "import_entity_records"
	fileRecordsTable   = "import_file_records"
	linkRecordsTable   = "import_relationship_records"

	revertedReason = "already reverted"
)

var sessionColumns = []string{
	"id", "owner_id", "archive_path", "archive_size", "options", "nominations", "policy", "status",
	"entities_created", "entities_reused", "files_created", "relationships_created",
	"started_at", "finished_at", "error", "can_revert", "revert_reason", "reverted_at", "reverted_by",
}

// Session operations

func createSession(ctx context.Context, db sqlx.ExecerContext, flavor sqlbuilder.Flavor, s *model.ImportSession) error {
	ib := flavor.NewInsertBuilder()
	ib.InsertInto(sessionsTable)
	ib.Cols(sessionColumns...)
	ib.Values(
		s.ID, s.OwnerID, s.ArchivePath, s.ArchiveSize, s.Options, s.Nominations, s.Policy, s.Status,
		s.EntitiesCreated, s.EntitiesReused, s.FilesCreated, s.RelationshipsCreated,
		s.StartedAt, s.FinishedAt, s.Error, s.CanRevert, s.RevertReason, s.RevertedAt, s.RevertedBy,
	)
	query, args := ib.Build()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session %s: %w", s.ID, err)
	}
	return nil
}

func getSession(ctx context.Context, q sqlx.QueryerContext, flavor sqlbuilder.Flavor, id string) (*model.ImportSession, error) {
	sb := flavor.NewSelectBuilder()
	sb.Select(sessionColumns...)
	sb.From(sessionsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var s model.ImportSession
	if err := sqlx.GetContext(ctx, q, &s, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return &s, nil
}

func (t *Tx) GetSession(ctx context.Context, id string) (*model.ImportSession, error) {
	return getSession(ctx, t.tx, t.flavor, id)
}

// FinishSession moves an in-progress session to a terminal status. Repeating the outcome
// already stored is a no-op.
func (t *Tx) FinishSession(ctx context.Context, id string, outcome model.SessionOutcome) error {
	const op = "ledger.finalize"
	s, err := t.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return transfer.Errorf(transfer.CodeSessionNotFound, op, "session %s not found", id)
	}
	if s.Status == outcome.Status {
		return nil
	}
	switch s.Status {
	case model.StatusInProgress:
	case model.StatusReverted:
		return transfer.Errorf(transfer.CodeSessionReverted, op, "session %s was reverted", id)
	default:
		return transfer.Errorf(transfer.CodeSessionFinalized, op, "session %s is already %s", id, s.Status)
	}

	ub := t.flavor.NewUpdateBuilder()
	ub.Update(sessionsTable)
	ub.Set(
		ub.Assign("status", outcome.Status),
		ub.Assign("finished_at", outcome.FinishedAt),
		ub.Assign("error", nullString(outcome.Error)),
		ub.Assign("can_revert", outcome.CanRevert),
		ub.Assign("revert_reason", nullString(outcome.RevertReason)),
	)
	if outcome.Status == model.StatusFailed {
		ub.SetMore(
			ub.Assign("entities_created", 0),
			ub.Assign("entities_reused", 0),
			ub.Assign("files_created", 0),
			ub.Assign("relationships_created", 0),
		)
	}
	ub.Where(ub.Equal("id", id), ub.Equal("status", model.StatusInProgress))

	query, args := ub.Build()
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finishing session %s: %w", id, err)
	}
	return nil
}

// MarkSessionReverted moves a completed session to reverted. The session row is kept.
func (t *Tx) MarkSessionReverted(ctx context.Context, id string, by int64, at time.Time) error {
	ub := t.flavor.NewUpdateBuilder()
	ub.Update(sessionsTable)
	ub.Set(
		ub.Assign("status", model.StatusReverted),
		ub.Assign("can_revert", false),
		ub.Assign("revert_reason", revertedReason),
		ub.Assign("reverted_at", at),
		ub.Assign("reverted_by", by),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("status", model.StatusCompleted))

	query, args := ub.Build()
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("marking session %s reverted: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking session %s reverted: %w", id, err)
	}
	if n == 0 {
		return transfer.Errorf(transfer.CodeAlreadyReverted, "ledger.mark_reverted", "session %s is not completed", id)
	}
	return nil
}

func (t *Tx) incrementSession(ctx context.Context, sessionID, counter string) error {
	ub := t.flavor.NewUpdateBuilder()
	ub.Update(sessionsTable)
	ub.Set(ub.Incr(counter))
	ub.Where(ub.Equal("id", sessionID))

	query, args := ub.Build()
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("incrementing %s of session %s: %w", counter, sessionID, err)
	}
	return nil
}

// Ledger records

func (t *Tx) RecordEntity(ctx context.Context, rec *model.EntityRecord) error {
	id, err := t.insert(ctx, entityRecordsTable,
		[]string{"session_id", "kind", "new_id", "original_id", "snapshot", "created_at"},
		[]any{rec.SessionID, rec.Kind, rec.NewID, rec.OriginalID, rec.Snapshot, rec.CreatedAt})
	if err != nil {
		return err
	}
	rec.ID = id
	return t.incrementSession(ctx, rec.SessionID, "entities_created")
}

func (t *Tx) RecordReuse(ctx context.Context, sessionID string) error {
	return t.incrementSession(ctx, sessionID, "entities_reused")
}

func (t *Tx) RecordFile(ctx context.Context, rec *model.FileRecord) error {
	id, err := t.insert(ctx, fileRecordsTable,
		[]string{"session_id", "path", "original_name", "size", "created_at"},
		[]any{rec.SessionID, rec.Path, rec.OriginalName, rec.Size, rec.CreatedAt})
	if err != nil {
		return err
	}
	rec.ID = id
	return t.incrementSession(ctx, rec.SessionID, "files_created")
}

func (t *Tx) RecordRelationship(ctx context.Context, rec *model.RelationshipRecord) error {
	id, err := t.insert(ctx, linkRecordsTable,
		[]string{"session_id", "relation", "from_kind", "from_id", "to_kind", "to_id", "created_at"},
		[]any{rec.SessionID, rec.Relation, rec.FromKind, rec.FromID, rec.ToKind, rec.ToID, rec.CreatedAt})
	if err != nil {
		return err
	}
	rec.ID = id
	return t.incrementSession(ctx, rec.SessionID, "relationships_created")
}

func (t *Tx) selectRecords(ctx context.Context, dest any, table, sessionID string, cols ...string) error {
	sb := t.flavor.NewSelectBuilder()
	sb.Select(cols...)
	sb.From(table)
	sb.Where(sb.Equal("session_id", sessionID))
	sb.OrderBy("id").Asc()

	query, args := sb.Build()
	if err := sqlx.SelectContext(ctx, t.tx, dest, query, args...); err != nil {
		return fmt.Errorf("reading %s for session %s: %w", table, sessionID, err)
	}
	return nil
}

func (t *Tx) EntityRecords(ctx context.Context, sessionID string) ([]*model.EntityRecord, error) {
	var recs []*model.EntityRecord
	err := t.selectRecords(ctx, &recs, entityRecordsTable, sessionID,
		"id", "session_id", "kind", "new_id", "original_id", "snapshot", "created_at")
	return recs, err
}

func (t *Tx) FileRecords(ctx context.Context, sessionID string) ([]*model.FileRecord, error) {
	var recs []*model.FileRecord
	err := t.selectRecords(ctx, &recs, fileRecordsTable, sessionID,
		"id", "session_id", "path", "original_name", "size", "created_at")
	return recs, err
}

func (t *Tx) RelationshipRecords(ctx context.Context, sessionID string) ([]*model.RelationshipRecord, error) {
	var recs []*model.RelationshipRecord
	err := t.selectRecords(ctx, &recs, linkRecordsTable, sessionID,
		"id", "session_id", "relation", "from_kind", "from_id", "to_kind", "to_id", "created_at")
	return recs, err
}

// PurgeLedger deletes every ledger record of the session. The session row stays.
func (t *Tx) PurgeLedger(ctx context.Context, sessionID string) error {
	for _, table := range []string{linkRecordsTable, fileRecordsTable, entityRecordsTable} {
		db := t.flavor.NewDeleteBuilder()
		db.DeleteFrom(table)
		db.Where(db.Equal("session_id", sessionID))
		query, args := db.Build()
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("purging %s for session %s: %w", table, sessionID, err)
		}
	}
	return nil
}

// Accounts

func getAccount(ctx context.Context, q sqlx.QueryerContext, flavor sqlbuilder.Flavor, col string, value any) (*model.Account, error) {
	sb := flavor.NewSelectBuilder()
	sb.Select("id", "username", "is_staff")
	sb.From("users")
	sb.Where(sb.Equal(col, value))

	query, args := sb.Build()
	var a model.Account
	if err := sqlx.GetContext(ctx, q, &a, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting account by %s: %w", col, err)
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
