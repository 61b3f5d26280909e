package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"labport/internal/model"
)

const failedRevertReason = "import failed; all changes were rolled back"

// Ledger is the change ledger of one import session. Record methods write through the
// attached transaction so ledger rows commit or roll back with the entities they track.
type Ledger struct {
	store   Store
	media   MediaStore
	clock   Clock
	session *model.ImportSession
	tx      Tx
}

// OpenLedger persists the session row and returns its ledger. The session is created
// outside any import transaction so a failed import still leaves an audit row.
func OpenLedger(ctx context.Context, store Store, media MediaStore, clock Clock, session *model.ImportSession) (*Ledger, error) {
	session.Status = model.StatusInProgress
	if session.StartedAt.IsZero() {
		session.StartedAt = clock.Now()
	}
	if err := store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating import session: %w", err)
	}
	return &Ledger{store: store, media: media, clock: clock, session: session}, nil
}

// SessionID returns the identifier of the session the ledger belongs to.
func (l *Ledger) SessionID() string { return l.session.ID }

// Attach routes subsequent records through tx.
func (l *Ledger) Attach(tx Tx) { l.tx = tx }

// Detach stops routing records through the transaction.
func (l *Ledger) Detach() { l.tx = nil }

func (l *Ledger) requireTx() (Tx, error) {
	if l.tx == nil {
		return nil, fmt.Errorf("ledger for session %s is not attached to a transaction", l.session.ID)
	}
	return l.tx, nil
}

// RecordEntity tracks one created entity with a snapshot of the fields it was created with.
func (l *Ledger) RecordEntity(ctx context.Context, kind Kind, newID, originalID int64, snapshot Fields) error {
	tx, err := l.requireTx()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot of %s %d: %w", kind, newID, err)
	}
	rec := &model.EntityRecord{
		SessionID:  l.session.ID,
		Kind:       string(kind),
		NewID:      newID,
		OriginalID: originalID,
		Snapshot:   string(data),
		CreatedAt:  l.clock.Now(),
	}
	if err := tx.RecordEntity(ctx, rec); err != nil {
		return fmt.Errorf("recording %s %d: %w", kind, newID, err)
	}
	return nil
}

// RecordReuse counts one archive record mapped to a pre-existing entity.
func (l *Ledger) RecordReuse(ctx context.Context) error {
	tx, err := l.requireTx()
	if err != nil {
		return err
	}
	return tx.RecordReuse(ctx, l.session.ID)
}

// RecordFile tracks one materialized file. The file must already be in the media store.
func (l *Ledger) RecordFile(ctx context.Context, key, originalName string, size int64) error {
	tx, err := l.requireTx()
	if err != nil {
		return err
	}
	_, exists, err := l.media.Stat(ctx, key)
	if err != nil {
		return fmt.Errorf("checking media file %s: %w", key, err)
	}
	if !exists {
		return &Error{Code: CodeFileMissingOnDisk, Op: "ledger.record_file", Message: key}
	}
	rec := &model.FileRecord{
		SessionID:    l.session.ID,
		Path:         key,
		OriginalName: path.Base(originalName),
		Size:         size,
		CreatedAt:    l.clock.Now(),
	}
	if err := tx.RecordFile(ctx, rec); err != nil {
		return fmt.Errorf("recording file %s: %w", key, err)
	}
	return nil
}

// RecordRelationship tracks one link added between two entities.
func (l *Ledger) RecordRelationship(ctx context.Context, rel Relation, fromID, toID int64) error {
	tx, err := l.requireTx()
	if err != nil {
		return err
	}
	rec := &model.RelationshipRecord{
		SessionID: l.session.ID,
		Relation:  rel.Name,
		FromKind:  string(rel.FromKind),
		FromID:    fromID,
		ToKind:    string(rel.ToKind),
		ToID:      toID,
		CreatedAt: l.clock.Now(),
	}
	if err := tx.RecordRelationship(ctx, rec); err != nil {
		return fmt.Errorf("recording %s link %d->%d: %w", rel.Name, fromID, toID, err)
	}
	return nil
}

// Finalize sets the terminal status. Calling it again with the same outcome is a no-op;
// a reverted session cannot be finalized.
func (l *Ledger) Finalize(ctx context.Context, success bool, cause error) error {
	outcome := model.SessionOutcome{
		Status:     model.StatusCompleted,
		FinishedAt: l.clock.Now(),
		CanRevert:  true,
	}
	if !success {
		outcome.Status = model.StatusFailed
		outcome.CanRevert = false
		outcome.RevertReason = failedRevertReason
		if cause != nil {
			outcome.Error = cause.Error()
		}
	}

	var err error
	if l.tx != nil {
		err = l.tx.FinishSession(ctx, l.session.ID, outcome)
	} else {
		err = l.store.FinishSession(ctx, l.session.ID, outcome)
	}
	if err != nil {
		return fmt.Errorf("finalizing session %s: %w", l.session.ID, err)
	}
	l.session.Status = outcome.Status
	return nil
}
