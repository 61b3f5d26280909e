package transfer

import (
	"context"
	"fmt"

	"labport/internal/model"
)

// revertOrder deletes dependents before the entities they point at.
var revertOrder = []Kind{
	KindMetadataColumn,
	KindStepReagent,
	KindProtocolTag,
	KindStepTag,
	KindInstrumentUsage,
	KindAnnotation,
	KindFolder,
	KindInstrument,
	KindSession,
	KindRating,
	KindStep,
	KindSection,
	KindProtocol,
	KindStoredReagent,
	KindStorageObject,
	KindProject,
	KindLabGroup,
	KindRemoteHost,
	KindTag,
	KindReagent,
}

// RevertStats counts what a revert removed.
type RevertStats struct {
	EntitiesDeleted      int `json:"entities_deleted" yaml:"entities_deleted"`
	FilesDeleted         int `json:"files_deleted" yaml:"files_deleted"`
	RelationshipsRemoved int `json:"relationships_removed" yaml:"relationships_removed"`
}

// RevertResult is returned by Revert.
type RevertResult struct {
	Success      bool        `json:"success" yaml:"success"`
	SessionID    string      `json:"session_id" yaml:"session_id"`
	Stats        RevertStats `json:"stats" yaml:"stats"`
	Warnings     []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	WarningCount int         `json:"warning_count" yaml:"warning_count"`
	Error        string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// checkRevertable enforces completed -> reverted as the only legal transition.
func checkRevertable(s *model.ImportSession) error {
	const op = "revert"
	if s.Status == model.StatusReverted {
		return Errorf(CodeAlreadyReverted, op, "session %s was already reverted", s.ID)
	}
	if !s.CanRevert {
		reason := s.RevertReason.String
		if reason == "" {
			reason = fmt.Sprintf("session is %s", s.Status)
		}
		return &Error{Code: CodeRevertForbidden, Op: op, Message: reason}
	}
	if s.Status != model.StatusCompleted {
		return &Error{Code: CodeRevertForbidden, Op: op, Message: fmt.Sprintf("session is %s", s.Status)}
	}
	return nil
}

// Revert deletes everything the session's ledger recorded: links first, then entities in
// reverse dependency order, then, after the transaction commits, the session's files.
// Individual failures become warnings; the session is marked reverted once every step has
// been attempted. A delete blocked by data another session still references leaves the
// entity in place.
func (e *Engine) Revert(ctx context.Context, sessionID string, actingAccount int64) (*RevertResult, error) {
	const op = "revert"
	res := &RevertResult{SessionID: sessionID}
	warnings := &Warnings{}

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return e.failRevert(res, warnings, fmt.Errorf("loading session: %w", err))
	}
	if session == nil {
		return e.failRevert(res, warnings, Errorf(CodeSessionNotFound, op, "session %s not found", sessionID))
	}
	actor, err := e.store.GetAccount(ctx, actingAccount)
	if err != nil {
		return e.failRevert(res, warnings, fmt.Errorf("loading account: %w", err))
	}
	if actor == nil || (actor.ID != session.OwnerID && !actor.IsStaff) {
		return e.failRevert(res, warnings, Errorf(CodeUnauthorized, op, "account %d may not revert session %s", actingAccount, sessionID))
	}
	if err := checkRevertable(session); err != nil {
		return e.failRevert(res, warnings, err)
	}

	e.logger.Info("revert started", "session", sessionID, "actor", actingAccount)
	var files []string
	err = e.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("reloading session: %w", err)
		}
		if current == nil {
			return Errorf(CodeSessionNotFound, op, "session %s not found", sessionID)
		}
		if err := checkRevertable(current); err != nil {
			return err
		}

		if err := e.removeRelationships(ctx, tx, sessionID, &res.Stats, warnings); err != nil {
			return err
		}
		records, err := tx.FileRecords(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("reading file records: %w", err)
		}
		files = files[:0]
		for _, rec := range records {
			files = append(files, rec.Path)
		}
		if err := e.removeEntities(ctx, tx, sessionID, &res.Stats, warnings); err != nil {
			return err
		}

		if err := tx.PurgeLedger(ctx, sessionID); err != nil {
			return fmt.Errorf("purging ledger: %w", err)
		}
		return tx.MarkSessionReverted(ctx, sessionID, actingAccount, e.clock.Now())
	})
	if err != nil {
		return e.failRevert(res, warnings, err)
	}
	// Media is not transactional; files go only once the ledger changes are committed.
	e.removeFiles(ctx, files, &res.Stats, warnings)

	res.Success = true
	res.Warnings = warnings.Capped(e.cfg.WarningsLimit)
	res.WarningCount = warnings.Len()
	e.metrics.RevertFinished(res.Stats, res.WarningCount)
	e.logger.Info("revert completed", "session", sessionID, "entities", res.Stats.EntitiesDeleted,
		"files", res.Stats.FilesDeleted, "links", res.Stats.RelationshipsRemoved, "warnings", res.WarningCount)
	return res, nil
}

func (e *Engine) removeRelationships(ctx context.Context, tx Tx, sessionID string, stats *RevertStats, warnings *Warnings) error {
	records, err := tx.RelationshipRecords(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reading relationship records: %w", err)
	}
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		rel, ok := RelationByName(rec.Relation)
		if !ok {
			warnings.Add("unknown relation %q in ledger", rec.Relation)
			continue
		}
		var removed bool
		err := tx.Savepoint(ctx, "revert_link", func() error {
			var err error
			removed, err = tx.Unlink(ctx, rel, rec.FromID, rec.ToID)
			return err
		})
		if err != nil {
			warnings.Add("removing %s link %d->%d: %v", rec.Relation, rec.FromID, rec.ToID, err)
			continue
		}
		if !removed {
			e.logger.Debug("link already gone", "relation", rec.Relation, "from", rec.FromID, "to", rec.ToID)
		}
		stats.RelationshipsRemoved++
	}
	return nil
}

func (e *Engine) removeFiles(ctx context.Context, paths []string, stats *RevertStats, warnings *Warnings) {
	for _, path := range paths {
		deleted, err := e.media.Delete(ctx, path)
		if err != nil {
			warnings.Add("deleting file %s: %v", path, err)
			continue
		}
		if !deleted {
			e.logger.Warn("tracked file already absent", "path", path)
			continue
		}
		stats.FilesDeleted++
	}
}

func (e *Engine) removeEntities(ctx context.Context, tx Tx, sessionID string, stats *RevertStats, warnings *Warnings) error {
	records, err := tx.EntityRecords(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reading entity records: %w", err)
	}
	byKind := make(map[Kind][]*model.EntityRecord)
	for _, rec := range records {
		byKind[Kind(rec.Kind)] = append(byKind[Kind(rec.Kind)], rec)
	}

	for _, kind := range revertOrder {
		recs := byKind[kind]
		delete(byKind, kind)
		for i := len(recs) - 1; i >= 0; i-- {
			rec := recs[i]
			var deleted bool
			err := tx.Savepoint(ctx, "revert_entity", func() error {
				var err error
				deleted, err = tx.DeleteEntity(ctx, kind, rec.NewID)
				return err
			})
			if err != nil {
				warnings.Add("deleting %s %d: %v", kind, rec.NewID, err)
				continue
			}
			if !deleted {
				e.logger.Debug("entity already gone", "kind", kind, "id", rec.NewID)
			}
			stats.EntitiesDeleted++
		}
	}
	for kind, recs := range byKind {
		warnings.Add("%d ledger records of unknown kind %q left in place", len(recs), kind)
	}
	return nil
}

func (e *Engine) failRevert(res *RevertResult, warnings *Warnings, err error) (*RevertResult, error) {
	res.Success = false
	res.Error = err.Error()
	res.Warnings = warnings.Capped(e.cfg.WarningsLimit)
	res.WarningCount = warnings.Len()
	e.logger.Error("revert failed", "session", res.SessionID, "code", CodeOf(err), "error", err)
	return res, err
}
