package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"labport/internal/model"
)

// ImportRequest describes one import invocation.
type ImportRequest struct {
	AccountID    int64           `validate:"gt=0"`
	ArchivePath  string          `validate:"required"`
	Options      map[string]bool // kind name -> included; missing kinds are included
	Nominations  map[int64]int64 // archive storage id -> destination storage id
	BulkTransfer bool
}

// KindStats counts what happened to the records of one kind.
type KindStats struct {
	Created int `json:"created" yaml:"created"`
	Reused  int `json:"reused" yaml:"reused"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// ImportStats summarizes an import.
type ImportStats struct {
	Created             int                `json:"created" yaml:"created"`
	Reused              int                `json:"reused" yaml:"reused"`
	Skipped             int                `json:"skipped" yaml:"skipped"`
	FilesLinked         int                `json:"files_linked" yaml:"files_linked"`
	FileBytes           int64              `json:"file_bytes" yaml:"file_bytes"`
	RelationshipsLinked int                `json:"relationships_linked" yaml:"relationships_linked"`
	Converted           int                `json:"converted" yaml:"converted"`
	PerKind             map[Kind]KindStats `json:"per_kind" yaml:"per_kind"`
}

// ImportResult is returned by Import. On failure it carries the error text and whatever
// session id and stats existed, alongside the returned error.
type ImportResult struct {
	Success      bool        `json:"success" yaml:"success"`
	SessionID    string      `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Stats        ImportStats `json:"stats" yaml:"stats"`
	Warnings     []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	WarningCount int         `json:"warning_count" yaml:"warning_count"`
	Error        string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// Import opens the archive and recreates its contents for the destination account in one
// transaction. Any error that is not a per-record soft failure rolls back the whole
// import, removes copied media and finalizes the session as failed.
func (e *Engine) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	const op = "import"
	started := e.clock.Now()
	res := &ImportResult{Stats: ImportStats{PerKind: map[Kind]KindStats{}}}
	warnings := &Warnings{}

	if err := e.validateRequest(op, req); err != nil {
		return e.failImport(res, warnings, err, started)
	}
	opts, err := ParseOptions(req.Options)
	if err != nil {
		return e.failImport(res, warnings, err, started)
	}
	account, err := e.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return e.failImport(res, warnings, err, started)
	}
	if account == nil {
		return e.failImport(res, warnings, Errorf(CodeInvalidRequest, op, "account %d does not exist", req.AccountID), started)
	}

	policy := NewNamingPolicy(req.BulkTransfer, e.cfg.Marker, req.Nominations)
	session, err := e.newSession(req, opts, policy)
	if err != nil {
		return e.failImport(res, warnings, err, started)
	}

	arc, err := e.opener.Open(ctx, req.ArchivePath)
	if err != nil {
		if errors.Is(err, ErrMissingRequiredMember) {
			e.recordMissingMember(ctx, res, session, err)
		}
		return e.failImport(res, warnings, err, started)
	}
	defer arc.Close()

	session.ArchiveSize = arc.Size()
	manifest := arc.Manifest()
	if manifest.Empty() {
		warnings.Add("archive manifest is missing or empty")
	}

	ledger, err := OpenLedger(ctx, e.store, e.media, e.clock, session)
	if err != nil {
		return e.failImport(res, warnings, err, started)
	}
	res.SessionID = session.ID

	r := &run{
		account:         req.AccountID,
		archive:         arc,
		manifest:        manifest,
		policy:          policy,
		options:         opts,
		ledger:          ledger,
		ids:             NewIdentityMap(),
		media:           e.media,
		logger:          e.logger,
		idgen:           e.idgen,
		warnings:        warnings,
		stats:           make(map[Kind]*KindStats),
		annotationTypes: make(map[int64]string),
	}

	e.logger.Info("import started", "session", session.ID, "account", req.AccountID,
		"archive", req.ArchivePath, "policy", policy.Name())

	err = e.store.InTx(ctx, func(tx Tx) error {
		ledger.Attach(tx)
		defer ledger.Detach()
		if err := r.execute(ctx, tx); err != nil {
			return err
		}
		return ledger.Finalize(ctx, true, nil)
	})
	r.fillStats(&res.Stats)
	if err != nil {
		r.cleanupFiles(ctx)
		if ferr := ledger.Finalize(ctx, false, err); ferr != nil {
			e.logger.Error("finalizing failed session", "session", session.ID, "error", ferr)
		}
		return e.failImport(res, warnings, err, started)
	}

	res.Success = true
	res.Warnings = warnings.Capped(e.cfg.WarningsLimit)
	res.WarningCount = warnings.Len()

	for k, st := range res.Stats.PerKind {
		e.metrics.EntitiesImported(k, st)
	}
	e.metrics.FilesMaterialized(res.Stats.FilesLinked, res.Stats.FileBytes)
	e.metrics.ImportFinished(model.StatusCompleted, e.clock.Now().Sub(started))
	e.logger.Info("import completed", "session", session.ID, "created", res.Stats.Created,
		"reused", res.Stats.Reused, "skipped", res.Stats.Skipped, "files", res.Stats.FilesLinked,
		"links", res.Stats.RelationshipsLinked, "warnings", res.WarningCount)
	return res, nil
}

func (e *Engine) newSession(req ImportRequest, opts Options, policy NamingPolicy) (*model.ImportSession, error) {
	optionsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	nominations := req.Nominations
	if nominations == nil {
		nominations = map[int64]int64{}
	}
	nominationsJSON, err := json.Marshal(nominations)
	if err != nil {
		return nil, err
	}
	return &model.ImportSession{
		ID:          e.idgen.New(),
		OwnerID:     req.AccountID,
		ArchivePath: req.ArchivePath,
		Options:     string(optionsJSON),
		Nominations: string(nominationsJSON),
		Policy:      policy.Name(),
		StartedAt:   e.clock.Now(),
	}, nil
}

// recordMissingMember leaves an audit row for an archive that extracted but had no
// snapshot.
func (e *Engine) recordMissingMember(ctx context.Context, res *ImportResult, session *model.ImportSession, cause error) {
	if info, err := os.Stat(session.ArchivePath); err == nil {
		session.ArchiveSize = info.Size()
	}
	ledger, err := OpenLedger(ctx, e.store, e.media, e.clock, session)
	if err != nil {
		e.logger.Error("recording session for unusable archive", "error", err)
		return
	}
	res.SessionID = session.ID
	if err := ledger.Finalize(ctx, false, cause); err != nil {
		e.logger.Error("finalizing failed session", "session", session.ID, "error", err)
	}
}

func (e *Engine) failImport(res *ImportResult, warnings *Warnings, err error, started time.Time) (*ImportResult, error) {
	res.Success = false
	res.Error = err.Error()
	res.Warnings = warnings.Capped(e.cfg.WarningsLimit)
	res.WarningCount = warnings.Len()
	e.metrics.ImportFinished(model.StatusFailed, e.clock.Now().Sub(started))
	e.logger.Error("import failed", "session", res.SessionID, "code", CodeOf(err), "error", err)
	return res, err
}

func (r *run) fillStats(stats *ImportStats) {
	for k, st := range r.stats {
		stats.PerKind[k] = *st
		if k == KindUser {
			continue
		}
		stats.Created += st.Created
		stats.Reused += st.Reused
		stats.Skipped += st.Skipped
	}
	stats.FilesLinked = r.filesLinked
	stats.FileBytes = r.fileBytes
	stats.RelationshipsLinked = r.linksAdded
	stats.Converted = r.converted
}
