package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"labport/internal/archive"
	"labport/internal/config"
	"labport/internal/database"
	"labport/internal/encryption"
	"labport/internal/media"
	"labport/internal/metrics"
	"labport/internal/transfer"
)

// Options carries the per-invocation inputs that do not live in the config file.
type Options struct {
	Operation  string // CLI command being run, e.g. "Import"
	Passphrase string // unlocks a protected identity or passphrase-encrypted archives
}

// LabportApp is the application layer between the CLI and the transfer engine.
// It constructs all dependencies from config, exposes high-level operations that accept
// raw CLI values, and releases everything on Close.
type LabportApp struct {
	cfg     *config.Config
	store   *database.Store
	media   transfer.MediaStore
	metrics *metrics.Recorder
	engine  *transfer.Engine
	op      *Operation
	logger  *slogAdapter
	logFile *os.File
}

// NewLabportApp creates a fully wired LabportApp from the given config.
// The caller must call Close when done.
func NewLabportApp(ctx context.Context, cfg *config.Config, opts Options) (*LabportApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	op := NewOperation(opts.Operation, time.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	store, err := database.NewStoreFromConfig(ctx, cfg.Database)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	ms, err := media.NewStoreFromConfig(ctx, cfg.Media)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating media store: %w", err)
	}

	dec, err := encryption.NewDecryptorFromConfig(cfg.Archive, opts.Passphrase)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("loading archive identity: %w", err)
	}

	archiveOpts := archive.Options{
		ScratchDir:     cfg.ScratchDir,
		MaxExtractSize: cfg.Archive.MaxExtractSize,
		IgnorePatterns: cfg.Media.Ignore,
		Logger:         log,
	}
	// A nil *AgeDecryptor must not become a non-nil interface.
	if dec != nil {
		archiveOpts.Decryptor = dec
	}

	rec := metrics.NewRecorder()
	engine := transfer.NewEngine(store, ms, archive.NewOpener(archiveOpts), log,
		transfer.RealClock{}, transfer.UUIDGenerator{}, rec,
		transfer.Config{Marker: cfg.Import.Marker, WarningsLimit: cfg.Import.WarningsLimit})

	log.Debug("app initialized", "operation", op.Name, "database", cfg.Database.Type, "media", cfg.Media.Type,
		"decryption", dec != nil)

	return &LabportApp{
		cfg:     cfg,
		store:   store,
		media:   ms,
		metrics: rec,
		engine:  engine,
		op:      op,
		logger:  log,
		logFile: logFile,
	}, nil
}

// Engine exposes the wired transfer engine.
func (a *LabportApp) Engine() *transfer.Engine { return a.engine }

// resolveAccount looks up a destination account by username.
func (a *LabportApp) resolveAccount(ctx context.Context, username string) (int64, error) {
	acct, err := a.store.FindAccountByUsername(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("looking up account %q: %w", username, err)
	}
	if acct == nil {
		return 0, fmt.Errorf("account %q does not exist", username)
	}
	return acct.ID, nil
}

// AddAccount creates a destination account.
func (a *LabportApp) AddAccount(ctx context.Context, username string, staff bool) (int64, error) {
	id, err := a.store.CreateAccount(ctx, username, staff)
	if err != nil {
		return 0, a.fail(err)
	}
	a.logger.Info("account created", "username", username, "id", id, "staff", staff)
	return id, nil
}

// ImportParams are the raw CLI inputs of an import or dry run.
type ImportParams struct {
	Account      string
	ArchivePath  string
	Exclude      []string // kind names to leave out
	Nominations  []string // "archiveStorageID=destinationStorageID"
	BulkTransfer bool
}

func (a *LabportApp) importRequest(ctx context.Context, p ImportParams) (transfer.ImportRequest, error) {
	var req transfer.ImportRequest
	accountID, err := a.resolveAccount(ctx, p.Account)
	if err != nil {
		return req, err
	}
	path, err := filepath.Abs(p.ArchivePath)
	if err != nil {
		return req, fmt.Errorf("resolving path: %w", err)
	}
	noms, err := ParseNominations(p.Nominations)
	if err != nil {
		return req, err
	}
	return transfer.ImportRequest{
		AccountID:    accountID,
		ArchivePath:  path,
		Options:      ExcludeOptions(p.Exclude),
		Nominations:  noms,
		BulkTransfer: p.BulkTransfer,
	}, nil
}

// Import runs an import for the named account.
func (a *LabportApp) Import(ctx context.Context, p ImportParams) (*transfer.ImportResult, error) {
	req, err := a.importRequest(ctx, p)
	if err != nil {
		return nil, a.fail(err)
	}
	res, err := a.engine.Import(ctx, req)
	if err != nil {
		return res, a.fail(err)
	}
	return res, nil
}

// Analyze previews an import for the named account without writing anything.
func (a *LabportApp) Analyze(ctx context.Context, p ImportParams) (*transfer.AnalysisReport, error) {
	req, err := a.importRequest(ctx, p)
	if err != nil {
		return nil, a.fail(err)
	}
	report, err := a.engine.Analyze(ctx, transfer.AnalyzeRequest{
		AccountID:    req.AccountID,
		ArchivePath:  req.ArchivePath,
		Options:      req.Options,
		Nominations:  req.Nominations,
		BulkTransfer: req.BulkTransfer,
	})
	if err != nil {
		return nil, a.fail(err)
	}
	return report, nil
}

// Revert undoes an import session on behalf of the named account.
func (a *LabportApp) Revert(ctx context.Context, sessionID, account string) (*transfer.RevertResult, error) {
	accountID, err := a.resolveAccount(ctx, account)
	if err != nil {
		return nil, a.fail(err)
	}
	res, err := a.engine.Revert(ctx, sessionID, accountID)
	if err != nil {
		return res, a.fail(err)
	}
	return res, nil
}

// Sessions lists the named account's import sessions, newest first.
func (a *LabportApp) Sessions(ctx context.Context, account string, includeReverted bool) ([]*transfer.SessionSummary, error) {
	accountID, err := a.resolveAccount(ctx, account)
	if err != nil {
		return nil, a.fail(err)
	}
	return a.engine.ListSessions(ctx, accountID, includeReverted)
}

// Session returns one session, or an error when it does not exist.
func (a *LabportApp) Session(ctx context.Context, id string) (*transfer.SessionSummary, error) {
	s, err := a.engine.GetSession(ctx, id)
	if err != nil {
		return nil, a.fail(err)
	}
	if s == nil {
		return nil, transfer.Errorf(transfer.CodeSessionNotFound, "sessions.get", "session %s not found", id)
	}
	return s, nil
}

// CheckSchema verifies the destination schema is current.
func (a *LabportApp) CheckSchema() error {
	if err := a.store.CheckSchema(); err != nil {
		return a.fail(fmt.Errorf("%s destination: %w", a.cfg.Database.Type, err))
	}
	return nil
}

func (a *LabportApp) fail(err error) error {
	a.op.Fail()
	return err
}

// Close flushes metrics, closes the store and finishes the operation log.
func (a *LabportApp) Close() error {
	var firstErr error

	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			firstErr = err
		}
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status,
		"elapsed", time.Since(a.op.StartedAt).Truncate(time.Millisecond))
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
