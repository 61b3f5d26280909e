package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver, registered as "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"labport/internal/database/migrations"
	"labport/internal/model"
	"labport/internal/transfer"
)

var _ transfer.Store = (*Store)(nil)

// Store is the destination relational store. It backs the import engine with SQLite
// (file or in-memory) or PostgreSQL.
type Store struct {
	db      *sqlx.DB
	flavor  sqlbuilder.Flavor
	dialect string
}

// OpenSQLite opens the SQLite database at path and brings its schema up to date.
func OpenSQLite(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return newStore(db, migrations.DialectSQLite)
}

// OpenMemory opens a private in-memory SQLite database with the schema applied.
func OpenMemory() (*Store, error) {
	name := "labport-" + uuid.NewString()
	db, err := openSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, sqliteParams()))
	if err != nil {
		return nil, err
	}
	// The shared in-memory database lives as long as one connection to it does.
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)
	return newStore(db, migrations.DialectSQLite)
}

// OpenPostgres connects with a pgx DSN and brings the schema up to date.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStore(db, migrations.DialectPostgres)
}

// OpenConnection opens a SQLite database file with foreign keys enforced, a busy timeout
// and immediate write transactions. The options go in the DSN so every pooled connection
// gets them.
func OpenConnection(path string) (*sqlx.DB, error) {
	return openSQLite(fmt.Sprintf("file:%s?%s", path, sqliteParams()))
}

func sqliteParams() string {
	v := url.Values{}
	v.Set("_foreign_keys", "on")
	v.Set("_busy_timeout", "5000")
	v.Set("_txlock", "immediate")
	return v.Encode()
}

func openSQLite(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func newStore(db *sqlx.DB, dialect string) (*Store, error) {
	if err := migrations.MigrateUp(db.DB, dialect); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, dialect: dialect, flavor: sqlbuilder.SQLite}
	if dialect == migrations.DialectPostgres {
		s.flavor = sqlbuilder.PostgreSQL
	}
	return s, nil
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db.DB }

// CheckSchema reports whether the schema is at the latest embedded migration.
func (s *Store) CheckSchema() error {
	return migrations.CheckDBMigrationStatus(s.db.DB, s.dialect)
}

// Dialect returns the migrations dialect of the store.
func (s *Store) Dialect() string { return s.dialect }

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in one transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx transfer.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, flavor: s.flavor, dialect: s.dialect}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(q transfer.Querier) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("starting read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, flavor: s.flavor, dialect: s.dialect}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Session operations

func (s *Store) CreateSession(ctx context.Context, session *model.ImportSession) error {
	return createSession(ctx, s.db, s.flavor, session)
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.ImportSession, error) {
	return getSession(ctx, s.db, s.flavor, id)
}

func (s *Store) ListSessions(ctx context.Context, ownerID int64, includeReverted bool) ([]*model.ImportSession, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(sessionColumns...)
	sb.From(sessionsTable)
	sb.Where(sb.Equal("owner_id", ownerID))
	if !includeReverted {
		sb.Where(sb.NotEqual("status", model.StatusReverted))
	}
	sb.OrderBy("started_at DESC", "id DESC")
	query, args := sb.Build()

	var sessions []*model.ImportSession
	if err := sqlx.SelectContext(ctx, s.db, &sessions, query, args...); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) FinishSession(ctx context.Context, id string, outcome model.SessionOutcome) error {
	return s.InTx(ctx, func(tx transfer.Tx) error {
		return tx.FinishSession(ctx, id, outcome)
	})
}

// Account operations

func (s *Store) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	return getAccount(ctx, s.db, s.flavor, "id", id)
}

func (s *Store) FindAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	return getAccount(ctx, s.db, s.flavor, "username", username)
}

// CreateAccount adds a destination account and returns its id.
func (s *Store) CreateAccount(ctx context.Context, username string, isStaff bool) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(tx transfer.Tx) error {
		var err error
		id, err = tx.(*Tx).insert(ctx, "users", []string{"username", "is_staff"}, []any{username, isStaff})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("creating account %q: %w", username, err)
	}
	return id, nil
}
