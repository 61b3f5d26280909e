package archive

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"labport/internal/transfer"
)

var recordSetName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// snapshot is the read-only structured database inside an archive.
type snapshot struct {
	db *sqlx.DB
}

func openSnapshot(path string) (*snapshot, error) {
	v := url.Values{}
	v.Set("mode", "ro")
	v.Set("immutable", "1")
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, v.Encode()))
	if err != nil {
		return nil, transfer.NewError(transfer.CodeCorruptArchive, "archive.snapshot", err)
	}
	// Reading the schema catches files that are not SQLite databases.
	var n int
	if err := db.Get(&n, "SELECT COUNT(*) FROM sqlite_master"); err != nil {
		db.Close()
		return nil, transfer.NewError(transfer.CodeCorruptArchive, "archive.snapshot", err)
	}
	return &snapshot{db: db}, nil
}

func (s *snapshot) Close() error {
	return s.db.Close()
}

func checkRecordSetName(name string) error {
	if !recordSetName.MatchString(name) {
		return fmt.Errorf("invalid record set name %q", name)
	}
	return nil
}

func (s *snapshot) HasRecordSet(ctx context.Context, name string) (bool, error) {
	if err := checkRecordSetName(name); err != nil {
		return false, err
	}
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?", name)
	if err != nil {
		return false, fmt.Errorf("looking up record set %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *snapshot) CountRows(ctx context.Context, name string) (int, error) {
	ok, err := s.HasRecordSet(ctx, name)
	if err != nil || !ok {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM "`+name+`"`); err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, err)
	}
	return n, nil
}

func (s *snapshot) Rows(ctx context.Context, name string) (transfer.RowIterator, error) {
	ok, err := s.HasRecordSet(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return emptyIterator{}, nil
	}
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM "`+name+`"`)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", name, err)
	}
	return &rowIterator{rows: rows}, nil
}

// rowIterator adapts sqlx rows to transfer.RowIterator.
type rowIterator struct {
	rows *sqlx.Rows
	row  transfer.Row
	err  error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	row := make(map[string]any)
	if err := it.rows.MapScan(row); err != nil {
		it.err = err
		return false
	}
	it.row = row
	return true
}

func (it *rowIterator) Row() transfer.Row { return it.row }

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() error { return it.rows.Close() }

type emptyIterator struct{}

func (emptyIterator) Next() bool        { return false }
func (emptyIterator) Row() transfer.Row { return nil }
func (emptyIterator) Err() error        { return nil }
func (emptyIterator) Close() error      { return nil }
