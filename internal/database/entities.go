package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"labport/internal/database/migrations"
	"labport/internal/model"
	"labport/internal/transfer"
)

var _ transfer.Tx = (*Tx)(nil)

// Tx is one transaction against the store. Read-only views use the same type.
type Tx struct {
	tx         *sqlx.Tx
	flavor     sqlbuilder.Flavor
	dialect    string
	savepoints int
}

func (t *Tx) table(kind transfer.Kind) (string, error) {
	table := kind.Table()
	if table == "" {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	return table, nil
}

// sortedColumns returns the field names in a stable order so generated SQL is repeatable.
func sortedColumns(fields transfer.Fields) []string {
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func (t *Tx) insert(ctx context.Context, table string, cols []string, values []any) (int64, error) {
	ib := t.flavor.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(cols...)
	ib.Values(values...)

	if t.dialect == migrations.DialectPostgres {
		ib.Returning("id")
		query, args := ib.Build()
		var id int64
		if err := t.tx.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("inserting into %s: %w", table, err)
		}
		return id, nil
	}

	query, args := ib.Build()
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("inserting into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading id inserted into %s: %w", table, err)
	}
	return id, nil
}

// Entity operations

func (t *Tx) InsertEntity(ctx context.Context, kind transfer.Kind, fields transfer.Fields) (int64, error) {
	table, err := t.table(kind)
	if err != nil {
		return 0, err
	}
	cols := sortedColumns(fields)
	values := make([]any, len(cols))
	for i, col := range cols {
		values[i] = fields[col]
	}
	return t.insert(ctx, table, cols, values)
}

func (t *Tx) UpdateEntity(ctx context.Context, kind transfer.Kind, id int64, fields transfer.Fields) error {
	table, err := t.table(kind)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	ub := t.flavor.NewUpdateBuilder()
	ub.Update(table)
	for _, col := range sortedColumns(fields) {
		ub.SetMore(ub.Assign(col, fields[col]))
	}
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating %s %d: %w", kind, id, err)
	}
	return nil
}

func (t *Tx) DeleteEntity(ctx context.Context, kind transfer.Kind, id int64) (bool, error) {
	table, err := t.table(kind)
	if err != nil {
		return false, err
	}
	db := t.flavor.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(db.Equal("id", id))

	query, args := db.Build()
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting %s %d: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting %s %d: %w", kind, id, err)
	}
	return n > 0, nil
}

func (t *Tx) FindByNaturalKey(ctx context.Context, kind transfer.Kind, ownerID *int64, key transfer.Fields) (int64, bool, error) {
	table, err := t.table(kind)
	if err != nil {
		return 0, false, err
	}
	sb := t.flavor.NewSelectBuilder()
	sb.Select("id")
	sb.From(table)
	for _, col := range sortedColumns(key) {
		if key[col] == nil {
			sb.Where(sb.IsNull(col))
			continue
		}
		sb.Where(sb.Equal(col, key[col]))
	}
	if ownerID != nil {
		sb.Where(sb.Equal("owner_id", *ownerID))
	}
	sb.OrderBy("id").Asc()
	sb.Limit(1)

	query, args := sb.Build()
	var id int64
	if err := sqlx.GetContext(ctx, t.tx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("finding %s by natural key: %w", kind, err)
	}
	return id, true, nil
}

func (t *Tx) EntityExists(ctx context.Context, kind transfer.Kind, id int64) (bool, error) {
	table, err := t.table(kind)
	if err != nil {
		return false, err
	}
	sb := t.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var n int
	if err := sqlx.GetContext(ctx, t.tx, &n, query, args...); err != nil {
		return false, fmt.Errorf("checking %s %d: %w", kind, id, err)
	}
	return n > 0, nil
}

const canUseStorageQuery = `
SELECT
    (SELECT COUNT(*) FROM storage_objects WHERE id = ? AND owner_id = ?)
  + (SELECT COUNT(*)
       FROM storage_access_groups sag
       JOIN lab_group_members m ON m.lab_group_id = sag.lab_group_id
      WHERE sag.storage_object_id = ? AND m.user_id = ?)`

func (t *Tx) CanUseStorage(ctx context.Context, accountID, storageID int64) (bool, error) {
	var n int
	query := t.tx.Rebind(canUseStorageQuery)
	if err := sqlx.GetContext(ctx, t.tx, &n, query, storageID, accountID, storageID, accountID); err != nil {
		return false, fmt.Errorf("checking access to storage %d: %w", storageID, err)
	}
	return n > 0, nil
}

func (t *Tx) FindAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	return getAccount(ctx, t.tx, t.flavor, "username", username)
}

// Relationship operations

func (t *Tx) linkExists(ctx context.Context, rel transfer.Relation, fromID, toID int64) (bool, error) {
	sb := t.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(rel.Table())
	sb.Where(sb.Equal(rel.FromColumn, fromID), sb.Equal(rel.ToColumn, toID))

	query, args := sb.Build()
	var n int
	if err := sqlx.GetContext(ctx, t.tx, &n, query, args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *Tx) Link(ctx context.Context, rel transfer.Relation, fromID, toID int64) (bool, error) {
	exists, err := t.linkExists(ctx, rel, fromID, toID)
	if err != nil {
		return false, fmt.Errorf("checking %s link: %w", rel.Name, err)
	}
	if exists {
		return false, nil
	}
	ib := t.flavor.NewInsertBuilder()
	ib.InsertInto(rel.Table())
	ib.Cols(rel.FromColumn, rel.ToColumn)
	ib.Values(fromID, toID)

	query, args := ib.Build()
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("adding %s link %d->%d: %w", rel.Name, fromID, toID, err)
	}
	return true, nil
}

func (t *Tx) Unlink(ctx context.Context, rel transfer.Relation, fromID, toID int64) (bool, error) {
	db := t.flavor.NewDeleteBuilder()
	db.DeleteFrom(rel.Table())
	db.Where(db.Equal(rel.FromColumn, fromID), db.Equal(rel.ToColumn, toID))

	query, args := db.Build()
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("removing %s link %d->%d: %w", rel.Name, fromID, toID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("removing %s link %d->%d: %w", rel.Name, fromID, toID, err)
	}
	return n > 0, nil
}

// Savepoint runs fn inside a named savepoint. An error from fn rolls back to the
// savepoint and is returned; the surrounding transaction stays usable.
func (t *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	t.savepoints++
	sp := fmt.Sprintf("%s_%d", name, t.savepoints)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("creating savepoint %s: %w", sp, err)
	}
	if err := fn(); err != nil {
		if _, rerr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rerr != nil {
			return fmt.Errorf("rolling back savepoint %s: %v (after %w)", sp, rerr, err)
		}
		if _, rerr := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); rerr != nil {
			return fmt.Errorf("releasing savepoint %s: %v (after %w)", sp, rerr, err)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("releasing savepoint %s: %w", sp, err)
	}
	return nil
}
