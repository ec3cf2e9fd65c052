// Package store provides the site-scoped embedded database used by every
// feature that persists data locally.
//
// Each authenticated site gets one physical SQLite database. Features never
// write SQL themselves: they describe their tables through a Schema (see
// schema.go) and use the generic record primitives below. Match criteria are
// exact-match conjunctions over column values; ordering is a plain ORDER BY
// expression. Anything richer belongs in a feature-specific query, not here.
//
// The database runs embedded with WAL enabled so background sync can read
// while the UI thread writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by GetRecord when no row matches the criteria.
// Callers that have a sensible default are expected to check for it with
// errors.Is and substitute the default instead of failing.
var ErrNotFound = errors.New("store: record not found")

// DB wraps a single site's SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Criteria is an exact-match conjunction over column values. A nil or empty
// Criteria matches every row.
type Criteria map[string]any

// Record is a single row keyed by column name. Integer columns come back as
// int64, text as string, NULL as nil.
type Record map[string]any

// Open creates or opens the database at path.
//
// The caller MUST call Close when done. Opening the same path twice returns
// two independent connections; use sites.Registry to share one handle per
// site across features.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection, for migrations that need
// SQL the record primitives cannot express.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InsertRecord inserts one row and returns its rowid.
func (db *DB) InsertRecord(ctx context.Context, table string, fields map[string]any) (int64, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("insert into %s: no fields", table)
	}

	cols := sortedKeys(fields)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = fields[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read rowid for %s: %w", table, err)
	}
	return id, nil
}

// UpdateRecords updates every row matching the criteria and returns the
// number of rows changed.
func (db *DB) UpdateRecords(ctx context.Context, table string, fields map[string]any, where Criteria) (int64, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("update %s: no fields", table)
	}

	cols := sortedKeys(fields)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(where))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, fields[col])
	}

	query := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	clause, whereArgs := buildWhere(where)
	query += clause
	args = append(args, whereArgs...)

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows for %s: %w", table, err)
	}
	return n, nil
}

// GetRecord returns the single row matching the criteria, or ErrNotFound.
func (db *DB) GetRecord(ctx context.Context, table string, where Criteria) (Record, error) {
	records, err := db.getRecords(ctx, table, where, "", 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s %v: %w", table, where, ErrNotFound)
	}
	return records[0], nil
}

// GetRecords returns every row matching the criteria. A missing match is not
// an error: the result is simply empty. orderBy is a raw ORDER BY expression
// such as "timemodified ASC"; pass "" for unspecified order.
func (db *DB) GetRecords(ctx context.Context, table string, where Criteria, orderBy string) ([]Record, error) {
	return db.getRecords(ctx, table, where, orderBy, 0)
}

func (db *DB) getRecords(ctx context.Context, table string, where Criteria, orderBy string, limit int) ([]Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s", table)
	clause, args := buildWhere(where)
	query += clause
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	var records []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		record := make(Record, len(cols))
		for i, col := range cols {
			record[col] = normalizeValue(values[i])
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return records, nil
}

// DeleteRecords removes every row matching the criteria and returns the
// number of rows removed. Deleting rows that don't exist is not an error.
func (db *DB) DeleteRecords(ctx context.Context, table string, where Criteria) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s", table)
	clause, args := buildWhere(where)
	query += clause

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows for %s: %w", table, err)
	}
	return n, nil
}

// CountRecords returns the number of rows matching the criteria.
func (db *DB) CountRecords(ctx context.Context, table string, where Criteria) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	clause, args := buildWhere(where)
	query += clause

	var count int64
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// TableExists reports whether a table with the given name exists.
func (db *DB) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}

// DropTable removes a table. Dropping a table that doesn't exist is not an
// error.
func (db *DB) DropTable(ctx context.Context, name string) error {
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	return nil
}

// buildWhere renders a Criteria as a WHERE clause. Keys are sorted so the
// generated SQL is deterministic.
func buildWhere(where Criteria) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}

	cols := sortedKeys(where)
	conditions := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		conditions[i] = col + " = ?"
		args[i] = where[col]
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeValue flattens driver types so Record values are predictable.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}
