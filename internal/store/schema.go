package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// schemaVersionsTable tracks which schema versions have been installed in a
// site database. Reserved: features must not define a table with this name.
const schemaVersionsTable = "schema_versions"

// MigrationError marks a schema whose migration failed. The feature owning
// the schema is unusable for this site, but other features keep working.
type MigrationError struct {
	Schema string
	Err    error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration of schema %q failed: %v", e.Schema, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Column describes one column of a schema table.
type Column struct {
	Name          string
	Type          string // INTEGER, TEXT, REAL, BLOB
	PrimaryKey    bool
	AutoIncrement bool
	NotNull       bool
	Default       string
}

// Table describes one table of a schema. UniqueKeys lists composite UNIQUE
// constraints; single-column primary keys are expressed on the Column.
type Table struct {
	Name       string
	Columns    []Column
	UniqueKeys [][]string
}

// Schema is a versioned set of tables owned by one feature.
//
// Version must increase monotonically across app releases. Migrate, when
// set, is invoked with the version previously installed in the database and
// must bring existing data forward; on a fresh install it runs with
// oldVersion 0, so migrations pulling data from pre-versioning tables must
// tolerate those tables being absent. The version marker is only written
// after the tables are created and the migration has fully succeeded, so a
// failed install retries from the persisted state on the next launch.
type Schema struct {
	Name    string
	Version int
	Tables  []Table
	Migrate func(ctx context.Context, db *DB, oldVersion int) error
}

// ApplySchema installs the schema into the database, creating tables and
// running the migration when an older version is already installed.
// Installing a schema whose recorded version is current is a no-op.
func (db *DB) ApplySchema(ctx context.Context, schema *Schema) error {
	if schema.Name == "" {
		return errors.New("schema name cannot be empty")
	}
	if schema.Version <= 0 {
		return fmt.Errorf("schema %s: version must be positive, got %d", schema.Name, schema.Version)
	}

	if err := db.ensureVersionsTable(ctx); err != nil {
		return err
	}

	oldVersion, err := db.InstalledVersion(ctx, schema.Name)
	if err != nil {
		return err
	}
	if oldVersion >= schema.Version {
		return nil
	}

	for _, table := range schema.Tables {
		if _, err := db.conn.ExecContext(ctx, createTableSQL(table)); err != nil {
			return fmt.Errorf("failed to create table %s of schema %s: %w", table.Name, schema.Name, err)
		}
	}

	if schema.Migrate != nil {
		if err := schema.Migrate(ctx, db, oldVersion); err != nil {
			return &MigrationError{Schema: schema.Name, Err: err}
		}
	}

	// Marker last: if anything above failed the schema is not considered
	// installed and the next launch retries.
	if err := db.setInstalledVersion(ctx, schema.Name, schema.Version); err != nil {
		return err
	}
	return nil
}

// InstalledVersion returns the installed version of a schema, or 0 when the
// schema has never been installed.
func (db *DB) InstalledVersion(ctx context.Context, name string) (int, error) {
	if err := db.ensureVersionsTable(ctx); err != nil {
		return 0, err
	}

	record, err := db.GetRecord(ctx, schemaVersionsTable, Criteria{"name": name})
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(record.Int("version")), nil
}

func (db *DB) ensureVersionsTable(ctx context.Context) error {
	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, version INTEGER NOT NULL)",
		schemaVersionsTable)
	if _, err := db.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", schemaVersionsTable, err)
	}
	return nil
}

func (db *DB) setInstalledVersion(ctx context.Context, name string, version int) error {
	query := fmt.Sprintf(`
	INSERT INTO %s (name, version) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET version = excluded.version
	`, schemaVersionsTable)

	if _, err := db.conn.ExecContext(ctx, query, name, version); err != nil {
		return fmt.Errorf("failed to record version of schema %s: %w", name, err)
	}
	return nil
}

func createTableSQL(table Table) string {
	defs := make([]string, 0, len(table.Columns)+len(table.UniqueKeys))
	for _, col := range table.Columns {
		def := col.Name + " " + col.Type
		if col.PrimaryKey {
			def += " PRIMARY KEY"
			if col.AutoIncrement {
				def += " AUTOINCREMENT"
			}
		}
		if col.NotNull {
			def += " NOT NULL"
		}
		if col.Default != "" {
			def += " DEFAULT " + col.Default
		}
		defs = append(defs, def)
	}
	for _, unique := range table.UniqueKeys {
		defs = append(defs, "UNIQUE ("+strings.Join(unique, ", ")+")")
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		table.Name, strings.Join(defs, ",\n\t"))
}
