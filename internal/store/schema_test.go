package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(version int) *Schema {
	return &Schema{
		Name:    "test_feature",
		Version: version,
		Tables: []Table{
			{
				Name: "feature_items",
				Columns: []Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true, AutoIncrement: true},
					{Name: "name", Type: "TEXT", NotNull: true},
					{Name: "value", Type: "INTEGER", NotNull: true, Default: "0"},
				},
				UniqueKeys: [][]string{{"name", "value"}},
			},
		},
	}
}

func TestApplySchemaFreshInstall(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	migrateCalls := 0
	migrateFrom := -1
	schema := testSchema(1)
	schema.Migrate = func(ctx context.Context, db *DB, oldVersion int) error {
		migrateCalls++
		migrateFrom = oldVersion
		return nil
	}

	require.NoError(t, db.ApplySchema(ctx, schema))

	exists, err := db.TableExists(ctx, "feature_items")
	require.NoError(t, err)
	assert.True(t, exists)

	version, err := db.InstalledVersion(ctx, "test_feature")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// Fresh installs run the migration too, with oldVersion 0, so features
	// can pull in data predating schema versioning.
	assert.Equal(t, 1, migrateCalls)
	assert.Equal(t, 0, migrateFrom)
}

func TestApplySchemaIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	schema := testSchema(1)
	require.NoError(t, db.ApplySchema(ctx, schema))

	_, err = db.InsertRecord(ctx, "feature_items", map[string]any{"name": "kept", "value": 7})
	require.NoError(t, err)

	// A second apply at the same version must leave data untouched.
	require.NoError(t, db.ApplySchema(ctx, schema))

	record, err := db.GetRecord(ctx, "feature_items", Criteria{"name": "kept"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), record.Int("value"))
}

func TestApplySchemaRunsMigrationOnUpgrade(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.ApplySchema(ctx, testSchema(1)))

	var gotOldVersion int
	upgraded := testSchema(3)
	upgraded.Migrate = func(ctx context.Context, db *DB, oldVersion int) error {
		gotOldVersion = oldVersion
		return nil
	}

	require.NoError(t, db.ApplySchema(ctx, upgraded))
	assert.Equal(t, 1, gotOldVersion)

	version, err := db.InstalledVersion(ctx, "test_feature")
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestApplySchemaDowngradeIsNoOp(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.ApplySchema(ctx, testSchema(2)))

	migrateCalled := false
	older := testSchema(1)
	older.Migrate = func(ctx context.Context, db *DB, oldVersion int) error {
		migrateCalled = true
		return nil
	}

	require.NoError(t, db.ApplySchema(ctx, older))
	assert.False(t, migrateCalled)

	version, err := db.InstalledVersion(ctx, "test_feature")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestApplySchemaFailedMigrationRetries(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.ApplySchema(ctx, testSchema(1)))

	boom := errors.New("boom")
	failing := testSchema(2)
	failing.Migrate = func(ctx context.Context, db *DB, oldVersion int) error {
		return boom
	}

	err = db.ApplySchema(ctx, failing)
	require.Error(t, err)

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, "test_feature", migErr.Schema)
	assert.ErrorIs(t, err, boom)

	// The version marker must not advance, so the next launch retries.
	version, err := db.InstalledVersion(ctx, "test_feature")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// A fixed migration succeeds on retry against the persisted state.
	fixed := testSchema(2)
	var retriedFrom int
	fixed.Migrate = func(ctx context.Context, db *DB, oldVersion int) error {
		retriedFrom = oldVersion
		return nil
	}
	require.NoError(t, db.ApplySchema(ctx, fixed))
	assert.Equal(t, 1, retriedFrom)
}

func TestApplySchemaValidation(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	assert.Error(t, db.ApplySchema(ctx, &Schema{Name: "", Version: 1}))
	assert.Error(t, db.ApplySchema(ctx, &Schema{Name: "x", Version: 0}))
}

func TestInstalledVersionUnknownSchema(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	version, err := db.InstalledVersion(context.Background(), "never_installed")
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestUniqueKeyEnforced(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.ApplySchema(ctx, testSchema(1)))

	_, err = db.InsertRecord(ctx, "feature_items", map[string]any{"name": "dup", "value": 1})
	require.NoError(t, err)
	_, err = db.InsertRecord(ctx, "feature_items", map[string]any{"name": "dup", "value": 1})
	assert.Error(t, err)
}
