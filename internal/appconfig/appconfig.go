// Package appconfig is the app-wide key/value store.
//
// Unlike the site databases, there is exactly one config database per
// installation. It holds small settings that outlive any single site
// session, such as the default reminder lead time.
package appconfig

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/moodlehq/lmsync/internal/store"
)

const configTable = "config"

// Schema describes the config table. Exported so the app database owner can
// apply it alongside other app-level schemas.
var Schema = &store.Schema{
	Name:    "core_config",
	Version: 1,
	Tables: []store.Table{
		{
			Name: configTable,
			Columns: []store.Column{
				{Name: "name", Type: "TEXT", PrimaryKey: true},
				{Name: "value", Type: "TEXT", NotNull: true},
			},
		},
	},
}

// Store reads and writes app-wide settings.
type Store struct {
	db *store.DB
}

// OpenAppDB opens (or creates) the installation-wide database under dir.
// It is shared by appconfig and the sync time tracker.
func OpenAppDB(ctx context.Context, dir string) (*store.DB, error) {
	db, err := store.Open(filepath.Join(dir, "app.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open app database: %w", err)
	}
	if err := db.ApplySchema(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an app database that already has the config schema installed.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Get returns a setting, or def when unset.
func (s *Store) Get(ctx context.Context, name, def string) (string, error) {
	record, err := s.db.GetRecord(ctx, configTable, store.Criteria{"name": name})
	if errors.Is(err, store.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return "", err
	}
	return record.String("value"), nil
}

// GetInt returns an integer setting, or def when unset or unparseable.
func (s *Store) GetInt(ctx context.Context, name string, def int64) (int64, error) {
	raw, err := s.Get(ctx, name, "")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// Set stores a setting, replacing any previous value.
func (s *Store) Set(ctx context.Context, name, value string) error {
	updated, err := s.db.UpdateRecords(ctx, configTable,
		map[string]any{"value": value}, store.Criteria{"name": name})
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}
	_, err = s.db.InsertRecord(ctx, configTable, map[string]any{
		"name":  name,
		"value": value,
	})
	return err
}

// SetInt stores an integer setting.
func (s *Store) SetInt(ctx context.Context, name string, value int64) error {
	return s.Set(ctx, name, strconv.FormatInt(value, 10))
}

// Delete removes a setting. Removing an unset name is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.DeleteRecords(ctx, configTable, store.Criteria{"name": name})
	return err
}
