package sync

import (
	"context"
	"errors"
	"time"

	"github.com/moodlehq/lmsync/internal/store"
)

const syncTable = "sync_records"

// TimesSchema defines the last-sync bookkeeping table, kept in the
// installation-wide database rather than per site.
var TimesSchema = &store.Schema{
	Name:    "core_sync",
	Version: 1,
	Tables: []store.Table{
		{
			Name: syncTable,
			Columns: []store.Column{
				{Name: "component", Type: "TEXT", NotNull: true},
				{Name: "itemid", Type: "INTEGER", NotNull: true},
				{Name: "siteid", Type: "TEXT", NotNull: true},
				{Name: "synctime", Type: "INTEGER", NotNull: true},
			},
			UniqueKeys: [][]string{{"component", "itemid", "siteid"}},
		},
	},
}

// Times persists per-(component, entity, site) last-successful-sync
// timestamps. Automatic sync consults them to avoid hammering the server;
// manual sync bypasses them entirely.
type Times struct {
	db *store.DB
}

// NewTimes installs the schema on the app database and returns the tracker.
func NewTimes(ctx context.Context, db *store.DB) (*Times, error) {
	if err := db.ApplySchema(ctx, TimesSchema); err != nil {
		return nil, err
	}
	return &Times{db: db}, nil
}

// LastSync returns when the entity last synced successfully, or the zero
// time if it never has.
func (t *Times) LastSync(ctx context.Context, component string, id int64, siteID string) (time.Time, error) {
	record, err := t.db.GetRecord(ctx, syncTable, store.Criteria{
		"component": component,
		"itemid":    id,
		"siteid":    siteID,
	})
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(record.Int("synctime")), nil
}

// SetLastSync records a successful sync at the given instant.
func (t *Times) SetLastSync(ctx context.Context, component string, id int64, siteID string, at time.Time) error {
	where := store.Criteria{
		"component": component,
		"itemid":    id,
		"siteid":    siteID,
	}

	updated, err := t.db.UpdateRecords(ctx, syncTable,
		map[string]any{"synctime": at.UnixMilli()}, where)
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}

	_, err = t.db.InsertRecord(ctx, syncTable, map[string]any{
		"component": component,
		"itemid":    id,
		"siteid":    siteID,
		"synctime":  at.UnixMilli(),
	})
	return err
}
