package reminders

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodlehq/lmsync/internal/appconfig"
	"github.com/moodlehq/lmsync/internal/sites"
	"github.com/moodlehq/lmsync/internal/store"
)

const testSite = "https://campus.example.com#alice"

type fakeScheduler struct {
	scheduled []Notification
	cancelled []int64
}

func (f *fakeScheduler) Schedule(ctx context.Context, n Notification) error {
	f.scheduled = append(f.scheduled, n)
	return nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, reminderID int64, component, siteID string) error {
	f.cancelled = append(f.cancelled, reminderID)
	return nil
}

type serviceFixture struct {
	service   *Service
	scheduler *fakeScheduler
	config    *appconfig.Store
	now       time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	registry := sites.NewRegistry(dir, zerolog.Nop())
	t.Cleanup(func() { _ = registry.Close() })

	appDB, err := appconfig.OpenAppDB(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = appDB.Close() })

	f := &serviceFixture{
		scheduler: &fakeScheduler{},
		config:    appconfig.New(appDB),
		now:       time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.service = NewService(ServiceConfig{
		Sites:     registry,
		Config:    f.config,
		Scheduler: f.scheduler,
		Logger:    zerolog.Nop(),
		Clock:     func() time.Time { return f.now },
	})
	return f
}

func TestAddSchedulesNotification(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	eventTime := f.now.Add(2 * time.Hour).Unix()
	reminder := &Reminder{
		Component:  "mod_workshop",
		InstanceID: 5,
		Time:       eventTime,
		TimeBefore: 600,
		Title:      "Peer review closes",
	}
	require.NoError(t, f.service.Add(ctx, testSite, reminder))
	assert.Greater(t, reminder.ID, int64(0))

	require.Len(t, f.scheduler.scheduled, 1)
	n := f.scheduler.scheduled[0]
	assert.Equal(t, reminder.ID, n.ReminderID)
	assert.Equal(t, "Peer review closes", n.Title)
	assert.Equal(t, time.Unix(eventTime-600, 0).Unix(), n.At.Unix())
}

func TestAddWithDefaultLeadTime(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	eventTime := f.now.Add(3 * time.Hour).Unix()
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component:  "mod_workshop",
		InstanceID: 5,
		Time:       eventTime,
		TimeBefore: TimeBeforeDefault,
	}))

	// No configured default; the fallback lead time applies.
	require.Len(t, f.scheduler.scheduled, 1)
	assert.Equal(t, eventTime-FallbackLeadTime, f.scheduler.scheduled[0].At.Unix())
}

func TestDisabledDefaultCancels(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.config.SetInt(ctx, DefaultLeadTimeKey, DisabledValue))

	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component:  "mod_workshop",
		InstanceID: 5,
		Time:       f.now.Add(2 * time.Hour).Unix(),
		TimeBefore: TimeBeforeDefault,
	}))

	assert.Empty(t, f.scheduler.scheduled)
	assert.Len(t, f.scheduler.cancelled, 1)
}

func TestNotifyInstantExactlyNowCancels(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Event in 10 minutes, lead time 10 minutes: notify instant equals "now"
	// and a notification firing right now is pointless.
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component:  "mod_workshop",
		InstanceID: 5,
		Time:       f.now.Add(10 * time.Minute).Unix(),
		TimeBefore: 600,
	}))

	assert.Empty(t, f.scheduler.scheduled)
	assert.Len(t, f.scheduler.cancelled, 1)
}

func TestPastNotifyInstantCancels(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component:  "mod_workshop",
		InstanceID: 5,
		Time:       f.now.Add(-time.Hour).Unix(),
		TimeBefore: 0,
	}))

	assert.Empty(t, f.scheduler.scheduled)
	assert.Len(t, f.scheduler.cancelled, 1)
}

func TestAddReplacesSameSelector(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	eventTime := f.now.Add(2 * time.Hour).Unix()
	for _, title := range []string{"first", "second"} {
		require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
			Component:  "mod_workshop",
			InstanceID: 5,
			Time:       eventTime,
			TimeBefore: 600,
			Title:      title,
		}))
	}

	list, err := f.service.List(ctx, testSite, "mod_workshop", 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].Title)
}

func TestUpdateUnknownReminder(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.Update(context.Background(), testSite, &Reminder{
		ID: 999, Component: "mod_workshop", InstanceID: 5,
		Time: f.now.Add(time.Hour).Unix(), TimeBefore: 60,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOrderedByEventTime(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	later := f.now.Add(3 * time.Hour).Unix()
	sooner := f.now.Add(2 * time.Hour).Unix()
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component: "mod_workshop", InstanceID: 1, Time: later, TimeBefore: 60, Title: "later",
	}))
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component: "mod_workshop", InstanceID: 2, Time: sooner, TimeBefore: 60, Title: "sooner",
	}))

	list, err := f.service.List(ctx, testSite, "mod_workshop", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sooner", list[0].Title)
	assert.Equal(t, "later", list[1].Title)
}

func TestRemoveCancelsNotification(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	reminder := &Reminder{
		Component: "mod_workshop", InstanceID: 5,
		Time: f.now.Add(2 * time.Hour).Unix(), TimeBefore: 60,
	}
	require.NoError(t, f.service.Add(ctx, testSite, reminder))

	require.NoError(t, f.service.Remove(ctx, testSite, reminder.ID))
	assert.Equal(t, []int64{reminder.ID}, f.scheduler.cancelled)

	// Removing an unknown id is a no-op, not a second cancel.
	require.NoError(t, f.service.Remove(ctx, testSite, 999))
	assert.Len(t, f.scheduler.cancelled, 1)
}

func TestRemoveBySelector(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	eventTime := f.now.Add(2 * time.Hour).Unix()
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component: "mod_workshop", InstanceID: 5, Time: eventTime, TimeBefore: 60,
	}))
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component: "mod_workshop", InstanceID: 5, Time: eventTime, TimeBefore: 600,
	}))
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component: "mod_workshop", InstanceID: 6, Time: eventTime, TimeBefore: 60,
	}))

	require.NoError(t, f.service.RemoveBySelector(ctx, testSite, "mod_workshop", 5))

	list, err := f.service.List(ctx, testSite, "mod_workshop", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(6), list[0].InstanceID)
	assert.Len(t, f.scheduler.cancelled, 2)
}

func TestRescheduleAll(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	eventTime := f.now.Add(2 * time.Hour).Unix()
	require.NoError(t, f.service.Add(ctx, testSite, &Reminder{
		Component: "mod_workshop", InstanceID: 5, Time: eventTime, TimeBefore: TimeBeforeDefault,
	}))
	require.Len(t, f.scheduler.scheduled, 1)
	firstAt := f.scheduler.scheduled[0].At

	// Shrinking the default lead time moves the notification closer to the
	// event on the next reschedule.
	require.NoError(t, f.config.SetInt(ctx, DefaultLeadTimeKey, 600))
	require.NoError(t, f.service.RescheduleAll(ctx, testSite))

	require.Len(t, f.scheduler.scheduled, 2)
	assert.True(t, f.scheduler.scheduled[1].At.After(firstAt))
	assert.Equal(t, eventTime-600, f.scheduler.scheduled[1].At.Unix())
}

// --- legacy migration ---

func legacyV1Schema() *store.Schema {
	return &store.Schema{
		Name:    "core_reminders",
		Version: 1,
		Tables: []store.Table{
			{
				Name: legacyTable,
				Columns: []store.Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true, AutoIncrement: true},
					{Name: "component", Type: "TEXT", NotNull: true},
					{Name: "instanceid", Type: "INTEGER", NotNull: true},
					{Name: "type", Type: "TEXT", NotNull: true, Default: "''"},
					{Name: "notiftime", Type: "INTEGER", NotNull: true},
				},
			},
		},
	}
}

func mapResolver(events map[int64]*Event) LegacyResolver {
	return func(ctx context.Context, db *store.DB, component string, instanceID int64) (*Event, error) {
		event, ok := events[instanceID]
		if !ok {
			return nil, fmt.Errorf("no event for instance %d", instanceID)
		}
		return event, nil
	}
}

func openLegacyDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.ApplySchema(context.Background(), legacyV1Schema()))
	return db
}

func TestMigrationConvertsLegacyRows(t *testing.T) {
	db := openLegacyDB(t)
	ctx := context.Background()

	_, err := db.InsertRecord(ctx, legacyTable, map[string]any{
		"component": "mod_workshop", "instanceid": 5, "type": "due", "notiftime": 900,
	})
	require.NoError(t, err)

	resolver := mapResolver(map[int64]*Event{
		5: {Time: 10000, Title: "Peer review closes", URL: "https://campus.example.com/w/5"},
	})
	require.NoError(t, db.ApplySchema(ctx, Schema(resolver, zerolog.Nop())))

	records, err := db.GetRecords(ctx, remindersTable, nil, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(10000), records[0].Int("time"))
	assert.Equal(t, int64(9100), records[0].Int("timebefore"))
	assert.Equal(t, "Peer review closes", records[0].String("title"))
	assert.Equal(t, "due", records[0].String("type"))

	exists, err := db.TableExists(ctx, legacyTable)
	require.NoError(t, err)
	assert.False(t, exists)

	version, err := db.InstalledVersion(ctx, "core_reminders")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestMigrationSkipsUnresolvableRows(t *testing.T) {
	db := openLegacyDB(t)
	ctx := context.Background()

	_, err := db.InsertRecord(ctx, legacyTable, map[string]any{
		"component": "mod_workshop", "instanceid": 5, "notiftime": 900,
	})
	require.NoError(t, err)
	_, err = db.InsertRecord(ctx, legacyTable, map[string]any{
		"component": "mod_workshop", "instanceid": 404, "notiftime": 900,
	})
	require.NoError(t, err)

	resolver := mapResolver(map[int64]*Event{5: {Time: 10000}})
	require.NoError(t, db.ApplySchema(ctx, Schema(resolver, zerolog.Nop())))

	records, err := db.GetRecords(ctx, remindersTable, nil, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].Int("instanceid"))
}

func TestMigrationDeduplicates(t *testing.T) {
	db := openLegacyDB(t)
	ctx := context.Background()

	// Two legacy rows collapsing onto the same (component, instance, lead)
	// key must survive the new unique constraint.
	for i := 0; i < 2; i++ {
		_, err := db.InsertRecord(ctx, legacyTable, map[string]any{
			"component": "mod_workshop", "instanceid": 5, "notiftime": 900,
		})
		require.NoError(t, err)
	}

	resolver := mapResolver(map[int64]*Event{5: {Time: 10000}})
	require.NoError(t, db.ApplySchema(ctx, Schema(resolver, zerolog.Nop())))

	count, err := db.CountRecords(ctx, remindersTable, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMigrationClampsNegativeLeadTime(t *testing.T) {
	db := openLegacyDB(t)
	ctx := context.Background()

	// Legacy notification after the event itself: the lead time clamps to 0
	// instead of going negative.
	_, err := db.InsertRecord(ctx, legacyTable, map[string]any{
		"component": "mod_workshop", "instanceid": 5, "notiftime": 20000,
	})
	require.NoError(t, err)

	resolver := mapResolver(map[int64]*Event{5: {Time: 10000}})
	require.NoError(t, db.ApplySchema(ctx, Schema(resolver, zerolog.Nop())))

	records, err := db.GetRecords(ctx, remindersTable, nil, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(0), records[0].Int("timebefore"))
}

func TestFreshInstallHasNothingToMigrate(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	resolverCalled := false
	resolver := func(ctx context.Context, db *store.DB, component string, instanceID int64) (*Event, error) {
		resolverCalled = true
		return nil, fmt.Errorf("must not be called")
	}

	require.NoError(t, db.ApplySchema(ctx, Schema(resolver, zerolog.Nop())))
	assert.False(t, resolverCalled)

	version, err := db.InstalledVersion(ctx, "core_reminders")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestMigrationToleratesMissingLegacyTable(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	// A v1 install that never created the legacy table (nothing was ever
	// saved) still upgrades cleanly.
	v1 := &store.Schema{Name: "core_reminders", Version: 1}
	require.NoError(t, db.ApplySchema(ctx, v1))

	resolver := mapResolver(nil)
	require.NoError(t, db.ApplySchema(ctx, Schema(resolver, zerolog.Nop())))

	version, err := db.InstalledVersion(ctx, "core_reminders")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}
