// Package reminders stores user-created reminders and schedules the device
// notifications that announce them.
//
// It is the second consumer of the site database pattern: a schema with a
// real version history (v1 stored absolute notification times, v2 stores
// event time plus lead time) and a one-time migration between them.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/moodlehq/lmsync/internal/appconfig"
	"github.com/moodlehq/lmsync/internal/sites"
	"github.com/moodlehq/lmsync/internal/store"
)

const (
	remindersTable = "reminders"
	legacyTable    = "reminders_legacy"
)

// TimeBeforeDefault on a record means "use the configured default lead
// time".
const TimeBeforeDefault int64 = -1

// DisabledValue as the configured default means reminders are turned off:
// resolving to it cancels instead of scheduling.
const DisabledValue int64 = -1

// DefaultLeadTimeKey is the appconfig key holding the default lead time in
// seconds.
const DefaultLeadTimeKey = "reminders_default_leadtime"

// FallbackLeadTime applies when the default was never configured.
const FallbackLeadTime int64 = 3600

// Reminder is one stored reminder. Time is the event instant in seconds;
// TimeBefore is how many seconds before the event to notify, or
// TimeBeforeDefault.
type Reminder struct {
	ID         int64
	Component  string
	InstanceID int64
	Type       string
	Time       int64
	TimeBefore int64
	Title      string
	URL        string
}

// Notification is handed to the device scheduler.
type Notification struct {
	ReminderID int64
	Component  string
	SiteID     string
	Title      string
	At         time.Time
}

// Scheduler schedules and cancels device notifications. The platform
// integration implements it; tests use a fake.
type Scheduler interface {
	Schedule(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, reminderID int64, component, siteID string) error
}

// Event is the resolved source of a legacy reminder: the thing the reminder
// points at, looked up during migration.
type Event struct {
	Time  int64
	Title string
	URL   string
}

// LegacyResolver looks up the event a legacy reminder row references, in
// the same site database. Rows whose event cannot be resolved are skipped
// by the migration; that data loss is accepted behavior, not a bug to fix.
type LegacyResolver func(ctx context.Context, db *store.DB, component string, instanceID int64) (*Event, error)

// ServiceConfig wires the reminders service.
type ServiceConfig struct {
	Sites     *sites.Registry
	Config    *appconfig.Store
	Scheduler Scheduler
	Resolver  LegacyResolver
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// Service is the reminders store plus its notification side effects.
type Service struct {
	sites *sites.Registry
	cfg   *appconfig.Store
	sched Scheduler
	log   zerolog.Logger
	clock func() time.Time
}

// NewService creates the service and registers its schema (including the
// legacy migration) with the site registry.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Service{
		sites: cfg.Sites,
		cfg:   cfg.Config,
		sched: cfg.Scheduler,
		log:   cfg.Logger.With().Str("component", "reminders").Logger(),
		clock: cfg.Clock,
	}
	cfg.Sites.RegisterSchema(Schema(cfg.Resolver, s.log))
	return s
}

// Schema builds the versioned reminders schema. Exposed for tests that
// drive migrations directly.
func Schema(resolver LegacyResolver, log zerolog.Logger) *store.Schema {
	return &store.Schema{
		Name:    "core_reminders",
		Version: 2,
		Tables: []store.Table{
			{
				Name: remindersTable,
				Columns: []store.Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true, AutoIncrement: true},
					{Name: "component", Type: "TEXT", NotNull: true},
					{Name: "instanceid", Type: "INTEGER", NotNull: true},
					{Name: "type", Type: "TEXT", NotNull: true, Default: "''"},
					{Name: "time", Type: "INTEGER", NotNull: true},
					{Name: "timebefore", Type: "INTEGER", NotNull: true},
					{Name: "title", Type: "TEXT", NotNull: true, Default: "''"},
					{Name: "url", Type: "TEXT", NotNull: true, Default: "''"},
				},
				UniqueKeys: [][]string{{"component", "instanceid", "timebefore"}},
			},
		},
		Migrate: func(ctx context.Context, db *store.DB, oldVersion int) error {
			if oldVersion >= 2 {
				return nil
			}
			return migrateLegacyReminders(ctx, db, resolver, log)
		},
	}
}

// migrateLegacyReminders converts v1 rows (absolute notification time,
// event looked up per row) into the v2 shape and drops the legacy table.
// Tolerates a missing legacy table (fresh v1 installs had none) and skips
// rows whose event lookup fails, deduplicating on the new unique key.
func migrateLegacyReminders(ctx context.Context, db *store.DB, resolver LegacyResolver, log zerolog.Logger) error {
	exists, err := db.TableExists(ctx, legacyTable)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	rows, err := db.GetRecords(ctx, legacyTable, nil, "")
	if err != nil {
		return err
	}

	migrated := make(map[string]struct{})
	for _, row := range rows {
		component := row.String("component")
		instanceID := row.Int("instanceid")

		if resolver == nil {
			log.Warn().Str("table", legacyTable).Msg("no legacy resolver, skipping row")
			continue
		}

		event, err := resolver(ctx, db, component, instanceID)
		if err != nil {
			// The referenced record is gone; the reminder is dropped with it.
			log.Debug().Str("reminder_component", component).Int64("instance", instanceID).
				Msg("legacy reminder references a missing record, skipping")
			continue
		}

		timeBefore := event.Time - row.Int("notiftime")
		if timeBefore < 0 {
			timeBefore = 0
		}

		key := fmt.Sprintf("%s#%d#%d", component, instanceID, timeBefore)
		if _, ok := migrated[key]; ok {
			continue
		}
		migrated[key] = struct{}{}

		if _, err := db.InsertRecord(ctx, remindersTable, map[string]any{
			"component":  component,
			"instanceid": instanceID,
			"type":       row.String("type"),
			"time":       event.Time,
			"timebefore": timeBefore,
			"title":      event.Title,
			"url":        event.URL,
		}); err != nil {
			return err
		}
	}

	return db.DropTable(ctx, legacyTable)
}

// Add stores a reminder and schedules its notification. A reminder already
// stored for the same (component, instance, lead time) is replaced.
func (s *Service) Add(ctx context.Context, siteID string, reminder *Reminder) error {
	db, err := s.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}

	where := store.Criteria{
		"component":  reminder.Component,
		"instanceid": reminder.InstanceID,
		"timebefore": reminder.TimeBefore,
	}
	if _, err := db.DeleteRecords(ctx, remindersTable, where); err != nil {
		return err
	}

	id, err := db.InsertRecord(ctx, remindersTable, map[string]any{
		"component":  reminder.Component,
		"instanceid": reminder.InstanceID,
		"type":       reminder.Type,
		"time":       reminder.Time,
		"timebefore": reminder.TimeBefore,
		"title":      reminder.Title,
		"url":        reminder.URL,
	})
	if err != nil {
		return err
	}
	reminder.ID = id

	return s.ScheduleNotification(ctx, siteID, reminder)
}

// Update rewrites a stored reminder and reschedules its notification.
func (s *Service) Update(ctx context.Context, siteID string, reminder *Reminder) error {
	db, err := s.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}

	updated, err := db.UpdateRecords(ctx, remindersTable, map[string]any{
		"component":  reminder.Component,
		"instanceid": reminder.InstanceID,
		"type":       reminder.Type,
		"time":       reminder.Time,
		"timebefore": reminder.TimeBefore,
		"title":      reminder.Title,
		"url":        reminder.URL,
	}, store.Criteria{"id": reminder.ID})
	if err != nil {
		return err
	}
	if updated == 0 {
		return fmt.Errorf("reminder %d: %w", reminder.ID, store.ErrNotFound)
	}

	return s.ScheduleNotification(ctx, siteID, reminder)
}

// Get returns a reminder by id.
func (s *Service) Get(ctx context.Context, siteID string, id int64) (*Reminder, error) {
	db, err := s.sites.Open(ctx, siteID)
	if err != nil {
		return nil, err
	}

	record, err := db.GetRecord(ctx, remindersTable, store.Criteria{"id": id})
	if err != nil {
		return nil, err
	}
	return parseReminder(record), nil
}

// List returns every reminder of a component instance, soonest event first.
func (s *Service) List(ctx context.Context, siteID, component string, instanceID int64) ([]*Reminder, error) {
	db, err := s.sites.Open(ctx, siteID)
	if err != nil {
		return nil, err
	}

	where := store.Criteria{}
	if component != "" {
		where["component"] = component
	}
	if instanceID > 0 {
		where["instanceid"] = instanceID
	}

	records, err := db.GetRecords(ctx, remindersTable, where, "time ASC")
	if err != nil {
		return nil, err
	}

	reminders := make([]*Reminder, 0, len(records))
	for _, record := range records {
		reminders = append(reminders, parseReminder(record))
	}
	return reminders, nil
}

// Remove deletes a reminder and cancels its notification. Removing an
// unknown id is a no-op.
func (s *Service) Remove(ctx context.Context, siteID string, id int64) error {
	db, err := s.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}

	record, err := db.GetRecord(ctx, remindersTable, store.Criteria{"id": id})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := db.DeleteRecords(ctx, remindersTable, store.Criteria{"id": id}); err != nil {
		return err
	}
	return s.sched.Cancel(ctx, id, record.String("component"), siteID)
}

// RemoveBySelector deletes every reminder of a component instance,
// cancelling each notification. Used when the underlying event disappears.
func (s *Service) RemoveBySelector(ctx context.Context, siteID, component string, instanceID int64) error {
	reminders, err := s.List(ctx, siteID, component, instanceID)
	if err != nil {
		return err
	}

	db, err := s.sites.Open(ctx, siteID)
	if err != nil {
		return err
	}
	if _, err := db.DeleteRecords(ctx, remindersTable, store.Criteria{
		"component":  component,
		"instanceid": instanceID,
	}); err != nil {
		return err
	}

	for _, reminder := range reminders {
		if err := s.sched.Cancel(ctx, reminder.ID, component, siteID); err != nil {
			s.log.Warn().Err(err).Int64("reminder", reminder.ID).Msg("failed to cancel notification")
		}
	}
	return nil
}

// ScheduleNotification resolves the effective lead time and schedules the
// notification, or cancels it when the notify instant is not in the future.
// A notify instant exactly at "now" is treated as past and cancelled.
func (s *Service) ScheduleNotification(ctx context.Context, siteID string, reminder *Reminder) error {
	timeBefore := reminder.TimeBefore
	if timeBefore == TimeBeforeDefault {
		resolved, err := s.cfg.GetInt(ctx, DefaultLeadTimeKey, FallbackLeadTime)
		if err != nil {
			return err
		}
		timeBefore = resolved
	}

	if timeBefore == DisabledValue {
		return s.sched.Cancel(ctx, reminder.ID, reminder.Component, siteID)
	}

	notifyAt := time.Unix(reminder.Time-timeBefore, 0)
	if !notifyAt.After(s.clock()) {
		// The notification instant already passed; never fire backdated
		// notifications.
		return s.sched.Cancel(ctx, reminder.ID, reminder.Component, siteID)
	}

	return s.sched.Schedule(ctx, Notification{
		ReminderID: reminder.ID,
		Component:  reminder.Component,
		SiteID:     siteID,
		Title:      reminder.Title,
		At:         notifyAt,
	})
}

// RescheduleAll re-derives every notification of a site, used after the
// default lead time changes.
func (s *Service) RescheduleAll(ctx context.Context, siteID string) error {
	reminders, err := s.List(ctx, siteID, "", 0)
	if err != nil {
		return err
	}
	for _, reminder := range reminders {
		if err := s.ScheduleNotification(ctx, siteID, reminder); err != nil {
			s.log.Warn().Err(err).Int64("reminder", reminder.ID).Msg("failed to reschedule")
		}
	}
	return nil
}

func parseReminder(record store.Record) *Reminder {
	return &Reminder{
		ID:         record.Int("id"),
		Component:  record.String("component"),
		InstanceID: record.Int("instanceid"),
		Type:       record.String("type"),
		Time:       record.Int("time"),
		TimeBefore: record.Int("timebefore"),
		Title:      record.String("title"),
		URL:        record.String("url"),
	}
}
