package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/moodlehq/lmsync/internal/appconfig"
	"github.com/moodlehq/lmsync/internal/events"
	"github.com/moodlehq/lmsync/internal/filearea"
	"github.com/moodlehq/lmsync/internal/offline"
	"github.com/moodlehq/lmsync/internal/reminders"
	"github.com/moodlehq/lmsync/internal/remote"
	"github.com/moodlehq/lmsync/internal/sites"
	"github.com/moodlehq/lmsync/internal/store"
	"github.com/moodlehq/lmsync/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:   "lmsync",
	Short: "Offline-first LMS synchronization engine",
	Long: `lmsync keeps local LMS data and the remote site in agreement.

Actions performed while offline are queued in per-site databases and
replayed against the site when connectivity returns. Conflicting remote
edits win: the local queue is discarded with a warning rather than merged.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", defaultDataDir(), "directory holding site databases and drafts")
	flags.String("server", "ws://localhost:8080/rpc", "websocket RPC endpoint of the LMS")
	flags.String("log-file", "", "write logs to this file (rotated) instead of stderr")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("server", flags.Lookup("server"))
	_ = viper.BindPFlag("log_file", flags.Lookup("log-file"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))

	viper.SetEnvPrefix("LMSYNC")
	viper.AutomaticEnv()

	viper.SetConfigName("lmsync")
	viper.AddConfigPath("$HOME/.config/lmsync")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lmsync"
	}
	return filepath.Join(home, ".lmsync")
}

// app is the composition root: every collaborator is constructed once here
// and threaded explicitly into the components that need it.
type app struct {
	log      zerolog.Logger
	registry *sites.Registry
	appDB    *store.DB
	config   *appconfig.Store
	client   *remote.Client
	bus      *events.Bus
	offline  *offline.Workshop
	times    *sync.Times
	syncer   *sync.WorkshopSyncer
	remind   *reminders.Service
}

func newApp(ctx context.Context) (*app, error) {
	log := newLogger()
	dataDir := viper.GetString("data_dir")

	registry := sites.NewRegistry(dataDir, log)

	appDB, err := appconfig.OpenAppDB(ctx, dataDir)
	if err != nil {
		return nil, err
	}

	config := appconfig.New(appDB)

	times, err := sync.NewTimes(ctx, appDB)
	if err != nil {
		_ = appDB.Close()
		return nil, err
	}

	client := remote.NewClient(viper.GetString("server"), log)
	if err := client.Connect(ctx); err != nil {
		// Not fatal: sync passes report connectivity errors and keep the
		// offline queues intact until the server is reachable again.
		log.Warn().Err(err).Msg("server unreachable, starting offline")
	}

	bus := events.NewBus()
	workshopOffline := offline.NewWorkshop(registry)
	uploader := filearea.NewManager(dataDir, client, log)

	syncer := sync.NewWorkshopSyncer(sync.WorkshopSyncerConfig{
		Sites:    registry,
		Offline:  workshopOffline,
		Remote:   remote.NewWorkshopService(client),
		Uploader: uploader,
		Network:  client,
		Blocks:   sync.NewBlocks(),
		Times:    times,
		Bus:      bus,
		Logger:   log,
	})

	remind := reminders.NewService(reminders.ServiceConfig{
		Sites:     registry,
		Config:    config,
		Scheduler: &logScheduler{log: log},
		Resolver:  calendarEventResolver,
		Logger:    log,
	})

	return &app{
		log:      log,
		registry: registry,
		appDB:    appDB,
		config:   config,
		client:   client,
		bus:      bus,
		offline:  workshopOffline,
		times:    times,
		syncer:   syncer,
		remind:   remind,
	}, nil
}

func (a *app) close() {
	_ = a.client.Close()
	_ = a.registry.Close()
	_ = a.appDB.Close()
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if path := viper.GetString("log_file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// logScheduler stands in for the platform notification plugin on builds
// without one: scheduled reminders are logged instead of displayed.
type logScheduler struct {
	log zerolog.Logger
}

func (s *logScheduler) Schedule(ctx context.Context, n reminders.Notification) error {
	s.log.Info().Int64("reminder", n.ReminderID).Str("title", n.Title).
		Time("at", n.At).Msg("notification scheduled")
	return nil
}

func (s *logScheduler) Cancel(ctx context.Context, reminderID int64, component, siteID string) error {
	s.log.Info().Int64("reminder", reminderID).Str("reminder_component", component).
		Msg("notification cancelled")
	return nil
}

// calendarEventResolver resolves legacy reminder rows against the local
// calendar events table. Sites that never cached the event lose the
// reminder, which matches the migration's documented lossy behavior.
func calendarEventResolver(ctx context.Context, db *store.DB, component string, instanceID int64) (*reminders.Event, error) {
	record, err := db.GetRecord(ctx, "calendar_events", store.Criteria{"id": instanceID})
	if err != nil {
		return nil, fmt.Errorf("event %d of %s not cached locally: %w", instanceID, component, err)
	}
	return &reminders.Event{
		Time:  record.Int("timestart"),
		Title: record.String("name"),
		URL:   record.String("url"),
	}, nil
}
