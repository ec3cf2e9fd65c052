// Package daemon runs background synchronization.
//
// The daemon:
// 1. Periodically syncs every workshop with pending offline data
// 2. Watches the data directory so a site database written by another
//    process (or a fresh login) triggers a sync without waiting a full tick
// 3. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/moodlehq/lmsync/internal/sites"
	"github.com/moodlehq/lmsync/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often the periodic sync-all pass runs.
	SyncInterval time.Duration

	// DebounceInterval batches rapid file changes together before they
	// trigger a sync.
	DebounceInterval time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 2 * time.Second,
	}
}

// Daemon orchestrates directory watching and background sync.
type Daemon struct {
	syncer   *sync.WorkshopSyncer
	registry *sites.Registry
	config   *Config
	log      zerolog.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // site marker path -> queued at
	changeQueueMu stdsync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a daemon. Use Start to begin syncing.
func New(syncer *sync.WorkshopSyncer, registry *sites.Registry, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:      syncer,
		registry:    registry,
		config:      config,
		log:         config.Logger.With().Str("component", "daemon").Logger(),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon performs an initial sync pass, then keeps syncing on a timer
// and on data-directory changes. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Info().Msg("starting daemon")

	if err := d.syncer.SyncAllWorkshops(ctx, "", false); err != nil {
		d.log.Warn().Err(err).Msg("initial sync failed")
	}

	if err := d.watcher.Add(d.registry.Dir()); err != nil {
		return fmt.Errorf("failed to watch data directory: %w", err)
	}
	d.log.Info().Str("dir", d.registry.Dir()).Msg("watching data directory")

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.periodicSync()

	select {
	case <-ctx.Done():
		d.log.Info().Msg("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.log.Info().Msg("stopping daemon")
	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.log.Warn().Err(err).Msg("error closing watcher")
	}

	d.wg.Wait()
	d.log.Info().Msg("daemon stopped")
	return nil
}

// watchFileEvents monitors filesystem events and queues changed sites.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// Site marker files track logins; database writes track offline
			// activity from another process.
			ext := filepath.Ext(event.Name)
			if ext != ".site" && ext != ".db" {
				continue
			}

			d.log.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("file event")
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue drains the change queue once changes settle, running
// one sync-all pass per settled batch.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.drainSettledChanges() {
				if err := d.syncer.SyncAllWorkshops(d.ctx, "", false); err != nil {
					d.log.Warn().Err(err).Msg("change-triggered sync failed")
				}
			}
		}
	}
}

// drainSettledChanges removes settled entries from the queue and reports
// whether any were drained.
func (d *Daemon) drainSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	drained := false
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		if strings.HasPrefix(filepath.Base(path), "site_") {
			drained = true
		}
		delete(d.changeQueue, path)
	}
	return drained
}

// periodicSync runs the sync-all pass on a fixed interval.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.syncer.SyncAllWorkshops(d.ctx, "", false); err != nil {
				d.log.Warn().Err(err).Msg("periodic sync failed")
			}
		}
	}
}
