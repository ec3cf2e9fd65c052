// Package sites owns the mapping from site IDs to their local databases.
//
// A "site" is one authenticated LMS connection. Each site gets exactly one
// database file under the data directory, and all features of that site
// share the same handle. Feature schemas are registered once at startup and
// applied lazily the first time a site database is opened.
package sites

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/moodlehq/lmsync/internal/store"
)

const dbSuffix = ".db"

// Registry opens and caches one store.DB per site.
type Registry struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	dbs     map[string]*store.DB
	schemas []*store.Schema
}

// NewRegistry creates a registry rooted at dir. Site databases live directly
// under dir as site_<hash>.db.
func NewRegistry(dir string, log zerolog.Logger) *Registry {
	return &Registry{
		dir: dir,
		log: log.With().Str("component", "sites").Logger(),
		dbs: make(map[string]*store.DB),
	}
}

// RegisterSchema adds a feature schema applied to every site database opened
// after this call. Must be called during startup, before Open.
func (r *Registry) RegisterSchema(schema *store.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = append(r.schemas, schema)
}

// Open returns the database of a site, creating it on first use.
//
// The handle is a process-wide singleton for that site: repeated calls
// return the same *store.DB. Every registered schema is applied on first
// open; a schema that fails to install is logged and skipped, leaving the
// owning feature unusable for this site while the rest keep working.
func (r *Registry) Open(ctx context.Context, siteID string) (*store.DB, error) {
	if siteID == "" {
		return nil, fmt.Errorf("site ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[siteID]; ok {
		return db, nil
	}

	db, err := store.Open(r.databasePath(siteID))
	if err != nil {
		return nil, fmt.Errorf("failed to open database for site %s: %w", siteID, err)
	}

	for _, schema := range r.schemas {
		if err := db.ApplySchema(ctx, schema); err != nil {
			r.log.Error().Err(err).
				Str("site", siteID).
				Str("schema", schema.Name).
				Msg("schema install failed, feature disabled for this site")
		}
	}

	r.dbs[siteID] = db
	r.writeSiteMarker(siteID)
	return db, nil
}

// SiteIDs lists every site that has a database under the data directory,
// including sites not opened by this process.
func (r *Registry) SiteIDs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sites directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".site") {
			continue
		}
		id, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			r.log.Warn().Err(err).Str("file", name).Msg("unreadable site marker")
			continue
		}
		if s := strings.TrimSpace(string(id)); s != "" {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Remove closes and deletes a site's database. Called at logout.
func (r *Registry) Remove(siteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[siteID]; ok {
		if err := db.Close(); err != nil {
			return err
		}
		delete(r.dbs, siteID)
	}

	if err := os.Remove(r.databasePath(siteID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove database for site %s: %w", siteID, err)
	}
	_ = os.Remove(r.markerPath(siteID))
	return nil
}

// Close closes every open site database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.dbs, id)
	}
	return firstErr
}

// Dir returns the data directory holding the site databases.
func (r *Registry) Dir() string {
	return r.dir
}

// databasePath derives a deterministic file name from the site ID. Site IDs
// come from URLs and user names, so they are hashed rather than embedded in
// the file name.
func (r *Registry) databasePath(siteID string) string {
	return filepath.Join(r.dir, "site_"+hashSiteID(siteID)+dbSuffix)
}

func (r *Registry) markerPath(siteID string) string {
	return filepath.Join(r.dir, "site_"+hashSiteID(siteID)+".site")
}

// writeSiteMarker records the plain site ID next to the hashed database name
// so SiteIDs can enumerate sites across restarts.
func (r *Registry) writeSiteMarker(siteID string) {
	path := r.markerPath(siteID)
	if err := os.WriteFile(path, []byte(siteID+"\n"), 0644); err != nil {
		r.log.Warn().Err(err).Str("site", siteID).Msg("failed to write site marker")
	}
}

func hashSiteID(siteID string) string {
	sum := sha1.Sum([]byte(siteID))
	return hex.EncodeToString(sum[:8])
}
