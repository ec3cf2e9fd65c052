package sync

import (
	"fmt"
	"sync"
)

// Blocks is the process-wide advisory lock map over (component, entity,
// site) keys.
//
// It guards edit-vs-sync races: an open editor blocks the entity so a
// background sync won't replay its queue mid-edit, and a running sync blocks
// the entity so an editor knows to wait. Locks live in memory only; a crash
// leaves no stale lock behind.
//
// Blocking is not reentrant and does not queue: a second Block for a held
// key fails immediately and the caller treats it as "cannot proceed".
type Blocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewBlocks creates an empty registry.
func NewBlocks() *Blocks {
	return &Blocks{held: make(map[string]struct{})}
}

// IsBlocked reports whether the key is currently held.
func (b *Blocks) IsBlocked(component string, id int64, siteID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.held[blockKey(component, id, siteID)]
	return ok
}

// Block acquires the key, failing if it is already held. Callers must pair
// every successful Block with an Unblock on every exit path.
func (b *Blocks) Block(component string, id int64, siteID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := blockKey(component, id, siteID)
	if _, ok := b.held[key]; ok {
		return &BlockedError{Component: component, ID: id, SiteID: siteID}
	}
	b.held[key] = struct{}{}
	return nil
}

// Unblock releases the key. Releasing an unheld key is a no-op.
func (b *Blocks) Unblock(component string, id int64, siteID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.held, blockKey(component, id, siteID))
}

func blockKey(component string, id int64, siteID string) string {
	return fmt.Sprintf("%s#%d#%s", component, id, siteID)
}
