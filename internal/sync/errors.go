package sync

import "fmt"

// BlockedError is returned when a sync is skipped because the entity is
// being edited (or synced) elsewhere. It is advisory, not a failure: batch
// sync logs it and moves on, and it is never surfaced to the user.
type BlockedError struct {
	Component string
	ID        int64
	SiteID    string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("cannot sync %s %d on site %s: blocked by an ongoing operation",
		e.Component, e.ID, e.SiteID)
}
