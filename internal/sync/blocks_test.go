package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockUnblock(t *testing.T) {
	blocks := NewBlocks()

	assert.False(t, blocks.IsBlocked("mod_workshop", 1, "site-a"))

	require.NoError(t, blocks.Block("mod_workshop", 1, "site-a"))
	assert.True(t, blocks.IsBlocked("mod_workshop", 1, "site-a"))

	blocks.Unblock("mod_workshop", 1, "site-a")
	assert.False(t, blocks.IsBlocked("mod_workshop", 1, "site-a"))
}

func TestBlockIsNotReentrant(t *testing.T) {
	blocks := NewBlocks()

	require.NoError(t, blocks.Block("mod_workshop", 1, "site-a"))

	err := blocks.Block("mod_workshop", 1, "site-a")
	require.Error(t, err)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "mod_workshop", blocked.Component)
	assert.Equal(t, int64(1), blocked.ID)
	assert.Equal(t, "site-a", blocked.SiteID)

	// The failed second acquire must not have released the key.
	assert.True(t, blocks.IsBlocked("mod_workshop", 1, "site-a"))
}

func TestBlockKeysAreIndependent(t *testing.T) {
	blocks := NewBlocks()

	require.NoError(t, blocks.Block("mod_workshop", 1, "site-a"))

	assert.False(t, blocks.IsBlocked("mod_workshop", 2, "site-a"))
	assert.False(t, blocks.IsBlocked("mod_workshop", 1, "site-b"))
	assert.False(t, blocks.IsBlocked("mod_assign", 1, "site-a"))

	require.NoError(t, blocks.Block("mod_workshop", 2, "site-a"))
	require.NoError(t, blocks.Block("mod_workshop", 1, "site-b"))
}

func TestUnblockUnheldIsNoOp(t *testing.T) {
	blocks := NewBlocks()

	blocks.Unblock("mod_workshop", 99, "site-a")
	assert.False(t, blocks.IsBlocked("mod_workshop", 99, "site-a"))
}
