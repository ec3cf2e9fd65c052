package filearea

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	uploads []map[string]any
	err     error
	nextID  int64
}

func (f *fakeCaller) Read(ctx context.Context, method string, params any, cacheKey string) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeCaller) Write(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, params.(map[string]any))
	f.nextID++
	return json.RawMessage(fmt.Sprintf(`{"itemid": %d}`, f.nextID)), nil
}

func (f *fakeCaller) Invalidate(prefix string) {}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestStoreAndListDraftFiles(t *testing.T) {
	m := NewManager(t.TempDir(), &fakeCaller{}, zerolog.Nop())
	ctx := context.Background()

	src := writeTempFile(t, "essay.txt", "final draft")

	draftRef, err := m.StoreFilesToUpload(ctx, "workshop/10/5_edit", []string{src})
	require.NoError(t, err)
	assert.Contains(t, draftRef, "workshop/10/5_edit")

	files, err := m.ListDraftFiles(draftRef)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "essay.txt", filepath.Base(files[0]))

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "final draft", string(data))
}

func TestStoreFilesDistinctDrafts(t *testing.T) {
	m := NewManager(t.TempDir(), &fakeCaller{}, zerolog.Nop())
	ctx := context.Background()

	src := writeTempFile(t, "a.txt", "x")

	ref1, err := m.StoreFilesToUpload(ctx, "workshop/10/5_edit", []string{src})
	require.NoError(t, err)
	ref2, err := m.StoreFilesToUpload(ctx, "workshop/10/5_edit", []string{src})
	require.NoError(t, err)

	assert.NotEqual(t, ref1, ref2)
}

func TestListMissingDraft(t *testing.T) {
	m := NewManager(t.TempDir(), &fakeCaller{}, zerolog.Nop())

	files, err := m.ListDraftFiles("workshop/10/never")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadDraftSendsFileBytes(t *testing.T) {
	caller := &fakeCaller{}
	m := NewManager(t.TempDir(), caller, zerolog.Nop())
	ctx := context.Background()

	src := writeTempFile(t, "essay.txt", "final draft")
	draftRef, err := m.StoreFilesToUpload(ctx, "workshop/10/5_edit", []string{src})
	require.NoError(t, err)

	itemID, err := m.UploadDraft(ctx, draftRef)
	require.NoError(t, err)
	assert.Equal(t, int64(1), itemID)

	require.Len(t, caller.uploads, 1)
	assert.Equal(t, "essay.txt", caller.uploads[0]["filename"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("final draft")), caller.uploads[0]["filedata"])
}

func TestUploadEmptyDraft(t *testing.T) {
	caller := &fakeCaller{}
	m := NewManager(t.TempDir(), caller, zerolog.Nop())

	// "All attachments removed" is an empty draft, still a valid upload.
	itemID, err := m.UploadDraft(context.Background(), "workshop/10/empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), itemID)
	assert.Empty(t, caller.uploads)
}

func TestDeleteDraftAndClearFolder(t *testing.T) {
	m := NewManager(t.TempDir(), &fakeCaller{}, zerolog.Nop())
	ctx := context.Background()

	src := writeTempFile(t, "a.txt", "x")
	ref, err := m.StoreFilesToUpload(ctx, "workshop/10/5_edit", []string{src})
	require.NoError(t, err)

	require.NoError(t, m.DeleteDraft(ref))
	files, err := m.ListDraftFiles(ref)
	require.NoError(t, err)
	assert.Empty(t, files)

	ref, err = m.StoreFilesToUpload(ctx, "workshop/10/5_edit", []string{src})
	require.NoError(t, err)
	require.NoError(t, m.ClearFolder("workshop/10/5_edit"))
	files, err = m.ListDraftFiles(ref)
	require.NoError(t, err)
	assert.Empty(t, files)

	// Missing targets are fine.
	require.NoError(t, m.DeleteDraft("workshop/10/never"))
	require.NoError(t, m.ClearFolder(""))
}
