// Package filearea manages attachment files queued alongside offline
// actions.
//
// Action records never hold file bytes, only a draft reference. The bytes
// live in a per-draft folder under the data directory until a sync uploads
// them and clears the draft.
package filearea

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moodlehq/lmsync/internal/remote"
)

// Manager stores draft files on disk and uploads them through the RPC
// channel.
type Manager struct {
	root   string
	caller remote.Caller
	log    zerolog.Logger
}

// NewManager creates a manager rooted at dir/drafts.
func NewManager(dir string, caller remote.Caller, log zerolog.Logger) *Manager {
	return &Manager{
		root:   filepath.Join(dir, "drafts"),
		caller: caller,
		log:    log.With().Str("component", "filearea").Logger(),
	}
}

// StoreFilesToUpload copies the given files into a fresh draft folder and
// returns the draft reference to store on the action record.
func (m *Manager) StoreFilesToUpload(ctx context.Context, folder string, files []string) (string, error) {
	draftID := uuid.NewString()
	dir := filepath.Join(m.root, folder, draftID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create draft folder: %w", err)
	}

	for _, src := range files {
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}

	return filepath.Join(folder, draftID), nil
}

// ListDraftFiles returns the absolute paths of the files in a draft.
func (m *Manager) ListDraftFiles(draftRef string) ([]string, error) {
	dir := filepath.Join(m.root, draftRef)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read draft %s: %w", draftRef, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// UploadDraft uploads every file of a draft to the server's upload area and
// returns the server-side item id to reference in the follow-up write call.
// An empty draft still yields a valid (empty) item id, mirroring "all
// attachments removed". Transport failures surface as connectivity errors.
func (m *Manager) UploadDraft(ctx context.Context, draftRef string) (int64, error) {
	files, err := m.ListDraftFiles(draftRef)
	if err != nil {
		return 0, err
	}

	var itemID int64
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("failed to read draft file %s: %w", path, err)
		}

		params := map[string]any{
			"filename": filepath.Base(path),
			"filedata": base64.StdEncoding.EncodeToString(data),
			"itemid":   itemID,
		}
		result, err := m.caller.Write(ctx, "core_files_upload", params)
		if err != nil {
			return 0, err
		}

		var uploaded struct {
			ItemID int64 `json:"itemid"`
		}
		if err := decodeResult(result, &uploaded); err != nil {
			return 0, err
		}
		itemID = uploaded.ItemID
	}

	return itemID, nil
}

// DeleteDraft removes a draft folder. Removing a missing draft is not an
// error.
func (m *Manager) DeleteDraft(draftRef string) error {
	if draftRef == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(m.root, draftRef)); err != nil {
		return fmt.Errorf("failed to delete draft %s: %w", draftRef, err)
	}
	return nil
}

// ClearFolder removes every draft under a folder, used when an entity's
// stored files are no longer needed after sync.
func (m *Manager) ClearFolder(folder string) error {
	if folder == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(m.root, folder)); err != nil {
		return fmt.Errorf("failed to clear folder %s: %w", folder, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

func decodeResult(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode upload result: %w", err)
	}
	return nil
}
