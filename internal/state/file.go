package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// FileStore keeps one JSON file per session under a directory. Writes go
// through a temp file and rename so a crashed process never leaves a
// half-written state behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, protocol.NewConfigError("state_dir", "cannot create state directory %s: %v", dir, err).WithCause(err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sessionID string) string {
	// Session ids come from callers; keep them from escaping the directory.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(sessionID)
	return filepath.Join(s.dir, safe+".json")
}

// Load implements Store. An absent or empty file is a fresh run.
func (s *FileStore) Load(_ context.Context, sessionID string) (*protocol.SavedState, error) {
	raw, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, protocol.NewTransportError("state_read", "cannot read state for %s: %v", sessionID, err).WithCause(err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var st protocol.SavedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, protocol.NewProtocolError("state_decode", "state for %s is not valid JSON: %v", sessionID, err)
	}
	return &st, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, sessionID string, st *protocol.SavedState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return protocol.NewProtocolError("state_encode", "cannot encode state for %s: %v", sessionID, err)
	}
	target := s.path(sessionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return protocol.NewTransportError("state_write", "cannot write state for %s: %v", sessionID, err).WithCause(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return protocol.NewTransportError("state_write", "cannot finalize state for %s: %v", sessionID, err).WithCause(err)
	}
	return nil
}

// Delete implements Store. Deleting an unknown session is a no-op.
func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return protocol.NewTransportError("state_delete", "cannot delete state for %s: %v", sessionID, err).WithCause(err)
	}
	return nil
}
