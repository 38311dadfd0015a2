package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/guardkit/agentbridge/coreengine/fsutil"
	"github.com/guardkit/agentbridge/coreengine/logging"
)

// Store persists snapshots by run key.
type Store interface {
	Save(ctx context.Context, key string, snap *Snapshot) error
	Load(ctx context.Context, key string) (*Snapshot, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Lister is implemented by stores that keep snapshots outside the run
// directories. A snapshot may then outlive, or never have had, a run dir.
type Lister interface {
	// List returns every stored key with the time its snapshot was last saved.
	List(ctx context.Context) (map[string]time.Time, error)
}

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps each snapshot in <root>/<key>/state.json.
type FileStore struct {
	layout Layout
	logger logging.Logger
}

// NewFileStore creates a FileStore over layout.
func NewFileStore(layout Layout, logger logging.Logger) *FileStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &FileStore{layout: layout, logger: logger}
}

// Layout returns the store's layout.
func (s *FileStore) Layout() Layout {
	return s.layout
}

// Save writes the snapshot atomically.
func (s *FileStore) Save(ctx context.Context, key string, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	path := s.layout.StatePath(key)
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	s.logger.Debug("state_saved",
		"key", key,
		"checkpoint_label", snap.CheckpointLabel,
		"phase_index", snap.PhaseIndex,
	)
	return nil
}

// Load reads and validates the snapshot for key.
func (s *FileStore) Load(ctx context.Context, key string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	path := s.layout.StatePath(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NewStateNotFoundError(key, path)
	}
	if err != nil {
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	snap, err := Decode(data, key, path)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("state_loaded", "key", key, "checkpoint_label", snap.CheckpointLabel)
	return snap, nil
}

// Delete removes the snapshot. Deleting a missing snapshot succeeds.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := fsutil.RemoveIfExists(s.layout.StatePath(key)); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	s.logger.Debug("state_deleted", "key", key)
	return nil
}

// Exists reports whether a snapshot file is present for key.
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	return fsutil.Exists(s.layout.StatePath(key)), nil
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)
