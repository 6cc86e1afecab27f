// Package fs is the local-filesystem crash storage backend. Object keys
// become file paths under a root directory. Meant for development and the
// occasional single-node deployment; there is no retention or cleanup.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/storage"
)

// Storage writes crash objects under Root.
type Storage struct {
	root string
}

// New returns a filesystem storage rooted at root, creating it if needed.
func New(root string) (*Storage, error) {
	if root == "" {
		return nil, fmt.Errorf("fs storage: root directory not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs storage: creating root %s: %w", root, err)
	}
	return &Storage{root: root}, nil
}

// SaveCrash writes every object for the report. Writes go through a temp
// file and rename so a crash mid-write never leaves a half object at the
// canonical path.
func (s *Storage) SaveCrash(ctx context.Context, report *crash.Report) error {
	objects, err := storage.CrashObjects(report)
	if err != nil {
		return err
	}

	for _, object := range objects {
		if err := ctx.Err(); err != nil {
			return storage.Transient(err)
		}
		if err := s.writeObject(object.Key, object.Body); err != nil {
			return err
		}
	}
	return nil
}

// Verify writes and removes a scratch object under the root.
func (s *Storage) Verify(context.Context) error {
	key := storage.VerifyKey(uuid.New().String())
	if err := s.writeObject(key, []byte("verification\n")); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.root, filepath.FromSlash(key)))
}

func (s *Storage) writeObject(key string, body []byte) error {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fs storage: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".collector-*")
	if err != nil {
		return fmt.Errorf("fs storage: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fs storage: writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fs storage: closing %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fs storage: renaming %s: %w", key, err)
	}
	return nil
}
