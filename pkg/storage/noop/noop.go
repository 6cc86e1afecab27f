// Package noop is the in-memory crash storage backend. It keeps the last
// saved crashes so tests and local dev can inspect what would have been
// written, and nothing else.
package noop

import (
	"context"
	"sync"

	"github.com/crashworks/collector/pkg/crash"
	"github.com/crashworks/collector/pkg/storage"
)

// maxRemembered bounds how many saves are kept for inspection.
const maxRemembered = 100

// Storage records saved crashes in memory.
type Storage struct {
	mu     sync.Mutex
	saved  []Saved
	verify int
}

// Saved is one recorded SaveCrash call, expanded to the canonical object
// layout.
type Saved struct {
	CrashID string
	Objects []storage.Object
}

// New returns an empty in-memory storage.
func New() *Storage {
	return &Storage{}
}

// SaveCrash records the report's object set.
func (s *Storage) SaveCrash(_ context.Context, report *crash.Report) error {
	objects, err := storage.CrashObjects(report)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, Saved{CrashID: report.ID, Objects: objects})
	if len(s.saved) > maxRemembered {
		s.saved = s.saved[len(s.saved)-maxRemembered:]
	}
	return nil
}

// Verify always succeeds.
func (s *Storage) Verify(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verify++
	return nil
}

// Saved returns the recorded saves, oldest first.
func (s *Storage) Saved() []Saved {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Saved, len(s.saved))
	copy(out, s.saved)
	return out
}

// VerifyCalls returns how many times Verify ran.
func (s *Storage) VerifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify
}
