// Package noop is the in-memory publish backend: it records published
// identifiers for tests and local dev.
package noop

import (
	"context"
	"sync"
)

// maxRemembered bounds how many identifiers are kept.
const maxRemembered = 100

// Publisher records published crash identifiers in memory.
type Publisher struct {
	mu        sync.Mutex
	published []string
	verify    int
}

// New returns an empty in-memory publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishCrash records the identifier.
func (p *Publisher) PublishCrash(_ context.Context, crashID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, crashID)
	if len(p.published) > maxRemembered {
		p.published = p.published[len(p.published)-maxRemembered:]
	}
	return nil
}

// Verify always succeeds.
func (p *Publisher) Verify(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verify++
	return nil
}

// Published returns the recorded identifiers, oldest first.
func (p *Publisher) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	copy(out, p.published)
	return out
}

// VerifyCalls returns how many times Verify ran.
func (p *Publisher) VerifyCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verify
}
