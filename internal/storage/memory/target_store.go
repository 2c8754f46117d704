package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawlfleet/internal/fleet"
)

// TargetStore keeps crawl targets in-memory. It implements fleet.TargetStore.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]fleet.CrawlTarget
	order   []string
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[string]fleet.CrawlTarget)}
}

// LoadTargets returns every target in insertion order.
func (s *TargetStore) LoadTargets(_ context.Context) ([]fleet.CrawlTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.CrawlTarget, 0, len(s.order))
	for _, u := range s.order {
		out = append(out, s.targets[u].Clone())
	}
	return out, nil
}

// UpsertTarget stores the frequency and payload of a target, keeping any
// recorded dispatch.
func (s *TargetStore) UpsertTarget(_ context.Context, target fleet.CrawlTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.targets[target.URL]
	if !ok {
		s.order = append(s.order, target.URL)
		cur = fleet.CrawlTarget{URL: target.URL}
	}
	next := target.Clone()
	cur.Frequency = next.Frequency
	cur.Payload = next.Payload
	s.targets[target.URL] = cur
	return nil
}

// RecordDispatch stamps a target. Unknown URLs are ignored.
func (s *TargetStore) RecordDispatch(_ context.Context, url string, at time.Time, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.targets[url]
	if !ok {
		return nil
	}
	cur.LastDispatchedAt = at
	cur.LastWorker = workerID
	s.targets[url] = cur
	return nil
}
