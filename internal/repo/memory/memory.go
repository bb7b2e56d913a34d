// Package memory is the default in-process run store.
package memory

import (
	"context"
	"sync"
	"time"

	"dnspick/internal/domain"
	"dnspick/internal/repo"
)

var _ repo.RunStore = (*Store)(nil)

type Store struct {
	mu    sync.RWMutex
	runs  map[domain.RunID]*domain.Run
	order []domain.RunID // insertion order, oldest first
	// MaxRuns caps retained history; 0 keeps everything.
	MaxRuns int
}

func New() *Store {
	return &Store{runs: make(map[domain.RunID]*domain.Run)}
}

func (m *Store) Save(ctx context.Context, r *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = domain.RunID(time.Now().UTC().Format("20060102T150405.000000000"))
	}
	if _, exists := m.runs[r.ID]; !exists {
		m.order = append(m.order, r.ID)
	}
	m.runs[r.ID] = r

	for m.MaxRuns > 0 && len(m.order) > m.MaxRuns {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.runs, evict)
	}
	return nil
}

func (m *Store) Get(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return r, nil
}

// List returns summaries newest first.
func (m *Store) List(ctx context.Context, limit int) ([]repo.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]repo.RunSummary, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, repo.Summarize(m.runs[m.order[i]]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
