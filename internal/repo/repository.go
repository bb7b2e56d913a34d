package repo

import (
	"context"
	"errors"
	"time"

	"dnspick/internal/domain"
)

// ErrNotFound is returned when a run id is unknown to the store.
var ErrNotFound = errors.New("run not found")

// RunStore persists completed pipeline runs. Save assigns an ID when the
// run does not carry one yet.
type RunStore interface {
	Save(ctx context.Context, r *domain.Run) error
	Get(ctx context.Context, id domain.RunID) (*domain.Run, error)
	List(ctx context.Context, limit int) ([]RunSummary, error)
}

// RunSummary is the listing row, cheap enough to return for long histories.
type RunSummary struct {
	ID        domain.RunID  `json:"id"`
	Domains   int           `json:"domains"`
	Ranked    int           `json:"ranked"`
	Failures  int           `json:"failures"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Summarize builds the listing row for a stored run.
func Summarize(r *domain.Run) RunSummary {
	return RunSummary{
		ID:        r.ID,
		Domains:   len(r.Domains),
		Ranked:    len(r.Results),
		Failures:  len(r.Failures),
		StartedAt: r.StartedAt,
		Elapsed:   r.Elapsed,
	}
}
