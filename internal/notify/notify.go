// Package notify pushes run completions to external receivers.
package notify

import (
	"context"

	"dnspick/internal/domain"
)

type Notifier interface {
	RunCompleted(ctx context.Context, run *domain.Run) error
}

type Multi []Notifier

func (m Multi) RunCompleted(ctx context.Context, run *domain.Run) error {
	var firstErr error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.RunCompleted(ctx, run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
