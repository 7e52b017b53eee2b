package taskstore

import (
	"context"
	"log/slog"

	"github.com/you-humble/asrtask/api/internal/domain"
)

// Hook receives the snapshot of a task that has just become terminal.
type Hook func(ctx context.Context, t domain.Task)

// HookedStore runs hooks after every committed terminal transition.
type HookedStore struct {
	*SQLiteStore
	hooks []Hook
}

func WithHooks(s *SQLiteStore, hooks ...Hook) *HookedStore {
	return &HookedStore{SQLiteStore: s, hooks: hooks}
}

func (s *HookedStore) Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error) {
	t, err := s.SQLiteStore.Create(ctx, p)
	if err == nil && t.Status.Terminal() {
		s.fire(ctx, t)
	}
	return t, err
}

func (s *HookedStore) Complete(ctx context.Context, id int64, transcript string) (domain.Task, error) {
	t, err := s.SQLiteStore.Complete(ctx, id, transcript)
	if err == nil {
		s.fire(ctx, t)
	}
	return t, err
}

func (s *HookedStore) Fail(ctx context.Context, id int64, reason string) (domain.Task, error) {
	t, err := s.SQLiteStore.Fail(ctx, id, reason)
	if err == nil {
		s.fire(ctx, t)
	}
	return t, err
}

func (s *HookedStore) fire(ctx context.Context, t domain.Task) {
	for _, h := range s.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("task hook panic",
						slog.Int64("task_id", t.ID),
						slog.Any("panic", r),
					)
				}
			}()
			h(ctx, t)
		}()
	}
}
