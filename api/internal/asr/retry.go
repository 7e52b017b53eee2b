package asr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"
)

// Checker performs one query against the recognition service.
type Checker interface {
	Check(ctx context.Context, taskID string) (Outcome, error)
}

// QueryError carries the human-readable reason that ends a retry loop.
// Its message is what gets persisted; errors.Is matches the wrapped kinds.
type QueryError struct {
	Reason string
	kinds  []error
}

func (e *QueryError) Error() string   { return e.Reason }
func (e *QueryError) Unwrap() []error { return e.kinds }

func queryError(reason string, kinds ...error) *QueryError {
	return &QueryError{Reason: reason, kinds: kinds}
}

type Retrier struct {
	checker Checker
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
}

func NewRetrier(checker Checker, log *slog.Logger) *Retrier {
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{checker: checker, sleep: sleepCtx, log: log}
}

// Query polls taskID until it reaches a conclusion or maxAttempts queries
// were spent. A confirmatory query after an empty completion uses one of
// those attempts.
func (r *Retrier) Query(ctx context.Context, taskID string, maxAttempts int, interval time.Duration) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := r.log.With(slog.String("task_id", taskID))

	attempt := 0
	for attempt < maxAttempts {
		if attempt > 0 {
			if err := r.sleep(ctx, interval); err != nil {
				return "", err
			}
		}
		attempt++

		out, err := r.checker.Check(ctx, taskID)
		if err != nil {
			return "", queryError(fmt.Sprintf("Internal error: %v", err), domain.ErrInternal, err)
		}
		log.Debug("asr query", slog.Int("attempt", attempt), slog.String("outcome", out.Kind.String()))

		switch out.Kind {
		case Completed:
			if out.Text != "" || attempt == maxAttempts {
				return out.Text, nil
			}

			if err := r.sleep(ctx, interval); err != nil {
				return "", err
			}
			attempt++

			confirm, err := r.checker.Check(ctx, taskID)
			if err != nil {
				return "", queryError(fmt.Sprintf("Internal error: %v", err), domain.ErrInternal, err)
			}
			log.Debug("asr confirmatory query", slog.Int("attempt", attempt), slog.String("outcome", confirm.Kind.String()))

			switch {
			case confirm.Kind == Completed:
				return confirm.Text, nil
			case confirm.Kind == Failed && !confirm.Transient:
				return "", queryError(confirm.Reason, domain.ErrExternalTask)
			case confirm.Kind == Failed && attempt >= maxAttempts:
				return "", exhaustedTransient(maxAttempts, confirm.Reason)
			}

		case Failed:
			if !out.Transient {
				return "", queryError(out.Reason, domain.ErrExternalTask)
			}
			if attempt >= maxAttempts {
				return "", exhaustedTransient(maxAttempts, out.Reason)
			}
			log.Warn("transient asr query failure", slog.Int("attempt", attempt), slog.String("reason", out.Reason))
		}
	}

	return "", queryError(
		fmt.Sprintf("%s (%d), %s", domain.ErrRetryBudgetExceeded, maxAttempts, domain.ErrStillProcessing),
		domain.ErrRetryBudgetExceeded, domain.ErrStillProcessing,
	)
}

func exhaustedTransient(n int, reason string) error {
	return queryError(
		fmt.Sprintf("%s (%d): %s", domain.ErrRetryBudgetExceeded, n, reason),
		domain.ErrRetryBudgetExceeded, domain.ErrTransientTransport,
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
