package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"

	"github.com/google/uuid"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000

	DefaultSyncAttempts    = 30
	DefaultSyncAttemptsCap = 120
	DefaultSyncInterval    = 3 * time.Second
)

type TaskStore interface {
	Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error)
	Task(ctx context.Context, id int64) (domain.Task, error)
	TaskByExternalID(ctx context.Context, externalID string) (domain.Task, error)
	List(ctx context.Context, f domain.ListFilter) (int, []domain.Task, error)
	Complete(ctx context.Context, id int64, transcript string) (domain.Task, error)
	Fail(ctx context.Context, id int64, reason string) (domain.Task, error)
}

type URLProber interface {
	Check(ctx context.Context, rawURL string) (string, error)
}

type Submitter interface {
	Submit(ctx context.Context, audioURL string) (string, error)
}

type ResultQuerier interface {
	Query(ctx context.Context, externalID string, maxAttempts int, interval time.Duration) (string, error)
}

type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (int64, bool, error)
	Remember(ctx context.Context, key string, taskID int64) (int64, bool, error)
	Forget(ctx context.Context, key string) error
}

type Config struct {
	SyncAttempts    int
	SyncAttemptsCap int
	SyncInterval    time.Duration
}

type usecase struct {
	cfg       Config
	taskStore TaskStore
	prober    URLProber
	submitter Submitter
	querier   ResultQuerier
	idemp     IdempotencyStore
	now       func() time.Time
}

// New wires the service boundary. idemp may be nil, in which case
// idempotency keys are ignored.
func New(
	cfg Config,
	taskStore TaskStore,
	prober URLProber,
	submitter Submitter,
	querier ResultQuerier,
	idemp IdempotencyStore,
) *usecase {
	if cfg.SyncAttempts <= 0 {
		cfg.SyncAttempts = DefaultSyncAttempts
	}
	if cfg.SyncAttemptsCap <= 0 {
		cfg.SyncAttemptsCap = DefaultSyncAttemptsCap
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &usecase{
		cfg:       cfg,
		taskStore: taskStore,
		prober:    prober,
		submitter: submitter,
		querier:   querier,
		idemp:     idemp,
		now:       time.Now,
	}
}

// Submit validates and submits sourceURL, recording a pending task. When
// validation or submission fails a failed task is still recorded and
// returned together with the error.
func (uc *usecase) Submit(ctx context.Context, sourceURL, idempotencyKey string) (domain.Task, error) {
	if task, ok := uc.byIdempotencyKey(ctx, idempotencyKey); ok {
		return task, nil
	}

	task, err := uc.register(ctx, sourceURL, domain.StatusPending)
	if err != nil {
		return task, err
	}

	if uc.idemp != nil && idempotencyKey != "" {
		if existing, ok, err := uc.idemp.Remember(ctx, idempotencyKey, task.ID); err != nil {
			slog.Warn("remember idempotency key", slog.String("error", err.Error()))
		} else if !ok {
			if first, err := uc.taskStore.Task(ctx, existing); err == nil {
				uc.supersede(ctx, task, existing)
				return first, nil
			}
		}
	}

	slog.Info("task submitted",
		slog.Int64("task_id", task.ID),
		slog.String("external_id", task.ExternalTaskID),
	)
	return task, nil
}

// TranscribeSync submits sourceURL and waits for its transcript. On an
// exhausted budget while the service is still working the task is left
// processing so the poller can finish it.
func (uc *usecase) TranscribeSync(ctx context.Context, sourceURL string, maxAttempts, intervalSeconds *int) (domain.Task, string, error) {
	task, err := uc.register(ctx, sourceURL, domain.StatusProcessing)
	if err != nil {
		return task, "", err
	}

	attempts, interval := uc.syncBudget(maxAttempts, intervalSeconds)
	l := slog.With(
		slog.Int64("task_id", task.ID),
		slog.String("external_id", task.ExternalTaskID),
		slog.Int("max_attempts", attempts),
	)
	l.Info("waiting for transcript")

	text, qerr := uc.querier.Query(ctx, task.ExternalTaskID, attempts, interval)
	// the outcome is recorded even if the caller has gone away
	wctx := context.WithoutCancel(ctx)

	if qerr != nil {
		if errors.Is(qerr, domain.ErrStillProcessing) || errors.Is(qerr, context.Canceled) || errors.Is(qerr, context.DeadlineExceeded) {
			l.Warn("transcript not ready, leaving task to the poller", slog.String("error", qerr.Error()))
			return task, "", qerr
		}

		failed, err := uc.taskStore.Fail(wctx, task.ID, domain.ErrorMessage(qerr))
		if errors.Is(err, domain.ErrTaskFinalized) {
			return uc.settled(failed)
		}
		if err != nil {
			return task, "", fmt.Errorf("record failure: %w", err)
		}
		l.Warn("transcription failed", slog.String("error", qerr.Error()))
		return failed, "", qerr
	}

	done, err := uc.taskStore.Complete(wctx, task.ID, text)
	if errors.Is(err, domain.ErrTaskFinalized) {
		return uc.settled(done)
	}
	if err != nil {
		return task, "", fmt.Errorf("record transcript: %w", err)
	}
	l.Info("transcription completed", slog.Int("transcript_len", len(text)))
	return done, text, nil
}

// settled reports a task that another writer finalized first.
func (uc *usecase) settled(t domain.Task) (domain.Task, string, error) {
	switch {
	case t.Status == domain.StatusCompleted && t.Transcript != nil:
		return t, *t.Transcript, nil
	case t.Status == domain.StatusFailed && t.ErrorMessage != nil:
		return t, "", fmt.Errorf("%w: %s", domain.ErrExternalTask, *t.ErrorMessage)
	}
	return t, "", fmt.Errorf("%w: unexpected task state %s", domain.ErrInternal, t.Status)
}

func (uc *usecase) Task(ctx context.Context, id int64) (domain.Task, error) {
	return uc.taskStore.Task(ctx, id)
}

func (uc *usecase) TaskByExternalID(ctx context.Context, externalID string) (domain.Task, error) {
	return uc.taskStore.TaskByExternalID(ctx, externalID)
}

// Lookup resolves ref as an external id first and as a local id second.
func (uc *usecase) Lookup(ctx context.Context, ref string) (domain.Task, error) {
	task, err := uc.taskStore.TaskByExternalID(ctx, ref)
	if err == nil || !errors.Is(err, domain.ErrTaskNotFound) {
		return task, err
	}
	id, perr := strconv.ParseInt(ref, 10, 64)
	if perr != nil {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return uc.taskStore.Task(ctx, id)
}

func (uc *usecase) List(ctx context.Context, status string, limit, offset int) (domain.TaskList, error) {
	f := domain.ListFilter{Limit: limit, Offset: max(offset, 0)}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	f.Limit = min(f.Limit, MaxListLimit)
	if status != "" {
		st := domain.TaskStatus(status)
		if !st.Valid() {
			return domain.TaskList{}, fmt.Errorf("unknown status %q", status)
		}
		f.Status = &st
	}

	total, tasks, err := uc.taskStore.List(ctx, f)
	if err != nil {
		return domain.TaskList{}, fmt.Errorf("list tasks: %w", err)
	}

	out := domain.TaskList{Total: total, Tasks: make([]domain.TaskSummary, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, t.Summary())
	}
	return out, nil
}

// FormatMessage wraps a transcript into a chat-completion style message.
func (uc *usecase) FormatMessage(text string) domain.OpenAIMessage {
	return domain.OpenAIMessage{
		ID:      "msg_" + shortID(),
		Object:  "chat.completion.message",
		Created: uc.now().Unix(),
		Model:   "volcengine-asr",
		Role:    "user",
		Content: []domain.OpenAIContent{{Type: "text", Text: text}},
	}
}

// register probes and submits sourceURL and records the task in status.
// Failures are recorded under a placeholder external id.
func (uc *usecase) register(ctx context.Context, sourceURL string, status domain.TaskStatus) (domain.Task, error) {
	finalURL, err := uc.prober.Check(ctx, sourceURL)
	if err != nil {
		return uc.recordFailure(ctx, sourceURL, err)
	}

	externalID, err := uc.submitter.Submit(ctx, finalURL)
	if err != nil {
		return uc.recordFailure(ctx, sourceURL, err)
	}

	task, err := uc.taskStore.Create(ctx, domain.CreateTaskParams{
		ExternalTaskID: externalID,
		SourceURL:      sourceURL,
		Status:         status,
	})
	if errors.Is(err, domain.ErrTaskExists) {
		return uc.taskStore.TaskByExternalID(ctx, externalID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (uc *usecase) recordFailure(ctx context.Context, sourceURL string, cause error) (domain.Task, error) {
	task, err := uc.taskStore.Create(context.WithoutCancel(ctx), domain.CreateTaskParams{
		ExternalTaskID: "failed_" + shortID(),
		SourceURL:      sourceURL,
		Status:         domain.StatusFailed,
		ErrorMessage:   domain.ErrorMessage(cause),
	})
	if err != nil {
		slog.Error("record failed task",
			slog.String("audio_url", sourceURL),
			slog.String("error", err.Error()),
		)
		return domain.Task{}, cause
	}
	slog.Warn("task rejected",
		slog.Int64("task_id", task.ID),
		slog.String("error", cause.Error()),
	)
	return task, cause
}

// supersede fails a task that lost an idempotency race so the poller
// stops tracking a submission no caller will ever look up.
func (uc *usecase) supersede(ctx context.Context, dup domain.Task, winner int64) {
	reason := fmt.Sprintf("superseded by task %d with the same idempotency key", winner)
	if _, err := uc.taskStore.Fail(context.WithoutCancel(ctx), dup.ID, reason); err != nil &&
		!errors.Is(err, domain.ErrTaskFinalized) {
		slog.Warn("fail superseded task",
			slog.Int64("task_id", dup.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("idempotency key raced, returning first task",
		slog.Int64("task_id", dup.ID),
		slog.Int64("existing_id", winner),
	)
}

func (uc *usecase) byIdempotencyKey(ctx context.Context, key string) (domain.Task, bool) {
	if uc.idemp == nil || key == "" {
		return domain.Task{}, false
	}
	id, ok, err := uc.idemp.Lookup(ctx, key)
	if err != nil {
		slog.Warn("idempotency lookup", slog.String("error", err.Error()))
		return domain.Task{}, false
	}
	if !ok {
		return domain.Task{}, false
	}
	task, err := uc.taskStore.Task(ctx, id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		// the key outlived its task; drop it so the request submits afresh
		if err := uc.idemp.Forget(ctx, key); err != nil {
			slog.Warn("forget stale idempotency key", slog.String("error", err.Error()))
		}
		return domain.Task{}, false
	}
	if err != nil {
		return domain.Task{}, false
	}
	return task, true
}

func (uc *usecase) syncBudget(maxAttempts, intervalSeconds *int) (int, time.Duration) {
	attempts := uc.cfg.SyncAttempts
	if maxAttempts != nil && *maxAttempts > 0 {
		attempts = *maxAttempts
	}
	attempts = min(attempts, uc.cfg.SyncAttemptsCap)

	interval := uc.cfg.SyncInterval
	if intervalSeconds != nil && *intervalSeconds >= 0 {
		interval = time.Duration(*intervalSeconds) * time.Second
	}
	return attempts, interval
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
