package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/you-humble/asrtask/api/internal/domain"
)

type Storage interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
}

type Job struct {
	Task    domain.Task
	Retries int
}

// Archiver copies terminal task snapshots to object storage in the
// background. The database stays authoritative; a dropped job is logged.
type Archiver struct {
	storage Storage

	queue      chan Job
	workerNum  int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func New(storage Storage, queueSize, workerNum, maxRetries int) *Archiver {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Archiver{
		storage:    storage,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	if a.closed || a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.wg.Add(a.workerNum)
	for i := 0; i < a.workerNum; i++ {
		go a.worker()
	}
}

// Stop closes the queue and waits for workers to drain it or for ctx to end.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		a.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		a.cancel()
		return ctx.Err()
	case <-doneCh:
	}

	a.cancel()
	slog.Info("archiver: stopped")
	return nil
}

func (a *Archiver) Enqueue(job Job) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}

	select {
	case a.queue <- job:
		return true
	default:
		return false
	}
}

// Hook enqueues terminal tasks; it matches the task store hook signature.
func (a *Archiver) Hook(_ context.Context, t domain.Task) {
	if !t.Status.Terminal() {
		return
	}
	if !a.Enqueue(Job{Task: t}) {
		slog.Warn("archiver: queue full or closed, snapshot dropped",
			slog.Int64("task_id", t.ID),
		)
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case job, ok := <-a.queue:
			if !ok {
				return
			}
			a.handleJob(a.ctx, job)
		}
	}
}

func (a *Archiver) handleJob(ctx context.Context, job Job) {
	l := slog.With(
		slog.Int64("task_id", job.Task.ID),
		slog.Int("retries", job.Retries),
	)

	err := a.archiveOnce(ctx, job)
	if err == nil {
		return
	}
	if job.Retries >= a.maxRetries {
		l.Error("archive failed, max retries exceeded",
			slog.String("error", err.Error()),
		)
		return
	}

	job.Retries++
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		l.Error("archive failed during shutdown, dropping job",
			slog.String("error", err.Error()),
		)
		return
	}
	select {
	case a.queue <- job:
		l.Warn("archive failed, job requeued",
			slog.String("error", err.Error()),
			slog.Int("next_retry", job.Retries),
		)
	default:
		l.Error("archive failed and queue is full, dropping job",
			slog.String("error", err.Error()),
		)
	}
}

func (a *Archiver) archiveOnce(ctx context.Context, job Job) error {
	data, err := json.Marshal(job.Task.Summary())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := a.storage.Put(ctx, ObjectName(job.Task), data, "application/json"); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}

	slog.Debug("archiver: snapshot stored",
		slog.Int64("task_id", job.Task.ID),
		slog.Int("size", len(data)),
	)
	return nil
}

func ObjectName(t domain.Task) string {
	return "transcripts/" + t.ExternalTaskID + ".json"
}
