package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/you-humble/asrtask/api/internal/asr"
	"github.com/you-humble/asrtask/api/internal/domain"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval             = 5 * time.Second
	DefaultQueryTimeout         = 30 * time.Second
	DefaultConcurrency          = 4
	DefaultMaxTransientFailures = 10
)

type TaskStore interface {
	Unfinished(ctx context.Context) ([]domain.Task, error)
	MarkProcessing(ctx context.Context, id int64) (domain.Task, error)
	Touch(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64, transcript string) (domain.Task, error)
	Fail(ctx context.Context, id int64, reason string) (domain.Task, error)
}

type Checker interface {
	Check(ctx context.Context, externalID string) (asr.Outcome, error)
}

// Lease guards a tick against other replicas polling the same store.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	Interval     time.Duration
	QueryTimeout time.Duration
	Concurrency  int

	// MaxTransientFailures is the number of consecutive timeouts or
	// connection errors after which a task is failed.
	MaxTransientFailures int
}

type Option func(*Poller)

func WithLease(l Lease) Option {
	return func(p *Poller) { p.lease = l }
}

// WithStateHook is called with true after Start and false after Stop.
func WithStateHook(fn func(started bool)) Option {
	return func(p *Poller) { p.onState = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.log = l }
}

type Poller struct {
	cfg     Config
	store   TaskStore
	checker Checker
	lease   Lease
	onState func(bool)
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	transientMu sync.Mutex
	transient   map[int64]int
}

func New(cfg Config, store TaskStore, checker Checker, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxTransientFailures <= 0 {
		cfg.MaxTransientFailures = DefaultMaxTransientFailures
	}

	p := &Poller{
		cfg:       cfg,
		store:     store,
		checker:   checker,
		log:       slog.Default(),
		transient: make(map[int64]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop. The loop runs until Stop is called or
// ctx is done. Starting a running poller only logs a warning.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		p.log.Warn("poller already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.run(ctx, p.done)

	p.log.Info("poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("concurrency", p.cfg.Concurrency),
	)
	if p.onState != nil {
		p.onState(true)
	}
}

// Stop signals the loop and waits at most wait for the current tick to
// finish. Calling Stop on a stopped poller is a no-op.
func (p *Poller) Stop(wait time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	if p.onState != nil {
		p.onState(false)
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-done:
		p.log.Info("poller stopped")
		return nil
	case <-t.C:
		p.log.Warn("poller did not stop in time", slog.Duration("wait", wait))
		return fmt.Errorf("poller did not stop within %s", wait)
	}
}

func (p *Poller) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("poller tick", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick advances every unfinished task once. Failures of individual tasks
// are handled per task and never abort the scan.
func (p *Poller) Tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if p.lease != nil {
		ok, err := p.lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire tick lease: %w", err)
		}
		if !ok {
			p.log.Debug("tick lease held elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := p.lease.Release(context.WithoutCancel(ctx)); err != nil {
				p.log.Warn("release tick lease", slog.String("error", err.Error()))
			}
		}()
	}

	tasks, err := p.store.Unfinished(ctx)
	if err != nil {
		return fmt.Errorf("scan unfinished tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	p.log.Debug("poller tick", slog.Int("unfinished", len(tasks)))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p.advance(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) advance(ctx context.Context, t domain.Task) {
	// Writes must land even if Stop arrives mid-task.
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while advancing task",
				slog.Int64("task_id", t.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			p.failInternal(ctx, t, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := p.process(ctx, t); err != nil {
		p.failInternal(ctx, t, err)
	}
}

func (p *Poller) process(ctx context.Context, t domain.Task) error {
	l := p.log.With(slog.Int64("task_id", t.ID), slog.String("external_id", t.ExternalTaskID))

	if t.Status == domain.StatusPending {
		updated, err := p.store.MarkProcessing(ctx, t.ID)
		if errors.Is(err, domain.ErrTaskFinalized) {
			p.forget(t.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		t = updated
		l.Info("task processing")
	}

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	out, err := p.checker.Check(checkCtx, t.ExternalTaskID)
	cancel()
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	switch out.Kind {
	case asr.Completed:
		p.forget(t.ID)
		_, err = p.store.Complete(ctx, t.ID, out.Text)
		if err == nil {
			l.Info("task completed", slog.Int("transcript_len", len(out.Text)))
		}

	case asr.Failed:
		if !out.Transient {
			p.forget(t.ID)
			_, err = p.store.Fail(ctx, t.ID, out.Reason)
			if err == nil {
				l.Warn("task failed", slog.String("reason", out.Reason))
			}
			break
		}

		n := p.noteTransient(t.ID)
		if n < p.cfg.MaxTransientFailures {
			l.Warn("transient query failure",
				slog.Int("consecutive", n),
				slog.String("reason", out.Reason),
			)
			err = p.store.Touch(ctx, t.ID)
			break
		}
		p.forget(t.ID)
		reason := fmt.Sprintf("%s (%d): %s", domain.ErrRetryBudgetExceeded, p.cfg.MaxTransientFailures, out.Reason)
		_, err = p.store.Fail(ctx, t.ID, reason)
		if err == nil {
			l.Warn("task failed", slog.String("reason", reason))
		}

	default:
		p.forget(t.ID)
		err = p.store.Touch(ctx, t.ID)
	}

	if errors.Is(err, domain.ErrTaskFinalized) {
		// a synchronous caller finished it first
		l.Debug("task already finalized")
		p.forget(t.ID)
		return nil
	}
	return err
}

func (p *Poller) failInternal(ctx context.Context, t domain.Task, cause error) {
	p.forget(t.ID)
	reason := fmt.Sprintf("Internal error: %v", cause)
	if _, err := p.store.Fail(ctx, t.ID, reason); err != nil && !errors.Is(err, domain.ErrTaskFinalized) {
		p.log.Error("failed to record internal error",
			slog.Int64("task_id", t.ID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.log.Error("task failed with internal error",
		slog.Int64("task_id", t.ID),
		slog.String("error", cause.Error()),
	)
}

func (p *Poller) noteTransient(id int64) int {
	p.transientMu.Lock()
	defer p.transientMu.Unlock()
	p.transient[id]++
	return p.transient[id]
}

func (p *Poller) forget(id int64) {
	p.transientMu.Lock()
	defer p.transientMu.Unlock()
	delete(p.transient, id)
}
