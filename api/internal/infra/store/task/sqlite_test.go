package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// steppedClock returns strictly increasing times so ordering is deterministic.
func steppedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func mustCreate(t *testing.T, s *SQLiteStore, ext string) domain.Task {
	t.Helper()
	task, err := s.Create(context.Background(), domain.CreateTaskParams{
		ExternalTaskID: ext,
		SourceURL:      "https://example.com/" + ext + ".mp3",
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", ext, err)
	}
	return task
}

func checkInvariants(t *testing.T, task domain.Task) {
	t.Helper()
	switch task.Status {
	case domain.StatusCompleted:
		if task.Transcript == nil || task.ErrorMessage != nil || task.CompletedAt == nil {
			t.Fatalf("completed task violates invariants: %+v", task)
		}
	case domain.StatusFailed:
		if task.ErrorMessage == nil || task.Transcript != nil || task.CompletedAt == nil {
			t.Fatalf("failed task violates invariants: %+v", task)
		}
	default:
		if task.Transcript != nil || task.ErrorMessage != nil || task.CompletedAt != nil {
			t.Fatalf("unfinished task violates invariants: %+v", task)
		}
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, "ext-1")
	if created.ID == 0 {
		t.Fatal("Create returned zero ID")
	}
	if created.Status != domain.StatusPending {
		t.Errorf("Status = %q, want pending", created.Status)
	}
	checkInvariants(t, created)

	byID, err := s.Task(ctx, created.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	byExt, err := s.TaskByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatalf("TaskByExternalID: %v", err)
	}
	if byID.ID != byExt.ID || byID.SourceURL != "https://example.com/ext-1.mp3" {
		t.Errorf("lookups disagree: %+v vs %+v", byID, byExt)
	}

	if _, err := s.Task(ctx, 9999); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Task(9999) err = %v, want ErrTaskNotFound", err)
	}
	if _, err := s.TaskByExternalID(ctx, "nope"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("TaskByExternalID(nope) err = %v, want ErrTaskNotFound", err)
	}
}

func TestSQLiteStore_DuplicateExternalID(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "dup")

	_, err := s.Create(context.Background(), domain.CreateTaskParams{ExternalTaskID: "dup", SourceURL: "x"})
	if !errors.Is(err, domain.ErrTaskExists) {
		t.Fatalf("err = %v, want ErrTaskExists", err)
	}
}

func TestSQLiteStore_CreateFailed(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(context.Background(), domain.CreateTaskParams{
		ExternalTaskID: "failed_0123456789abcdef",
		SourceURL:      "https://example.com/missing.mp3",
		Status:         domain.StatusFailed,
		ErrorMessage:   "Audio file not found (404)",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	checkInvariants(t, task)
	if *task.ErrorMessage != "Audio file not found (404)" {
		t.Errorf("ErrorMessage = %q", *task.ErrorMessage)
	}

	if _, err := s.Create(context.Background(), domain.CreateTaskParams{
		ExternalTaskID: "x", Status: domain.StatusCompleted,
	}); err == nil {
		t.Error("creating a completed task should fail")
	}
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "life")

	got, err := s.MarkProcessing(ctx, task.ID)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if got.Status != domain.StatusProcessing {
		t.Fatalf("Status = %q, want processing", got.Status)
	}
	checkInvariants(t, got)

	again, err := s.MarkProcessing(ctx, task.ID)
	if err != nil || again.Status != domain.StatusProcessing {
		t.Fatalf("second MarkProcessing = %+v, %v", again, err)
	}

	if err := s.Touch(ctx, task.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	done, err := s.Complete(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	checkInvariants(t, done)
	if *done.Transcript != "" {
		t.Errorf("Transcript = %q, want empty", *done.Transcript)
	}
	if !done.CompletedAt.Equal(done.UpdatedAt) {
		t.Errorf("CompletedAt %v != UpdatedAt %v", done.CompletedAt, done.UpdatedAt)
	}
}

func TestSQLiteStore_TerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "final")

	if _, err := s.Complete(ctx, task.ID, "hello"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := s.Fail(ctx, task.ID, "late failure"); !errors.Is(err, domain.ErrTaskFinalized) {
		t.Errorf("Fail after Complete err = %v, want ErrTaskFinalized", err)
	}
	if _, err := s.Complete(ctx, task.ID, "other"); !errors.Is(err, domain.ErrTaskFinalized) {
		t.Errorf("Complete after Complete err = %v, want ErrTaskFinalized", err)
	}
	if _, err := s.MarkProcessing(ctx, task.ID); !errors.Is(err, domain.ErrTaskFinalized) {
		t.Errorf("MarkProcessing after Complete err = %v, want ErrTaskFinalized", err)
	}
	if err := s.Touch(ctx, task.ID); !errors.Is(err, domain.ErrTaskFinalized) {
		t.Errorf("Touch after Complete err = %v, want ErrTaskFinalized", err)
	}

	got, err := s.Task(ctx, task.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.Status != domain.StatusCompleted || *got.Transcript != "hello" {
		t.Fatalf("terminal row changed: %+v", got)
	}
	checkInvariants(t, got)

	if _, err := s.Fail(ctx, 4242, "x"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Fail(missing) err = %v, want ErrTaskNotFound", err)
	}
}

func TestSQLiteStore_FailTruncates(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, "long")

	got, err := s.Fail(context.Background(), task.ID, strings.Repeat("e", 5000))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if len(*got.ErrorMessage) != 2000 {
		t.Errorf("len(ErrorMessage) = %d, want 2000", len(*got.ErrorMessage))
	}
}

func TestSQLiteStore_ConcurrentTerminalWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "race")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = s.Complete(ctx, task.ID, "text")
			} else {
				_, err = s.Fail(ctx, task.ID, "reason")
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrTaskFinalized) {
				t.Errorf("unexpected err: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful terminal writes = %d, want 1", successes)
	}
	got, err := s.Task(ctx, task.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	checkInvariants(t, got)
}

func TestSQLiteStore_ListAndUnfinished(t *testing.T) {
	s := newTestStore(t)
	s.now = steppedClock(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")
	c := mustCreate(t, s, "c")
	if _, err := s.Complete(ctx, b.ID, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	total, tasks, err := s.List(ctx, domain.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(tasks) != 2 {
		t.Fatalf("List = total %d, %d tasks; want 3, 2", total, len(tasks))
	}
	if tasks[0].ID != c.ID || tasks[1].ID != b.ID {
		t.Errorf("order = [%d %d], want [%d %d]", tasks[0].ID, tasks[1].ID, c.ID, b.ID)
	}

	_, page, err := s.List(ctx, domain.ListFilter{Limit: 2, Offset: 2})
	if err != nil || len(page) != 1 || page[0].ID != a.ID {
		t.Fatalf("second page = %+v, %v", page, err)
	}

	completed := domain.StatusCompleted
	total, tasks, err = s.List(ctx, domain.ListFilter{Status: &completed, Limit: 10})
	if err != nil || total != 1 || len(tasks) != 1 || tasks[0].ID != b.ID {
		t.Fatalf("filtered list = %d %+v, %v", total, tasks, err)
	}

	unfinished, err := s.Unfinished(ctx)
	if err != nil {
		t.Fatalf("Unfinished: %v", err)
	}
	if len(unfinished) != 2 || unfinished[0].ID != a.ID || unfinished[1].ID != c.ID {
		t.Fatalf("Unfinished = %+v", unfinished)
	}
}

func TestHookedStore_FiresOnTerminal(t *testing.T) {
	base := newTestStore(t)
	ctx := context.Background()

	var seen []domain.Task
	s := WithHooks(base,
		func(_ context.Context, task domain.Task) { seen = append(seen, task) },
		func(context.Context, domain.Task) { panic("bad hook") },
	)

	a := mustCreate(t, base, "h1")
	if _, err := s.MarkProcessing(ctx, a.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("hooks fired on non-terminal transition")
	}
	if _, err := s.Complete(ctx, a.ID, "hi"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := s.Fail(ctx, a.ID, "late"); !errors.Is(err, domain.ErrTaskFinalized) {
		t.Fatalf("Fail err = %v", err)
	}
	if _, err := s.Create(ctx, domain.CreateTaskParams{
		ExternalTaskID: "h2", Status: domain.StatusFailed, ErrorMessage: "bad",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("hook calls = %d, want 2", len(seen))
	}
	if seen[0].Status != domain.StatusCompleted || seen[1].Status != domain.StatusFailed {
		t.Fatalf("seen = %+v", seen)
	}
}
