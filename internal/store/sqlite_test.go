package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"chatsched/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func openTestRepo(t *testing.T) (Repository, *fakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "scheduler.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewSQLiteRepo(db, WithClock(clock.Now)), clock
}

func TestCreateRejectsPastAndMissing(t *testing.T) {
	repo, clock := openTestRepo(t)
	ctx := context.Background()
	now := clock.Now()

	tests := []struct {
		name string
		in   domain.NewTask
	}{
		{name: "past", in: domain.NewTask{TargetID: "c1", Body: "hi", ScheduledAt: now.Add(-time.Minute)}},
		{name: "now", in: domain.NewTask{TargetID: "c1", Body: "hi", ScheduledAt: now}},
		{name: "zero time", in: domain.NewTask{TargetID: "c1", Body: "hi"}},
		{name: "no target", in: domain.NewTask{Body: "hi", ScheduledAt: now.Add(time.Hour)}},
		{name: "no body", in: domain.NewTask{TargetID: "c1", ScheduledAt: now.Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.Create(ctx, tt.in)
			if !domain.IsValidation(err) {
				t.Fatalf("Create error = %v, want ValidationError", err)
			}
		})
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no rows persisted, got %d", len(all))
	}
}

func TestCreateAndListOrdered(t *testing.T) {
	repo, clock := openTestRepo(t)
	ctx := context.Background()
	now := clock.Now()

	late, err := repo.Create(ctx, domain.NewTask{TargetID: "c1", TargetLabel: "Alice", Body: "late", ScheduledAt: now.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	early, err := repo.Create(ctx, domain.NewTask{TargetID: "c2", TargetLabel: "Bob", Body: "early", ScheduledAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if early <= late {
		t.Fatalf("ids not monotonic: %d then %d", late, early)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all[0].ID != early || all[1].ID != late {
		t.Fatalf("unexpected order: %d, %d", all[0].ID, all[1].ID)
	}
	got := all[0]
	if got.Status != domain.StatusPending || got.TargetLabel != "Bob" || got.Body != "early" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if !got.ScheduledAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("ScheduledAt = %v, want %v", got.ScheduledAt, now.Add(time.Hour))
	}
}

func TestUpdateStatusIsOneWay(t *testing.T) {
	repo, clock := openTestRepo(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, domain.NewTask{TargetID: "c1", Body: "hi", ScheduledAt: clock.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := repo.UpdateStatus(ctx, id, domain.StatusSent, "")
	if err != nil || !ok {
		t.Fatalf("first UpdateStatus = %v, %v; want true, nil", ok, err)
	}
	for _, next := range []domain.Status{domain.StatusFailed, domain.StatusMissed, domain.StatusCancelled, domain.StatusSent} {
		ok, err := repo.UpdateStatus(ctx, id, next, "late")
		if err != nil {
			t.Fatalf("UpdateStatus(%s): %v", next, err)
		}
		if ok {
			t.Fatalf("UpdateStatus(%s) applied on terminal row", next)
		}
	}
	if _, err := repo.UpdateStatus(ctx, id, domain.StatusPending, ""); !domain.IsValidation(err) {
		t.Fatalf("transition to pending error = %v, want ValidationError", err)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusSent {
		t.Fatalf("Status = %s, want sent", got.Status)
	}
}

func TestUpdateStatusMissingRowIsSilent(t *testing.T) {
	repo, _ := openTestRepo(t)
	ok, err := repo.UpdateStatus(context.Background(), 42, domain.StatusFailed, "x")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if ok {
		t.Fatal("expected no row to be updated")
	}
}

func TestListPendingAndDelete(t *testing.T) {
	repo, clock := openTestRepo(t)
	ctx := context.Background()

	a, _ := repo.Create(ctx, domain.NewTask{TargetID: "c1", Body: "a", ScheduledAt: clock.Now().Add(time.Minute)})
	b, _ := repo.Create(ctx, domain.NewTask{TargetID: "c1", Body: "b", ScheduledAt: clock.Now().Add(2 * time.Minute)})
	if _, err := repo.UpdateStatus(ctx, a, domain.StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	pending, err := repo.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b {
		t.Fatalf("pending = %+v, want only %d", pending, b)
	}

	failed, err := repo.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if failed.LastError != "boom" {
		t.Fatalf("LastError = %q", failed.LastError)
	}

	ok, err := repo.Delete(ctx, a)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	ok, err = repo.Delete(ctx, a)
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v; want false, nil", ok, err)
	}
	if _, err := repo.Get(ctx, a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestConcurrentUpdatesApplyOnce(t *testing.T) {
	repo, clock := openTestRepo(t)
	ctx := context.Background()
	id, err := repo.Create(ctx, domain.NewTask{TargetID: "c1", Body: "x", ScheduledAt: clock.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	statuses := []domain.Status{domain.StatusSent, domain.StatusFailed, domain.StatusCancelled, domain.StatusMissed}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(st domain.Status) {
			defer wg.Done()
			ok, err := repo.UpdateStatus(ctx, id, st, "")
			if err != nil {
				t.Errorf("UpdateStatus: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(statuses[i%len(statuses)])
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("applied = %d, want exactly 1", applied)
	}
}
