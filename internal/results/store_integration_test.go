//go:build integration
// +build integration

package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/log"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		pgContainer, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15"),
			postgres.WithDatabase("engine"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("securepassword"),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %s", err)
		}
		t.Cleanup(func() { pgContainer.Terminate(ctx) })
		dbURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %s", err)
		}
	}

	s, err := Open(ctx, dbURL, 5, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open failed: %s", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema failed: %s", err)
	}
	t.Cleanup(func() {
		s.DB().Exec("TRUNCATE TABLE job_records, job_transitions")
		s.Close()
	})
	return s
}

func TestStoreIntegration(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(ctx, t)

	t.Run("CreateAndGet", func(t *testing.T) {
		j := job.Job{ID: "j1", Type: "send-report", IdempotencyKey: "k1",
			Priority: job.PriorityHigh, MaxAttempts: 3, CreatedAt: time.Now()}
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("create failed: %s", err)
		}
		rec, err := s.Get(ctx, "j1")
		if err != nil {
			t.Fatalf("get failed: %s", err)
		}
		if rec.State != job.StatePending || rec.Type != "send-report" || rec.IdempotencyKey != "k1" {
			t.Errorf("record = %+v", rec)
		}

		if _, err := s.Get(ctx, "nope"); err == nil {
			t.Error("get of unknown job succeeded")
		}
	})

	t.Run("TransitionLifecycle", func(t *testing.T) {
		s.Create(ctx, job.Job{ID: "j2", Type: "t", CreatedAt: time.Now()})

		if err := s.Transition(ctx, "j2", job.StateInFlight, Detail{Attempt: 1}); err != nil {
			t.Fatalf("to in_flight: %s", err)
		}
		if err := s.Transition(ctx, "j2", job.StateSucceeded, Detail{Attempt: 1, Result: []byte(`{"ok":true}`)}); err != nil {
			t.Fatalf("to succeeded: %s", err)
		}

		rec, _ := s.Get(ctx, "j2")
		if rec.State != job.StateSucceeded || string(rec.Result) != `{"ok":true}` || rec.Attempts != 1 {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("TerminalStateGuard", func(t *testing.T) {
		s.Create(ctx, job.Job{ID: "j3", Type: "t", CreatedAt: time.Now()})
		s.Transition(ctx, "j3", job.StateSucceeded, Detail{Attempt: 1})

		err := s.Transition(ctx, "j3", job.StateFailed, Detail{Attempt: 2, Err: "late failure"})
		if !errors.Is(err, ErrTerminalState) {
			t.Errorf("transition out of terminal err = %v, want ErrTerminalState", err)
		}
		rec, _ := s.Get(ctx, "j3")
		if rec.State != job.StateSucceeded {
			t.Errorf("terminal state overwritten: %s", rec.State)
		}
	})

	t.Run("AttemptsNeverDecrease", func(t *testing.T) {
		s.Create(ctx, job.Job{ID: "j4", Type: "t", CreatedAt: time.Now()})
		s.Transition(ctx, "j4", job.StateFailed, Detail{Attempt: 2, Err: "x"})
		s.Transition(ctx, "j4", job.StateInFlight, Detail{Attempt: 1})

		rec, _ := s.Get(ctx, "j4")
		if rec.Attempts != 2 {
			t.Errorf("attempts = %d, want 2 (stale write must not regress)", rec.Attempts)
		}
	})

	t.Run("ConcurrentTerminalRace", func(t *testing.T) {
		s.Create(ctx, job.Job{ID: "j5", Type: "t", CreatedAt: time.Now()})

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, target := range []job.State{job.StateSucceeded, job.StateCancelled} {
			wg.Add(1)
			go func(to job.State) {
				defer wg.Done()
				errs <- s.Transition(ctx, "j5", to, Detail{Attempt: 1})
			}(target)
		}
		wg.Wait()
		close(errs)

		won, lost := 0, 0
		for err := range errs {
			if err == nil {
				won++
			} else if errors.Is(err, ErrTerminalState) {
				lost++
			} else {
				t.Fatalf("unexpected error: %s", err)
			}
		}
		if won != 1 || lost != 1 {
			t.Errorf("won=%d lost=%d, want exactly one terminal transition", won, lost)
		}
	})

	t.Run("ListDeadLettered", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("dlq-%d", i)
			s.Create(ctx, job.Job{ID: id, Type: "t", CreatedAt: time.Now()})
			s.Transition(ctx, id, job.StateDeadLettered, Detail{Attempt: 3, Err: "exhausted"})
		}

		recs, err := s.ListDeadLettered(ctx, 2)
		if err != nil {
			t.Fatalf("list failed: %s", err)
		}
		if len(recs) != 2 {
			t.Errorf("listed = %d, want limit 2", len(recs))
		}
		for _, rec := range recs {
			if rec.State != job.StateDeadLettered {
				t.Errorf("non-dead-lettered record listed: %+v", rec)
			}
			if rec.LastError == nil {
				t.Error("dead-lettered record missing last error")
			}
		}
	})
}
