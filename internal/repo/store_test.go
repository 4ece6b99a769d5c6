package repo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/tandem/internal/domain"
)

// storeFactory создаёт чистое хранилище для теста.
type storeFactory func(t *testing.T) RunStore

func memoryFactory(t *testing.T) RunStore {
	return NewMemoryStore()
}

func redisFactory(t *testing.T) RunStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, RedisConfig{})
}

var factories = map[string]storeFactory{
	"memory": memoryFactory,
	"redis":  redisFactory,
}

func newTestRun(body string) *domain.Run {
	return domain.NewRun(json.RawMessage(body), domain.DefaultPipeline())
}

// --- RunStore Tests ---

func TestRunStore_CreateGet(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			run := newTestRun(`{"q":"status"}`)

			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got, err := store.Get(ctx, run.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got.ID != run.ID || got.Status != domain.RunStatusPending {
				t.Errorf("unexpected run %+v", got)
			}
			if string(got.Request) != `{"q":"status"}` {
				t.Errorf("unexpected request %s", got.Request)
			}
			if len(got.Stages) != 2 {
				t.Errorf("expected 2 stages, got %d", len(got.Stages))
			}
		})
	}
}

func TestRunStore_CreateDuplicate(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			run := newTestRun(`{}`)

			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := store.Create(ctx, run); !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("expected ErrAlreadyExists, got %v", err)
			}
		})
	}
}

func TestRunStore_NotFound(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if err := store.Update(ctx, newTestRun(`{}`)); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRunStore_UpdateStages(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			run := newTestRun(`{"q":"status"}`)

			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			run.MarkRunning()
			run.Stages[0].MarkRunning()
			run.Stages[0].Attempts = 1
			run.Stages[0].MarkSucceeded(json.RawMessage(`{"answer":"A"}`))

			if err := store.Update(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got, err := store.Get(ctx, run.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got.Status != domain.RunStatusRunning {
				t.Errorf("expected RUNNING, got %s", got.Status)
			}
			if diff := cmp.Diff(`{"answer":"A"}`, string(got.Stages[0].Output)); diff != "" {
				t.Errorf("stage output mismatch (-want +got):\n%s", diff)
			}
			if got.Stages[0].Attempts != 1 {
				t.Errorf("expected 1 attempt, got %d", got.Stages[0].Attempts)
			}
		})
	}
}

func TestRunStore_Claim(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			run := newTestRun(`{"q":"status"}`)

			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			run.MarkRunning()
			if err := store.Claim(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got, err := store.Get(ctx, run.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != domain.RunStatusRunning || got.StartedAt == nil {
				t.Errorf("expected claimed RUNNING run, got %s", got.Status)
			}

			pending, err := store.ListPending(ctx, 10)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pending) != 0 {
				t.Errorf("expected no pending runs after claim, got %d", len(pending))
			}

			if err := store.Claim(ctx, run); !errors.Is(err, ErrNotPending) {
				t.Errorf("expected ErrNotPending on second claim, got %v", err)
			}

			missing := newTestRun(`{}`)
			missing.MarkRunning()
			if err := store.Claim(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRunStore_ClaimCancelled(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			run := newTestRun(`{"q":"status"}`)

			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			cancelled := CloneRun(run)
			cancelled.MarkCancelled()
			if err := store.Update(ctx, cancelled); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			run.MarkRunning()
			if err := store.Claim(ctx, run); !errors.Is(err, ErrNotPending) {
				t.Errorf("expected ErrNotPending, got %v", err)
			}

			got, _ := store.Get(ctx, run.ID)
			if got.Status != domain.RunStatusCancelled {
				t.Errorf("claim must not overwrite CANCELLED, got %s", got.Status)
			}
		})
	}
}

func TestRunStore_ClaimConcurrent(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			run := newTestRun(`{"q":"status"}`)

			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			const claimers = 10
			results := make(chan error, claimers)
			var wg sync.WaitGroup
			for range claimers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c := CloneRun(run)
					c.MarkRunning()
					results <- store.Claim(ctx, c)
				}()
			}
			wg.Wait()
			close(results)

			won := 0
			for err := range results {
				switch {
				case err == nil:
					won++
				case errors.Is(err, ErrNotPending):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			if won != 1 {
				t.Errorf("expected exactly one successful claim, got %d", won)
			}
		})
	}
}

func TestRunStore_ListPending(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			first := newTestRun(`{"n":1}`)
			first.CreatedAt = time.Now().Add(-time.Minute)
			second := newTestRun(`{"n":2}`)
			done := newTestRun(`{"n":3}`)

			for _, r := range []*domain.Run{second, first, done} {
				if err := store.Create(ctx, r); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			done.MarkRunning()
			done.MarkSucceeded(json.RawMessage(`{}`))
			if err := store.Update(ctx, done); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			pending, err := store.ListPending(ctx, 10)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(pending) != 2 {
				t.Fatalf("expected 2 pending runs, got %d", len(pending))
			}
			if pending[0].ID != first.ID || pending[1].ID != second.ID {
				t.Error("pending runs should be ordered by created_at")
			}

			limited, err := store.ListPending(ctx, 1)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(limited) != 1 {
				t.Errorf("expected 1 run with limit, got %d", len(limited))
			}
		})
	}
}

// --- MemoryStore Tests ---

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := newTestRun(`{}`)

	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Изменение исходного run не влияет на хранилище
	run.Status = domain.RunStatusFailed

	got, _ := store.Get(ctx, run.ID)
	if got.Status != domain.RunStatusPending {
		t.Errorf("store should keep its own copy, got %s", got.Status)
	}

	got.Stages[0].Name = "changed"
	again, _ := store.Get(ctx, run.ID)
	if again.Stages[0].Name == "changed" {
		t.Error("Get should return independent copies")
	}
}

// --- RedisStore Tests ---

func TestRedisStore_FinishedTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, RedisConfig{Prefix: "test", FinishedTTL: time.Hour})
	run := newTestRun(`{}`)

	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := "test:run:" + run.ID.String()
	if ttl := mr.TTL(key); ttl != 0 {
		t.Errorf("pending run should not expire, got ttl %v", ttl)
	}

	run.MarkRunning()
	run.MarkSucceeded(json.RawMessage(`{"answer":"A+"}`))
	if err := store.Update(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired run should be gone, got %v", err)
	}
}

func TestRedisStore_ListPending_DropsStaleIndex(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, RedisConfig{})
	run := newTestRun(`{}`)
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.Del("tandem:run:" + run.ID.String())

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending runs, got %d", len(pending))
	}

	members, _ := mr.ZMembers("tandem:runs:pending")
	if len(members) != 0 {
		t.Errorf("stale index entry should be removed, got %v", members)
	}
}

// --- CloneRun Tests ---

func TestCloneRun(t *testing.T) {
	run := newTestRun(`{"q":"status"}`)
	run.MarkFailed(domain.StageFailure{Stage: domain.StageInitial, Message: "boom", Attempts: 1})

	c := CloneRun(run)
	if diff := cmp.Diff(run, c); diff != "" {
		t.Errorf("clone mismatch (-want +got):\n%s", diff)
	}

	c.Failure.Message = "changed"
	if run.Failure.Message != "boom" {
		t.Error("clone should not share failure")
	}

	if CloneRun(nil) != nil {
		t.Error("clone of nil should be nil")
	}
}
