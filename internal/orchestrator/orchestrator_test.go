package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shaiso/tandem/internal/agent"
	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/engine"
	"github.com/shaiso/tandem/internal/mq"
	"github.com/shaiso/tandem/internal/repo"
)

// --- Test helpers ---

type call struct {
	Body  string
	Stage domain.StageTag
}

// fakeAgent записывает вызовы и отвечает через respond.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []call
	respond func(ctx context.Context, n int, body json.RawMessage, stage domain.StageTag) (json.RawMessage, error)
}

func (a *fakeAgent) Invoke(ctx context.Context, body json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls = append(a.calls, call{Body: string(body), Stage: stage})
	n := len(a.calls)
	a.mu.Unlock()

	return a.respond(ctx, n, body, stage)
}

func (a *fakeAgent) Calls() []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]call(nil), a.calls...)
}

type recordingEvents struct {
	mu       sync.Mutex
	payloads []mq.RunFinishedPayload
}

func (e *recordingEvents) PublishRunFinished(_ context.Context, p mq.RunFinishedPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = append(e.payloads, p)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastPipeline — эталонный pipeline с миллисекундными задержками retry.
func fastPipeline() *domain.Pipeline {
	p := domain.DefaultPipeline()
	p.Defaults.Retry = &domain.RetryPolicy{
		MaxAttempts:    3,
		Backoff:        "exponential",
		InitialDelayMs: 1,
		MaxDelayMs:     5,
	}
	return &p
}

func newTestOrchestrator(t *testing.T, a agent.Client, cfg Config) *Orchestrator {
	t.Helper()

	cfg.Agent = a
	if cfg.Pipeline == nil {
		cfg.Pipeline = fastPipeline()
	}
	if cfg.Store == nil {
		cfg.Store = repo.NewMemoryStore()
	}
	cfg.Logger = discardLogger()

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return o
}

func createRun(t *testing.T, o *Orchestrator, body string) *domain.Run {
	t.Helper()

	run := domain.NewRun(json.RawMessage(body), o.Pipeline())
	if err := o.Store().Create(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func storedRun(t *testing.T, o *Orchestrator, run *domain.Run) *domain.Run {
	t.Helper()

	stored, err := o.Store().Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return stored
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// raceStore задерживает Claim и запоминает статус runs при Create.
type raceStore struct {
	*repo.MemoryStore
	claimDelay time.Duration

	mu      sync.Mutex
	created []domain.RunStatus
}

func (s *raceStore) Create(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	s.created = append(s.created, run.Status)
	s.mu.Unlock()
	return s.MemoryStore.Create(ctx, run)
}

func (s *raceStore) Claim(ctx context.Context, run *domain.Run) error {
	time.Sleep(s.claimDelay)
	return s.MemoryStore.Claim(ctx, run)
}

func (s *raceStore) Created() []domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RunStatus(nil), s.created...)
}

// chainAgent: initial → {"answer":"A"}, followUp → {"answer":"A+"}.
func chainAgent() *fakeAgent {
	return &fakeAgent{respond: func(_ context.Context, _ int, _ json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
		if stage == domain.StageInitial {
			return json.RawMessage(`{"answer":"A"}`), nil
		}
		return json.RawMessage(`{"answer":"A+"}`), nil
	}}
}

// --- New Tests ---

func TestNew_RequiresAgent(t *testing.T) {
	_, err := New(Config{})

	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestNew_InvalidPipeline(t *testing.T) {
	_, err := New(Config{Agent: chainAgent(), Pipeline: &domain.Pipeline{}})
	if !errors.Is(err, engine.ErrEmptyStages) {
		t.Errorf("expected ErrEmptyStages, got %v", err)
	}

	_, err = New(Config{Agent: chainAgent(), Pipeline: &domain.Pipeline{Stages: []domain.StageDescriptor{
		{Name: "b", Stage: domain.StageFollowUp},
	}}})
	if !errors.Is(err, engine.ErrStageOrder) {
		t.Errorf("expected ErrStageOrder, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	o, err := New(Config{Agent: chainAgent()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(o.Pipeline().Stages) != 2 {
		t.Errorf("expected default pipeline of 2 stages, got %d", len(o.Pipeline().Stages))
	}
	if o.Store() == nil {
		t.Error("expected default store")
	}
	if o.pollInterval != defaultPollInterval {
		t.Errorf("expected poll interval %v, got %v", defaultPollInterval, o.pollInterval)
	}
	if cap(o.slots) != defaultMaxConcurrentRuns {
		t.Errorf("expected %d slots, got %d", defaultMaxConcurrentRuns, cap(o.slots))
	}
}

// --- Execute Tests ---

func TestExecute_ChainsStages(t *testing.T) {
	a := chainAgent()
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{"q":"status"}`)

	out, err := o.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(out) != `{"answer":"A+"}` {
		t.Errorf("expected final output of last stage, got %s", out)
	}

	want := []call{
		{Body: `{"q":"status"}`, Stage: domain.StageInitial},
		{Body: `{"answer":"A"}`, Stage: domain.StageFollowUp},
	}
	if diff := cmp.Diff(want, a.Calls()); diff != "" {
		t.Errorf("agent calls mismatch (-want +got):\n%s", diff)
	}

	stored := storedRun(t, o, run)
	if stored.Status != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", stored.Status)
	}
	if string(stored.Output) != `{"answer":"A+"}` {
		t.Errorf("expected stored output, got %s", stored.Output)
	}
	for _, s := range stored.Stages {
		if s.Status != domain.StageStatusSucceeded || s.Attempts != 1 {
			t.Errorf("stage %d: expected SUCCEEDED with 1 attempt, got %s/%d", s.Index, s.Status, s.Attempts)
		}
	}
}

func TestExecute_ThreeStages(t *testing.T) {
	a := &fakeAgent{respond: func(_ context.Context, n int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"step":%d}`, n)), nil
	}}
	pipeline := fastPipeline()
	pipeline.Stages = append(pipeline.Stages, domain.StageDescriptor{Name: "Managers Review", Stage: domain.StageFollowUp})

	o := newTestOrchestrator(t, a, Config{Pipeline: pipeline})
	run := createRun(t, o, `{"q":1}`)

	out, err := o.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"step":3}` {
		t.Errorf("expected output of third stage, got %s", out)
	}

	want := []call{
		{Body: `{"q":1}`, Stage: domain.StageInitial},
		{Body: `{"step":1}`, Stage: domain.StageFollowUp},
		{Body: `{"step":2}`, Stage: domain.StageFollowUp},
	}
	if diff := cmp.Diff(want, a.Calls()); diff != "" {
		t.Errorf("agent calls mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_NonRetryableFailureAtInitial(t *testing.T) {
	a := &fakeAgent{respond: func(context.Context, int, json.RawMessage, domain.StageTag) (json.RawMessage, error) {
		return nil, agent.NewError(agent.KindInvalidResponse, nil, "not json")
	}}
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{"q":"status"}`)

	_, err := o.Execute(context.Background(), run)

	var failure *WorkflowFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected WorkflowFailure, got %v", err)
	}
	if failure.Stage != domain.StageInitial {
		t.Errorf("expected failure at initial, got %s", failure.Stage)
	}
	if failure.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", failure.Attempts)
	}

	var agentErr *agent.AgentError
	if !errors.As(err, &agentErr) || agentErr.Kind != agent.KindInvalidResponse {
		t.Errorf("expected invalid_response AgentError, got %v", err)
	}

	if len(a.Calls()) != 1 {
		t.Errorf("expected 1 call, got %d", len(a.Calls()))
	}

	stored := storedRun(t, o, run)
	if stored.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", stored.Status)
	}
	if stored.Failure == nil || stored.Failure.Kind != string(agent.KindInvalidResponse) {
		t.Errorf("expected stored failure with kind invalid_response, got %+v", stored.Failure)
	}
	if stored.Stages[1].Status != domain.StageStatusPending {
		t.Errorf("second stage should never start, got %s", stored.Stages[1].Status)
	}
}

func TestExecute_FollowUpTimeoutExhaustsRetries(t *testing.T) {
	a := &fakeAgent{respond: func(_ context.Context, _ int, _ json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
		if stage == domain.StageInitial {
			return json.RawMessage(`{"answer":"A"}`), nil
		}
		return nil, agent.NewError(agent.KindTimeout, nil, "too slow")
	}}
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{"q":"status"}`)

	out, err := o.Execute(context.Background(), run)

	var failure *WorkflowFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected WorkflowFailure, got %v", err)
	}
	if failure.Stage != domain.StageFollowUp {
		t.Errorf("expected failure at followUp, got %s", failure.Stage)
	}
	if failure.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", failure.Attempts)
	}
	if failure.Kind() != agent.KindTimeout {
		t.Errorf("expected timeout kind, got %s", failure.Kind())
	}
	if out != nil {
		t.Errorf("expected no output, got %s", out)
	}

	if len(a.Calls()) != 4 {
		t.Errorf("expected 1+3 calls, got %d", len(a.Calls()))
	}

	// Выход первой стадии отбрасывается
	if run.Stages[0].Output != nil {
		t.Errorf("expected discarded stage output, got %s", run.Stages[0].Output)
	}
	stored := storedRun(t, o, run)
	if stored.Stages[0].Output != nil || stored.Output != nil {
		t.Errorf("expected no stored outputs, got %s / %s", stored.Stages[0].Output, stored.Output)
	}
	if stored.Stages[1].Attempts != 3 {
		t.Errorf("expected 3 stored attempts, got %d", stored.Stages[1].Attempts)
	}
}

func TestExecute_TransientErrorRetried(t *testing.T) {
	a := &fakeAgent{respond: func(_ context.Context, n int, _ json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
		if n == 1 {
			return nil, agent.NewError(agent.KindTransport, nil, "connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{"q":"status"}`)

	if _, err := o.Execute(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Stages[0].Attempts != 2 {
		t.Errorf("expected 2 attempts on initial, got %d", run.Stages[0].Attempts)
	}
	if run.Stages[1].Attempts != 1 {
		t.Errorf("expected 1 attempt on followUp, got %d", run.Stages[1].Attempts)
	}
}

func TestExecute_StageTimeout(t *testing.T) {
	a := &fakeAgent{respond: func(ctx context.Context, _ int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	pipeline := fastPipeline()
	pipeline.Defaults.Retry = &domain.RetryPolicy{MaxAttempts: 1}
	pipeline.Defaults.TimeoutSec = 1

	o := newTestOrchestrator(t, a, Config{Pipeline: pipeline})
	run := createRun(t, o, `{"q":"status"}`)

	start := time.Now()
	_, err := o.Execute(context.Background(), run)

	if agent.KindOf(err) != agent.KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stage timeout not enforced, took %v", elapsed)
	}
}

func TestExecute_RetryInvalidResponseOptIn(t *testing.T) {
	tests := []struct {
		name          string
		retryInvalid  bool
		expectedCalls int
	}{
		{"disabled", false, 1},
		{"enabled", true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAgent{respond: func(context.Context, int, json.RawMessage, domain.StageTag) (json.RawMessage, error) {
				return nil, agent.NewError(agent.KindInvalidResponse, nil, "bad json")
			}}
			pipeline := fastPipeline()
			pipeline.Defaults.Retry.RetryInvalidResponse = tt.retryInvalid

			o := newTestOrchestrator(t, a, Config{Pipeline: pipeline})
			run := createRun(t, o, `{}`)

			if _, err := o.Execute(context.Background(), run); err == nil {
				t.Fatal("expected error")
			}
			if len(a.Calls()) != tt.expectedCalls {
				t.Errorf("expected %d calls, got %d", tt.expectedCalls, len(a.Calls()))
			}
		})
	}
}

func TestExecute_NonAgentErrorNotRetried(t *testing.T) {
	a := &fakeAgent{respond: func(context.Context, int, json.RawMessage, domain.StageTag) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}}
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{}`)

	_, err := o.Execute(context.Background(), run)

	var failure *WorkflowFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected WorkflowFailure, got %v", err)
	}
	if failure.Kind() != "" {
		t.Errorf("expected empty kind, got %s", failure.Kind())
	}
	if len(a.Calls()) != 1 {
		t.Errorf("expected 1 call, got %d", len(a.Calls()))
	}
}

func TestExecute_NotPending(t *testing.T) {
	o := newTestOrchestrator(t, chainAgent(), Config{})
	run := createRun(t, o, `{}`)
	run.Status = domain.RunStatusSucceeded

	_, err := o.Execute(context.Background(), run)
	if !errors.Is(err, ErrRunNotPending) {
		t.Errorf("expected ErrRunNotPending, got %v", err)
	}
}

func TestExecute_StageMismatch(t *testing.T) {
	o := newTestOrchestrator(t, chainAgent(), Config{})
	run := createRun(t, o, `{}`)
	run.Stages = run.Stages[:1]

	_, err := o.Execute(context.Background(), run)
	if !errors.Is(err, ErrStageMismatch) {
		t.Errorf("expected ErrStageMismatch, got %v", err)
	}
}

func TestExecute_PersistsStageBeforeNext(t *testing.T) {
	var o *Orchestrator
	var run *domain.Run
	var seen *domain.StageRecord

	a := &fakeAgent{respond: func(ctx context.Context, _ int, _ json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
		if stage == domain.StageInitial {
			return json.RawMessage(`{"answer":"A"}`), nil
		}
		stored, err := o.Store().Get(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		seen = &stored.Stages[0]
		return json.RawMessage(`{"answer":"A+"}`), nil
	}}
	o = newTestOrchestrator(t, a, Config{})
	run = createRun(t, o, `{"q":"status"}`)

	if _, err := o.Execute(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if seen == nil {
		t.Fatal("followUp stage never observed the store")
	}
	if seen.Status != domain.StageStatusSucceeded {
		t.Errorf("expected initial stage persisted as SUCCEEDED, got %s", seen.Status)
	}
	if string(seen.Output) != `{"answer":"A"}` {
		t.Errorf("expected persisted initial output, got %s", seen.Output)
	}
}

func TestExecute_ClaimedOnceWithConcurrentPoller(t *testing.T) {
	store := &raceStore{MemoryStore: repo.NewMemoryStore(), claimDelay: 50 * time.Millisecond}
	a := chainAgent()

	poller := newTestOrchestrator(t, a, Config{Store: store, PollInterval: 5 * time.Millisecond})
	o := newTestOrchestrator(t, a, Config{Store: store})
	run := createRun(t, o, `{"q":"status"}`)

	if err := poller.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := o.Execute(context.Background(), run); err != nil && !errors.Is(err, ErrRunNotPending) {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return storedRun(t, o, run).Status == domain.RunStatusSucceeded
	})
	poller.Stop()

	expected := []call{
		{Body: `{"q":"status"}`, Stage: domain.StageInitial},
		{Body: `{"answer":"A"}`, Stage: domain.StageFollowUp},
	}
	if diff := cmp.Diff(expected, a.Calls()); diff != "" {
		t.Errorf("run executed more than once (-want +got):\n%s", diff)
	}
}

func TestExecuteNew_NeverVisibleAsPending(t *testing.T) {
	store := &raceStore{MemoryStore: repo.NewMemoryStore()}
	a := chainAgent()

	poller := newTestOrchestrator(t, a, Config{Store: store, PollInterval: time.Millisecond})
	o := newTestOrchestrator(t, a, Config{Store: store})

	if err := poller.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run := domain.NewRun(json.RawMessage(`{"q":"status"}`), o.Pipeline())
	out, err := o.ExecuteNew(context.Background(), run)
	poller.Stop()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"answer":"A+"}` {
		t.Errorf("expected final output, got %s", out)
	}
	if diff := cmp.Diff([]domain.RunStatus{domain.RunStatusRunning}, store.Created()); diff != "" {
		t.Errorf("run must be stored as RUNNING (-want +got):\n%s", diff)
	}
	if len(a.Calls()) != 2 {
		t.Errorf("expected 2 agent calls, got %d", len(a.Calls()))
	}
	if storedRun(t, o, run).Status != domain.RunStatusSucceeded {
		t.Error("expected SUCCEEDED in store")
	}
}

func TestExecuteNew_NotPending(t *testing.T) {
	o := newTestOrchestrator(t, chainAgent(), Config{})
	run := domain.NewRun(json.RawMessage(`{}`), o.Pipeline())
	run.Status = domain.RunStatusRunning

	if _, err := o.ExecuteNew(context.Background(), run); !errors.Is(err, ErrRunNotPending) {
		t.Errorf("expected ErrRunNotPending, got %v", err)
	}
	if _, err := o.Store().Get(context.Background(), run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected run not stored, got %v", err)
	}
}

// --- Cancellation Tests ---

func TestExecute_CancelledInStoreStopsRetries(t *testing.T) {
	var o *Orchestrator
	var run *domain.Run

	// Агент недоступен; после первой попытки run отменяют в хранилище
	a := &fakeAgent{respond: func(ctx context.Context, n int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		if n == 1 {
			stored, err := o.Store().Get(ctx, run.ID)
			if err != nil {
				return nil, err
			}
			stored.MarkCancelled()
			if err := o.Store().Update(ctx, stored); err != nil {
				return nil, err
			}
		}
		return nil, agent.NewError(agent.KindTransport, nil, "connection refused")
	}}

	pipeline := fastPipeline()
	pipeline.Defaults.Retry.MaxAttempts = 5
	o = newTestOrchestrator(t, a, Config{Pipeline: pipeline})
	run = createRun(t, o, `{"q":"status"}`)

	_, err := o.Execute(context.Background(), run)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}

	if len(a.Calls()) != 1 {
		t.Errorf("expected retries to stop after cancel, got %d calls", len(a.Calls()))
	}
	if storedRun(t, o, run).Status != domain.RunStatusCancelled {
		t.Error("expected CANCELLED in store")
	}
}

func TestExecute_CancelDuringStage(t *testing.T) {
	started := make(chan struct{})
	a := &fakeAgent{respond: func(ctx context.Context, _ int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{"q":"status"}`)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), run)
		errCh <- err
	}()

	<-started
	if !o.Cancel(run.ID) {
		t.Fatal("expected run to be active")
	}

	err := <-errCh
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}

	if len(a.Calls()) != 1 {
		t.Errorf("followUp must not be invoked after cancel, got %d calls", len(a.Calls()))
	}

	stored := storedRun(t, o, run)
	if stored.Status != domain.RunStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", stored.Status)
	}
	if stored.Stages[0].Status != domain.StageStatusFailed {
		t.Errorf("expected interrupted stage FAILED, got %s", stored.Stages[0].Status)
	}
	if o.ActiveRunsCount() != 0 {
		t.Errorf("expected no active runs, got %d", o.ActiveRunsCount())
	}
}

func TestExecute_CancelledInStore(t *testing.T) {
	var o *Orchestrator
	var run *domain.Run

	// Другой процесс отменяет run, пока агент отвечает
	a := &fakeAgent{respond: func(ctx context.Context, _ int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		stored, err := o.Store().Get(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		stored.MarkCancelled()
		if err := o.Store().Update(ctx, stored); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"answer":"A"}`), nil
	}}
	o = newTestOrchestrator(t, a, Config{})
	run = createRun(t, o, `{"q":"status"}`)

	_, err := o.Execute(context.Background(), run)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}

	if len(a.Calls()) != 1 {
		t.Errorf("expected only initial stage invoked, got %d calls", len(a.Calls()))
	}

	stored := storedRun(t, o, run)
	if stored.Status != domain.RunStatusCancelled {
		t.Errorf("expected CANCELLED to survive, got %s", stored.Status)
	}
	if stored.Stages[0].Output != nil {
		t.Errorf("expected no stage output, got %s", stored.Stages[0].Output)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeAgent{respond: func(callCtx context.Context, _ int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	}}
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{}`)

	_, err := o.Execute(ctx, run)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}

	if storedRun(t, o, run).Status != domain.RunStatusCancelled {
		t.Error("expected CANCELLED in store")
	}
}

func TestCancel_UnknownRun(t *testing.T) {
	o := newTestOrchestrator(t, chainAgent(), Config{})
	run := createRun(t, o, `{}`)

	if o.Cancel(run.ID) {
		t.Error("expected false for inactive run")
	}
}

// --- Concurrency Tests ---

func TestExecute_ConcurrentRunsIsolated(t *testing.T) {
	a := &fakeAgent{respond: func(_ context.Context, _ int, body json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		if stage == domain.StageInitial {
			return json.Marshal(map[string]any{"answer": doc["q"]})
		}
		return json.Marshal(map[string]any{"final": doc["answer"]})
	}}
	o := newTestOrchestrator(t, a, Config{})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			run := createRun(t, o, fmt.Sprintf(`{"q":"q%d"}`, i))
			out, err := o.Execute(context.Background(), run)
			if err != nil {
				errs <- err
				return
			}

			want := fmt.Sprintf(`{"final":"q%d"}`, i)
			if string(out) != want {
				errs <- fmt.Errorf("run %d: expected %s, got %s", i, want, out)
				return
			}
			seq := run.StageSequence()
			if diff := cmp.Diff([]domain.StageTag{domain.StageInitial, domain.StageFollowUp}, seq); diff != "" {
				errs <- fmt.Errorf("run %d: stage sequence mismatch: %s", i, diff)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if len(a.Calls()) != 2*n {
		t.Errorf("expected %d calls, got %d", 2*n, len(a.Calls()))
	}
}

// --- Finish Tests ---

func TestExecute_PublishesFinishEvents(t *testing.T) {
	events := &recordingEvents{}
	var hooked []domain.RunStatus
	var mu sync.Mutex

	o := newTestOrchestrator(t, chainAgent(), Config{
		Events: events,
		OnFinish: func(_ context.Context, run *domain.Run) {
			mu.Lock()
			defer mu.Unlock()
			hooked = append(hooked, run.Status)
		},
	})
	run := createRun(t, o, `{}`)

	if _, err := o.Execute(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []mq.RunFinishedPayload{{
		RunID:  run.ID,
		Ref:    run.Ref(),
		Status: string(domain.RunStatusSucceeded),
	}}
	if diff := cmp.Diff(want, events.payloads); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.RunStatus{domain.RunStatusSucceeded}, hooked); diff != "" {
		t.Errorf("hook mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_FailureEventCarriesStage(t *testing.T) {
	events := &recordingEvents{}
	a := &fakeAgent{respond: func(context.Context, int, json.RawMessage, domain.StageTag) (json.RawMessage, error) {
		return nil, agent.NewError(agent.KindInvalidResponse, nil, "bad")
	}}
	o := newTestOrchestrator(t, a, Config{Events: events})
	run := createRun(t, o, `{}`)

	_, _ = o.Execute(context.Background(), run)

	if len(events.payloads) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.payloads))
	}
	if events.payloads[0].FailedStage != string(domain.StageInitial) {
		t.Errorf("expected failed stage initial, got %q", events.payloads[0].FailedStage)
	}
}

// --- Durable Mode Tests ---

func TestSubmit_RunsInBackground(t *testing.T) {
	done := make(chan *domain.Run, 1)
	o := newTestOrchestrator(t, chainAgent(), Config{
		OnFinish: func(_ context.Context, run *domain.Run) { done <- run },
	})
	run := createRun(t, o, `{"q":"status"}`)

	if err := o.Submit(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case finished := <-done:
		if finished.Status != domain.RunStatusSucceeded {
			t.Errorf("expected SUCCEEDED, got %s", finished.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	if err := o.Submit(context.Background(), run.ID); !errors.Is(err, ErrRunNotPending) {
		t.Errorf("expected ErrRunNotPending on resubmit, got %v", err)
	}
}

func TestSubmit_UnknownRun(t *testing.T) {
	o := newTestOrchestrator(t, chainAgent(), Config{})
	run := domain.NewRun(json.RawMessage(`{}`), o.Pipeline())

	if err := o.Submit(context.Background(), run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStart_PollsPendingRuns(t *testing.T) {
	o := newTestOrchestrator(t, chainAgent(), Config{PollInterval: 10 * time.Millisecond})
	run := createRun(t, o, `{"q":"status"}`)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer o.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return storedRun(t, o, run).Status == domain.RunStatusSucceeded
	})
}

func TestStop_RequeuesActiveRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	a := &fakeAgent{respond: func(ctx context.Context, _ int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newTestOrchestrator(t, a, Config{PollInterval: time.Hour})
	run := createRun(t, o, `{"q":"status"}`)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not picked up")
	}

	o.Stop()

	stored := storedRun(t, o, run)
	if stored.Status != domain.RunStatusPending {
		t.Errorf("expected run requeued as PENDING, got %s", stored.Status)
	}
	for _, s := range stored.Stages {
		if s.Status != domain.StageStatusPending || s.Attempts != 0 {
			t.Errorf("stage %d: expected reset record, got %s/%d", s.Index, s.Status, s.Attempts)
		}
	}

	if err := o.Submit(context.Background(), run.ID); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("expected ErrOrchestratorStopped, got %v", err)
	}
}

// --- Handler Tests ---

func TestHandleRunPending(t *testing.T) {
	done := make(chan struct{})
	o := newTestOrchestrator(t, chainAgent(), Config{
		OnFinish: func(context.Context, *domain.Run) { close(done) },
	})
	run := createRun(t, o, `{}`)

	delivery := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeRunPending, mq.RunPayload{RunID: run.ID})}
	if err := o.handleRunPending(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	// Повторная доставка завершённого run — не ошибка
	if err := o.handleRunPending(context.Background(), delivery); err != nil {
		t.Errorf("expected redelivery to be acked, got %v", err)
	}
}

func TestHandleRunCancel(t *testing.T) {
	started := make(chan struct{})
	done := make(chan *domain.Run, 1)
	a := &fakeAgent{respond: func(ctx context.Context, _ int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newTestOrchestrator(t, a, Config{
		OnFinish: func(_ context.Context, run *domain.Run) { done <- run },
	})
	run := createRun(t, o, `{}`)

	if err := o.Submit(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	delivery := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeRunCancel, mq.RunPayload{RunID: run.ID})}
	if err := o.handleRunCancel(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case finished := <-done:
		if finished.Status != domain.RunStatusCancelled {
			t.Errorf("expected CANCELLED, got %s", finished.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled")
	}
}

// --- Backoff Tests ---

func TestCalculateBackoff_Fixed(t *testing.T) {
	policy := &domain.RetryPolicy{Backoff: "fixed", InitialDelayMs: 500, MaxDelayMs: 10000}

	for attempt := 1; attempt <= 5; attempt++ {
		if got := calculateBackoff(attempt, policy); got != 500*time.Millisecond {
			t.Errorf("attempt %d: expected 500ms, got %v", attempt, got)
		}
	}
}

func TestCalculateBackoff_Exponential(t *testing.T) {
	policy := &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 1000, MaxDelayMs: 10000}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
	}

	for _, tt := range tests {
		got := calculateBackoff(tt.attempt, policy)
		if got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestCalculateBackoff_Defaults(t *testing.T) {
	if got := calculateBackoff(1, nil); got != time.Second {
		t.Errorf("nil policy: expected 1s, got %v", got)
	}
	if got := calculateBackoff(10, &domain.RetryPolicy{Backoff: "exponential"}); got != 30*time.Second {
		t.Errorf("expected cap of 30s, got %v", got)
	}
}

// --- shouldRetry Tests ---

func TestShouldRetry(t *testing.T) {
	optIn := &domain.RetryPolicy{RetryInvalidResponse: true}

	tests := []struct {
		name     string
		err      error
		policy   *domain.RetryPolicy
		expected bool
	}{
		{"transport", agent.NewError(agent.KindTransport, nil, "x"), nil, true},
		{"timeout", agent.NewError(agent.KindTimeout, nil, "x"), nil, true},
		{"wrapped timeout", fmt.Errorf("call: %w", agent.NewError(agent.KindTimeout, nil, "x")), nil, true},
		{"invalid response", agent.NewError(agent.KindInvalidResponse, nil, "x"), nil, false},
		{"invalid response opt-in", agent.NewError(agent.KindInvalidResponse, nil, "x"), optIn, true},
		{"plain error", errors.New("boom"), optIn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.err, tt.policy); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

// --- RunState Tests ---

func TestRunState_CancelIdempotent(t *testing.T) {
	calls := 0
	state := NewRunState(domain.NewRun(json.RawMessage(`{}`), domain.DefaultPipeline()).ID, func() { calls++ })

	state.Cancel()
	state.Cancel()

	if calls != 1 {
		t.Errorf("expected cancel func called once, got %d", calls)
	}
	if !state.IsCancelled() || !state.Stats().Cancelled {
		t.Error("expected state cancelled")
	}
}

func TestGetActiveRunStats(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	a := &fakeAgent{respond: func(_ context.Context, n int, _ json.RawMessage, _ domain.StageTag) (json.RawMessage, error) {
		if n == 1 {
			close(started)
			<-release
		}
		return json.RawMessage(`{"answer":"A"}`), nil
	}}
	o := newTestOrchestrator(t, a, Config{})
	run := createRun(t, o, `{}`)

	done := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), run)
		done <- err
	}()

	<-started
	time.Sleep(5 * time.Millisecond)

	stats, ok := o.GetActiveRunStats(run.ID)
	if !ok {
		t.Fatal("expected stats for active run")
	}
	if stats.RunID != run.ID || stats.Cancelled {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Elapsed < 5*time.Millisecond {
		t.Errorf("expected elapsed >= 5ms, got %s", stats.Elapsed)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := o.GetActiveRunStats(run.ID); ok {
		t.Error("finished run must not be active")
	}
}
