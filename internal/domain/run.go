package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run — одно выполнение упорядоченной последовательности стадий
// для одного WorkflowRequest.
//
// Run создаётся когда:
// - Клиент запускает workflow через API (синхронно или асинхронно)
// - Клиент запускает workflow через CLI
//
// Run не разделяется между выполнениями и живёт только в рамках одного запуска.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Request — тело исходного запроса (поле "body" WorkflowRequest).
	// Не меняется после старта run.
	Request json.RawMessage `json:"request"`

	// Stages — записи о стадиях в порядке объявления.
	Stages []StageRecord `json:"stages,omitempty"`

	// Output — итоговый документ последней стадии (только для SUCCEEDED).
	Output json.RawMessage `json:"output,omitempty"`

	// Failure — причина падения (только для FAILED).
	Failure *StageFailure `json:"failure,omitempty"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// NewRun создаёт run в статусе PENDING с записями для всех стадий pipeline.
func NewRun(body json.RawMessage, pipeline Pipeline) *Run {
	run := &Run{
		ID:        uuid.New(),
		Status:    RunStatusPending,
		Request:   append(json.RawMessage(nil), body...),
		Stages:    make([]StageRecord, len(pipeline.Stages)),
		CreatedAt: time.Now(),
	}
	for i, d := range pipeline.Stages {
		run.Stages[i] = StageRecord{
			Index:  i,
			Name:   d.Name,
			Stage:  d.Stage,
			Status: StageStatusPending,
		}
	}
	return run
}

// Ref возвращает внешний идентификатор run (аналог ARN выполнения).
func (r *Run) Ref() string {
	return "tandem:run:" + r.ID.String()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит run в статус RUNNING.
func (r *Run) MarkRunning() {
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит run в статус SUCCEEDED с итоговым документом.
func (r *Run) MarkSucceeded(output json.RawMessage) {
	now := time.Now()
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
	r.Output = output
}

// MarkFailed переводит run в статус FAILED.
// Выходы уже завершённых стадий отбрасываются: частичная цепочка не является результатом.
func (r *Run) MarkFailed(failure StageFailure) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Failure = &failure
	r.Output = nil
	r.discardOutputs()
}

// MarkCancelled переводит run в статус CANCELLED.
func (r *Run) MarkCancelled() {
	now := time.Now()
	r.Status = RunStatusCancelled
	r.FinishedAt = &now
	r.Output = nil
	r.discardOutputs()
}

// StageSequence возвращает теги стадий, которые начали выполняться, в порядке запуска.
func (r *Run) StageSequence() []StageTag {
	seq := make([]StageTag, 0, len(r.Stages))
	for _, s := range r.Stages {
		if s.Status == StageStatusPending {
			continue
		}
		seq = append(seq, s.Stage)
	}
	return seq
}

func (r *Run) discardOutputs() {
	for i := range r.Stages {
		r.Stages[i].Output = nil
	}
}

// StageRecord — результат одной стадии внутри run.
type StageRecord struct {
	// Index — позиция стадии в pipeline (с 0).
	Index int `json:"index"`

	// Name — имя стадии (копия StageDescriptor.Name).
	Name string `json:"name"`

	// Stage — тег стадии.
	Stage StageTag `json:"stage"`

	// Status — текущий статус стадии.
	Status StageStatus `json:"status"`

	// Attempts — количество выполненных попыток вызова агента.
	Attempts int `json:"attempts"`

	// Output — документ, который вернул агент.
	Output json.RawMessage `json:"output,omitempty"`

	// Error — текст последней ошибки.
	Error string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// MarkRunning переводит стадию в RUNNING.
func (s *StageRecord) MarkRunning() {
	now := time.Now()
	s.Status = StageStatusRunning
	s.StartedAt = &now
}

// MarkSucceeded переводит стадию в SUCCEEDED с результатом.
func (s *StageRecord) MarkSucceeded(output json.RawMessage) {
	now := time.Now()
	s.Status = StageStatusSucceeded
	s.FinishedAt = &now
	s.Output = output
	s.Error = ""
}

// MarkFailed переводит стадию в FAILED с ошибкой.
func (s *StageRecord) MarkFailed(err string) {
	now := time.Now()
	s.Status = StageStatusFailed
	s.FinishedAt = &now
	s.Error = err
}

// Duration возвращает продолжительность выполнения стадии.
func (s *StageRecord) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}
