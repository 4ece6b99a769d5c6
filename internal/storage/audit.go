package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/shaiso/tandem/internal/domain"
)

// Ошибки хранилища.
var (
	// ErrEmptyURL — URL bucket не задан.
	ErrEmptyURL = errors.New("bucket url is empty")

	// ErrInvalidURL — URL без схемы и не абсолютный путь.
	ErrInvalidURL = errors.New("invalid bucket url")

	// ErrRecordNotFound — audit запись отсутствует.
	ErrRecordNotFound = errors.New("audit record not found")
)

// auditPrefix — каталог audit записей внутри bucket.
const auditPrefix = "runs"

// AuditWriter пишет завершённые runs в bucket как runs/<id>.json.
//
// Это единственная история runs, которая переживает процесс
// при MemoryStore и истечение FinishedTTL при RedisStore.
type AuditWriter struct {
	fs     afs.Service
	bucket *Bucket
	logger *slog.Logger
}

// NewAuditWriter создаёт AuditWriter.
func NewAuditWriter(bucket *Bucket, logger *slog.Logger) *AuditWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditWriter{
		fs:     afs.New(),
		bucket: bucket,
		logger: logger,
	}
}

// Write сохраняет run. Незавершённые runs не пишутся.
func (w *AuditWriter) Write(ctx context.Context, run *domain.Run) error {
	if !run.IsFinished() {
		return fmt.Errorf("run %s is not finished: %s", run.ID, run.Status)
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	URL := w.recordURL(run.ID)
	if err := w.fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", URL, err)
	}
	return nil
}

// Read загружает сохранённый run.
func (w *AuditWriter) Read(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	URL := w.recordURL(id)

	exists, err := w.fs.Exists(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", URL, err)
	}
	if !exists {
		return nil, ErrRecordNotFound
	}

	data, err := w.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", URL, err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", URL, err)
	}
	return &run, nil
}

// OnFinish — хук завершения run для оркестратора.
// Ошибки записи только логируются: audit не влияет на результат run.
func (w *AuditWriter) OnFinish(ctx context.Context, run *domain.Run) {
	if err := w.Write(ctx, run); err != nil {
		w.logger.Warn("failed to write audit record", "run_id", run.ID, "error", err)
		return
	}
	w.logger.Debug("audit record written", "run_id", run.ID, "url", w.recordURL(run.ID))
}

func (w *AuditWriter) recordURL(id uuid.UUID) string {
	return w.bucket.Join(auditPrefix, id.String()+".json")
}
