package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/tandem/internal/domain"
)

// DefaultRedisPrefix — префикс ключей по умолчанию.
const DefaultRedisPrefix = "tandem"

// RedisConfig — настройки RedisStore.
type RedisConfig struct {
	// Prefix — префикс ключей. Default: "tandem".
	Prefix string

	// FinishedTTL — сколько хранить завершённые runs. 0 — бессрочно.
	FinishedTTL time.Duration
}

// RedisStore — RunStore поверх Redis.
//
// Ключи:
//   - {prefix}:run:{id}    — JSON run целиком
//   - {prefix}:runs:pending — sorted set PENDING runs (score = created_at)
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisClient создаёт клиента по URL вида redis://host:6379/0 и проверяет соединение.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStore создаёт RedisStore.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.FinishedTTL,
	}
}

// Create сохраняет новый run.
func (s *RedisStore) Create(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	return s.syncPending(ctx, run)
}

// Get возвращает run по ID.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// Update перезаписывает существующий run.
// Завершённые runs получают FinishedTTL.
func (s *RedisStore) Update(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	var ttl time.Duration
	if run.IsFinished() {
		ttl = s.ttl
	}

	ok, err := s.client.SetXX(ctx, s.runKey(run.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	return s.syncPending(ctx, run)
}

// Claim перезаписывает run под WATCH, если сохранённый run ещё PENDING.
// Параллельное изменение ключа между чтением и записью — тоже ErrNotPending.
func (s *RedisStore) Claim(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	key := s.runKey(run.ID)
	claim := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}

		var stored domain.Run
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("unmarshal run: %w", err)
		}
		if stored.Status != domain.RunStatusPending {
			return ErrNotPending
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, s.pendingKey(), run.ID.String())
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, claim, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrNotPending
	}
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotPending) {
		return fmt.Errorf("claim run: %w", err)
	}
	return err
}

// ListPending возвращает PENDING runs (старые первыми).
func (s *RedisStore) ListPending(ctx context.Context, limit int) ([]domain.Run, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}

	runs := make([]domain.Run, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}

		run, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Ключ истёк или удалён — чистим индекс
			s.client.ZRem(ctx, s.pendingKey(), raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		if run.Status != domain.RunStatusPending {
			continue
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// syncPending поддерживает индекс PENDING runs.
func (s *RedisStore) syncPending(ctx context.Context, run *domain.Run) error {
	var err error
	if run.Status == domain.RunStatusPending {
		err = s.client.ZAdd(ctx, s.pendingKey(), redis.Z{
			Score:  float64(run.CreatedAt.UnixMicro()),
			Member: run.ID.String(),
		}).Err()
	} else {
		err = s.client.ZRem(ctx, s.pendingKey(), run.ID.String()).Err()
	}
	if err != nil {
		return fmt.Errorf("sync pending index: %w", err)
	}
	return nil
}

func (s *RedisStore) runKey(id uuid.UUID) string {
	return s.prefix + ":run:" + id.String()
}

func (s *RedisStore) pendingKey() string {
	return s.prefix + ":runs:pending"
}
