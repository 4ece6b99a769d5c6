package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/tandem/internal/agent"
	"github.com/shaiso/tandem/internal/config"
	"github.com/shaiso/tandem/internal/mq"
	"github.com/shaiso/tandem/internal/orchestrator"
	"github.com/shaiso/tandem/internal/repo"
	"github.com/shaiso/tandem/internal/storage"
	"github.com/shaiso/tandem/internal/workflow"
)

// Deps — зависимости, общие для бинарей tandem.
type Deps struct {
	Config *config.Config
	Logger *slog.Logger

	Agent *agent.HTTPClient
	Store repo.RunStore

	// Conn и Publisher — nil, если RabbitMQ не настроен или недоступен.
	Conn      *mq.Connection
	Publisher *mq.Publisher

	// Audit — nil, если audit log выключен.
	Audit *storage.AuditWriter

	closers []func()
}

// Build собирает зависимости по конфигурации.
// При ошибке уже открытые соединения закрываются.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deps{Config: cfg, Logger: logger}

	var err error
	if d.Agent, err = newAgent(cfg, logger); err != nil {
		return nil, err
	}

	if err := d.openStore(ctx); err != nil {
		d.Close()
		return nil, err
	}

	if cfg.Storage.AuditEnabled {
		bucket, err := storage.NewBucket(cfg.Storage.BucketURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("audit bucket: %w", err)
		}
		d.Audit = storage.NewAuditWriter(bucket, logger)
	}

	d.connectMQ(ctx)
	return d, nil
}

// newAgent создаёт HTTP-клиент агента. Bucket передаётся агенту заголовком.
func newAgent(cfg *config.Config, logger *slog.Logger) (*agent.HTTPClient, error) {
	headers := make(map[string]string, len(cfg.Agent.Headers)+1)
	for k, v := range cfg.Agent.Headers {
		headers[k] = v
	}

	if cfg.Storage.BucketURL != "" {
		bucket, err := storage.NewBucket(cfg.Storage.BucketURL)
		if err != nil {
			return nil, fmt.Errorf("storage bucket: %w", err)
		}
		for k, v := range bucket.Headers() {
			headers[k] = v
		}
	}

	return agent.NewHTTPClient(agent.HTTPConfig{
		URL:            cfg.Agent.URL,
		APIKey:         cfg.Agent.APIKey,
		Headers:        headers,
		UnwrapEnvelope: cfg.Agent.UnwrapEnvelope,
		Logger:         logger,
	})
}

// openStore выбирает хранилище runs по config.StoreKind.
func (d *Deps) openStore(ctx context.Context) error {
	switch d.Config.StoreKind() {
	case config.StorePostgres:
		pool, err := repo.NewPool(ctx, d.Config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		d.closers = append(d.closers, pool.Close)

		if err := repo.Migrate(ctx, pool); err != nil {
			return err
		}
		d.Store = repo.NewRunRepo(pool)

	case config.StoreRedis:
		client, err := repo.NewRedisClient(ctx, d.Config.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		d.closers = append(d.closers, func() { client.Close() })

		d.Store = repo.NewRedisStore(client, repo.RedisConfig{FinishedTTL: d.Config.Orchestrator.RunTTL})

	default:
		d.Store = repo.NewMemoryStore()
	}

	d.Logger.Info("run store ready", "kind", d.Config.StoreKind())
	return nil
}

// connectMQ подключается к RabbitMQ. Недоступный брокер — не ошибка:
// бинари работают в polling-only режиме.
func (d *Deps) connectMQ(ctx context.Context) {
	if d.Config.RabbitMQURL == "" {
		return
	}

	conn, err := mq.NewConnection(mq.ConnectionConfig{URL: d.Config.RabbitMQURL, Logger: d.Logger})
	if err != nil {
		d.Logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return
	}
	d.closers = append(d.closers, func() { conn.Close() })

	if err := mq.SetupTopology(ctx, conn); err != nil {
		d.Logger.Warn("failed to setup topology", "error", err)
	}

	d.Conn = conn
	d.Publisher = mq.NewPublisher(conn, d.Logger)
	d.Logger.Info("RabbitMQ connected")
}

// OrchestratorConfig возвращает конфигурацию оркестратора поверх Deps.
func (d *Deps) OrchestratorConfig() orchestrator.Config {
	cfg := orchestrator.Config{
		Agent:             d.Agent,
		Store:             d.Store,
		Pipeline:          d.Config.Pipeline,
		Conn:              d.Conn,
		PollInterval:      d.Config.Orchestrator.PollInterval,
		MaxConcurrentRuns: d.Config.Orchestrator.MaxConcurrentRuns,
		Logger:            d.Logger,
	}
	if d.Publisher != nil {
		cfg.Events = d.Publisher
	}
	if d.Audit != nil {
		cfg.OnFinish = d.Audit.OnFinish
	}
	return cfg
}

// Dispatcher возвращает Publisher как workflow.Dispatcher или nil без RabbitMQ.
func (d *Deps) Dispatcher() workflow.Dispatcher {
	if d.Publisher == nil {
		return nil
	}
	return d.Publisher
}

// Close закрывает соединения в обратном порядке.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// NewOpsMux создаёт mux с /healthz и /metrics.
func NewOpsMux(started time.Time) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(started).Round(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
