package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/scy/cred/secret"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/engine"
)

// Default values.
const (
	DefaultAPIPort  = "8080"
	DefaultOrchPort = "8081"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config — конфигурация бинарей tandem.
//
// Источники по возрастанию приоритета: значения по умолчанию,
// YAML файл из TANDEM_CONFIG, переменные окружения.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Pipeline — стадии. Nil — эталонный pipeline из двух стадий.
	Pipeline *domain.Pipeline `yaml:"pipeline,omitempty"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	RabbitMQURL string `yaml:"rabbitmq_url"`

	APIPort  string `yaml:"api_port"`
	OrchPort string `yaml:"orch_port"`
}

// AgentConfig — подключение к агенту.
type AgentConfig struct {
	URL string `yaml:"url"`

	// APIKey — ключ агента. Если пуст, загружается по APIKeyURL.
	APIKey string `yaml:"api_key"`

	// APIKeyURL — secret ресурс scy (например, file://~/.secret/agent.json|blowfish://default).
	APIKeyURL string `yaml:"api_key_url"`

	// UnwrapEnvelope — агент отвечает конвертом {statusCode, body}.
	UnwrapEnvelope bool `yaml:"unwrap_envelope"`

	Headers map[string]string `yaml:"headers,omitempty"`
}

// StorageConfig — bucket агента и audit log.
type StorageConfig struct {
	BucketURL    string `yaml:"bucket_url"`
	AuditEnabled bool   `yaml:"audit_enabled"`
}

// OrchestratorConfig — параметры durable режима.
type OrchestratorConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`

	// RunTTL — сколько RedisStore хранит завершённые runs.
	RunTTL time.Duration `yaml:"run_ttl"`
}

// Load собирает конфигурацию и загружает API ключ.
// Валидация — отдельно через Validate: CLI и healthcheck она не нужна.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		APIPort:  DefaultAPIPort,
		OrchPort: DefaultOrchPort,
	}

	if path := os.Getenv("TANDEM_CONFIG"); path != "" {
		data, err := afs.New().DownloadWithURL(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.resolveAPIKey(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse разбирает YAML конфигурацию (без переменных окружения).
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		APIPort:  DefaultAPIPort,
		OrchPort: DefaultOrchPort,
	}
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if c.Pipeline != nil {
		if err := engine.Validate(c.Pipeline); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

// expandEnv подставляет ${VAR}. Незаданные переменные остаются как есть.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// applyEnv перекрывает значения переменными окружения.
func (c *Config) applyEnv() {
	setString(&c.Agent.URL, "AGENT_URL")
	setString(&c.Agent.APIKey, "OPENAI_API_KEY")
	setString(&c.Agent.APIKey, "AGENT_API_KEY")
	setString(&c.Agent.APIKeyURL, "AGENT_API_KEY_URL")
	setBool(&c.Agent.UnwrapEnvelope, "UNWRAP_ENVELOPE")

	setString(&c.Storage.BucketURL, "STORAGE_BUCKET_URL")
	setBool(&c.Storage.AuditEnabled, "AUDIT_ENABLED")

	setDuration(&c.Orchestrator.PollInterval, "POLL_INTERVAL")
	setInt(&c.Orchestrator.MaxConcurrentRuns, "MAX_CONCURRENT_RUNS")
	setDuration(&c.Orchestrator.RunTTL, "RUN_TTL")

	setString(&c.DatabaseURL, "DB_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.RabbitMQURL, "RABBITMQ_URL")

	setString(&c.APIPort, "API_PORT")
	setString(&c.OrchPort, "ORCH_PORT")
}

// resolveAPIKey загружает ключ из secret ресурса, если он не задан явно.
func (c *Config) resolveAPIKey(ctx context.Context) error {
	if c.Agent.APIKey != "" || c.Agent.APIKeyURL == "" {
		return nil
	}

	key, err := secret.New().GeyKey(ctx, c.Agent.APIKeyURL)
	if err != nil {
		return fmt.Errorf("loading api key from %s: %w", c.Agent.APIKeyURL, err)
	}
	c.Agent.APIKey = key.Secret
	return nil
}

// Validate проверяет настройки, без которых нельзя вызвать агента.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.URL) == "" {
		return domain.NewConfigurationError("AGENT_URL")
	}
	if strings.TrimSpace(c.Agent.APIKey) == "" {
		return &domain.ConfigurationError{
			Field:   "AGENT_API_KEY",
			Message: "set AGENT_API_KEY, OPENAI_API_KEY or AGENT_API_KEY_URL",
		}
	}
	if c.Storage.AuditEnabled && c.Storage.BucketURL == "" {
		return &domain.ConfigurationError{
			Field:   "STORAGE_BUCKET_URL",
			Message: "required when AUDIT_ENABLED is set",
		}
	}
	return nil
}

// StoreKind возвращает хранилище runs: postgres при DB_URL,
// redis при REDIS_URL, иначе memory.
func (c *Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.RedisURL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

// --- Helpers ---

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
