// Package config loads worker configuration from environment variables using caarlos0/env/v11.
package config

import (
	"errors"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// ── Storage ──────────────────────────────────────────────────────────────────
	PostgresDSN       string        `env:"POSTGRES_DSN"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisKeyPrefix    string        `env:"REDIS_KEY_PREFIX"      envDefault:"jobqueue:worker"`

	// ── Remote queue ─────────────────────────────────────────────────────────────
	// Base URL the rpc/<name> paths are appended to, e.g. https://x.supabase.co/rest/v1
	QueueRPCURL       string        `env:"QUEUE_RPC_URL"`
	QueueRPCKey       string        `env:"QUEUE_RPC_KEY"`
	QueueRPCTimeout   time.Duration `env:"QUEUE_RPC_TIMEOUT"   envDefault:"10s"`
	MissingRPCBackoff time.Duration `env:"MISSING_RPC_BACKOFF" envDefault:"2s"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerKind        string        `env:"WORKER_KIND"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"       envDefault:"1s"`
	TransientBackoff  time.Duration `env:"TRANSIENT_BACKOFF"   envDefault:"5s"`
	WorkerMaxFailures int           `env:"WORKER_MAX_FAILURES" envDefault:"5"`
	TableMaxAttempts  int           `env:"TABLE_MAX_ATTEMPTS"  envDefault:"3"`
	ReclaimAfter      time.Duration `env:"RECLAIM_AFTER"       envDefault:"5m"`
	ReapInterval      time.Duration `env:"REAP_INTERVAL"       envDefault:"1m"`

	// ── Handlers ─────────────────────────────────────────────────────────────────
	// kind=url pairs, comma separated.
	HandlerEndpoints map[string]string `env:"HANDLER_ENDPOINTS" envKeyValSeparator:"="`
	HandlerTimeout   time.Duration     `env:"HANDLER_TIMEOUT"   envDefault:"30s"`

	// ── HTTP ─────────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`
	// Worker commands serve /health and /metrics here when set.
	MetricsAddr string `env:"METRICS_ADDR"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

var (
	ErrMissingDSN    = errors.New("POSTGRES_DSN is required")
	ErrMissingRPCURL = errors.New("QUEUE_RPC_URL is required")
	ErrMissingKind   = errors.New("worker kind is required (WORKER_KIND or --kind)")
)

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequireDB reports whether the Postgres-backed commands can run.
func (c *Config) RequireDB() error {
	if c.PostgresDSN == "" {
		return ErrMissingDSN
	}
	return nil
}

func (c *Config) RequireRPC() error {
	if c.QueueRPCURL == "" {
		return ErrMissingRPCURL
	}
	if c.WorkerKind == "" {
		return ErrMissingKind
	}
	return nil
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password in a postgres URL: user:pass@ -> user:****@
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
