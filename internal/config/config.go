package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Worker     WorkerConfig
	Scheduler  SchedulerConfig
	Transports TransportsConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

// RedisConfig enables the delivery receipt cache when Address is set.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type WorkerConfig struct {
	PoolSize        int
	BatchSize       int
	CheckpointEvery int
	SendInterval    time.Duration
	SendTimeout     time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
}

type TransportsConfig struct {
	WebhookURL   string
	SESFromEmail string
	SESFromName  string
}

type MetricsConfig struct {
	Enabled bool
}

// LoadAll reads the configuration from the environment and reports every
// invalid or missing key at once.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		collect(err)
		return v
	}

	pgURL, err := requireEnv("POSTGRES_URL")
	collect(err)

	metricsEnabled, err := getEnvBool("METRICS_ENABLED", true)
	collect(err)

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: pgURL,
		},
		Worker: WorkerConfig{
			PoolSize:        intVar("WORKER_POOL_SIZE", 4),
			BatchSize:       intVar("WORKER_BATCH_SIZE", 100),
			CheckpointEvery: intVar("WORKER_CHECKPOINT_EVERY", 10),
			SendInterval:    time.Duration(intVar("SEND_INTERVAL_MS", 100)) * time.Millisecond,
			SendTimeout:     time.Duration(intVar("SEND_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval: time.Duration(intVar("SCHED_INTERVAL_SECONDS", 30)) * time.Second,
		},
		Transports: TransportsConfig{
			WebhookURL:   os.Getenv("WEBHOOK_URL"),
			SESFromEmail: os.Getenv("SES_FROM_EMAIL"),
			SESFromName:  os.Getenv("SES_FROM_NAME"),
		},
		Metrics: MetricsConfig{
			Enabled: metricsEnabled,
		},
	}

	redisCfg, err := loadRedisConfig()
	collect(err)
	cfg.Redis = redisCfg

	if len(errs) == 0 {
		collect(validate(cfg))
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err := errors.Join(dbErr, ttlErr); err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Worker.PoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be > 0"))
	}
	if cfg.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("WORKER_BATCH_SIZE must be > 0"))
	}
	if cfg.Worker.CheckpointEvery <= 0 {
		errs = append(errs, errors.New("WORKER_CHECKPOINT_EVERY must be > 0"))
	}
	if cfg.Worker.SendInterval < 0 {
		errs = append(errs, errors.New("SEND_INTERVAL_MS must be >= 0"))
	}
	if cfg.Worker.SendTimeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}
	if cfg.Transports.WebhookURL == "" && cfg.Transports.SESFromEmail == "" {
		errs = append(errs, errors.New("one of WEBHOOK_URL or SES_FROM_EMAIL must be set"))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
