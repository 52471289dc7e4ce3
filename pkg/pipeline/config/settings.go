package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "INSIGHTENGINE_"

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Dead-letter backends.
const (
	DLQMemory = "memory"
	DLQBadger = "badger"
)

// Settings is the fully resolved pipeline configuration.
type Settings struct {
	// Bus
	BusPartitions int
	BusBufferSize int

	// Ledger
	LedgerBackend string // memory, sqlite, postgres
	LedgerPath    string // sqlite file path
	LedgerDSN     string // postgres connection string

	// Dead-letter store
	DLQBackend string // memory, badger
	DLQPath    string // badger directory

	// Consumer
	Group          string
	Workers        int
	HandlerTimeout time.Duration
	LeaseTTL       time.Duration
	RenewInterval  time.Duration

	// Retry
	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	RetryJitter      float64

	// Scheduler
	SchedulerDefaultWeight float64
	SchedulerAgingFactor   float64
	TenantWeights          map[string]float64

	// Compensation
	CompensationEnabled       bool
	CompensationDelay         time.Duration
	CompensationPollInterval  time.Duration
	CompensationMaxGeneration int

	// Observability
	LogLevel       string // debug, info, warn, error
	LogFormat      string // text, json
	MetricsEnabled bool
	TracingEnabled bool
}

// Defaults returns the settings used when no file or environment is given.
func Defaults() Settings {
	return Settings{
		BusPartitions:             16,
		BusBufferSize:             256,
		LedgerBackend:             LedgerMemory,
		DLQBackend:                DLQMemory,
		Group:                     "pipeline",
		Workers:                   8,
		HandlerTimeout:            30 * time.Second,
		LeaseTTL:                  60 * time.Second,
		RenewInterval:             20 * time.Second,
		RetryMaxAttempts:          5,
		RetryBackoffBase:          1 * time.Second,
		RetryBackoffCap:           60 * time.Second,
		RetryJitter:               0.2,
		SchedulerDefaultWeight:    1.0,
		SchedulerAgingFactor:      0.1,
		CompensationEnabled:       true,
		CompensationDelay:         5 * time.Minute,
		CompensationPollInterval:  30 * time.Second,
		CompensationMaxGeneration: 3,
		LogLevel:                  "info",
		LogFormat:                 "json",
		MetricsEnabled:            true,
		TracingEnabled:            false,
	}
}

// Load resolves settings in precedence order: defaults, then the config
// file (if path is non-empty), then INSIGHTENGINE_ environment variables.
func Load(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		cfg, err := FromFile(path)
		if err != nil {
			return Settings{}, err
		}
		s.applyConfig(cfg)
	}

	s.applyEnv()
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyConfig(cfg Config) {
	busCfg := cfg.Sub("bus")
	s.BusPartitions = busCfg.Int("partitions", s.BusPartitions)
	s.BusBufferSize = busCfg.Int("buffer_size", s.BusBufferSize)

	ledgerCfg := cfg.Sub("ledger")
	s.LedgerBackend = ledgerCfg.String("backend", s.LedgerBackend)
	s.LedgerPath = ledgerCfg.String("path", s.LedgerPath)
	s.LedgerDSN = ledgerCfg.String("dsn", s.LedgerDSN)

	dlqCfg := cfg.Sub("dead_letter")
	s.DLQBackend = dlqCfg.String("backend", s.DLQBackend)
	s.DLQPath = dlqCfg.String("path", s.DLQPath)

	consumerCfg := cfg.Sub("consumer")
	s.Group = consumerCfg.String("group", s.Group)
	s.Workers = consumerCfg.Int("workers", s.Workers)
	s.HandlerTimeout = consumerCfg.Duration("handler_timeout", s.HandlerTimeout)
	s.LeaseTTL = consumerCfg.Duration("lease_ttl", s.LeaseTTL)
	s.RenewInterval = consumerCfg.Duration("renew_interval", s.RenewInterval)

	retryCfg := cfg.Sub("retry")
	s.RetryMaxAttempts = retryCfg.Int("max_attempts", s.RetryMaxAttempts)
	s.RetryBackoffBase = retryCfg.Duration("backoff_base", s.RetryBackoffBase)
	s.RetryBackoffCap = retryCfg.Duration("backoff_cap", s.RetryBackoffCap)
	s.RetryJitter = retryCfg.Float("jitter", s.RetryJitter)

	schedCfg := cfg.Sub("scheduler")
	s.SchedulerDefaultWeight = schedCfg.Float("default_weight", s.SchedulerDefaultWeight)
	s.SchedulerAgingFactor = schedCfg.Float("aging_factor", s.SchedulerAgingFactor)
	if weights := schedCfg.FloatMap("tenant_weights"); weights != nil {
		s.TenantWeights = weights
	}

	compCfg := cfg.Sub("compensation")
	s.CompensationEnabled = compCfg.Bool("enabled", s.CompensationEnabled)
	s.CompensationDelay = compCfg.Duration("delay", s.CompensationDelay)
	s.CompensationPollInterval = compCfg.Duration("poll_interval", s.CompensationPollInterval)
	s.CompensationMaxGeneration = compCfg.Int("max_generation", s.CompensationMaxGeneration)

	obsCfg := cfg.Sub("observability")
	s.LogLevel = obsCfg.String("log_level", s.LogLevel)
	s.LogFormat = obsCfg.String("log_format", s.LogFormat)
	s.MetricsEnabled = obsCfg.Bool("metrics", s.MetricsEnabled)
	s.TracingEnabled = obsCfg.Bool("tracing", s.TracingEnabled)
}

// applyEnv overlays INSIGHTENGINE_ environment variables.
func (s *Settings) applyEnv() {
	envString(&s.LedgerBackend, "LEDGER_BACKEND")
	envString(&s.LedgerPath, "LEDGER_PATH")
	envString(&s.LedgerDSN, "LEDGER_DSN")
	envString(&s.DLQBackend, "DLQ_BACKEND")
	envString(&s.DLQPath, "DLQ_PATH")
	envString(&s.Group, "GROUP")
	envString(&s.LogLevel, "LOG_LEVEL")
	envString(&s.LogFormat, "LOG_FORMAT")

	envInt(&s.BusPartitions, "BUS_PARTITIONS")
	envInt(&s.BusBufferSize, "BUS_BUFFER_SIZE")
	envInt(&s.Workers, "WORKERS")
	envInt(&s.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS")
	envInt(&s.CompensationMaxGeneration, "COMPENSATION_MAX_GENERATION")

	envDuration(&s.HandlerTimeout, "HANDLER_TIMEOUT")
	envDuration(&s.LeaseTTL, "LEASE_TTL")
	envDuration(&s.RenewInterval, "RENEW_INTERVAL")
	envDuration(&s.RetryBackoffBase, "RETRY_BACKOFF_BASE")
	envDuration(&s.RetryBackoffCap, "RETRY_BACKOFF_CAP")
	envDuration(&s.CompensationDelay, "COMPENSATION_DELAY")
	envDuration(&s.CompensationPollInterval, "COMPENSATION_POLL_INTERVAL")

	envBool(&s.MetricsEnabled, "METRICS_ENABLED")
	envBool(&s.TracingEnabled, "TRACING_ENABLED")
	envBool(&s.CompensationEnabled, "COMPENSATION_ENABLED")

	envFloat(&s.RetryJitter, "RETRY_JITTER")
	envFloat(&s.SchedulerDefaultWeight, "SCHEDULER_DEFAULT_WEIGHT")
	envFloat(&s.SchedulerAgingFactor, "SCHEDULER_AGING_FACTOR")
}

func (s *Settings) validate() error {
	switch s.LedgerBackend {
	case LedgerMemory:
	case LedgerSQLite:
		if s.LedgerPath == "" {
			return fmt.Errorf("ledger backend %q requires ledger.path", s.LedgerBackend)
		}
	case LedgerPostgres:
		if s.LedgerDSN == "" {
			return fmt.Errorf("ledger backend %q requires ledger.dsn", s.LedgerBackend)
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", s.LedgerBackend)
	}

	switch s.DLQBackend {
	case DLQMemory, DLQBadger:
	default:
		return fmt.Errorf("unknown dead-letter backend %q", s.DLQBackend)
	}

	if s.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", s.RetryMaxAttempts)
	}
	return nil
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
