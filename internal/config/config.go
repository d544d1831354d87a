package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Redis        Redis
	Bus          Bus
	Heartbeat    Heartbeat
	Orchestrator Orchestrator
	Publisher    Publisher
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type Bus struct {
	Group             string        `env:"BUS_GROUP" envDefault:"pipeline"`
	MaxDeliveries     int           `env:"BUS_MAX_DELIVERIES" envDefault:"5"`
	VisibilityTimeout time.Duration `env:"BUS_VISIBILITY_TIMEOUT" envDefault:"30s"`
	BaseBackoff       time.Duration `env:"BUS_BASE_BACKOFF" envDefault:"500ms"`
	MaxBackoff        time.Duration `env:"BUS_MAX_BACKOFF" envDefault:"30s"`
	PublishAttempts   int           `env:"BUS_PUBLISH_ATTEMPTS" envDefault:"3"`
}

type Heartbeat struct {
	Interval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
}

// TTL for registry keys: three intervals, so key expiry coincides with the
// degraded window closing.
func (h Heartbeat) TTL() time.Duration { return 3 * h.Interval }

type Orchestrator struct {
	TaskTimeout time.Duration `env:"TASK_TIMEOUT" envDefault:"2m"`
	// Per-type overrides; publish tasks wait out the scheduling window.
	TaskTimeouts map[string]time.Duration `env:"TASK_TIMEOUTS" envDefault:"publish:192h"`
	StallTimeout time.Duration            `env:"STALL_TIMEOUT" envDefault:"10m"`
	MaxRetries   int                      `env:"TASK_MAX_RETRIES" envDefault:"3"`
	ReapInterval time.Duration            `env:"REAP_INTERVAL" envDefault:"10s"`
	QCThreshold  float64                  `env:"QC_THRESHOLD" envDefault:"0.7"`
}

// TimeoutFor returns the deadline for a task type, falling back to the
// global default.
func (o Orchestrator) TimeoutFor(taskType string) time.Duration {
	if d, ok := o.TaskTimeouts[taskType]; ok {
		return d
	}
	return o.TaskTimeout
}

type Publisher struct {
	WindowDays      int           `env:"PUBLISH_WINDOW_DAYS" envDefault:"7"`
	MaxRetries      int           `env:"PUBLISH_MAX_RETRIES" envDefault:"3"`
	MetricsDelay    time.Duration `env:"PUBLISH_METRICS_DELAY" envDefault:"1h"`
	BenchmarkWindow int           `env:"PUBLISH_BENCHMARK_WINDOW" envDefault:"50"`
	// ProfilesJSON overrides the built-in platform profiles.
	ProfilesJSON string `env:"PLATFORM_PROFILES"`
}

func Load() *Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal().Err(err).Msg("failed to parse environment")
	}
	return &c
}
