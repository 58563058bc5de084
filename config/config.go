// Package config reads the server configuration from the environment,
// optionally seeded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/warp/academy-ledger/sequence"
)

// Config holds everything cmd/server needs to wire the service.
type Config struct {
	Address string `env:"ADDRESS" envDefault:":8080"`

	// Document store
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"sqlite"` // memory | sqlite | mongo
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"./academy.db"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"academy"`

	// Redis backs the counter cache and the job lease; both are off when empty.
	RedisAddress  string `env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// HTTP
	JWTSecret   string `env:"JWT_SECRET"`
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"` // comma separated

	// Reference calendar and scheduled jobs
	TimeZone           string        `env:"TIME_ZONE" envDefault:"America/Bogota"`
	SchedulerEnabled   bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	AttendanceSchedule string        `env:"ATTENDANCE_SCHEDULE" envDefault:"5 0 * * *"`
	ExpirationSchedule string        `env:"EXPIRATION_SCHEDULE" envDefault:"0 1 * * *"`
	JobTimeout         time.Duration `env:"JOB_TIMEOUT" envDefault:"30m"`
	FanOutConcurrency  int           `env:"FANOUT_CONCURRENCY" envDefault:"0"`

	// Sequence counters
	CounterScope       string `env:"COUNTER_SCOPE" envDefault:"branch"`  // branch | global
	CounterBackend     string `env:"COUNTER_BACKEND" envDefault:"store"` // store | redis
	CounterMaxAttempts int    `env:"COUNTER_MAX_ATTEMPTS" envDefault:"10"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"30"`
}

// Load reads envFile when it exists (variables already set win) and parses
// the environment. An empty envFile skips the dotenv step.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case "memory", "sqlite":
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required when STORE_DRIVER=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if _, err := sequence.ParseScope(c.CounterScope); err != nil {
		errs = append(errs, fmt.Errorf("COUNTER_SCOPE: %w", err))
	}
	switch c.CounterBackend {
	case "store":
	case "redis":
		if c.RedisAddress == "" {
			errs = append(errs, errors.New("REDIS_ADDRESS is required when COUNTER_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown COUNTER_BACKEND %q", c.CounterBackend))
	}

	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("TIME_ZONE: %w", err))
	}
	for name, expr := range map[string]string{
		"ATTENDANCE_SCHEDULE": c.AttendanceSchedule,
		"EXPIRATION_SCHEDULE": c.ExpirationSchedule,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	if c.FanOutConcurrency < 0 {
		errs = append(errs, errors.New("FANOUT_CONCURRENCY must be >= 0"))
	}
	return errors.Join(errs...)
}

// Origins splits CORS_ORIGINS.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Location loads TimeZone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
