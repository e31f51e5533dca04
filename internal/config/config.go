// Package config loads the application contract from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is loaded before decoding when it exists.
const DefaultEnvFile = ".env"

// Config is the runtime contract of the application container.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	// DatabaseApps names applications whose <APP>_DB_* pools open at startup.
	DatabaseApps string `env:"DATABASE_APPS"`

	Redis     RedisConfig
	Cassandra CassandraConfig
	HTTP      HTTPConfig
	Log       LogConfig
	RateLimit RateLimitConfig

	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT,default=120s"`
	ProbeInterval     time.Duration `env:"PROBE_INTERVAL,default=5m"`
	ProbeTimeout      time.Duration `env:"PROBE_TIMEOUT,default=5s"`
	StartupMaxRetries int           `env:"STARTUP_MAX_RETRIES,default=10"`
	StatusTTL         time.Duration `env:"STATUS_TTL,default=10m"`

	CORSOrigins string `env:"CORS_ORIGINS,default=*"`
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST"`
	Port     int    `env:"REDIS_PORT,default=6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type CassandraConfig struct {
	Host              string `env:"CASSANDRA_HOST"`
	Port              int    `env:"CASSANDRA_PORT,default=9042"`
	Keyspace          string `env:"CASSANDRA_KEYSPACE"`
	Username          string `env:"CASSANDRA_USERNAME,default=cassandra"`
	Password          string `env:"CASSANDRA_PASSWORD,default=cassandra"`
	Consistency       string `env:"CASSANDRA_CONSISTENCY,default=QUORUM"`
	ReplicationFactor int    `env:"CASSANDRA_REPLICATION_FACTOR,default=1"`
}

// Hosts splits the comma separated host list.
func (c CassandraConfig) Hosts() []string {
	return splitList(c.Host)
}

type HTTPConfig struct {
	Host string `env:"HTTP_HOST,default=0.0.0.0"`
	Port int    `env:"HTTP_PORT,default=8000"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
	File   string `env:"LOG_FILE"`
}

type RateLimitConfig struct {
	RPS   float64 `env:"RATE_LIMIT_RPS,default=20"`
	Burst int     `env:"RATE_LIMIT_BURST,default=40"`
}

// Apps returns the applications listed in DATABASE_APPS.
func (c *Config) Apps() []string {
	return splitList(c.DatabaseApps)
}

// Origins returns the allowed CORS origins.
func (c *Config) Origins() []string {
	return splitList(c.CORSOrigins)
}

// Load reads the env files that exist (DefaultEnvFile when none are given),
// decodes the environment and validates the result. Variables already set in
// the process environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv decodes the process environment without validating it.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"json": true, "text": true}
)

// Validate reports every missing or out-of-range setting.
func (c *Config) Validate() error {
	var missing []string
	for _, v := range []struct{ name, value string }{
		{"DATABASE_URL", c.DatabaseURL},
		{"REDIS_HOST", c.Redis.Host},
		{"REDIS_PASSWORD", c.Redis.Password},
		{"CASSANDRA_HOST", c.Cassandra.Host},
		{"CASSANDRA_KEYSPACE", c.Cassandra.Keyspace},
	} {
		if strings.TrimSpace(v.value) == "" {
			missing = append(missing, v.name)
		}
	}

	var errs []string
	if len(missing) > 0 {
		errs = append(errs, "missing required variables: "+strings.Join(missing, ", "))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT must be positive")
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, "PROBE_INTERVAL must be positive")
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, "PROBE_TIMEOUT must be positive")
	}
	if c.StartupMaxRetries < 0 {
		errs = append(errs, "STARTUP_MAX_RETRIES must not be negative")
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL %q: want debug, info, warn or error", c.Log.Level))
	}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT %q: want json or text", c.Log.Format))
	}
	for _, p := range []struct {
		name string
		port int
	}{
		{"HTTP_PORT", c.HTTP.Port},
		{"REDIS_PORT", c.Redis.Port},
		{"CASSANDRA_PORT", c.Cassandra.Port},
	} {
		if p.port <= 0 || p.port > 65535 {
			errs = append(errs, fmt.Sprintf("%s %d: must be in 1..65535", p.name, p.port))
		}
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, "RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
