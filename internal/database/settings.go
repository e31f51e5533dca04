// Package database opens and tracks PostgreSQL connection pools: one central
// pool plus lazily opened per-application pools.
package database

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SSLMode is the subset of libpq sslmode values the stack accepts.
type SSLMode string

const (
	SSLDisable    SSLMode = "disable"
	SSLRequire    SSLMode = "require"
	SSLVerifyFull SSLMode = "verify-full"
)

func (m SSLMode) valid() bool {
	switch m {
	case SSLDisable, SSLRequire, SSLVerifyFull:
		return true
	}
	return false
}

// Pool defaults.
const (
	DefaultPort            = 5432
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 1
	DefaultConnectTimeout  = 10 * time.Second
	DefaultConnMaxLifetime = 30 * time.Minute
)

// CentralPrefix is the environment prefix of the central pool when no
// DATABASE_URL is given.
const CentralPrefix = "CENTRAL"

// LookupFunc resolves environment variables. It matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Settings describes one connection pool.
type Settings struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  SSLMode

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.SSLMode == "" {
		s.SSLMode = SSLDisable
	}
	if s.MaxOpenConns == 0 {
		s.MaxOpenConns = DefaultMaxOpenConns
	}
	if s.MaxIdleConns == 0 {
		s.MaxIdleConns = DefaultMaxIdleConns
	}
	if s.ConnMaxLifetime == 0 {
		s.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	return s
}

// ParseURL reads a postgres:// or postgresql:// connection string.
func ParseURL(raw string) (Settings, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("parse database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return Settings{}, fmt.Errorf("database url: unsupported scheme %q", u.Scheme)
	}

	s := Settings{
		Host: u.Hostname(),
		Name: strings.TrimPrefix(u.Path, "/"),
	}
	if u.User != nil {
		s.User = u.User.Username()
		s.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		if s.Port, err = strconv.Atoi(p); err != nil {
			return Settings{}, fmt.Errorf("database url: port %q: %w", p, err)
		}
	}
	q := u.Query()
	if mode := q.Get("sslmode"); mode != "" {
		s.SSLMode = SSLMode(mode)
	}
	if t := q.Get("connect_timeout"); t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil {
			return Settings{}, fmt.Errorf("database url: connect_timeout %q: %w", t, err)
		}
		s.ConnectTimeout = time.Duration(secs) * time.Second
	}

	s = s.withDefaults()
	return s, s.Validate()
}

var appNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// FromEnv reads <PREFIX>_DB_{NAME,USER,PASSWORD,HOST,PORT,SSLMODE}. Missing
// values default to <app>_db, user, password, localhost and 5432.
func FromEnv(prefix, app string, lookup LookupFunc) (Settings, error) {
	return fromEnv(prefix, app+"_db", lookup)
}

// CentralSettings parses rawURL when set, otherwise reads CENTRAL_DB_* with
// the database name defaulting to socialsense_central.
func CentralSettings(rawURL string, lookup LookupFunc) (Settings, error) {
	if rawURL != "" {
		return ParseURL(rawURL)
	}
	return fromEnv(CentralPrefix, "socialsense_central", lookup)
}

func fromEnv(prefix, defaultName string, lookup LookupFunc) (Settings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key, def string) string {
		if v, ok := lookup(prefix + "_DB_" + key); ok && v != "" {
			return v
		}
		return def
	}

	s := Settings{
		Name:     get("NAME", defaultName),
		User:     get("USER", "user"),
		Password: get("PASSWORD", "password"),
		Host:     get("HOST", "localhost"),
		SSLMode:  SSLMode(get("SSLMODE", string(SSLDisable))),
	}
	port := get("PORT", strconv.Itoa(DefaultPort))
	var err error
	if s.Port, err = strconv.Atoi(port); err != nil {
		return Settings{}, fmt.Errorf("%s_DB_PORT %q: %w", prefix, port, err)
	}

	s = s.withDefaults()
	return s, s.Validate()
}

// Validate checks the settings. Unverified TLS (require) is only accepted
// for loopback hosts.
func (s Settings) Validate() error {
	var errs []string
	if s.Host == "" {
		errs = append(errs, "host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", s.Port))
	}
	if s.Name == "" {
		errs = append(errs, "database name is required")
	}
	if s.User == "" {
		errs = append(errs, "user is required")
	}
	if !s.SSLMode.valid() {
		errs = append(errs, fmt.Sprintf("sslmode %q: want disable, require or verify-full", s.SSLMode))
	} else if s.SSLMode == SSLRequire && !isLoopback(s.Host) {
		errs = append(errs, fmt.Sprintf("sslmode require skips certificate verification; use verify-full for %s", s.Host))
	}
	if s.MaxOpenConns < 0 || s.MaxIdleConns < 0 {
		errs = append(errs, "pool sizes must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("database settings: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// DSN renders the libpq URL form understood by lib/pq.
func (s Settings) DSN() string {
	q := url.Values{}
	q.Set("sslmode", string(s.SSLMode))
	if s.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(s.ConnectTimeout/time.Second)))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.User, s.Password),
		Host:     net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:     "/" + s.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Redacted is DSN with the password masked, for logs.
func (s Settings) Redacted() string {
	if s.Password == "" {
		return s.DSN()
	}
	c := s
	c.Password = "xxxxx"
	return c.DSN()
}
