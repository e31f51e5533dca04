// Package widecolumn connects to the Cassandra store with password
// authentication and provisions the application keyspace.
package widecolumn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

const (
	DefaultPort              = 9042
	DefaultTimeout           = 10 * time.Second
	DefaultReplicationFactor = 1
	DefaultConsistency       = "QUORUM"
)

var keyspacePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

// Settings locates the cluster and names the keyspace.
type Settings struct {
	Hosts             []string
	Port              int
	Keyspace          string
	Username          string
	Password          string
	Consistency       string
	Timeout           time.Duration
	ReplicationFactor int
}

func (s Settings) withDefaults() Settings {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.ReplicationFactor == 0 {
		s.ReplicationFactor = DefaultReplicationFactor
	}
	if s.Consistency == "" {
		s.Consistency = DefaultConsistency
	}
	return s
}

// Validate checks hosts, credentials and the keyspace identifier.
func (s Settings) Validate() error {
	var errs []string
	if len(s.Hosts) == 0 {
		errs = append(errs, "at least one host is required")
	}
	if s.Username == "" || s.Password == "" {
		errs = append(errs, "username and password are required")
	}
	if !keyspacePattern.MatchString(s.Keyspace) {
		errs = append(errs, fmt.Sprintf("keyspace %q is not a valid identifier", s.Keyspace))
	}
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", s.Port))
	}
	if s.ReplicationFactor < 0 {
		errs = append(errs, "replication factor must not be negative")
	}
	if s.Consistency != "" {
		if _, err := gocql.ParseConsistencyWrapper(s.Consistency); err != nil {
			errs = append(errs, fmt.Sprintf("consistency %q: %v", s.Consistency, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("wide-column settings: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ClusterConfig builds the gocql cluster with a password authenticator.
// The keyspace is left unset; Open binds it after provisioning.
func ClusterConfig(s Settings) (*gocql.ClusterConfig, error) {
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	consistency, _ := gocql.ParseConsistencyWrapper(s.Consistency)

	cluster := gocql.NewCluster(s.Hosts...)
	cluster.Port = s.Port
	cluster.Timeout = s.Timeout
	cluster.ConnectTimeout = s.Timeout
	cluster.Consistency = consistency
	cluster.Authenticator = gocql.PasswordAuthenticator{
		Username: s.Username,
		Password: s.Password,
	}
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}
	return cluster, nil
}

// CreateKeyspaceCQL returns the idempotent keyspace statement.
func CreateKeyspaceCQL(keyspace string, replication int) string {
	return fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		keyspace, replication)
}

// Store is a session bound to the application keyspace.
type Store struct {
	session  *gocql.Session
	keyspace string
}

// Open provisions the keyspace over a keyspace-less session, then opens
// the session the application uses.
func Open(ctx context.Context, s Settings) (*Store, error) {
	s = s.withDefaults()
	cluster, err := ClusterConfig(s)
	if err != nil {
		return nil, err
	}

	admin, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect wide-column store: %w", err)
	}
	err = admin.Query(CreateKeyspaceCQL(s.Keyspace, s.ReplicationFactor)).WithContext(ctx).Exec()
	admin.Close()
	if err != nil {
		return nil, fmt.Errorf("create keyspace %s: %w", s.Keyspace, err)
	}

	cluster.Keyspace = s.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("open keyspace %s: %w", s.Keyspace, err)
	}
	return &Store{session: session, keyspace: s.Keyspace}, nil
}

func (s *Store) Keyspace() string { return s.keyspace }

func (s *Store) Session() *gocql.Session { return s.session }

// Ping reads the server release version.
func (s *Store) Ping(ctx context.Context) error {
	if s.session == nil || s.session.Closed() {
		return errors.New("ping wide-column store: session closed")
	}
	var version string
	if err := s.session.Query("SELECT release_version FROM system.local").WithContext(ctx).Scan(&version); err != nil {
		return fmt.Errorf("ping wide-column store: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}
