package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socialsense/stack/internal/cache"
	"github.com/socialsense/stack/internal/compose"
	"github.com/socialsense/stack/internal/config"
	"github.com/socialsense/stack/internal/database"
	"github.com/socialsense/stack/internal/probe"
	"github.com/socialsense/stack/internal/retry"
	"github.com/socialsense/stack/internal/widecolumn"
)

// Stores holds the open backing-store clients.
type Stores struct {
	Relational *database.Registry
	Cache      *cache.Client
	WideColumn *widecolumn.Store

	// names maps each role to the descriptor service that provides it.
	names map[compose.Role]string
	// opened records roles in connection order for reverse-order close.
	opened []compose.Role
}

// Settings derived from the configuration for each store.
type Settings struct {
	Relational database.Settings
	// Apps are opened as per-application pools next to the central one.
	Apps       []string
	Cache      cache.Settings
	WideColumn widecolumn.Settings
}

// StoreSettings translates the application contract into per-store settings.
func StoreSettings(cfg *config.Config) (Settings, error) {
	rel, err := database.CentralSettings(cfg.DatabaseURL, os.LookupEnv)
	if err != nil {
		return Settings{}, fmt.Errorf("relational store: %w", err)
	}
	return Settings{
		Relational: rel,
		Apps:       cfg.Apps(),
		Cache: cache.Settings{
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.ProbeTimeout,
		},
		WideColumn: widecolumn.Settings{
			Hosts:             cfg.Cassandra.Hosts(),
			Port:              cfg.Cassandra.Port,
			Keyspace:          cfg.Cassandra.Keyspace,
			Username:          cfg.Cassandra.Username,
			Password:          cfg.Cassandra.Password,
			Consistency:       cfg.Cassandra.Consistency,
			ReplicationFactor: cfg.Cassandra.ReplicationFactor,
		},
	}, nil
}

// Addr returns the host:port a role listens on.
func (s Settings) Addr(role compose.Role) string {
	switch role {
	case compose.RoleRelational:
		return net.JoinHostPort(s.Relational.Host, strconv.Itoa(s.Relational.Port))
	case compose.RoleCache:
		return s.Cache.Addr()
	case compose.RoleWideColumn:
		if len(s.WideColumn.Hosts) == 0 {
			return ""
		}
		port := s.WideColumn.Port
		if port == 0 {
			port = widecolumn.DefaultPort
		}
		return net.JoinHostPort(s.WideColumn.Hosts[0], strconv.Itoa(port))
	}
	return ""
}

// Validate checks the settings of each role up front. Settings errors are
// permanent, so they are reported before any connection attempt.
func (s Settings) Validate(roles []compose.Role) error {
	var errs []error
	for _, role := range roles {
		switch role {
		case compose.RoleRelational:
			if err := s.Relational.Validate(); err != nil {
				errs = append(errs, err)
			}
			for _, app := range s.Apps {
				if _, err := database.AppSettings(app, os.LookupEnv); err != nil {
					errs = append(errs, err)
				}
			}
		case compose.RoleCache:
			if err := s.Cache.Validate(); err != nil {
				errs = append(errs, err)
			}
		case compose.RoleWideColumn:
			if err := s.WideColumn.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ServiceRoles maps backing roles to the descriptor's service names. A role
// missing from the descriptor falls back to the canonical service name.
func ServiceRoles(desc *compose.Descriptor) map[compose.Role]string {
	names := map[compose.Role]string{
		compose.RoleRelational: compose.ServicePostgres,
		compose.RoleCache:      compose.ServiceRedis,
		compose.RoleWideColumn: compose.ServiceCassandra,
	}
	if desc == nil {
		return names
	}
	for role, services := range desc.BackingStores() {
		if len(services) > 0 {
			names[role] = services[0]
		}
	}
	return names
}

// BackingWaves returns the descriptor's startup waves restricted to backing
// stores.
func BackingWaves(desc *compose.Descriptor) ([][]string, error) {
	waves, err := desc.StartupWaves()
	if err != nil {
		return nil, err
	}
	roles := desc.Roles()
	var out [][]string
	for _, wave := range waves {
		var keep []string
		for _, name := range wave {
			if roles[name].IsBacking() {
				keep = append(keep, name)
			}
		}
		if len(keep) > 0 {
			out = append(out, keep)
		}
	}
	return out, nil
}

// ConnectStores opens every backing store, wave by wave, retrying each
// connection through h. On failure the stores opened so far are closed.
func ConnectStores(ctx context.Context, desc *compose.Descriptor, set Settings, h *retry.Handler, log logrus.FieldLogger) (*Stores, error) {
	waves, err := BackingWaves(desc)
	if err != nil {
		return nil, err
	}
	names := ServiceRoles(desc)
	roles := desc.Roles()
	if err := set.Validate(waveRoles(waves, roles)); err != nil {
		return nil, err
	}
	s := &Stores{names: names}

	for _, wave := range waves {
		for _, name := range wave {
			role := roles[name]
			start := time.Now()
			err := h.Do(ctx, "connect "+name, func(ctx context.Context) error {
				return retry.Retryable(s.connect(ctx, role, set))
			})
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("connect %s store %s: %w", role, name, err)
			}
			s.opened = append(s.opened, role)
			log.WithFields(logrus.Fields{
				"service":     name,
				"role":        role,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("backing store connected")
		}
	}
	return s, nil
}

func waveRoles(waves [][]string, roles map[string]compose.Role) []compose.Role {
	var out []compose.Role
	for _, wave := range waves {
		for _, name := range wave {
			out = append(out, roles[name])
		}
	}
	return out
}

func (s *Stores) connect(ctx context.Context, role compose.Role, set Settings) error {
	switch role {
	case compose.RoleRelational:
		central, err := database.Open(ctx, set.Relational)
		if err != nil {
			return err
		}
		reg := database.NewRegistry(central, os.LookupEnv)
		for _, app := range set.Apps {
			if _, err := reg.App(ctx, app); err != nil {
				_ = reg.Close()
				return err
			}
		}
		s.Relational = reg
	case compose.RoleCache:
		c, err := cache.New(set.Cache)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return err
		}
		s.Cache = c
	case compose.RoleWideColumn:
		wc, err := widecolumn.Open(ctx, set.WideColumn)
		if err != nil {
			return err
		}
		s.WideColumn = wc
	default:
		return fmt.Errorf("no client for role %s", role)
	}
	return nil
}

// Checkers returns a ping checker per open store, named after the
// descriptor's services.
func (s *Stores) Checkers() []probe.Checker {
	var out []probe.Checker
	if s.Relational != nil {
		out = append(out, probe.NewPingChecker(s.names[compose.RoleRelational], string(compose.RoleRelational), s.Relational))
	}
	if s.Cache != nil {
		out = append(out, probe.NewPingChecker(s.names[compose.RoleCache], string(compose.RoleCache), s.Cache))
	}
	if s.WideColumn != nil {
		out = append(out, probe.NewPingChecker(s.names[compose.RoleWideColumn], string(compose.RoleWideColumn), s.WideColumn))
	}
	return out
}

// Close closes the stores in reverse connection order.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.opened) - 1; i >= 0; i-- {
		switch s.opened[i] {
		case compose.RoleRelational:
			errs = append(errs, s.Relational.Close())
		case compose.RoleCache:
			errs = append(errs, s.Cache.Close())
		case compose.RoleWideColumn:
			errs = append(errs, s.WideColumn.Close())
		}
	}
	s.opened = nil
	return errors.Join(errs...)
}

// TCPCheckers reach each backing store's port without opening a client.
// stackctl wait uses them before credentials are known to work.
func TCPCheckers(desc *compose.Descriptor, set Settings, timeout time.Duration) []probe.Checker {
	var out []probe.Checker
	for role, name := range ServiceRoles(desc) {
		addr := set.Addr(role)
		if addr == "" {
			continue
		}
		out = append(out, probe.NewTCPChecker(name, string(role), addr, timeout))
	}
	return out
}

// LazyStores opens each backing-store client on its first check, so a store
// that is not accepting connections yet is retried by the prober.
type LazyStores struct {
	set    Settings
	names  map[compose.Role]string
	roles  []compose.Role
	locks  map[compose.Role]*sync.Mutex
	mu     sync.Mutex
	stores *Stores
}

// NewLazyStores validates the settings of the descriptor's backing stores
// without connecting.
func NewLazyStores(desc *compose.Descriptor, set Settings) (*LazyStores, error) {
	waves, err := BackingWaves(desc)
	if err != nil {
		return nil, err
	}
	roles := waveRoles(waves, desc.Roles())
	if err := set.Validate(roles); err != nil {
		return nil, err
	}
	l := &LazyStores{
		set:    set,
		names:  ServiceRoles(desc),
		roles:  roles,
		locks:  make(map[compose.Role]*sync.Mutex, len(roles)),
		stores: &Stores{names: ServiceRoles(desc)},
	}
	for _, role := range roles {
		l.locks[role] = &sync.Mutex{}
	}
	return l, nil
}

// Checkers returns one checker per backing store. A check connects when
// the client is not open yet, otherwise it pings.
func (l *LazyStores) Checkers() []probe.Checker {
	out := make([]probe.Checker, 0, len(l.roles))
	for _, role := range l.roles {
		role := role
		out = append(out, probe.Func{
			ServiceName: l.names[role],
			ServiceRole: string(role),
			Fn:          func(ctx context.Context) error { return l.check(ctx, role) },
		})
	}
	return out
}

func (l *LazyStores) check(ctx context.Context, role compose.Role) error {
	lock := l.locks[role]
	lock.Lock()
	defer lock.Unlock()

	if target := l.stores.pinger(role); target != nil {
		return target.Ping(ctx)
	}
	if err := l.stores.connect(ctx, role, l.set); err != nil {
		return err
	}
	l.mu.Lock()
	l.stores.opened = append(l.stores.opened, role)
	l.mu.Unlock()
	return nil
}

// Close closes the clients opened so far.
func (l *LazyStores) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stores.Close()
}

func (s *Stores) pinger(role compose.Role) probe.Pinger {
	switch {
	case role == compose.RoleRelational && s.Relational != nil:
		return s.Relational
	case role == compose.RoleCache && s.Cache != nil:
		return s.Cache
	case role == compose.RoleWideColumn && s.WideColumn != nil:
		return s.WideColumn
	}
	return nil
}
