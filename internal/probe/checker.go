// Package probe checks the backing stores and gates startup on them.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// ErrDuplicate is returned when a checker name is registered twice.
var ErrDuplicate = errors.New("probe: checker already registered")

// Checker verifies one dependency.
type Checker interface {
	Name() string
	Role() string
	Check(ctx context.Context) error
}

// Pinger is implemented by the database, cache and wide-column stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger.
type PingChecker struct {
	name   string
	role   string
	target Pinger
}

func NewPingChecker(name, role string, target Pinger) *PingChecker {
	return &PingChecker{name: name, role: role, target: target}
}

func (c *PingChecker) Name() string                    { return c.name }
func (c *PingChecker) Role() string                    { return c.role }
func (c *PingChecker) Check(ctx context.Context) error { return c.target.Ping(ctx) }

// TCPChecker succeeds when host:port accepts a connection. It covers
// services known only from the descriptor.
type TCPChecker struct {
	name   string
	role   string
	addr   string
	dialer net.Dialer
}

func NewTCPChecker(name, role, addr string, timeout time.Duration) *TCPChecker {
	return &TCPChecker{name: name, role: role, addr: addr, dialer: net.Dialer{Timeout: timeout}}
}

func (c *TCPChecker) Name() string { return c.name }
func (c *TCPChecker) Role() string { return c.role }
func (c *TCPChecker) Addr() string { return c.addr }

func (c *TCPChecker) Check(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Func adapts a plain function to Checker.
type Func struct {
	ServiceName string
	ServiceRole string
	Fn          func(ctx context.Context) error
}

func (f Func) Name() string                    { return f.ServiceName }
func (f Func) Role() string                    { return f.ServiceRole }
func (f Func) Check(ctx context.Context) error { return f.Fn(ctx) }

// Registry holds checkers by service name.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds c. Names must be unique.
func (r *Registry) Register(c Checker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.checkers[c.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.Name())
	}
	r.checkers[c.Name()] = c
	return nil
}

func (r *Registry) Get(name string) (Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the checkers sorted by name.
func (r *Registry) List() []Checker {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Checker, 0, len(names))
	for _, name := range names {
		if c, ok := r.checkers[name]; ok {
			out = append(out, c)
		}
	}
	return out
}
