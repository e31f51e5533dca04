package compose

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCycle is returned when depends_on edges form a cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownService is returned when depends_on names an undeclared service.
	ErrUnknownService = errors.New("unknown service")
)

// StartupWaves groups services into waves. Every service in a wave depends
// only on services in earlier waves, so a wave may start concurrently once
// the previous one is up. Names within a wave are sorted.
func (d *Descriptor) StartupWaves() ([][]string, error) {
	indegree := make(map[string]int, len(d.Services))
	dependents := make(map[string][]string, len(d.Services))

	for _, name := range d.ServiceNames() {
		deps := d.Services[name].DependsOn.Names()
		for _, dep := range deps {
			if _, ok := d.Services[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on %q: %w", name, dep, ErrUnknownService)
			}
			dependents[dep] = append(dependents[dep], name)
		}
		indegree[name] = len(deps)
	}

	var current []string
	for name, n := range indegree {
		if n == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	var waves [][]string
	placed := 0
	for len(current) > 0 {
		waves = append(waves, current)
		placed += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if placed != len(d.Services) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return waves, nil
}

// StartupOrder flattens StartupWaves into a single deterministic order.
func (d *Descriptor) StartupOrder() ([]string, error) {
	waves, err := d.StartupWaves()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(d.Services))
	for _, w := range waves {
		order = append(order, w...)
	}
	return order, nil
}
