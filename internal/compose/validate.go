package compose

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError aggregates every structural problem found in a descriptor.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed:\n  %s", strings.Join(e.Problems, "\n  "))
}

// Validate checks the structural contract of the stack and returns a
// *ValidationError listing every violation, or nil.
func (d *Descriptor) Validate() error {
	var errs []string

	for _, name := range d.ServiceNames() {
		if err := d.Services[name].validate(); err != nil {
			errs = append(errs, fmt.Sprintf("service %q: %v", name, err))
		}
	}

	errs = append(errs, d.validateVolumes()...)
	errs = append(errs, d.validatePorts()...)
	errs = append(errs, d.validateDependencies()...)

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

func (s Service) validate() error {
	var errs []string
	if s.Image == "" && (s.Build == nil || s.Build.Context == "") {
		errs = append(errs, "image or build context required")
	}
	if s.Image != "" {
		if err := ValidateImage(s.Image); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, spec := range s.Ports {
		if _, err := ParsePort(spec); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, spec := range s.Volumes {
		if ParseMount(spec).Target == "" {
			errs = append(errs, fmt.Sprintf("volume %q: missing target", spec))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (d *Descriptor) validateVolumes() []string {
	var errs []string
	users := d.NamedVolumeUsers()

	for _, vol := range d.VolumeNames() {
		switch n := len(users[vol]); {
		case n == 0:
			errs = append(errs, fmt.Sprintf("volume %q: not referenced by any service", vol))
		case n > 1:
			errs = append(errs, fmt.Sprintf("volume %q: referenced by %d services (%s), want exactly one",
				vol, n, strings.Join(users[vol], ", ")))
		}
	}

	var undeclared []string
	for vol := range users {
		if _, ok := d.Volumes[vol]; !ok {
			undeclared = append(undeclared, vol)
		}
	}
	sort.Strings(undeclared)
	for _, vol := range undeclared {
		errs = append(errs, fmt.Sprintf("volume %q: used by %s but not declared",
			vol, strings.Join(users[vol], ", ")))
	}
	return errs
}

func (d *Descriptor) validatePorts() []string {
	var errs []string
	byHost := map[string][]string{}
	appPortCount := 0

	for _, p := range d.PublishedPorts() {
		if !p.Published() {
			continue
		}
		last := p.HostPort
		if p.HostPortEnd > 0 {
			last = p.HostPortEnd
		}
		for port := p.HostPort; port <= last; port++ {
			key := fmt.Sprintf("%s:%d/%s", p.HostIP, port, p.Protocol)
			byHost[key] = append(byHost[key], p.Service)
		}
		if p.Covers(AppPort) {
			appPortCount++
		}
	}

	keys := make([]string, 0, len(byHost))
	for k := range byHost {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(byHost[k]) > 1 {
			errs = append(errs, fmt.Sprintf("host port %s: published by %s", strings.TrimPrefix(k, ":"),
				strings.Join(byHost[k], ", ")))
		}
	}

	switch {
	case appPortCount == 0:
		errs = append(errs, fmt.Sprintf("port %d: not published", AppPort))
	case appPortCount > 1:
		errs = append(errs, fmt.Sprintf("port %d: published %d times, want exactly once", AppPort, appPortCount))
	}
	return errs
}

func (d *Descriptor) validateDependencies() []string {
	var errs []string

	for _, name := range d.ServiceNames() {
		for _, dep := range d.Services[name].DependsOn.Names() {
			if _, ok := d.Services[dep]; !ok {
				errs = append(errs, fmt.Sprintf("service %q: depends on undeclared service %q", name, dep))
			}
		}
	}
	if len(errs) == 0 {
		if _, err := d.StartupWaves(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	apps := d.Applications()
	switch len(apps) {
	case 0:
		errs = append(errs, "no application service (a built service, or one that depends on others)")
		return errs
	case 1:
	default:
		errs = append(errs, fmt.Sprintf("expected one application service, found %d (%s)",
			len(apps), strings.Join(apps, ", ")))
	}

	stores := d.BackingStores()
	want := map[string]bool{}
	for _, role := range BackingRoles {
		switch len(stores[role]) {
		case 0:
			errs = append(errs, fmt.Sprintf("no %s store declared", role))
		case 1:
			want[stores[role][0]] = true
		default:
			errs = append(errs, fmt.Sprintf("%d %s stores declared (%s), want exactly one",
				len(stores[role]), role, strings.Join(stores[role], ", ")))
		}
	}

	for _, role := range BackingRoles {
		for _, name := range stores[role] {
			if deps := d.Services[name].DependsOn; len(deps) > 0 {
				errs = append(errs, fmt.Sprintf("service %q: backing store must be a leaf, depends on %s",
					name, strings.Join(deps.Names(), ", ")))
			}
		}
	}

	wantNames := make([]string, 0, len(want))
	for name := range want {
		wantNames = append(wantNames, name)
	}
	sort.Strings(wantNames)

	for _, app := range apps {
		deps := d.Services[app].DependsOn
		for _, name := range wantNames {
			if _, ok := deps[name]; !ok {
				errs = append(errs, fmt.Sprintf("service %q: missing dependency on backing store %q", app, name))
			}
		}
		for _, dep := range deps.Names() {
			if !want[dep] {
				errs = append(errs, fmt.Sprintf("service %q: unexpected dependency %q", app, dep))
			}
		}
	}
	return errs
}
