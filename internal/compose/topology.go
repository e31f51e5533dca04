package compose

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/go-connections/nat"
)

// AppPort is the port the application container publishes.
const AppPort = 8000

// Role is the part a service plays in the stack.
type Role string

const (
	RoleApplication Role = "application"
	RoleRelational  Role = "relational"
	RoleCache       Role = "cache"
	RoleWideColumn  Role = "widecolumn"
	RoleUnknown     Role = "unknown"
)

// BackingRoles lists the roles every application depends on, one each.
var BackingRoles = []Role{RoleRelational, RoleCache, RoleWideColumn}

var imageRoles = map[string]Role{
	"postgres":  RoleRelational,
	"postgis":   RoleRelational,
	"mysql":     RoleRelational,
	"mariadb":   RoleRelational,
	"redis":     RoleCache,
	"valkey":    RoleCache,
	"keydb":     RoleCache,
	"cassandra": RoleWideColumn,
	"scylla":    RoleWideColumn,
}

// IsBacking reports whether r is one of the backing-store roles.
func (r Role) IsBacking() bool {
	for _, b := range BackingRoles {
		if r == b {
			return true
		}
	}
	return false
}

// RoleOf classifies a service on its own. A build context marks the
// application; otherwise the image repository name decides.
func RoleOf(svc Service) Role {
	if svc.Build != nil && svc.Build.Context != "" {
		return RoleApplication
	}
	if base, ok := imageBase(svc.Image); ok {
		if role, ok := imageRoles[base]; ok {
			return role
		}
	}
	return RoleUnknown
}

// imageBase returns the last path component of a valid image reference:
// "docker.io/bitnami/redis:7.2@sha256:..." -> "redis".
func imageBase(image string) (string, bool) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", false
	}
	return path.Base(reference.Path(named)), true
}

// ValidateImage checks an image reference. References that still hold
// variables are left to be checked after interpolation.
func ValidateImage(image string) error {
	if strings.Contains(image, "$") {
		return nil
	}
	if _, err := reference.ParseNormalizedNamed(image); err != nil {
		return fmt.Errorf("image %q: %v", image, err)
	}
	return nil
}

// ServiceRole classifies a service within the descriptor. A service that
// is not a known backing store but depends on others is the application,
// whether it is built or pulled.
func (d *Descriptor) ServiceRole(name string) Role {
	svc := d.Services[name]
	role := RoleOf(svc)
	if role == RoleUnknown && len(svc.DependsOn) > 0 {
		return RoleApplication
	}
	return role
}

// Roles returns the role of every service.
func (d *Descriptor) Roles() map[string]Role {
	out := make(map[string]Role, len(d.Services))
	for name := range d.Services {
		out[name] = d.ServiceRole(name)
	}
	return out
}

// Leaves returns services without dependencies, sorted.
func (d *Descriptor) Leaves() []string {
	var leaves []string
	for _, name := range d.ServiceNames() {
		if len(d.Services[name].DependsOn) == 0 {
			leaves = append(leaves, name)
		}
	}
	return leaves
}

// Applications returns the names of services classified as application.
func (d *Descriptor) Applications() []string {
	var apps []string
	for _, name := range d.ServiceNames() {
		if d.ServiceRole(name) == RoleApplication {
			apps = append(apps, name)
		}
	}
	return apps
}

// BackingStores returns backing-store service names keyed by role. When a
// role is claimed by several services, all of them are listed.
func (d *Descriptor) BackingStores() map[Role][]string {
	out := map[Role][]string{}
	for _, name := range d.ServiceNames() {
		role := d.ServiceRole(name)
		if role.IsBacking() {
			out[role] = append(out[role], name)
		}
	}
	return out
}

// PortMapping is one container port of a parsed ports entry. A host port
// range bound to a single container port sets HostPortEnd.
type PortMapping struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port,omitempty"`
	HostPortEnd   int    `json:"host_port_end,omitempty"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Published reports whether the mapping binds a fixed host port.
func (p PortMapping) Published() bool { return p.HostPort > 0 }

// Covers reports whether host port n is bound by the mapping.
func (p PortMapping) Covers(n int) bool {
	if p.HostPortEnd > 0 {
		return n >= p.HostPort && n <= p.HostPortEnd
	}
	return p.HostPort == n
}

// ParsePort parses a compose ports entry, "[ip:][host:]container[/proto]"
// with bracketed IPv6 addresses and port ranges, into one mapping per
// container port.
func ParsePort(spec string) ([]PortMapping, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty port spec")
	}
	parsed, err := nat.ParsePortSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", spec, err)
	}

	out := make([]PortMapping, 0, len(parsed))
	for _, p := range parsed {
		m := PortMapping{
			HostIP:        p.Binding.HostIP,
			ContainerPort: p.Port.Int(),
			Protocol:      p.Port.Proto(),
		}
		if m.ContainerPort < 1 {
			return nil, fmt.Errorf("port %q: container port out of range", spec)
		}
		if hp := p.Binding.HostPort; hp != "" {
			start, end, err := nat.ParsePortRangeToInt(hp)
			if err != nil {
				return nil, fmt.Errorf("port %q: host port: %w", spec, err)
			}
			m.HostPort = start
			if end != start {
				m.HostPortEnd = end
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// PublishedPort is a port mapping attributed to its service.
type PublishedPort struct {
	Service string `json:"service"`
	PortMapping
}

// PublishedPorts returns every parseable port mapping, ordered by service.
func (d *Descriptor) PublishedPorts() []PublishedPort {
	var out []PublishedPort
	for _, name := range d.ServiceNames() {
		for _, spec := range d.Services[name].Ports {
			mappings, err := ParsePort(spec)
			if err != nil {
				continue
			}
			for _, m := range mappings {
				out = append(out, PublishedPort{Service: name, PortMapping: m})
			}
		}
	}
	return out
}

// Mount is one parsed service volume entry.
type Mount struct {
	Source string
	Target string
	Mode   string
}

// Named reports whether the source refers to a named volume rather than a
// host path. Anonymous volumes have no source.
func (m Mount) Named() bool {
	if m.Source == "" {
		return false
	}
	switch m.Source[0] {
	case '/', '.', '~', '$':
		return false
	}
	return !strings.Contains(m.Source, "/")
}

// ParseMount parses "source:target[:mode]" or a bare container path.
func ParseMount(spec string) Mount {
	parts := strings.SplitN(spec, ":", 3)
	switch len(parts) {
	case 1:
		return Mount{Target: parts[0]}
	case 2:
		return Mount{Source: parts[0], Target: parts[1]}
	default:
		return Mount{Source: parts[0], Target: parts[1], Mode: parts[2]}
	}
}

// NamedVolumeUsers maps each named volume referenced by a service to the
// distinct services that mount it, sorted.
func (d *Descriptor) NamedVolumeUsers() map[string][]string {
	users := map[string][]string{}
	for _, name := range d.ServiceNames() {
		seen := map[string]bool{}
		for _, spec := range d.Services[name].Volumes {
			m := ParseMount(spec)
			if !m.Named() || seen[m.Source] {
				continue
			}
			seen[m.Source] = true
			users[m.Source] = append(users[m.Source], name)
		}
	}
	for _, list := range users {
		sort.Strings(list)
	}
	return users
}
