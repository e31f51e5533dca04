// Package compose models the multi-service deployment descriptor that
// provisions the application container and its three backing stores.
package compose

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCondition is the dependency condition implied by the list form of
// depends_on: the dependency has been started.
const DefaultCondition = "service_started"

// Descriptor is a complete deployment descriptor.
type Descriptor struct {
	Version  string             `json:"version,omitempty" yaml:"version,omitempty"`
	Services map[string]Service `json:"services" yaml:"services"`
	Volumes  map[string]Volume  `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// Service is one deployable unit.
type Service struct {
	Image       string      `json:"image,omitempty" yaml:"image,omitempty"`
	Build       *Build      `json:"build,omitempty" yaml:"build,omitempty"`
	Command     Command     `json:"command,omitempty" yaml:"command,omitempty"`
	Environment Environment `json:"environment,omitempty" yaml:"environment,omitempty"`
	EnvFile     []string    `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	Ports       []string    `json:"ports,omitempty" yaml:"ports,omitempty"`
	Volumes     []string    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	DependsOn   DependsOn   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Volume is a top-level named volume declaration.
type Volume struct {
	Driver   string `json:"driver,omitempty" yaml:"driver,omitempty"`
	External bool   `json:"external,omitempty" yaml:"external,omitempty"`
}

// Build is a build context. The short form is a bare path.
type Build struct {
	Context    string `json:"context,omitempty" yaml:"context,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
}

func (b *Build) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		b.Context = node.Value
		return nil
	}
	type plain Build
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*b = Build(p)
	return nil
}

func (b Build) MarshalYAML() (interface{}, error) {
	if b.Dockerfile == "" {
		return b.Context, nil
	}
	type plain Build
	return plain(b), nil
}

// Command is a container command. The list form is joined with spaces.
type Command string

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = Command(node.Value)
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*c = Command(strings.Join(parts, " "))
	default:
		return fmt.Errorf("line %d: command must be a string or a list", node.Line)
	}
	return nil
}

// Environment holds container environment variables. Both the mapping form
// and the KEY=VALUE list form are accepted.
type Environment map[string]string

func (e *Environment) UnmarshalYAML(node *yaml.Node) error {
	out := Environment{}
	switch node.Kind {
	case yaml.MappingNode:
		var raw map[string]interface{}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		for k, v := range raw {
			if v == nil {
				out[k] = ""
				continue
			}
			out[k] = fmt.Sprint(v)
		}
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		for _, item := range items {
			key, value, _ := strings.Cut(item, "=")
			out[strings.TrimSpace(key)] = value
		}
	default:
		return fmt.Errorf("line %d: environment must be a mapping or a list", node.Line)
	}
	*e = out
	return nil
}

// Keys returns the variable names in sorted order.
func (e Environment) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dependency carries the start condition of one depends_on entry.
type Dependency struct {
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// DependsOn maps dependency names to their start condition.
type DependsOn map[string]Dependency

func (d *DependsOn) UnmarshalYAML(node *yaml.Node) error {
	out := DependsOn{}
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		for _, n := range names {
			out[n] = Dependency{Condition: DefaultCondition}
		}
	case yaml.MappingNode:
		var raw map[string]Dependency
		if err := node.Decode(&raw); err != nil {
			return err
		}
		for n, dep := range raw {
			if dep.Condition == "" {
				dep.Condition = DefaultCondition
			}
			out[n] = dep
		}
	default:
		return fmt.Errorf("line %d: depends_on must be a list or a mapping", node.Line)
	}
	*d = out
	return nil
}

// MarshalYAML emits the short list form when every condition is the default.
func (d DependsOn) MarshalYAML() (interface{}, error) {
	for _, dep := range d {
		if dep.Condition != DefaultCondition {
			return map[string]Dependency(d), nil
		}
	}
	return d.Names(), nil
}

// Names returns the dependency names in sorted order.
func (d DependsOn) Names() []string {
	names := make([]string, 0, len(d))
	for n := range d {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load reads a descriptor from a file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return Parse(data, path)
}

// Parse parses descriptor data. JSON is a subset of YAML, so both formats
// decode through the YAML decoder; the extension only selects which syntax
// check runs first.
func Parse(data []byte, filename string) (*Descriptor, error) {
	var d Descriptor

	if strings.HasSuffix(filename, ".json") && !json.Valid(data) {
		return nil, fmt.Errorf("parse JSON: invalid document")
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if len(d.Services) == 0 {
		return nil, fmt.Errorf("parse descriptor: no services declared")
	}
	if d.Volumes == nil {
		d.Volumes = map[string]Volume{}
	}
	return &d, nil
}

// ServiceNames returns all service names in sorted order.
func (d *Descriptor) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for n := range d.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// VolumeNames returns the declared named volumes in sorted order.
func (d *Descriptor) VolumeNames() []string {
	names := make([]string, 0, len(d.Volumes))
	for n := range d.Volumes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
