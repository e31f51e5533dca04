package compose

import (
	"fmt"
	"os"
	"strings"

	"github.com/compose-spec/compose-go/v2/template"
)

// LookupFunc resolves a variable. It matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Interpolate returns a copy of d with variable references expanded in
// images, build contexts, commands, environment values, env files, ports and
// volume mounts with compose substitution rules: $VAR, ${VAR}, defaults
// (nested ones included), required markers and the $$ escape.
func Interpolate(d *Descriptor, lookup LookupFunc) (*Descriptor, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	x := &expander{lookup: lookup}

	out := &Descriptor{
		Version:  d.Version,
		Services: make(map[string]Service, len(d.Services)),
		Volumes:  make(map[string]Volume, len(d.Volumes)),
	}
	for name, vol := range d.Volumes {
		out.Volumes[name] = vol
	}

	for _, name := range d.ServiceNames() {
		svc := d.Services[name]
		x.where = name

		cp := Service{
			Image:     x.expand(svc.Image),
			Command:   Command(x.expand(string(svc.Command))),
			Ports:     x.expandAll(svc.Ports),
			Volumes:   x.expandAll(svc.Volumes),
			EnvFile:   x.expandAll(svc.EnvFile),
			DependsOn: svc.DependsOn,
		}
		if svc.Build != nil {
			cp.Build = &Build{Context: x.expand(svc.Build.Context), Dockerfile: x.expand(svc.Build.Dockerfile)}
		}
		if svc.Environment != nil {
			cp.Environment = make(Environment, len(svc.Environment))
			for k, v := range svc.Environment {
				cp.Environment[k] = x.expand(v)
			}
		}
		out.Services[name] = cp
	}

	if x.err != nil {
		return nil, x.err
	}
	return out, nil
}

type expander struct {
	lookup LookupFunc
	where  string
	err    error
}

func (x *expander) expandAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = x.expand(s)
	}
	return out
}

func (x *expander) expand(s string) string {
	if x.err != nil || !strings.Contains(s, "$") {
		return s
	}
	out, err := template.Substitute(s, template.Mapping(x.lookup))
	if err != nil {
		x.err = fmt.Errorf("service %q: %w", x.where, err)
		return s
	}
	return out
}
