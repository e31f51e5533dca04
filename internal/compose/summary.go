package compose

// ServiceSummary describes one service for operators.
type ServiceSummary struct {
	Name      string   `json:"name"`
	Role      Role     `json:"role"`
	Image     string   `json:"image,omitempty"`
	Build     string   `json:"build,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Volumes   []string `json:"volumes,omitempty"`
}

// Summary is the topology view served by the status API and printed by the
// CLI.
type Summary struct {
	Services []ServiceSummary    `json:"services"`
	Waves    [][]string          `json:"waves"`
	Order    []string            `json:"order"`
	Volumes  map[string][]string `json:"volumes"`
	Ports    []PublishedPort     `json:"ports"`
}

// Summarize resolves roles, startup waves, volume users and published ports.
func (d *Descriptor) Summarize() (Summary, error) {
	waves, err := d.StartupWaves()
	if err != nil {
		return Summary{}, err
	}
	var order []string
	for _, w := range waves {
		order = append(order, w...)
	}

	s := Summary{
		Waves:   waves,
		Order:   order,
		Volumes: d.NamedVolumeUsers(),
		Ports:   d.PublishedPorts(),
	}
	for _, name := range d.ServiceNames() {
		svc := d.Services[name]
		ss := ServiceSummary{
			Name:      name,
			Role:      d.ServiceRole(name),
			Image:     svc.Image,
			DependsOn: svc.DependsOn.Names(),
			Volumes:   svc.Volumes,
		}
		if svc.Build != nil {
			ss.Build = svc.Build.Context
		}
		s.Services = append(s.Services, ss)
	}
	return s, nil
}
