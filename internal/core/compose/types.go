package compose

// Project is the subset of a compose project the deployment pipeline needs.
type Project struct {
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// Service represents a single service definition.
type Service struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	Build bool   `json:"build"`
	Ports []Port `json:"ports,omitempty"`
}

// Port represents a port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published string `json:"published,omitempty"` // Host port or range, "" when unpublished
	Protocol  string `json:"protocol,omitempty"`
}

// ServiceNames returns the service names in project order.
func (p Project) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for _, svc := range p.Services {
		names = append(names, svc.Name)
	}
	return names
}

// PublishesPort reports whether any service publishes the given host port.
func (p Project) PublishesPort(port uint32) bool {
	for _, svc := range p.Services {
		for _, pt := range svc.Ports {
			if pt.Published == "" {
				continue
			}
			if pt.Published == itoa(port) {
				return true
			}
		}
	}
	return false
}
