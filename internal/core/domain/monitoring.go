package domain

// =============================================================================
// Container Health
// =============================================================================

// HealthStatus classifies a container or a whole deployment.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// ContainerHealth is the observed state of one deployed container.
type ContainerHealth struct {
	Name        string
	Status      string // running, exited, restarting, paused, created, dead
	HealthCheck string // HEALTHCHECK status (healthy, unhealthy, starting); empty when none is defined
	Restarts    int
	Health      HealthStatus
}
