// Package monitoring classifies the health of deployed containers.
// It contains no I/O.
package monitoring

import (
	"fmt"
	"strings"

	"github.com/artpar/stagehand/internal/core/domain"
)

// MaxStableRestarts is the restart count above which a running container
// is considered degraded.
const MaxStableRestarts = 3

// =============================================================================
// Health Classification
// =============================================================================

// DetermineContainerHealth maps container state to a health status.
//
// Parameters:
// - status: container status (running, exited, restarting, paused, created, dead)
// - healthCheck: HEALTHCHECK status, or "" when the image defines none
// - restarts: restarts since the container was created
func DetermineContainerHealth(status, healthCheck string, restarts int) domain.HealthStatus {
	if status != "running" {
		return domain.HealthStatusUnhealthy
	}
	if healthCheck == "unhealthy" {
		return domain.HealthStatusUnhealthy
	}
	if restarts > MaxStableRestarts {
		return domain.HealthStatusDegraded
	}
	if healthCheck == "starting" {
		return domain.HealthStatusDegraded
	}
	return domain.HealthStatusHealthy
}

// Classify returns c with Health filled in.
func Classify(c domain.ContainerHealth) domain.ContainerHealth {
	c.Health = DetermineContainerHealth(c.Status, c.HealthCheck, c.Restarts)
	return c
}

// AggregateHealth determines deployment health from classified containers.
// One unhealthy container makes the deployment unhealthy; an empty set is unknown.
func AggregateHealth(containers []domain.ContainerHealth) domain.HealthStatus {
	if len(containers) == 0 {
		return domain.HealthStatusUnknown
	}

	degraded := false
	for _, c := range containers {
		switch c.Health {
		case domain.HealthStatusUnhealthy:
			return domain.HealthStatusUnhealthy
		case domain.HealthStatusDegraded, domain.HealthStatusUnknown:
			degraded = true
		}
	}
	if degraded {
		return domain.HealthStatusDegraded
	}
	return domain.HealthStatusHealthy
}

// Describe renders one container's state for logs and check details.
//
// Example:
//
//	Describe(domain.ContainerHealth{Name: "web", Status: "running", HealthCheck: "starting", Restarts: 4})
//	// returns "web running (health starting, 4 restarts)"
func Describe(c domain.ContainerHealth) string {
	var notes []string
	if c.HealthCheck != "" {
		notes = append(notes, "health "+c.HealthCheck)
	}
	if c.Restarts > 0 {
		notes = append(notes, fmt.Sprintf("%d restarts", c.Restarts))
	}
	if len(notes) == 0 {
		return c.Name + " " + c.Status
	}
	return fmt.Sprintf("%s %s (%s)", c.Name, c.Status, strings.Join(notes, ", "))
}

// Filter returns the containers with the given health.
func Filter(containers []domain.ContainerHealth, health domain.HealthStatus) []domain.ContainerHealth {
	var out []domain.ContainerHealth
	for _, c := range containers {
		if c.Health == health {
			out = append(out, c)
		}
	}
	return out
}
