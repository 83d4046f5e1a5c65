package component

import "context"

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
)

// Health holds health information for a component.
type Health struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Component is a lifecycle-managed backend such as a Redis client or a
// database connection.
type Component interface {
	// Name returns the unique name of the component for registration.
	Name() string

	// Start connects the component.
	Start(ctx context.Context) error

	// Stop releases the component's resources.
	Stop(ctx context.Context) error

	// Health returns the current health status of the component.
	Health(ctx context.Context) Health
}

// Description is a one-line summary of a component for CLI output.
type Description struct {
	// Name is the display name. If empty, the component's Name() is used.
	Name string
	// Type categorizes the component: "database", "redis", "kafka".
	Type string
	// Details is a human-readable one-liner, e.g. "localhost:6379 db=0".
	Details string
}

// Describable is optionally implemented by components that can summarise
// their configuration.
type Describable interface {
	Describe() Description
}
