package config

import (
	"errors"
	"fmt"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: PostgreSQL and Redis configuration
//   - cache.go: content cache configuration
//   - worker.go: ingest worker and reaper configuration
//   - scheduler.go: scheduler configuration
//   - embedding.go: embedding client and vector store configuration
//   - server.go: HTTP server configuration
//   - logging.go: logging and metrics configuration
type AppConfig struct {
	// Services is a comma-delimited list of service loops to run.
	// Valid values: api, worker, scheduler, reaper.
	Services string `env:"SERVICES" envDefault:"api"`

	// Postgres configuration.
	Postgres DBConfig `envPrefix:"DB_"`

	// Redis configuration for the hot content cache layer.
	Redis RedisConfig `envPrefix:"REDIS_"`

	// Content cache configuration.
	Cache CacheConfig

	// Ingest worker configuration.
	Worker WorkerConfig

	// Reaper configuration.
	Reaper ReaperConfig

	// Scheduler configuration.
	Scheduler SchedulerConfig

	// Embedding client configuration.
	Embedding EmbeddingConfig

	// Vector store configuration.
	VectorStore VectorStoreConfig

	// HTTP server configuration.
	HTTP HTTPConfig

	// Logging configuration.
	Logging LoggingConfig

	// Metrics configuration.
	Metrics MetricsConfig

	// Notifications configuration.
	Notifications NotificationsConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment
// variables.
func (c *AppConfig) Sanitize() {
	c.Cache.Sanitize()
	c.Worker.Sanitize()
	c.Reaper.Sanitize()
	c.Scheduler.Sanitize()
	c.Embedding.Sanitize()
	c.VectorStore.Sanitize()
	c.HTTP.Sanitize()
	c.Logging.Sanitize()
	c.Metrics.Sanitize()
	c.Notifications.Sanitize()
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsAPIEnabled returns true if the HTTP API service is enabled.
func (c *AppConfig) IsAPIEnabled() bool {
	return c.serviceEnabled(ServiceModeAPI)
}

// IsWorkerEnabled returns true if the ingest worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsSchedulerEnabled returns true if the scheduler service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	return c.serviceEnabled(ServiceModeScheduler)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeAPI runs the HTTP API server.
	ServiceModeAPI ServiceMode = "api"
	// ServiceModeWorker runs the ingest job worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler runs the schedule tick loop.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the lease and cache maintenance loop.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeAPI,
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns
// the enabled services. It validates that all service names are valid and
// returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeAPI, ServiceModeWorker, ServiceModeScheduler, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: api, worker, scheduler, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}
