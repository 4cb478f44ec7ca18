// Package telemetry provides OpenTelemetry metric instrumentation for the
// agent, exported in Prometheus format on an optional local endpoint.
package telemetry

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "flowtail-agent"

	// DefaultAddress is the default listen address for the metrics endpoint
	DefaultAddress = "127.0.0.1:9521"
)

// Config represents the telemetry configuration
type Config struct {
	// Enabled controls whether the metrics endpoint is started.
	// When false, all instruments are no-ops.
	Enabled bool `yaml:"enabled"`

	// ServiceName is the name reported in the telemetry resource.
	// Defaults to "flowtail-agent" if not specified.
	ServiceName string `yaml:"serviceName,omitempty"`

	// Address is the listen address for the Prometheus scrape endpoint.
	// Defaults to "127.0.0.1:9521" if not specified.
	Address string `yaml:"address,omitempty"`
}

// GetServiceName returns the service name, using the default if not specified
func (c *Config) GetServiceName() string {
	if c == nil || c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetAddress returns the listen address, using the default if not specified
func (c *Config) GetAddress() string {
	if c == nil || c.Address == "" {
		return DefaultAddress
	}
	return c.Address
}
