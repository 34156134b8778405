// Package influxdb provides optional telemetry export for the Canopy agent.
//
// It wraps the official influxdb-client-go v2 library with agent-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data for:
//   - Command transition durations and outcomes
//   - Twin fragment churn
//   - Entity tree size over time
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // Telemetry off, carry on without it
//	}
//
//	client.WriteCommandTransition("device/main//", "restart", "successful", elapsed)
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
