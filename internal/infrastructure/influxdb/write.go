package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteCommandTransition records a command status transition.
//
// Each transition of a command instance produces one point, tagged by
// target entity and command type so dashboards can break down failure
// rates and durations per command.
//
// Parameters:
//   - target: Entity topic identifier the command runs against
//   - cmdType: Command type (e.g., "restart", "software_update")
//   - status: Status the command entered
//   - elapsed: Time since the command was initiated
//
// Example:
//
//	client.WriteCommandTransition("device/main//", "restart", "successful", 42*time.Second)
func (c *Client) WriteCommandTransition(target, cmdType, status string, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_transitions",
		map[string]string{
			"target":   target,
			"cmd_type": cmdType,
			"status":   status,
		},
		map[string]interface{}{
			"elapsed_seconds": elapsed.Seconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTwinUpdate records a twin fragment change for an entity.
//
// Used for tracking how chatty the device tree is and which keys churn.
//
// Parameters:
//   - target: Entity topic identifier
//   - key: Twin fragment key that changed ("" for whole-document replace)
//   - deleted: Whether the fragment was removed
func (c *Client) WriteTwinUpdate(target, key string, deleted bool) {
	if !c.IsConnected() {
		return
	}

	op := "set"
	if deleted {
		op = "delete"
	}

	point := write.NewPoint(
		"twin_updates",
		map[string]string{
			"target": target,
			"key":    key,
			"op":     op,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEntityCount records the current size of the entity tree.
//
// Written on registration and deregistration so dashboards can graph
// fleet growth over time.
func (c *Client) WriteEntityCount(devices, services int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"entity_counts",
		nil,
		map[string]interface{}{
			"devices":  devices,
			"services": services,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
