package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementRequest         = "bridge_request"
	MeasurementConnectionState = "connection_state"
)

// RecordRequest writes one request outcome.
//
// Parameters:
//   - transport: Which path handled it ("dispatch", "pubsub", "relay")
//   - operation: The command or topic
//   - outcome: "success", "failure", "invalid", "panic", ...
//   - latency: Time from receipt to reply
func (c *Client) RecordRequest(transport, operation, outcome string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(requestPoint(transport, operation, outcome, latency, time.Now()))
}

// RecordConnectionState writes a transport state transition.
//
// Example:
//
//	hubManager.SetOnStateChange(func(s hub.State) {
//	    client.RecordConnectionState("hub", s.String())
//	})
func (c *Client) RecordConnectionState(transport, state string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(connectionStatePoint(transport, state, time.Now()))
}

func requestPoint(transport, operation, outcome string, latency time.Duration, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementRequest,
		map[string]string{
			"transport": transport,
			"command":   operation,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"latency_ms": float64(latency) / float64(time.Millisecond),
		},
		at,
	)
}

func connectionStatePoint(transport, state string, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementConnectionState,
		map[string]string{
			"transport": transport,
			"state":     state,
		},
		map[string]interface{}{
			"value": 1,
		},
		at,
	)
}
