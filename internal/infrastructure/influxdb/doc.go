// Package influxdb records bridge metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The Client satisfies
// the Recorder interfaces of the dispatch, pubsub and relay packages, and
// also records connection state transitions of every managed transport.
//
// # Measurements
//
//   - bridge_request: tags transport, command, outcome; field latency_ms
//   - connection_state: tags transport, state; field value (always 1)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.RecordRequest("dispatch", "GET", "success", 12*time.Millisecond)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking and batched according to batch_size and
// flush_interval; write errors are delivered through SetOnError.
package influxdb
