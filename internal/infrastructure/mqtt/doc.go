// Package mqtt provides broker connectivity for the Apollo bridge.
//
// This package manages:
//   - MQTT v5 connections via paho.golang's autopaho (Client)
//   - MQTT 3.1.1 connections via paho.mqtt.golang (LegacyClient)
//   - Request/response metadata (ResponseTopic, CorrelationData) on publish
//     and receive
//   - Topic subscriptions with wildcard routing, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Request/response metadata
//
// A request advertises where its reply should go and an opaque correlation
// value the replier must echo. With v5 both ride as message properties. A
// 3.1.1 broker has no properties, so LegacyClient wraps them in a JSON
// envelope {response_topic, correlation_data, payload}; both ends of such a
// deployment must use LegacyClient.
//
// # Usage
//
//	broker, err := mqtt.Dial(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer broker.Close()
//
//	err = broker.Subscribe("apollo/ping", 1, func(msg mqtt.Message) error {
//	    if !msg.HasReplyPath() {
//	        return nil
//	    }
//	    return broker.Publish(ctx, mqtt.Message{
//	        Topic:           msg.ResponseTopic,
//	        Payload:         []byte("Connected"),
//	        CorrelationData: msg.CorrelationData,
//	    })
//	})
package mqtt
