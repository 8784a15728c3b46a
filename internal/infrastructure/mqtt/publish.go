package mqtt

import (
	"context"
	"fmt"

	"github.com/eclipse/paho.golang/paho"
)

// Publish sends msg to msg.Topic.
//
// When msg carries a ResponseTopic or CorrelationData they are sent as MQTT v5
// properties, which is what lets the receiver reply to this exact request.
//
// Parameters:
//   - ctx: Bounds the wait for the broker acknowledgement (capped at defaultPublishTimeout)
//   - msg: Topic, payload, QoS, retain flag and optional reply metadata
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
//
// Example:
//
//	err := client.Publish(ctx, mqtt.Message{
//	    Topic:           "apollo/node/request",
//	    Payload:         body,
//	    QoS:             1,
//	    ResponseTopic:   "apollo/node/response",
//	    CorrelationData: []byte(token),
//	})
func (c *Client) Publish(ctx context.Context, msg Message) error {
	if err := validatePublish(msg); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	pub := &paho.Publish{
		Topic:   msg.Topic,
		QoS:     msg.QoS,
		Retain:  msg.Retained,
		Payload: msg.Payload,
	}
	if msg.ResponseTopic != "" || len(msg.CorrelationData) > 0 {
		pub.Properties = &paho.PublishProperties{
			ResponseTopic:   msg.ResponseTopic,
			CorrelationData: msg.CorrelationData,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	if _, err := c.cm.Publish(ctx, pub); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
