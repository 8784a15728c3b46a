package pubsub

import (
	"context"
	"fmt"

	"github.com/nerrad567/apollo-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// Inbound is a request received on a subscribed topic.
type Inbound struct {
	Topic           string
	Payload         []byte
	ReplyTopic      string
	CorrelationData []byte
}

// CanReply reports whether the sender advertised a reply path.
func (in Inbound) CanReply() bool {
	return in.ReplyTopic != "" && len(in.CorrelationData) > 0
}

// Handler processes one inbound message. ctx is cancelled when the bridge closes.
type Handler func(ctx context.Context, in Inbound) error

// Handle subscribes to topic and runs h for every message on it.
func (b *Bridge) Handle(topic string, h Handler) error {
	return b.broker.Subscribe(topic, b.qos, func(msg mqtt.Message) error {
		if !b.track() {
			return nil
		}
		defer b.wg.Done()

		return h(b.ctx, Inbound{
			Topic:           msg.Topic,
			Payload:         msg.Payload,
			ReplyTopic:      msg.ResponseTopic,
			CorrelationData: msg.CorrelationData,
		})
	})
}

// Reply publishes payload to the sender's reply topic, echoing its correlation data.
func (b *Bridge) Reply(ctx context.Context, in Inbound, payload any) error {
	if !in.CanReply() {
		return fmt.Errorf("pubsub: message on %s has no reply path", in.Topic)
	}

	body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	return b.broker.Publish(ctx, mqtt.Message{
		Topic:           in.ReplyTopic,
		Payload:         body,
		QoS:             b.qos,
		CorrelationData: in.CorrelationData,
	})
}

// ServeRequests dispatches every Request received on topic.
//
// A request with hasResult is answered on the sender's reply topic; one
// without a reply path cannot be answered and is dropped unless it needs no
// result. Fire-and-forget settlements go to the request's
// responseTopicNoAwait when it names one.
func (b *Bridge) ServeRequests(topic string, d Dispatcher) error {
	return b.Handle(topic, func(ctx context.Context, in Inbound) error {
		req, err := protocol.DecodeRequest(in.Payload)
		if err != nil {
			b.logger.Warn("dropping undecodable request", "topic", in.Topic, "error", err)
			return nil
		}

		if !in.CanReply() {
			b.logger.Warn("request without response topic or correlation data",
				"topic", in.Topic,
				"command", req.Command,
				"has_result", req.HasResult,
			)
			if req.HasResult {
				return nil
			}
		}

		resp := d.Dispatch(ctx, req)

		if req.HasResult {
			return b.Reply(ctx, in, resp)
		}
		if req.ResponseTopicNoAwait != "" {
			return b.Publish(ctx, req.ResponseTopicNoAwait, resp)
		}
		return nil
	})
}
