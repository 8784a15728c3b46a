package mqtt

import (
	"context"
	"fmt"
)

// Message is a broker message together with its request/response metadata.
//
// ResponseTopic and CorrelationData map to the MQTT v5 properties of the same
// name. The 3.1.1 client carries them inside a JSON envelope instead.
type Message struct {
	Topic           string
	Payload         []byte
	QoS             byte
	Retained        bool
	ResponseTopic   string
	CorrelationData []byte
}

// HasReplyPath reports whether the sender advertised where to reply.
func (m Message) HasReplyPath() bool {
	return m.ResponseTopic != "" && len(m.CorrelationData) > 0
}

// MessageHandler is the callback signature for received messages.
//
// Each message is handled on its own goroutine so a handler that waits on
// another transport never stalls the client's receive loop.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(msg Message) error

// Broker is the surface the bridge needs from a broker connection. Both the
// v5 Client and the 3.1.1 LegacyClient implement it.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	HealthCheck(ctx context.Context) error
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	SetLogger(logger Logger)
	Close() error
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// validatePublish applies the checks shared by both clients.
func validatePublish(msg Message) error {
	if msg.Topic == "" {
		return ErrInvalidTopic
	}
	if msg.QoS > maxQoS {
		return ErrInvalidQoS
	}
	if len(msg.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(msg.Payload), maxPayloadSize)
	}
	return nil
}

// validateSubscribe applies the checks shared by both clients.
func validateSubscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	return nil
}

// invokeHandler runs handler with panic recovery and optional logging.
func invokeHandler(logger Logger, handler MessageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("MQTT handler panic recovered",
				"topic", msg.Topic,
				"panic", r,
			)
		}
	}()

	if err := handler(msg); err != nil && logger != nil {
		logger.Warn("MQTT handler returned error",
			"topic", msg.Topic,
			"error", err,
		)
	}
}
