package readiness

import (
	"context"
	"errors"

	"github.com/nerrad567/apollo-bridge/internal/pubsub"
)

// NoHub is the liveness answer when the bridge has no hub connection manager.
const NoHub = "false"

// Responder subscribes to a topic and replies on the sender's reply path.
// *pubsub.Bridge satisfies it.
type Responder interface {
	Handle(topic string, h pubsub.Handler) error
	Reply(ctx context.Context, in pubsub.Inbound, payload any) error
}

// LivenessResponder answers pings with the hub connection state.
type LivenessResponder struct {
	responder Responder
	hubState  func() string
	logger    Logger
}

// NewLivenessResponder creates a responder. hubState may be nil, in which
// case every ping is answered with NoHub.
func NewLivenessResponder(responder Responder, hubState func() string, logger Logger) (*LivenessResponder, error) {
	if responder == nil {
		return nil, errors.New("readiness: responder is required")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &LivenessResponder{responder: responder, hubState: hubState, logger: logger}, nil
}

// Serve subscribes to topic.
func (l *LivenessResponder) Serve(topic string) error {
	return l.responder.Handle(topic, func(ctx context.Context, in pubsub.Inbound) error {
		if !in.CanReply() {
			l.logger.Warn("ping without response topic or correlation data", "topic", in.Topic)
			return nil
		}
		return l.responder.Reply(ctx, in, l.answer())
	})
}

func (l *LivenessResponder) answer() string {
	if l.hubState == nil {
		return NoHub
	}
	return l.hubState()
}
