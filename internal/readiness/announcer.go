package readiness

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// DefaultInterval is the re-announce period.
const DefaultInterval = 10 * time.Second

// ReadyResult is the result carried by the ready announcement.
const ReadyResult = "ready"

// Publisher sends a payload to a broker topic. *pubsub.Bridge satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// AnnouncerOptions configures an Announcer.
type AnnouncerOptions struct {
	Publisher Publisher // Required
	Topic     string    // Required

	// Interval is the ticker period. Zero uses DefaultInterval.
	Interval time.Duration

	// Checks decide whether the bridge is healthy.
	Checks []Check

	// BrokerUp gates announcements; nothing is published while it reports
	// false. Nil means always up.
	BrokerUp func() bool

	// NudgeWhileDegraded announces on every tick while any check fails.
	NudgeWhileDegraded bool

	Logger Logger
}

// Announcer publishes the ready message.
//
// Thread Safety: All methods are safe for concurrent use.
type Announcer struct {
	opts   AnnouncerOptions
	logger Logger

	// degraded is set once a tick sees a failing check and cleared when a
	// later tick finds everything healthy again.
	degraded atomic.Bool
}

// NewAnnouncer creates an Announcer.
func NewAnnouncer(opts AnnouncerOptions) (*Announcer, error) {
	if opts.Publisher == nil {
		return nil, errors.New("readiness: publisher is required")
	}
	if opts.Topic == "" {
		return nil, errors.New("readiness: ready topic is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Announcer{opts: opts, logger: logger}, nil
}

// Notify publishes the ready message now. Transports call it after every
// successful (re)connection.
func (a *Announcer) Notify(ctx context.Context) error {
	if a.opts.BrokerUp != nil && !a.opts.BrokerUp() {
		return nil
	}
	if err := a.opts.Publisher.Publish(ctx, a.opts.Topic, protocol.Success(ReadyResult)); err != nil {
		a.logger.Warn("ready announcement failed", "topic", a.opts.Topic, "error", err)
		return err
	}
	a.logger.Debug("ready announced", "topic", a.opts.Topic)
	return nil
}

// Run ticks until ctx is cancelled.
//
// Returns:
//   - error: nil once ctx is cancelled
func (a *Announcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Announcer) tick(ctx context.Context) {
	down := failing(a.opts.Checks)

	if len(down) == 0 {
		if a.degraded.Swap(false) {
			a.logger.Info("bridge recovered, announcing ready")
			a.Notify(ctx) //nolint:errcheck // logged in Notify
		}
		return
	}

	if !a.degraded.Swap(true) {
		a.logger.Warn("bridge degraded", "failing", down)
	}
	if a.opts.NudgeWhileDegraded {
		a.Notify(ctx) //nolint:errcheck // logged in Notify
	}
}

// Degraded reports whether the last tick saw a failing check.
func (a *Announcer) Degraded() bool {
	return a.degraded.Load()
}
