package pubsub

import (
	"context"
	"sync"

	"github.com/nerrad567/apollo-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// MockBroker is an in-memory broker. Published messages are delivered to
// matching subscriptions on their own goroutines, like the real clients do.
type MockBroker struct {
	mu           sync.Mutex
	connected    bool
	subs         map[string]mqtt.MessageHandler
	published    []mqtt.Message
	unsubscribed []string
	publishErr   error
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		connected: true,
		subs:      make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockBroker) Publish(_ context.Context, msg mqtt.Message) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, msg)
	m.mu.Unlock()

	m.SimulateMessage(msg)
	return nil
}

func (m *MockBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.subs[topic] = handler
	return nil
}

func (m *MockBroker) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, topic)
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *MockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SimulateMessage delivers msg as if it arrived from the broker.
func (m *MockBroker) SimulateMessage(msg mqtt.Message) {
	m.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range m.subs {
		if mqtt.TopicMatches(filter, msg.Topic) {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		go h(msg) //nolint:errcheck // handler errors are logged by real clients
	}
}

func (m *MockBroker) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

func (m *MockBroker) IsSubscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[topic]
	return ok
}

// PublishedTo returns messages published to topic.
func (m *MockBroker) PublishedTo(topic string) []mqtt.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mqtt.Message
	for _, msg := range m.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// MockDispatcher records dispatched requests and returns a fixed Response.
type MockDispatcher struct {
	mu       sync.Mutex
	requests []protocol.Request
	response protocol.Response
	called   chan protocol.Request
}

func NewMockDispatcher(resp protocol.Response) *MockDispatcher {
	return &MockDispatcher{response: resp, called: make(chan protocol.Request, 16)}
}

func (d *MockDispatcher) Dispatch(_ context.Context, req protocol.Request) protocol.Response {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	d.called <- req
	return d.response
}

func (d *MockDispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// mockLogger discards everything.
type mockLogger struct{}

func (mockLogger) Debug(string, ...any) {}
func (mockLogger) Info(string, ...any)  {}
func (mockLogger) Warn(string, ...any)  {}
func (mockLogger) Error(string, ...any) {}
