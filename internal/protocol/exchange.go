package protocol

import (
	"context"
	"sync"
)

// Exchange pairs an inbound Request with the sink its Response must go to.
type Exchange struct {
	Request Request
	Reply   *ReplySink
}

// ReplySink is a single-use, write-once destination for a Response.
//
// The first Respond wins; later calls are ignored and report false.
//
// Thread Safety:
//   - Respond and Wait are safe for concurrent use.
type ReplySink struct {
	once sync.Once
	done chan struct{}
	resp Response
}

// NewReplySink creates an empty sink.
func NewReplySink() *ReplySink {
	return &ReplySink{done: make(chan struct{})}
}

// Respond stores resp if the sink is still empty.
//
// Returns:
//   - bool: true if resp was accepted, false if a reply was already written
func (s *ReplySink) Respond(resp Response) bool {
	accepted := false
	s.once.Do(func() {
		s.resp = resp
		accepted = true
		close(s.done)
	})
	return accepted
}

// Done is closed once a Response has been written.
func (s *ReplySink) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until a Response is written or ctx ends.
func (s *ReplySink) Wait(ctx context.Context) (Response, error) {
	select {
	case <-s.done:
		return s.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
