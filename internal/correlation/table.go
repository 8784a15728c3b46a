package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// DefaultTimeout is the reply window of a table created without one.
const DefaultTimeout = 30 * time.Second

// Table tracks in-flight requests keyed by correlation token.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Table[K comparable, V any] struct {
	mu             sync.Mutex
	pending        map[K]*Pending[V]
	defaultTimeout time.Duration
}

// NewTable creates an empty table.
//
// Parameters:
//   - defaultTimeout: window used when Register is called without one;
//     zero or negative uses DefaultTimeout
func NewTable[K comparable, V any](defaultTimeout time.Duration) *Table[K, V] {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Table[K, V]{
		pending:        make(map[K]*Pending[V]),
		defaultTimeout: defaultTimeout,
	}
}

// Register creates a pending entry for key and starts its timeout.
//
// Parameters:
//   - key: Correlation token, unique among pending entries
//   - timeout: Reply window; zero or negative uses the table default
//
// Returns:
//   - *Pending[V]: Handle the caller waits on
//   - error: ErrDuplicateToken if key is already pending
func (t *Table[K, V]) Register(key K, timeout time.Duration) (*Pending[V], error) {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[key]; exists {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateToken, key)
	}

	p := &Pending[V]{done: make(chan struct{})}
	t.pending[key] = p

	p.timer = time.AfterFunc(timeout, func() {
		t.expire(key, p, timeout)
	})
	return p, nil
}

// Resolve completes key with v.
//
// Returns:
//   - bool: false if key was not pending (late or duplicate reply)
func (t *Table[K, V]) Resolve(key K, v V) bool {
	p := t.take(key, nil)
	if p == nil {
		return false
	}
	p.complete(v, nil)
	return true
}

// Reject completes key with err.
//
// Returns:
//   - bool: false if key was not pending
func (t *Table[K, V]) Reject(key K, err error) bool {
	p := t.take(key, nil)
	if p == nil {
		return false
	}
	var zero V
	p.complete(zero, err)
	return true
}

// RejectAll completes every pending entry with err and empties the table.
//
// Returns:
//   - int: Number of entries rejected
func (t *Table[K, V]) RejectAll(err error) int {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[K]*Pending[V])
	t.mu.Unlock()

	var zero V
	for _, p := range drained {
		p.complete(zero, err)
	}
	return len(drained)
}

// Len returns the number of pending entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Has reports whether key is pending.
func (t *Table[K, V]) Has(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// expire fires from the entry's timer. The identity check keeps a stale timer
// from completing a newer registration of the same key.
func (t *Table[K, V]) expire(key K, p *Pending[V], timeout time.Duration) {
	if t.take(key, p) == nil {
		return
	}
	var zero V
	p.complete(zero, fmt.Errorf("%w after %v", protocol.ErrTimeout, timeout))
}

// take removes and returns the entry for key. When want is non-nil the entry
// is only removed if it is that exact handle.
func (t *Table[K, V]) take(key K, want *Pending[V]) *Pending[V] {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[key]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(t.pending, key)
	return p
}

// Pending is the caller's handle on one registered entry.
type Pending[V any] struct {
	timer *time.Timer
	done  chan struct{}
	value V
	err   error
}

// complete is only ever called by the goroutine that removed p from the
// table, so it runs exactly once per entry.
func (p *Pending[V]) complete(v V, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.value = v
	p.err = err
	close(p.done)
}

// Done is closed when the entry is resolved, rejected or timed out.
func (p *Pending[V]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the entry completes or ctx ends.
//
// Returning because ctx ended does not release the table slot; the entry is
// still removed by a reply, a rejection or its timeout.
func (p *Pending[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
