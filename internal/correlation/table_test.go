package correlation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

func waitResult[V any](t *testing.T, p *Pending[V]) (V, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("pending entry never completed")
	}
	return v, err
}

// ============================================================================
// Completion
// ============================================================================

func TestTable_Resolve(t *testing.T) {
	table := NewTable[int64, string](time.Second)

	p, err := table.Register(1, 0)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !table.Resolve(1, "reply") {
		t.Fatal("Resolve() = false, want true")
	}

	v, err := waitResult(t, p)
	if err != nil || v != "reply" {
		t.Errorf("Wait() = (%q, %v), want (reply, nil)", v, err)
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after resolve, want 0", table.Len())
	}
}

func TestTable_Reject(t *testing.T) {
	table := NewTable[string, string](time.Second)
	p, _ := table.Register("tok", 0)

	boom := errors.New("boom")
	if !table.Reject("tok", boom) {
		t.Fatal("Reject() = false, want true")
	}

	if _, err := waitResult(t, p); !errors.Is(err, boom) {
		t.Errorf("Wait() error = %v, want boom", err)
	}
	if table.Has("tok") {
		t.Error("entry still present after reject")
	}
}

func TestTable_UnknownTokenIsNoop(t *testing.T) {
	table := NewTable[string, string](time.Second)
	p, _ := table.Register("known", 0)

	if table.Resolve("unknown", "x") {
		t.Error("Resolve(unknown) = true, want false")
	}
	if table.Reject("unknown", errors.New("x")) {
		t.Error("Reject(unknown) = true, want false")
	}

	select {
	case <-p.Done():
		t.Fatal("unrelated entry completed by unmatched reply")
	default:
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
}

func TestTable_SecondCompletionIsNoop(t *testing.T) {
	table := NewTable[int, string](time.Second)
	p, _ := table.Register(7, 0)

	table.Resolve(7, "first")
	if table.Resolve(7, "second") {
		t.Error("second Resolve() = true, want false")
	}
	if table.Reject(7, errors.New("late")) {
		t.Error("Reject() after resolve = true, want false")
	}

	v, err := waitResult(t, p)
	if err != nil || v != "first" {
		t.Errorf("Wait() = (%q, %v), want (first, nil)", v, err)
	}
}

func TestTable_DuplicateRegister(t *testing.T) {
	table := NewTable[int, string](time.Second)
	if _, err := table.Register(1, 0); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := table.Register(1, 0); !errors.Is(err, ErrDuplicateToken) {
		t.Errorf("Register() duplicate error = %v, want ErrDuplicateToken", err)
	}
}

// ============================================================================
// Timeout
// ============================================================================

func TestTable_Timeout(t *testing.T) {
	table := NewTable[int64, string](time.Second)

	start := time.Now()
	p, _ := table.Register(42, 50*time.Millisecond)

	_, err := waitResult(t, p)
	elapsed := time.Since(start)

	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("timed out after %v, want about 50ms", elapsed)
	}
	if table.Has(42) {
		t.Error("entry still present after timeout")
	}
	if table.Resolve(42, "late") {
		t.Error("late Resolve() after timeout = true, want false")
	}
}

func TestTable_ResolveStopsTimer(t *testing.T) {
	table := NewTable[int, string](time.Second)
	p, _ := table.Register(1, 30*time.Millisecond)
	table.Resolve(1, "ok")

	// The stale timer must not complete a newer registration of the same key.
	p2, _ := table.Register(1, time.Second)
	time.Sleep(60 * time.Millisecond)

	select {
	case <-p2.Done():
		t.Fatal("re-registered entry completed by stale timer")
	default:
	}
	if v, err := waitResult(t, p); err != nil || v != "ok" {
		t.Errorf("Wait() = (%q, %v)", v, err)
	}
}

func TestTable_DefaultTimeout(t *testing.T) {
	tests := []struct {
		name    string
		table   time.Duration
		timeout time.Duration
		want    time.Duration
	}{
		{"zero uses table default", 30 * time.Millisecond, 0, 30 * time.Millisecond},
		{"negative uses table default", 30 * time.Millisecond, -time.Second, 30 * time.Millisecond},
		{"table without default", 0, 0, DefaultTimeout},
		{"negative table default", -time.Second, -time.Second, DefaultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable[int, string](tt.table)
			if table.defaultTimeout != tt.want {
				t.Fatalf("defaultTimeout = %v, want %v", table.defaultTimeout, tt.want)
			}

			p, err := table.Register(1, tt.timeout)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if p.timer == nil {
				t.Fatal("Register() started no timer")
			}
			if tt.want != DefaultTimeout {
				if _, err := waitResult(t, p); !errors.Is(err, protocol.ErrTimeout) {
					t.Errorf("Wait() error = %v, want ErrTimeout", err)
				}
				return
			}
			table.Reject(1, errors.New("done"))
		})
	}
}

// ============================================================================
// RejectAll
// ============================================================================

func TestTable_RejectAll(t *testing.T) {
	table := NewTable[int, string](time.Minute)

	var handles []*Pending[string]
	for i := 0; i < 5; i++ {
		p, _ := table.Register(i, 0)
		handles = append(handles, p)
	}

	if n := table.RejectAll(protocol.ErrConnectionLost); n != 5 {
		t.Errorf("RejectAll() = %d, want 5", n)
	}

	for i, p := range handles {
		select {
		case <-p.Done():
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("entry %d not rejected promptly", i)
		}
		if _, err := p.Wait(context.Background()); !errors.Is(err, protocol.ErrConnectionLost) {
			t.Errorf("entry %d error = %v, want ErrConnectionLost", i, err)
		}
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after RejectAll, want 0", table.Len())
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestTable_ExactlyOneCompletion(t *testing.T) {
	table := NewTable[int, int](time.Second)

	const entries = 200
	handles := make([]*Pending[int], entries)
	for i := range handles {
		p, err := table.Register(i, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("Register(%d) error = %v", i, err)
		}
		handles[i] = p
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < entries; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if table.Resolve(i, i) {
				wins.Add(1)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if table.Reject(i, errors.New("racing")) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	timeouts := 0
	for _, p := range handles {
		if _, err := waitResult(t, p); errors.Is(err, protocol.ErrTimeout) {
			timeouts++
		}
	}

	if got := int(wins.Load()) + timeouts; got != entries {
		t.Errorf("completions = %d, want exactly %d", got, entries)
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}

func TestPending_WaitContextKeepsSlot(t *testing.T) {
	table := NewTable[int, string](time.Second)
	p, _ := table.Register(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	if !table.Has(1) {
		t.Error("cancelled wait released the slot; only completion or timeout may")
	}
}
