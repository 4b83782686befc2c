package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/sentineld/internal/model"
	"github.com/sentineld/sentineld/internal/supervisor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestEvent(id, sourceIP string) model.RawEvent {
	return model.RawEvent{
		ID:         id,
		Timestamp:  time.Now(),
		SourceKind: model.SourceAuth,
		SourceIP:   sourceIP,
		Action:     "login_failed",
		Attributes: model.NewOrderedAttributes(),
	}
}

func TestSubmitAcceptsValidEvent(t *testing.T) {
	var handled int32
	handler := func(ctx context.Context, ev model.RawEvent) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}
	d := New(Config{ShardCount: 2, QueueCapacity: 10, DedupWindow: time.Minute}, handler, nil, nil, Metrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	outcome := d.Submit(ctx, newTestEvent("e1", "10.0.0.1"))
	assert.Equal(t, Accepted, outcome)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 1 }, time.Second, time.Millisecond)
}

func TestSubmitDropsDuplicateWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	handler := func(ctx context.Context, ev model.RawEvent) error { return nil }
	d := New(Config{ShardCount: 1, QueueCapacity: 10, DedupWindow: time.Minute}, handler, clock, nil, Metrics{})

	ev := newTestEvent("e1", "10.0.0.1")
	ev2 := newTestEvent("e2", "10.0.0.1") // different ID, same content fingerprint

	ctx := context.Background()
	assert.Equal(t, Accepted, d.Submit(ctx, ev))
	assert.Equal(t, DroppedDuplicate, d.Submit(ctx, ev2))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, Accepted, d.Submit(ctx, ev2), "duplicate should be re-accepted once the window has elapsed")
}

func TestSubmitDropsOnFullQueue(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, ev model.RawEvent) error {
		<-block
		return nil
	}
	d := New(Config{ShardCount: 1, QueueCapacity: 1, DedupWindow: time.Minute}, handler, nil, nil, Metrics{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ctx2 := context.Background()
	assert.Equal(t, Accepted, d.Submit(ctx2, newTestEvent("e1", "10.0.0.1")))
	require.Eventually(t, func() bool { return d.QueueDepth(0) == 0 }, time.Second, time.Millisecond)
	// Worker is blocked on e1; the shard queue (capacity 1) can hold one more.
	assert.Equal(t, Accepted, d.Submit(ctx2, newTestEvent("e2", "10.0.0.2")))
	// Queue is now full.
	assert.Equal(t, DroppedQueueFull, d.Submit(ctx2, newTestEvent("e3", "10.0.0.3")))

	close(block)
}

func TestSubmitRejectsInvalidEvent(t *testing.T) {
	handler := func(ctx context.Context, ev model.RawEvent) error { return nil }
	d := New(Config{ShardCount: 1, QueueCapacity: 10, DedupWindow: time.Minute}, handler, nil, nil, Metrics{})

	ev := newTestEvent("", "10.0.0.1")
	assert.Equal(t, DroppedInvalid, d.Submit(context.Background(), ev))
}

func TestSameSourceStaysOnOneShard(t *testing.T) {
	handler := func(ctx context.Context, ev model.RawEvent) error { return nil }
	d := New(Config{ShardCount: 8, QueueCapacity: 10, DedupWindow: time.Minute}, handler, nil, nil, Metrics{})

	idx1 := d.shardIndex("10.0.0.1")
	idx2 := d.shardIndex("10.0.0.1")
	assert.Equal(t, idx1, idx2)
}

func TestMetricsHooksFire(t *testing.T) {
	var accepted, duplicate, invalid int32
	handler := func(ctx context.Context, ev model.RawEvent) error { return nil }
	m := Metrics{
		OnAccepted:  func() { atomic.AddInt32(&accepted, 1) },
		OnDuplicate: func() { atomic.AddInt32(&duplicate, 1) },
		OnInvalid:   func() { atomic.AddInt32(&invalid, 1) },
	}
	d := New(Config{ShardCount: 1, QueueCapacity: 10, DedupWindow: time.Minute}, handler, nil, nil, m)

	ctx := context.Background()
	ev := newTestEvent("e1", "10.0.0.1")
	d.Submit(ctx, ev)
	d.Submit(ctx, ev)
	d.Submit(ctx, newTestEvent("", "10.0.0.1"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&accepted))
	assert.Equal(t, int32(1), atomic.LoadInt32(&duplicate))
	assert.Equal(t, int32(1), atomic.LoadInt32(&invalid))
}

func TestSubmitDropsWhitelistedSourceBeforeItReachesTheHandler(t *testing.T) {
	var handled, whitelisted int32
	handler := func(ctx context.Context, ev model.RawEvent) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}
	allowlist := func(sourceIP string) bool { return sourceIP != "10.0.0.9" }
	m := Metrics{OnWhitelisted: func() { atomic.AddInt32(&whitelisted, 1) }}
	d := New(Config{ShardCount: 1, QueueCapacity: 10, DedupWindow: time.Minute}, handler, nil, allowlist, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	outcome := d.Submit(ctx, newTestEvent("e1", "10.0.0.9"))
	assert.Equal(t, DroppedWhitelisted, outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&whitelisted))

	// A non-whitelisted source still reaches the handler normally.
	assert.Equal(t, Accepted, d.Submit(ctx, newTestEvent("e2", "10.0.0.1")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled), "the whitelisted event must never reach the handler")
}

func TestPanickingHandlerFailsRunWithoutCrashingProcess(t *testing.T) {
	handler := func(ctx context.Context, ev model.RawEvent) error {
		panic("handler exploded")
	}
	d := New(Config{ShardCount: 1, QueueCapacity: 10, DedupWindow: time.Minute}, handler, nil, nil, Metrics{})

	ctx := context.Background()
	require.Equal(t, Accepted, d.Submit(ctx, newTestEvent("e1", "10.0.0.1")))

	err := d.Run(ctx)
	require.Error(t, err, "a panicking handler must surface as a normal error, not crash the process")
}

func TestSupervisorRestartsDispatcherAfterPanickingHandler(t *testing.T) {
	var calls int32
	handler := func(ctx context.Context, ev model.RawEvent) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("handler exploded")
		}
		return nil
	}
	d := New(Config{ShardCount: 1, QueueCapacity: 10, DedupWindow: time.Minute}, handler, nil, nil, Metrics{})

	sup := supervisor.New(nil)
	require.NoError(t, sup.Register(supervisor.Service{
		Name: "dispatcher",
		Run:  d.Run,
		RestartPolicy: supervisor.RestartPolicy{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	require.Equal(t, Accepted, d.Submit(context.Background(), newTestEvent("e1", "10.0.0.1")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)

	// Once the supervisor has restarted the dispatcher's Run loop, the
	// shard worker goroutines are back up and a fresh submission is
	// processed without panicking again.
	require.Eventually(t, func() bool {
		return d.Submit(context.Background(), newTestEvent("e2", "10.0.0.2")) == Accepted
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}
}
