// Package dispatcher implements the event dispatcher described in spec §4.1:
// a sharded, deduplicating ingestion front end that hands RawEvents to a
// worker pool for pattern matching while staying non-blocking on the
// submit path. Generalized from the teacher's internal/ai worker pools
// (bounded per-shard channels drained by a golang.org/x/sync/errgroup of
// workers) and its content-hash dedup idiom in internal/alerts/dedup.go.
package dispatcher

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	siemerrors "github.com/sentineld/sentineld/internal/errors"
	"github.com/sentineld/sentineld/internal/model"
)

// Outcome is returned by Submit to tell the caller what happened to the
// event, matching spec §4.1's Ack/Dropped contract.
type Outcome int

const (
	Accepted Outcome = iota
	DroppedDuplicate
	DroppedQueueFull
	DroppedInvalid
	DroppedWhitelisted
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DroppedDuplicate:
		return "dropped_duplicate"
	case DroppedQueueFull:
		return "dropped_queue_full"
	case DroppedInvalid:
		return "dropped_invalid"
	case DroppedWhitelisted:
		return "dropped_whitelisted"
	default:
		return "unknown"
	}
}

// Handler processes a single RawEvent on a worker goroutine. Handlers must
// not block indefinitely: a slow handler backs up its shard's queue and
// eventually causes new submissions on that shard to be dropped.
type Handler func(ctx context.Context, ev model.RawEvent) error

// WhitelistFilter reports whether sourceIP is allowed through the
// Whitelist Filter pre-accept stage (spec §4.1/§4.2). A nil filter allows
// everything; an empty sourceIP is never filtered, since the filter
// matches on source IP specifically.
type WhitelistFilter func(sourceIP string) bool

// Clock abstracts time for deterministic dedup-window tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures the Dispatcher's sharding, queueing, and dedup
// behavior (spec §6 worker_count / shard_queue_capacity / dedup_window_ms).
type Config struct {
	ShardCount    int
	QueueCapacity int
	DedupWindow   time.Duration
}

// Dispatcher shards incoming events by source identity, drops exact
// duplicates seen within the dedup window, and fans out to a bounded
// worker pool per shard.
type Dispatcher struct {
	cfg       Config
	handler   Handler
	clock     Clock
	whitelist WhitelistFilter

	shards []*shard

	dedupMu     sync.Mutex
	dedupSeen   map[[32]byte]time.Time
	lastSweep   time.Time

	metrics Metrics
}

// Metrics receives counters the dispatcher updates as it runs; callers
// wire this to internal/metrics. A nil field is simply skipped, so tests
// can construct a Dispatcher without any metrics plumbing.
type Metrics struct {
	OnAccepted     func()
	OnDuplicate    func()
	OnQueueFull    func()
	OnInvalid      func()
	OnWhitelisted  func()
}

type shard struct {
	queue chan model.RawEvent
	sem   *semaphore.Weighted
}

// New builds a Dispatcher with shardCount shards, each with the given
// queue capacity. handler is invoked (possibly concurrently, once per
// shard's single worker) for every accepted event. whitelist, if non-nil,
// is consulted as Submit's first pre-accept stage (spec §4.1/§4.2); pass
// nil to disable whitelist filtering entirely.
func New(cfg Config, handler Handler, clock Clock, whitelist WhitelistFilter, metrics Metrics) *Dispatcher {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1_000_000
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 60 * time.Second
	}
	if clock == nil {
		clock = realClock{}
	}

	d := &Dispatcher{
		cfg:       cfg,
		handler:   handler,
		clock:     clock,
		whitelist: whitelist,
		dedupSeen: make(map[[32]byte]time.Time),
		metrics:   metrics,
	}
	d.shards = make([]*shard, cfg.ShardCount)
	for i := range d.shards {
		d.shards[i] = &shard{
			queue: make(chan model.RawEvent, cfg.QueueCapacity),
			sem:   semaphore.NewWeighted(1),
		}
	}
	return d
}

// Run starts one worker goroutine per shard and blocks until ctx is
// cancelled or a worker returns a non-nil error (which cancels the
// group). It is intended to be the dispatcher's slot in the supervisor's
// managed-goroutine set.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range d.shards {
		s := s
		g.Go(func() error {
			return d.runShard(ctx, s)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runShard(ctx context.Context, s *shard) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.queue:
			if !ok {
				return nil
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			err := d.invokeHandler(ctx, ev)
			s.sem.Release(1)
			if err != nil {
				return siemerrors.New(siemerrors.KindInternal, "dispatcher.handle", err)
			}
		}
	}
}

// invokeHandler runs the handler with a recover() guard so a panicking
// detector fails only this shard's worker, surfaced as a normal error
// return, instead of crashing the whole process: Run's errgroup then
// unwinds every shard and the supervisor sees a Failed service to
// restart per spec §4.1/§4.6, rather than losing the entire pipeline.
func (d *Dispatcher) invokeHandler(ctx context.Context, ev model.RawEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = siemerrors.Newf(siemerrors.KindInternal, "dispatcher.handle", "handler panicked: %v", r)
		}
	}()
	return d.handler(ctx, ev)
}

// Submit routes ev to its shard, deduplicating against the recent window
// and applying drop-newest backpressure when the shard queue is full.
// Submit never blocks longer than a single non-blocking channel send.
func (d *Dispatcher) Submit(ctx context.Context, ev model.RawEvent) Outcome {
	if d.whitelist != nil && ev.SourceIP != "" && !d.whitelist(ev.SourceIP) {
		d.count(d.metrics.OnWhitelisted)
		return DroppedWhitelisted
	}

	if !ev.SourceKind.Valid() || ev.ID == "" {
		d.count(d.metrics.OnInvalid)
		return DroppedInvalid
	}

	if d.isDuplicate(ev) {
		d.count(d.metrics.OnDuplicate)
		return DroppedDuplicate
	}

	idx := d.shardIndex(ev.SourceID())
	select {
	case d.shards[idx].queue <- ev:
		d.count(d.metrics.OnAccepted)
		return Accepted
	default:
		d.count(d.metrics.OnQueueFull)
		return DroppedQueueFull
	}
}

func (d *Dispatcher) count(fn func()) {
	if fn != nil {
		fn()
	}
}

// shardIndex hashes the source identity with FNV-1a to pick a shard,
// keeping all events from one source on a single worker's FIFO queue
// (spec §4.1's per-source ordering guarantee).
func (d *Dispatcher) shardIndex(sourceID string) int {
	h := fnv.New32a()
	h.Write([]byte(sourceID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// isDuplicate reports whether an event with the same content fingerprint
// was seen within the dedup window, and records ev's fingerprint as seen.
// Fingerprints older than the window are swept out opportunistically.
func (d *Dispatcher) isDuplicate(ev model.RawEvent) bool {
	fp := fingerprint(ev)
	now := d.clock.Now()

	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()

	if seenAt, ok := d.dedupSeen[fp]; ok && now.Sub(seenAt) < d.cfg.DedupWindow {
		return true
	}
	d.dedupSeen[fp] = now

	if now.Sub(d.lastSweep) > d.cfg.DedupWindow {
		for k, t := range d.dedupSeen {
			if now.Sub(t) >= d.cfg.DedupWindow {
				delete(d.dedupSeen, k)
			}
		}
		d.lastSweep = now
	}
	return false
}

// fingerprint hashes the fields that define "the same event" for dedup
// purposes: source kind, source/destination IP, user, action, message, and
// attributes.
// Timestamp is deliberately excluded, since retransmission of an identical
// event with a slightly different timestamp is the duplicate case this
// guards against.
func fingerprint(ev model.RawEvent) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(ev.SourceKind))
	h.Write([]byte(ev.SourceIP))
	h.Write([]byte(ev.DestinationIP))
	h.Write([]byte(ev.UserID))
	h.Write([]byte(ev.Action))
	h.Write([]byte(ev.Message))
	for _, k := range ev.Attributes.Keys() {
		v, _ := ev.Attributes.Get(k)
		h.Write([]byte(k))
		h.Write([]byte(v))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ShardCount reports how many shards the dispatcher was configured with.
func (d *Dispatcher) ShardCount() int { return len(d.shards) }

// QueueDepth reports the current backlog on shard i, for metrics export.
func (d *Dispatcher) QueueDepth(i int) int {
	if i < 0 || i >= len(d.shards) {
		return 0
	}
	return len(d.shards[i].queue)
}
