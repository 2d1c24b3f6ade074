package events

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultShardCount     = 8
	defaultShardDepth     = 1024
	defaultSubscriberDepth = 256
	saturationPatience    = 2 * time.Second
)

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	ShardCount      int
	ShardDepth      int
	SubscriberDepth int
	Logger          zerolog.Logger
}

// Bus is the in-process pub/sub fabric. Events from a single source always
// land on the same shard, which preserves per-source ordering to every
// subscriber. Delivery is at-least-once; subscribers dedupe by event ID.
type Bus struct {
	cfg    BusConfig
	shards []*shard
	logger zerolog.Logger

	mu   sync.RWMutex
	subs []*subscriber

	degraded atomic.Bool
	saturown atomic.Bool // bus.saturation already raised

	shardWG  sync.WaitGroup
	subWG    sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	started  atomic.Bool
}

type shard struct {
	queue chan Event
}

type subscriber struct {
	name     string
	patterns []string
	queue    chan Event
	handler  Handler
	critical bool
	degraded atomic.Bool
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscriber)

// WithCritical marks a subscriber exempt from degraded-mode shedding.
func WithCritical() SubscribeOption {
	return func(s *subscriber) { s.critical = true }
}

// NewBus builds a bus; call Start before publishing.
func NewBus(cfg BusConfig) *Bus {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = defaultShardCount
	}
	if cfg.ShardDepth <= 0 {
		cfg.ShardDepth = defaultShardDepth
	}
	if cfg.SubscriberDepth <= 0 {
		cfg.SubscriberDepth = defaultSubscriberDepth
	}

	b := &Bus{
		cfg:     cfg,
		logger:  cfg.Logger,
		stopped: make(chan struct{}),
	}
	for i := 0; i < cfg.ShardCount; i++ {
		b.shards = append(b.shards, &shard{queue: make(chan Event, cfg.ShardDepth)})
	}
	return b
}

// Start launches one owning goroutine per shard.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	for _, sh := range b.shards {
		b.shardWG.Add(1)
		go b.runShard(ctx, sh)
	}
	return nil
}

// Stop drains the shards and waits for delivery goroutines to finish.
func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stopped)
		for _, sh := range b.shards {
			close(sh.queue)
		}
		b.shardWG.Wait()

		b.mu.Lock()
		for _, sub := range b.subs {
			close(sub.queue)
		}
		b.subs = nil
		b.mu.Unlock()

		done := make(chan struct{})
		go func() {
			b.subWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn().Msg("Bus stop timed out before drain completed")
		}
	})
}

// Subscribe registers a handler for all events whose type starts with one of
// the dotted prefixes. The handler runs on a dedicated goroutine with a
// bounded queue.
func (b *Bus) Subscribe(name string, patterns []string, handler Handler, opts ...SubscribeOption) {
	sub := &subscriber{
		name:     name,
		patterns: normalizePatterns(patterns),
		queue:    make(chan Event, b.cfg.SubscriberDepth),
		handler:  handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.subWG.Add(1)
	go b.runSubscriber(sub)
}

// Publish enqueues the event; it never returns an error. Events below warn
// may be shed under pressure, warn and above block until the shard has room.
func (b *Bus) Publish(ev Event) {
	sh := b.shardFor(ev.Source)
	severity := ev.SeverityLevel()

	if severity < SeverityWarn {
		// drop-oldest policy for debug/info
		for {
			select {
			case sh.queue <- ev:
				return
			default:
			}
			select {
			case <-sh.queue: // shed the oldest queued event
			default:
			}
		}
	}

	// warn and above block; a critical event stuck past patience raises the
	// saturation meta-event and flips the bus into degraded shedding.
	for {
		select {
		case sh.queue <- ev:
			return
		case <-b.stopped:
			return
		case <-time.After(saturationPatience):
			if severity >= SeverityCritical {
				b.raiseSaturation(ev)
			}
		}
	}
}

// Degraded reports whether the bus is shedding non-critical delivery.
func (b *Bus) Degraded() bool {
	return b.degraded.Load()
}

func (b *Bus) shardFor(source string) *shard {
	h := fnv.New32a()
	h.Write([]byte(source))
	return b.shards[int(h.Sum32())%len(b.shards)]
}

func (b *Bus) runShard(ctx context.Context, sh *shard) {
	defer b.shardWG.Done()
	for ev := range sh.queue {
		b.fanOut(ev)
	}
	_ = ctx
}

// fanOut holds the read lock across delivery: Stop closes subscriber
// queues under the write lock, so a saturation meta-event fanned out from
// a publisher goroutine can never send on a queue mid-close.
func (b *Bus) fanOut(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(ev.Type) {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	severity := ev.SeverityLevel()

	if b.degraded.Load() && !sub.critical && severity < SeverityWarn {
		sub.degraded.Store(true)
		return
	}

	if severity >= SeverityWarn {
		select {
		case sub.queue <- ev:
		case <-b.stopped:
		}
		return
	}

	for {
		select {
		case sub.queue <- ev:
			return
		default:
		}
		select {
		case <-sub.queue:
		default:
		}
	}
}

func (b *Bus) runSubscriber(sub *subscriber) {
	defer b.subWG.Done()
	for ev := range sub.queue {
		b.invoke(sub, ev)
	}
}

// invoke isolates handler panics: failures become log entries, never
// propagation across the bus.
func (b *Bus) invoke(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", sub.name).
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Interface("panic", r).
				Msg("Subscriber handler panicked")
		}
	}()
	sub.handler(ev)
}

func (b *Bus) raiseSaturation(blocked Event) {
	select {
	case <-b.stopped:
		return
	default:
	}
	if !b.saturown.CompareAndSwap(false, true) {
		return
	}
	b.degraded.Store(true)
	b.logger.Error().
		Str("blocked_event", blocked.Type).
		Msg("Bus saturated on critical event, degrading non-critical subscribers")

	meta := Event{
		ID:        blocked.ID + "-sat",
		Type:      TypeBusSaturation,
		Source:    "bus",
		Severity:  SeverityCritical.String(),
		Timestamp: time.Now(),
		Payload:   map[string]any{"blocked_type": blocked.Type},
	}
	// Direct fan-out: going through the saturated shard would deadlock.
	b.fanOut(meta)
}

func (s *subscriber) matches(eventType string) bool {
	for _, pattern := range s.patterns {
		if pattern == "" || strings.HasPrefix(eventType, pattern) || eventType == strings.TrimSuffix(pattern, ".") {
			return true
		}
	}
	return false
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "*" {
			p = ""
		}
		out = append(out, p)
	}
	return out
}

// LongestPrefixMatch returns the index of the pattern with the longest
// matching dotted prefix for the given type, or -1 when none match. Routing
// decisions use this; plain fan-out delivers to every match.
func LongestPrefixMatch(eventType string, patterns []string) int {
	best, bestLen := -1, -1
	for i, pattern := range patterns {
		p := strings.TrimSpace(pattern)
		if p == "*" {
			p = ""
		}
		if strings.HasPrefix(eventType, p) || eventType == strings.TrimSuffix(p, ".") {
			if len(p) > bestLen {
				best, bestLen = i, len(p)
			}
		}
	}
	return best
}
