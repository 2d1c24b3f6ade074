package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id, eventType, source string, severity Severity) Event {
	return Event{
		ID:        id,
		Type:      eventType,
		Source:    source,
		Severity:  severity.String(),
		Timestamp: time.Now(),
	}
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(BusConfig{Logger: zerolog.Nop()})
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		bus.Stop(ctx)
	})
	return bus
}

func TestBusDeliversByPrefix(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	bus.Subscribe("guardian-watcher", []string{"guardian."}, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		close(done)
	})

	bus.Publish(testEvent("01A", "htm.task.update", "htm", SeverityInfo))
	bus.Publish(testEvent("01B", "guardian.issue.detected", "guardian", SeverityWarn))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received event")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"guardian.issue.detected"}, got)
}

func TestBusPreservesPerSourceOrder(t *testing.T) {
	bus := newTestBus(t)

	const n = 200
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	bus.Subscribe("order-check", []string{"htm.task."}, func(ev Event) {
		mu.Lock()
		got = append(got, ev.ID)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		bus.Publish(testEvent(fmt.Sprintf("%06d", i), "htm.task.update", "htm", SeverityWarn))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected %d events, got %d", n, len(got))
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < n; i++ {
		assert.Less(t, got[i-1], got[i], "per-source ordering violated at %d", i)
	}
}

func TestBusPanicIsolated(t *testing.T) {
	bus := newTestBus(t)

	delivered := make(chan string, 2)
	bus.Subscribe("flaky", []string{"boot."}, func(ev Event) {
		if ev.ID == "bad" {
			panic("handler exploded")
		}
		delivered <- ev.ID
	})

	bus.Publish(testEvent("bad", "boot.phase.ok", "boot", SeverityWarn))
	bus.Publish(testEvent("good", "boot.phase.ok", "boot", SeverityWarn))

	select {
	case id := <-delivered:
		assert.Equal(t, "good", id)
	case <-time.After(2 * time.Second):
		t.Fatal("bus stopped delivering after handler panic")
	}
}

func TestPublishNeverFailsUnderPressure(t *testing.T) {
	bus := NewBus(BusConfig{ShardCount: 1, ShardDepth: 4, SubscriberDepth: 4, Logger: zerolog.Nop()})
	require.NoError(t, bus.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		bus.Stop(ctx)
	}()

	// No subscribers: debug events hit the drop-oldest path once the shard
	// fills; Publish must return promptly regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(testEvent(fmt.Sprintf("d%d", i), "meta.loop.stats", "meta", SeverityDebug))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Publish blocked on debug events")
	}
}

func TestLongestPrefixMatch(t *testing.T) {
	patterns := []string{"guardian.", "guardian.issue.", "htm.", "*"}

	assert.Equal(t, 1, LongestPrefixMatch("guardian.issue.detected", patterns))
	assert.Equal(t, 0, LongestPrefixMatch("guardian.scan", patterns))
	assert.Equal(t, 2, LongestPrefixMatch("htm.task.update", patterns))
	assert.Equal(t, 3, LongestPrefixMatch("config.reloaded", patterns))
	assert.Equal(t, -1, LongestPrefixMatch("config.reloaded", []string{"boot."}))
}

func TestDeduper(t *testing.T) {
	d := NewDeduper(2)

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c")) // evicts "a"
	assert.False(t, d.Seen("a"))

	var count int
	wrapped := d.Wrap(func(Event) { count++ })
	wrapped(Event{ID: "x"})
	wrapped(Event{ID: "x"})
	assert.Equal(t, 1, count)
}

func TestSaturationAfterStopIsNoop(t *testing.T) {
	bus := NewBus(BusConfig{Logger: zerolog.Nop()})
	require.NoError(t, bus.Start(context.Background()))

	bus.Subscribe("slow", []string{"*"}, func(Event) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bus.Stop(ctx)

	// A saturated critical publish that loses the race with Stop must not
	// fan out onto closed subscriber queues.
	bus.raiseSaturation(testEvent("c1", "guardian.issue.detected", "guardian", SeverityCritical))
	assert.False(t, bus.saturown.Load())
}

func TestCriticalPublishRacingStop(t *testing.T) {
	bus := NewBus(BusConfig{ShardCount: 1, ShardDepth: 2, SubscriberDepth: 2, Logger: zerolog.Nop()})
	require.NoError(t, bus.Start(context.Background()))

	block := make(chan struct{})
	bus.Subscribe("slow", []string{"guardian."}, func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(testEvent(fmt.Sprintf("c%d", i), "guardian.issue.detected", "guardian", SeverityCritical))
		}
	}()

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	bus.Stop(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Publish must unblock once the bus stops")
	}
}
