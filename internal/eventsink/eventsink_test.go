package eventsink

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastConfig() Config {
	return Config{FlushInterval: 15 * time.Millisecond, StreamCap: 100, HardCap: 10000}
}

type capture struct {
	mu      sync.Mutex
	batches map[Stream][][]Entry
}

func newCapture() *capture {
	return &capture{batches: make(map[Stream][][]Entry)}
}

func (c *capture) handle(stream Stream, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[stream] = append(c.batches[stream], entries)
}

func (c *capture) total(stream Stream) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, batch := range c.batches[stream] {
		n += len(batch)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestPublishDeliversOnFlushToSubscribedStream(t *testing.T) {
	sink := New(zap.NewNop(), fastConfig())
	defer sink.Stop()

	cp := newCapture()
	defer sink.Subscribe(StreamCandles, cp.handle)()

	sink.Publish(StreamCandles, Entry{PairID: "p1", TsMs: 1})
	sink.Publish(StreamCandles, Entry{PairID: "p1", TsMs: 2})

	waitFor(t, time.Second, func() bool { return cp.total(StreamCandles) == 2 })
}

func TestSubscribeAllReceivesEveryStream(t *testing.T) {
	sink := New(zap.NewNop(), fastConfig())
	defer sink.Stop()

	cp := newCapture()
	defer sink.SubscribeAll(cp.handle)()

	sink.Publish(StreamCandles, Entry{TsMs: 1})
	sink.Publish(StreamTxLog, Entry{TsMs: 2})

	waitFor(t, time.Second, func() bool {
		return cp.total(StreamCandles) == 1 && cp.total(StreamTxLog) == 1
	})
}

func TestSubscribeFiltersByStream(t *testing.T) {
	sink := New(zap.NewNop(), fastConfig())
	defer sink.Stop()

	cp := newCapture()
	defer sink.Subscribe(StreamCandles, cp.handle)()

	sink.Publish(StreamTxLog, Entry{TsMs: 1})
	time.Sleep(100 * time.Millisecond)

	if got := cp.total(StreamCandles); got != 0 {
		t.Fatalf("expected no candles entries, got %d", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	sink := New(zap.NewNop(), fastConfig())
	defer sink.Stop()

	cp := newCapture()
	unsubscribe := sink.Subscribe(StreamCandles, cp.handle)

	sink.Publish(StreamCandles, Entry{TsMs: 1})
	waitFor(t, time.Second, func() bool { return cp.total(StreamCandles) == 1 })

	unsubscribe()
	sink.Publish(StreamCandles, Entry{TsMs: 2})
	time.Sleep(100 * time.Millisecond)

	if got := cp.total(StreamCandles); got != 1 {
		t.Fatalf("expected no further delivery after unsubscribe, got total %d", got)
	}
}

func TestPerStreamCapDropsOldestWithinStream(t *testing.T) {
	sink := New(zap.NewNop(), Config{FlushInterval: time.Hour, StreamCap: 3, HardCap: 10000})
	defer sink.Stop()

	for i := int64(0); i < 5; i++ {
		sink.Publish(StreamCandles, Entry{TsMs: i})
	}

	sink.mu.Lock()
	buf := sink.buffers[StreamCandles]
	sink.mu.Unlock()

	if len(buf) != 3 {
		t.Fatalf("expected per-stream cap to bound buffer at 3, got %d", len(buf))
	}
	if buf[0].TsMs != 2 {
		t.Fatalf("expected the two oldest entries dropped, front entry TsMs=%d", buf[0].TsMs)
	}

	stats := sink.Stats()
	if stats.Dropped != 2 {
		t.Fatalf("expected 2 dropped entries recorded, got %d", stats.Dropped)
	}
}

func TestHardCapEvictsGloballyOldestEntry(t *testing.T) {
	sink := New(zap.NewNop(), Config{FlushInterval: time.Hour, StreamCap: 100, HardCap: 2})
	defer sink.Stop()

	sink.Publish(StreamCandles, Entry{TsMs: 1})
	sink.Publish(StreamTxLog, Entry{TsMs: 2})
	sink.Publish(StreamPositions, Entry{TsMs: 3})

	sink.mu.Lock()
	total := sink.totalLocked()
	candlesRemain := len(sink.buffers[StreamCandles]) > 0
	sink.mu.Unlock()

	if total != 2 {
		t.Fatalf("expected hard cap to bound total buffered entries at 2, got %d", total)
	}
	if candlesRemain {
		t.Fatal("expected the globally oldest entry (candles, seq 1) to have been evicted")
	}

	stats := sink.Stats()
	if stats.Dropped != 1 {
		t.Fatalf("expected 1 dropped entry recorded, got %d", stats.Dropped)
	}
}

func TestStopFlushesRemainingEntries(t *testing.T) {
	sink := New(zap.NewNop(), Config{FlushInterval: time.Hour, StreamCap: 100, HardCap: 10000})

	cp := newCapture()
	sink.Subscribe(StreamPositions, cp.handle)

	sink.Publish(StreamPositions, Entry{TsMs: 1})
	sink.Stop()

	if got := cp.total(StreamPositions); got != 1 {
		t.Fatalf("expected Stop to flush the buffered entry, got %d delivered", got)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	sink := New(zap.NewNop(), fastConfig())
	defer sink.Stop()

	defer sink.Subscribe(StreamCandles, func(Stream, []Entry) { panic("boom") })()

	cp := newCapture()
	defer sink.Subscribe(StreamCandles, cp.handle)()

	sink.Publish(StreamCandles, Entry{TsMs: 1})
	waitFor(t, time.Second, func() bool { return cp.total(StreamCandles) == 1 })
}
