// Package eventsink implements spec.md §6's EventSink contract: buffered,
// fire-and-forget stream ingestion with a periodic flush. Grounded on the
// teacher's internal/events worker-pool event bus for its subscribe/async-
// dispatch/Stats/graceful-Stop shape, but restructured around the spec's
// actual buffering rules (per-stream cap, a sink-wide hard cap with
// drop-oldest eviction, and a fixed flush interval) rather than the
// teacher's immediate per-event dispatch.
package eventsink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/metrics"
	"go.uber.org/zap"
)

// Stream names one of the required EventSink streams from spec.md §6.
type Stream string

const (
	StreamCandles         Stream = "candles"
	StreamPoolSnapshots   Stream = "pool_snapshots"
	StreamPoolAnalyses    Stream = "pool_analyses"
	StreamPairAllocations Stream = "pair_allocations"
	StreamEpochSnapshots  Stream = "epoch_snapshots"
	StreamTxLog           Stream = "tx_log"
	StreamPositions       Stream = "positions"
	StreamOptimizerState  Stream = "optimizer_state"
)

// streams lists every required stream so the sink can pre-size its
// buffers and a flush always considers every stream.
var streams = []Stream{
	StreamCandles, StreamPoolSnapshots, StreamPoolAnalyses, StreamPairAllocations,
	StreamEpochSnapshots, StreamTxLog, StreamPositions, StreamOptimizerState,
}

// Entry is one record appended to a stream. PairID is empty for entries
// with no single associated pair. Bigint payload fields must already be
// decimal strings (see pkg/bigmath, types.Position's MarshalJSON) by the
// time they reach the sink; the sink itself does not touch payloads.
type Entry struct {
	PairID  string
	TsMs    int64
	Payload any

	seq int64
}

// Handler receives one stream's accumulated entries at flush time.
type Handler func(Stream, []Entry)

type subscription struct {
	id      int64
	stream  Stream // zero value means "every stream"
	handler Handler
	active  atomic.Bool
}

// Stats mirrors the counters operators expect from the teacher's event
// bus, scoped to this sink's buffered-flush model.
type Stats struct {
	Published   int64
	Flushed     int64
	Dropped     int64
	Subscribers int64
}

// Config controls flush cadence and the two buffering caps spec.md §6
// names: a per-stream cap and a sink-wide hard cap.
type Config struct {
	FlushInterval time.Duration
	StreamCap     int
	HardCap       int
}

// DefaultConfig matches spec.md §6 exactly: flush every 5s, 100 entries
// per stream, 10 000 entries hard cap, drop-oldest on overflow.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 5 * time.Second,
		StreamCap:     100,
		HardCap:       10000,
	}
}

// Sink is a buffered, periodically-flushed event bus over the 8 required
// streams.
type Sink struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	buffers map[Stream][]Entry
	total   int
	nextSeq int64
	subs    []*subscription
	subSeq  int64
	metrics *metrics.Registry

	published atomic.Int64
	flushed   atomic.Int64
	dropped   atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New starts a Sink with its flush loop already running.
func New(logger *zap.Logger, config Config) *Sink {
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.StreamCap <= 0 {
		config.StreamCap = 100
	}
	if config.HardCap <= 0 {
		config.HardCap = 10000
	}

	s := &Sink{
		cfg:     config,
		logger:  logger.Named("eventsink"),
		buffers: make(map[Stream][]Entry, len(streams)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, st := range streams {
		s.buffers[st] = nil
	}

	go s.flushLoop()
	return s
}

// SetMetrics attaches a metrics registry; the sink's dropped-entry count
// is reported on EventSinkDropped thereafter. Optional: a nil registry
// (the zero state) simply skips reporting.
func (s *Sink) SetMetrics(m *metrics.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Publish appends entry to stream, evicting the stream's oldest entry if
// it would exceed the per-stream cap and, separately, the sink's globally
// oldest entry if the hard cap is exceeded. Never blocks.
func (s *Sink) Publish(stream Stream, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	entry.seq = s.nextSeq

	buf := append(s.buffers[stream], entry)
	if len(buf) > s.cfg.StreamCap {
		buf = buf[len(buf)-s.cfg.StreamCap:]
		s.dropped.Add(1)
	}
	s.buffers[stream] = buf
	s.published.Add(1)

	s.total = s.totalLocked()
	for s.total > s.cfg.HardCap {
		if !s.evictOldestLocked() {
			break
		}
		s.total--
		s.dropped.Add(1)
	}

	if s.metrics != nil {
		s.metrics.EventSinkDropped.Set(float64(s.dropped.Load()))
	}
}

func (s *Sink) totalLocked() int {
	n := 0
	for _, buf := range s.buffers {
		n += len(buf)
	}
	return n
}

// evictOldestLocked drops the globally oldest buffered entry (the lowest
// sequence number across every stream's front element), per spec.md §6's
// drop-oldest overflow rule. Reports whether anything was evicted.
func (s *Sink) evictOldestLocked() bool {
	var oldestStream Stream
	found := false
	var oldestSeq int64
	for st, buf := range s.buffers {
		if len(buf) == 0 {
			continue
		}
		if !found || buf[0].seq < oldestSeq {
			oldestStream, oldestSeq, found = st, buf[0].seq, true
		}
	}
	if !found {
		return false
	}
	s.buffers[oldestStream] = s.buffers[oldestStream][1:]
	return true
}

func (s *Sink) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.flush()
			close(s.doneCh)
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush hands every stream's buffered entries to subscribers and clears
// the buffers. Entries are delivered in insertion order.
func (s *Sink) flush() {
	s.mu.Lock()
	batches := make(map[Stream][]Entry, len(s.buffers))
	any := false
	for st, buf := range s.buffers {
		if len(buf) == 0 {
			continue
		}
		batches[st] = buf
		s.buffers[st] = nil
		any = true
	}
	s.total = 0
	subs := append([]*subscription(nil), s.subs...)
	s.mu.Unlock()

	if !any {
		return
	}
	s.flushed.Add(1)

	for st, entries := range batches {
		for _, sub := range subs {
			if !sub.active.Load() {
				continue
			}
			if sub.stream != "" && sub.stream != st {
				continue
			}
			s.invoke(sub, st, entries)
		}
	}
}

func (s *Sink) invoke(sub *subscription, stream Stream, entries []Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("eventsink handler panic", zap.Int64("subID", sub.id), zap.String("stream", string(stream)), zap.Any("panic", r))
		}
	}()
	sub.handler(stream, entries)
}

// Subscribe registers handler to receive every flush for one stream.
func (s *Sink) Subscribe(stream Stream, handler Handler) func() {
	return s.subscribe(stream, handler)
}

// SubscribeAll registers handler to receive every flush across all streams.
func (s *Sink) SubscribeAll(handler Handler) func() {
	return s.subscribe("", handler)
}

func (s *Sink) subscribe(stream Stream, handler Handler) func() {
	s.mu.Lock()
	s.subSeq++
	sub := &subscription{id: s.subSeq, stream: stream, handler: handler}
	sub.active.Store(true)
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() { sub.active.Store(false) }
}

// Stats returns a snapshot of the sink's counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	subCount := int64(0)
	for _, sub := range s.subs {
		if sub.active.Load() {
			subCount++
		}
	}

	return Stats{
		Published:   s.published.Load(),
		Flushed:     s.flushed.Load(),
		Dropped:     s.dropped.Load(),
		Subscribers: subCount,
	}
}

// Stop flushes any remaining buffered entries and stops the flush loop,
// waiting up to 5s for the final flush to finish.
func (s *Sink) Stop() {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn("eventsink shutdown timed out")
	}
}
