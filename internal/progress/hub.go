package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/tiered-scraper/internal/metrics"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the event channel (default 4096).
//   - MaxBatchEvents: flush once this many events are pending (default 1000).
//   - MaxBatchWait: flush interval for small batches (default 500ms).
//   - SinkTimeout: per-sink deadline for one batch (default 10s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats counts what the hub has done with emitted events.
type Stats struct {
	// Delivered events reached the sinks.
	Delivered int64
	// Dropped non-terminal events were discarded because the buffer was full.
	Dropped int64
	// Spilled terminal events bypassed a full buffer.
	Spilled int64
}

// Hub batches lifecycle events and fans each batch out to its sinks. Emit
// never blocks, so the job manager can call it while holding its lock.
//
// Under backpressure, attempt, active and stalled events are dropped, while
// completed and failed events spill into an unbounded side list; completion
// notifications are derived from them.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}

	spillMu sync.Mutex
	spill   []Event

	dropLog   rate.Sometimes
	closed    atomic.Bool
	delivered atomic.Int64
	dropped   atomic.Int64
	spilled   atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   live,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.BufferSize),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt for the next batch. Invalid events and events emitted
// after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}

	if evt.Terminal() {
		h.spillMu.Lock()
		h.spill = append(h.spill, evt)
		h.spillMu.Unlock()
		h.spilled.Add(1)
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return
	}

	total := h.dropped.Add(1)
	metrics.ObserveProgressDropped(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped_total", total), zap.String("stage", string(evt.Stage)))
	})
}

// Stats reports delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Spilled:   h.spilled.Load(),
	}
}

// Close stops intake, flushes everything pending and closes the sinks.
// Repeated calls wait for the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
		case <-h.wake:
			batch = append(batch, h.takeSpill()...)
		case <-ticker.C:
			batch = h.flush(batch)
			continue
		case <-h.stop:
			h.drain(batch)
			return
		}
		if len(batch) >= h.cfg.MaxBatchEvents {
			batch = h.flush(batch)
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
			continue
		default:
		}
		break
	}
	batch = append(batch, h.takeSpill()...)
	h.flush(batch)
	h.closeSinks()
}

func (h *Hub) takeSpill() []Event {
	h.spillMu.Lock()
	defer h.spillMu.Unlock()
	out := h.spill
	h.spill = nil
	return out
}

// flush hands batch to every sink in parallel and returns the emptied slice.
// A slow or failing sink never holds back the others beyond SinkTimeout.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	snapshot := append([]Event(nil), batch...)
	var g errgroup.Group
	for _, sink := range h.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Consume(ctx, snapshot); err != nil {
				h.logger.Warn("progress sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", sink)),
					zap.Int("batch", len(snapshot)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	h.delivered.Add(int64(len(snapshot)))
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
