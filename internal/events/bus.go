package events

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tradeflow/internal/logger"
)

// Sink consumes events on its own goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt Event) error
}

// Bus fans events out to sinks through per-sink buffers. Publish never
// blocks: when a sink's buffer is full the event is dropped for that sink
// and counted.
type Bus struct {
	bufferSize int

	mu      sync.RWMutex
	sinks   []*sinkRunner
	started bool
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	dropped atomic.Int64
}

type sinkRunner struct {
	sink Sink
	ch   chan Event
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe adds a sink. Sinks added after Start begin consuming immediately.
func (b *Bus) Subscribe(s Sink) {
	if b == nil || s == nil {
		return
	}
	r := &sinkRunner{sink: s, ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.sinks = append(b.sinks, r)
	if b.started {
		b.launch(r)
	}
}

// Start launches one consumer per sink; Stop (or ctx cancel) ends them.
func (b *Bus) Start(ctx context.Context) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	for _, r := range b.sinks {
		b.launch(r)
	}
}

func (b *Bus) launch(r *sinkRunner) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case evt, ok := <-r.ch:
				if !ok {
					return
				}
				b.deliver(r.sink, evt)
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *Bus) deliver(s Sink, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("EventBus: sink %s panic on %s: %v\n%s", s.Name(), evt.Type, rec, debug.Stack())
		}
	}()
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := s.Handle(ctx, evt); err != nil {
		logger.Warnf("EventBus: sink %s failed on %s trade=%s: %v", s.Name(), evt.Type, evt.TradeID, err)
	}
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, r := range b.sinks {
		select {
		case r.ch <- evt:
		default:
			n := b.dropped.Add(1)
			logger.Warnf("EventBus: sink %s buffer full, dropped %s trade=%s (total dropped=%d)", r.sink.Name(), evt.Type, evt.TradeID, n)
		}
	}
}

// Dropped reports how many deliveries were discarded on full buffers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Stop drains buffered events and waits for every sink to return.
func (b *Bus) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, r := range b.sinks {
		close(r.ch)
	}
	started := b.started
	b.mu.Unlock()
	if started {
		b.wg.Wait()
		b.cancel()
	}
}
