package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tradeflow/internal/logger"
)

var ErrStopped = errors.New("coordinator is stopped")

// Task is one mutation scheduled under a key.
type Task func(ctx context.Context) error

// Config sizes the worker pool.
type Config struct {
	Workers       int
	TaskTimeout   time.Duration
	SlowThreshold time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 500 * time.Millisecond
	}
}

// Coordinator runs tasks strictly one at a time and in submission order per
// key, while different keys proceed in parallel over a bounded worker pool.
// A key's queue exists only while it has pending or running work.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string]*keyQueue
	ready   []*keyQueue
	stopped bool

	wg      sync.WaitGroup
	running atomic.Int64
}

type keyQueue struct {
	key       string
	tasks     []*job
	running   bool
	scheduled bool
}

type job struct {
	ctx       context.Context
	fn        Task
	done      chan error
	submitted time.Time
}

// New starts the worker pool.
func New(cfg Config) *Coordinator {
	cfg.normalize()
	c := &Coordinator{
		cfg:    cfg,
		queues: make(map[string]*keyQueue),
	}
	c.cond = sync.NewCond(&c.mu)
	c.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go c.worker()
	}
	logger.Infof("Coordinator: started workers=%d task_timeout=%s", cfg.Workers, cfg.TaskTimeout)
	return c
}

// Submit enqueues fn under key and returns a channel that receives its result.
func (c *Coordinator) Submit(ctx context.Context, key string, fn Task) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	if fn == nil {
		done <- fmt.Errorf("coordinator: nil task for key %s", key)
		return done
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		done <- ErrStopped
		return done
	}
	q, ok := c.queues[key]
	if !ok {
		q = &keyQueue{key: key}
		c.queues[key] = q
	}
	q.tasks = append(q.tasks, &job{ctx: ctx, fn: fn, done: done, submitted: time.Now()})
	if !q.running && !q.scheduled {
		q.scheduled = true
		c.ready = append(c.ready, q)
		c.cond.Signal()
	}
	c.mu.Unlock()
	return done
}

// Do runs fn under key and waits for it. A task that already holds key (the
// ctx passed into a running Task) runs fn inline instead of queueing behind
// itself. Tasks must not wait on a different key.
func (c *Coordinator) Do(ctx context.Context, key string, fn Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if holdsKey(ctx, key) {
		return fn(ctx)
	}
	done := c.Submit(ctx, key, fn)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many keys currently have queued or running work.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues)
}

// Running reports how many tasks are executing right now.
func (c *Coordinator) Running() int {
	return int(c.running.Load())
}

// Stop refuses new work, drains what is queued and waits for the workers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
	logger.Infof("Coordinator: stopped")
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.ready) == 0 && !c.stopped {
			c.cond.Wait()
		}
		if len(c.ready) == 0 && c.stopped {
			c.mu.Unlock()
			return
		}
		q := c.ready[0]
		c.ready[0] = nil
		c.ready = c.ready[1:]
		q.scheduled = false
		q.running = true
		j := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		c.mu.Unlock()

		c.run(q.key, j)

		c.mu.Lock()
		q.running = false
		if len(q.tasks) > 0 {
			q.scheduled = true
			c.ready = append(c.ready, q)
			c.cond.Signal()
		} else {
			delete(c.queues, q.key)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) run(key string, j *job) {
	var err error
	start := time.Now()
	c.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Coordinator: panic in task key=%s: %v\n%s", key, r, debug.Stack())
			err = fmt.Errorf("coordinator: task panic key=%s: %v", key, r)
		}
		c.running.Add(-1)
		j.done <- err
		close(j.done)
		if dur := time.Since(start); dur > c.cfg.SlowThreshold {
			logger.Warnf("Coordinator: slow task key=%s took %s (queued %s)", key, dur, start.Sub(j.submitted))
		}
	}()

	if ctxErr := j.ctx.Err(); ctxErr != nil {
		err = ctxErr
		return
	}
	ctx, cancel := context.WithTimeout(withKey(j.ctx, key), c.cfg.TaskTimeout)
	defer cancel()
	err = j.fn(ctx)
}

type heldKeyCtx struct{}

type heldKeys struct {
	key    string
	parent *heldKeys
}

func withKey(ctx context.Context, key string) context.Context {
	parent, _ := ctx.Value(heldKeyCtx{}).(*heldKeys)
	return context.WithValue(ctx, heldKeyCtx{}, &heldKeys{key: key, parent: parent})
}

func holdsKey(ctx context.Context, key string) bool {
	h, _ := ctx.Value(heldKeyCtx{}).(*heldKeys)
	for ; h != nil; h = h.parent {
		if h.key == key {
			return true
		}
	}
	return false
}

// TradeKey is the key every mutation of one trade (and its exit intents) runs under.
func TradeKey(tradeID string) string { return "trade:" + tradeID }

// EntryKey serializes entry creation per broker account and symbol.
func EntryKey(accountID, symbol string) string { return "entry:" + accountID + ":" + symbol }
