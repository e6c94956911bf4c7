// Package ingest is the mutation engine: every domain mutation flows
// through a bounded queue into a single worker, which gives events a
// strict total order. Each handler stages one write batch (domain rows,
// the appended event, and the projected inbox rows) and the worker commits
// it atomically, so both sides of the event/view pair land together or
// not at all.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"inboxdb/pkg/logger"
	"inboxdb/pkg/store"
	"inboxdb/pkg/telemetry"
)

// HandlerFunc stages one mutation into tx and returns a result value for
// synchronous callers. Returning an error discards the batch.
type HandlerFunc func(ctx context.Context, op *Op, tx *store.Tx) (any, error)

// Engine owns the queue and the single apply worker. One worker is a
// correctness choice, not a simplification: inbox folds are only valid
// when events for the same row apply in append order.
type Engine struct {
	ch       chan *item
	handlers map[HandlerID]HandlerFunc

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewEngine creates an engine with the given queue capacity.
func NewEngine(capacity int) *Engine {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Engine{
		ch:       make(chan *item, capacity),
		handlers: map[HandlerID]HandlerFunc{},
	}
}

// RegisterHandler wires a handler for the given id. Must be called before
// Start.
func (e *Engine) RegisterHandler(id HandlerID, fn HandlerFunc) {
	e.handlers[id] = fn
}

// Start launches the apply worker.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.worker(ctx)
	logger.Info("mutation_engine_started", "capacity", cap(e.ch), "handlers", len(e.handlers))
}

// Stop closes the queue, drains remaining items and waits for the worker.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	e.wg.Wait()
	if e.cancel != nil {
		e.cancel()
	}
	logger.Info("mutation_engine_stopped")
}

// Execute enqueues op and waits for the handler's result. The returned
// value is whatever the handler produced; the error covers handler
// failures, commit failures, a full queue and context expiry.
func (e *Engine) Execute(ctx context.Context, op *Op) (any, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrQueueClosed
	}
	reply := make(chan result, 1)
	it := newItem(op, reply)
	e.mu.Unlock()
	if err := enqueueCtx(ctx, e.ch, it); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		// the worker will still apply the op; the caller just stops waiting
		return nil, ctx.Err()
	}
}

// TryEnqueue accepts op without waiting for its result (the 202 fast
// path). Returns ErrQueueFull when saturated.
func (e *Engine) TryEnqueue(op *Op) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrQueueClosed
	}
	it := newItem(op, nil)
	e.mu.Unlock()
	return enqueue(e.ch, it)
}

// Len returns the current queue occupancy.
func (e *Engine) Len() int { return len(e.ch) }

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for it := range e.ch {
		telemetry.QueueDepth.Dec()
		e.apply(ctx, it)
	}
}

// apply runs one op's handler, commits its batch and reports the result.
func (e *Engine) apply(ctx context.Context, it *item) {
	defer it.done()
	op := it.op
	value, err := e.applyOp(ctx, op)
	if err != nil {
		telemetry.MutationErrors.WithLabelValues(string(op.Handler)).Inc()
		logger.Error("mutation_failed", "handler", op.Handler, "thread", op.Thread, "id", op.ID, "error", err)
	} else {
		telemetry.MutationsApplied.WithLabelValues(string(op.Handler)).Inc()
	}
	if it.reply != nil {
		it.reply <- result{value: value, err: err}
	}
}

func (e *Engine) applyOp(ctx context.Context, op *Op) (any, error) {
	fn, ok := e.handlers[op.Handler]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, op.Handler)
	}
	tx, err := store.NewTx()
	if err != nil {
		return nil, err
	}
	value, err := fn(ctx, op, tx)
	if err != nil {
		tx.Discard()
		return nil, err
	}
	if err := tx.Commit(true); err != nil {
		return nil, err
	}
	return value, nil
}
