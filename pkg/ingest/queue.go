package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"inboxdb/pkg/telemetry"
)

// HandlerID identifies the concrete handler the engine invokes for an Op.
// It is set by the enqueueing code, which has the authoritative intent for
// the operation; the engine never probes payloads to decide dispatch.
type HandlerID string

const (
	HandlerThreadCreate  HandlerID = "thread.create"
	HandlerCommentCreate HandlerID = "comment.create"
	HandlerCommentEdit   HandlerID = "comment.edit"
	HandlerCommentDelete HandlerID = "comment.delete"
	HandlerReadMark      HandlerID = "read.mark"
	HandlerRunCreate     HandlerID = "run.create"
	HandlerRunCancel     HandlerID = "run.cancel"
	HandlerRunActivity   HandlerID = "run.activity"
	HandlerRunFinish     HandlerID = "run.finish"
)

// Op is one mutation destined for the engine. Payload may be backed by a
// pooled ByteBuffer; the engine calls Item.Done() after processing.
type Op struct {
	Handler HandlerID
	Thread  string
	ID      string
	User    string
	// Payload holds the raw bytes for the operation (may be nil).
	Payload []byte
	// TS is an optional caller timestamp (nanoseconds).
	TS int64
	// EnqSeq is a monotonic sequence assigned on acceptance into the
	// queue; batches apply in this order.
	EnqSeq uint64
	// Extras holds small request metadata (identity, request id).
	Extras map[string]string
}

var (
	// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
	ErrQueueFull = errors.New("mutation queue full")
	// ErrQueueClosed is returned after the engine has stopped.
	ErrQueueClosed = errors.New("mutation queue closed")
	// ErrUnknownHandler is returned for ops with no registered handler.
	ErrUnknownHandler = errors.New("unknown mutation handler")
)

// result carries a handler's outcome back to a synchronous caller.
type result struct {
	value any
	err   error
}

// item wraps an Op, its optional pooled buffer and the optional reply
// channel for synchronous execution.
type item struct {
	op    *Op
	reply chan result

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

var opPool = sync.Pool{New: func() any { return &Op{} }}
var itemPool = sync.Pool{New: func() any { return &item{} }}

// maxPooledBuffer is the largest payload buffer returned to the pool;
// bigger ones are dropped so resident memory stays bounded.
var maxPooledBuffer = 256 * 1024

// SetMaxPooledBuffer overrides the pooled buffer cap (startup only).
func SetMaxPooledBuffer(n int) {
	if n > 0 {
		maxPooledBuffer = n
	}
}

// done releases pooled resources back to their pools.
func (it *item) done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.op != nil {
			it.op.Payload = nil
			it.op.Extras = nil
			opPool.Put(it.op)
			it.op = nil
		}
		it.reply = nil
		itemPool.Put(it)
	})
}

var enqSeq uint64

// newItem copies op into pooled storage and assigns its enqueue sequence.
func newItem(op *Op, reply chan result) *item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)
	if op.Extras != nil {
		m := make(map[string]string, len(op.Extras))
		for k, v := range op.Extras {
			m[k] = v
		}
		newOp.Extras = m
	}
	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	it := itemPool.Get().(*item)
	it.op = newOp
	it.reply = reply
	it.buf = bb
	it.once = sync.Once{}
	return it
}

// release returns an item's resources when enqueue failed.
func (it *item) release() {
	telemetry.QueueDropped.Inc()
	it.done()
}

// enqueue places it on ch without blocking.
func enqueue(ch chan *item, it *item) error {
	select {
	case ch <- it:
		telemetry.QueueDepth.Inc()
		return nil
	default:
		it.release()
		return ErrQueueFull
	}
}

// enqueueCtx places it on ch, blocking until space or ctx expiry.
func enqueueCtx(ctx context.Context, ch chan *item, it *item) error {
	select {
	case ch <- it:
		telemetry.QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		it.release()
		return ctx.Err()
	}
}
