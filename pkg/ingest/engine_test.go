package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"inboxdb/pkg/store"
)

func openStore(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		e.Stop()
		cancel()
	})
}

const testHandler HandlerID = "test.echo"

func TestExecuteRoundTrip(t *testing.T) {
	openStore(t)
	e := NewEngine(8)
	e.RegisterHandler(testHandler, func(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
		tx.Set("probe:"+op.ID, op.Payload)
		return "ok:" + op.ID, nil
	})
	startEngine(t, e)

	v, err := e.Execute(context.Background(), &Op{Handler: testHandler, ID: "a", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if v != "ok:a" {
		t.Fatalf("value = %v, want ok:a", v)
	}
}

func TestHandlerErrorDiscardsBatch(t *testing.T) {
	openStore(t)
	e := NewEngine(8)
	e.RegisterHandler(testHandler, func(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
		if _, err := store.AppendEvent(tx, "thread_created", nil, ""); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("boom")
	})
	startEngine(t, e)

	if _, err := e.Execute(context.Background(), &Op{Handler: testHandler}); err == nil {
		t.Fatal("expected handler error")
	}
	// the staged event must have died with the batch
	if _, err := store.GetEvent(1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unexpected event after failed batch: %v", err)
	}
}

func TestUnknownHandlerRejected(t *testing.T) {
	openStore(t)
	e := NewEngine(8)
	startEngine(t, e)

	_, err := e.Execute(context.Background(), &Op{Handler: "no.such"})
	if !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("err = %v, want ErrUnknownHandler", err)
	}
}

func TestTryEnqueueFullQueue(t *testing.T) {
	openStore(t)
	e := NewEngine(1)
	// never started: nothing drains the queue
	if err := e.TryEnqueue(&Op{Handler: testHandler}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := e.TryEnqueue(&Op{Handler: testHandler}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	// drain so Stop does not apply stale ops against a closed store
	e.Start(context.Background())
	e.Stop()
}

func TestExecuteAfterStop(t *testing.T) {
	openStore(t)
	e := NewEngine(8)
	e.Start(context.Background())
	e.Stop()

	if _, err := e.Execute(context.Background(), &Op{Handler: testHandler}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}
	if err := e.TryEnqueue(&Op{Handler: testHandler}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("try err = %v, want ErrQueueClosed", err)
	}
}

func TestOpsApplyInEnqueueOrder(t *testing.T) {
	openStore(t)
	e := NewEngine(64)
	var got []string
	e.RegisterHandler(testHandler, func(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
		got = append(got, op.ID)
		return nil, nil
	})
	for i := 0; i < 10; i++ {
		if err := e.TryEnqueue(&Op{Handler: testHandler, ID: fmt.Sprintf("%02d", i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	startEngine(t, e)

	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 10 {
		t.Fatalf("applied %d ops, want 10", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("%02d", i); id != want {
			t.Fatalf("op %d applied as %s, want %s", i, id, want)
		}
	}
}

func TestPayloadSurvivesPooledCopy(t *testing.T) {
	openStore(t)
	e := NewEngine(8)
	e.RegisterHandler(testHandler, func(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
		return string(op.Payload), nil
	})
	startEngine(t, e)

	payload := []byte(`{"k":"v"}`)
	v, err := e.Execute(context.Background(), &Op{Handler: testHandler, Payload: payload})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// mutate the caller's slice after enqueue; the engine holds its own copy
	payload[0] = 'X'
	if v != `{"k":"v"}` {
		t.Fatalf("payload = %v", v)
	}
}
