package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"inboxdb/pkg/logger"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
)

// Watcher lets callers observe run state changes without holding a read
// loop against the store themselves. It polls: the store has no change
// notification, and at the poll intervals involved a scan of the watched
// runs is cheap.
type Watcher struct {
	interval time.Duration

	mu   sync.Mutex
	subs map[string][]*subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	ch        chan models.Run
	lastState models.RunState
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		interval: interval,
		subs:     map[string][]*subscription{},
	}
}

// Start launches the poll loop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop halts the poll loop and closes every subscription channel.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, subs := range w.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	w.subs = map[string][]*subscription{}
}

// Subscribe registers interest in a run. The channel receives the run on
// every observed state change and is closed once the run is terminal (or
// the watcher stops). The returned func cancels the subscription early.
func (w *Watcher) Subscribe(runID string) (<-chan models.Run, func(), error) {
	run, err := store.GetRun(runID)
	if err != nil {
		return nil, nil, err
	}
	s := &subscription{ch: make(chan models.Run, 4), lastState: run.State}
	if run.State.Terminal() {
		// already settled; deliver the terminal state and close
		s.ch <- run
		close(s.ch)
		return s.ch, func() {}, nil
	}
	w.mu.Lock()
	w.subs[runID] = append(w.subs[runID], s)
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		subs := w.subs[runID]
		for i, cur := range subs {
			if cur == s {
				w.subs[runID] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(w.subs[runID]) == 0 {
			delete(w.subs, runID)
		}
	}
	return s.ch, cancel, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		run, err := store.GetRun(id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warn("run_watch_poll_failed", "run", id, "error", err)
			}
			continue
		}
		w.mu.Lock()
		subs := w.subs[id]
		var kept []*subscription
		for _, s := range subs {
			if s.lastState == run.State {
				kept = append(kept, s)
				continue
			}
			s.lastState = run.State
			select {
			case s.ch <- run:
			default:
				// slow consumer; it will catch the next change
			}
			if run.State.Terminal() {
				close(s.ch)
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(w.subs, id)
		} else {
			w.subs[id] = kept
		}
		w.mu.Unlock()
	}
}
