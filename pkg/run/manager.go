// Package run owns the run lifecycle: creation, cancellation and the
// background ingestion of agent output. Every state transition goes
// through the mutation engine, so a cancel always serializes ahead of or
// behind a completion, never interleaved with one.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"inboxdb/pkg/agent"
	"inboxdb/pkg/ingest"
	"inboxdb/pkg/logger"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/telemetry"
	"inboxdb/pkg/utils"
	"inboxdb/pkg/validation"
)

var (
	// ErrRunInProgress rejects a second run on a thread whose current run
	// has not finished.
	ErrRunInProgress = errors.New("thread already has a run in progress")
	// ErrInvalidState rejects transitions on a run that is not in progress.
	ErrInvalidState = errors.New("run is not in progress")
	// ErrNoManifest is the protocol failure for a stream whose first item
	// is not the manifest.
	ErrNoManifest = errors.New("no manifest sent")
)

// AgentClient is the slice of the agent package the manager consumes.
type AgentClient interface {
	Fetch(ctx context.Context, input agent.RunInput) (agent.Stream, error)
}

// Manager drives run creation and background ingestion.
type Manager struct {
	engine   *ingest.Engine
	agent    AgentClient
	deadline time.Duration
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a manager onto the engine and agent client.
// maxConcurrent bounds simultaneous background ingestions; deadline bounds
// one run's whole ingestion (zero disables the bound).
func NewManager(engine *ingest.Engine, client AgentClient, maxConcurrent int64, deadline time.Duration) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	m := &Manager{
		engine:   engine,
		agent:    client,
		deadline: deadline,
		sem:      semaphore.NewWeighted(maxConcurrent),
	}
	engine.RegisterHandler(ingest.HandlerRunCreate, m.createHandler)
	engine.RegisterHandler(ingest.HandlerRunCancel, m.cancelHandler)
	engine.RegisterHandler(ingest.HandlerRunActivity, m.activityHandler)
	engine.RegisterHandler(ingest.HandlerRunFinish, m.finishHandler)
	return m
}

// Start initializes the background context for ingestion tasks.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop cancels outstanding ingestions and waits for them to unwind.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Create starts a new run for a thread with the triggering user activity.
// The run row and the activity commit in one batch; ingestion then
// proceeds in the background while the caller returns immediately.
func (m *Manager) Create(ctx context.Context, threadID string, trigger models.Activity) (models.Run, error) {
	trigger.ID = utils.GenActivityID()
	trigger.TS = time.Now().UTC().UnixNano()
	if err := validation.ValidateActivity(trigger); err != nil {
		return models.Run{}, fmt.Errorf("trigger activity invalid: %w", err)
	}
	payload, err := json.Marshal(trigger)
	if err != nil {
		return models.Run{}, err
	}
	res, err := m.engine.Execute(ctx, &ingest.Op{
		Handler: ingest.HandlerRunCreate,
		Thread:  threadID,
		Payload: payload,
	})
	if err != nil {
		return models.Run{}, err
	}
	run := res.(models.Run)
	telemetry.RunsStarted.Inc()

	m.wg.Add(1)
	go m.ingestRun(run)
	return run, nil
}

// Cancel forces an in-progress run to failed with the fixed cancel
// reason. Cancelling a terminal run is rejected with ErrInvalidState.
func (m *Manager) Cancel(ctx context.Context, runID string) (models.Run, error) {
	res, err := m.engine.Execute(ctx, &ingest.Op{
		Handler: ingest.HandlerRunCancel,
		ID:      runID,
	})
	if err != nil {
		return models.Run{}, err
	}
	return res.(models.Run), nil
}

// createHandler enforces single-flight per thread and stages the run plus
// its triggering activity.
func (m *Manager) createHandler(ctx context.Context, op *ingest.Op, tx *store.Tx) (any, error) {
	if _, err := store.GetThread(op.Thread); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s", ingest.ErrNotFound, op.Thread)
		}
		return nil, err
	}
	cur, err := store.CurrentRun(op.Thread)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.State == models.RunInProgress {
		return nil, fmt.Errorf("%w: thread %s run %s", ErrRunInProgress, op.Thread, cur.ID)
	}

	var trigger models.Activity
	if err := json.Unmarshal(op.Payload, &trigger); err != nil {
		return nil, fmt.Errorf("invalid trigger activity json: %w", err)
	}
	run := models.Run{
		ID:        utils.GenRunID(),
		ThreadID:  op.Thread,
		State:     models.RunInProgress,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	trigger.RunID = run.ID
	if err := store.PutRun(tx, run, true); err != nil {
		return nil, err
	}
	if err := store.PutActivity(tx, trigger); err != nil {
		return nil, err
	}
	logger.Info("run_created", "run", run.ID, "thread", run.ThreadID)
	return run, nil
}

// cancelHandler is the forced in_progress → failed transition.
func (m *Manager) cancelHandler(ctx context.Context, op *ingest.Op, tx *store.Tx) (any, error) {
	run, err := store.GetRun(op.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: run %s", ingest.ErrNotFound, op.ID)
		}
		return nil, err
	}
	if run.State != models.RunInProgress {
		return nil, fmt.Errorf("%w: run %s is %s", ErrInvalidState, run.ID, run.State)
	}
	reason := models.CancelledByUser
	run.State = models.RunFailed
	run.FailReason = &reason
	run.FinishedTS = time.Now().UTC().UnixNano()
	if err := store.PutRun(tx, run, false); err != nil {
		return nil, err
	}
	telemetry.RunsFinished.WithLabelValues("cancelled").Inc()
	logger.Info("run_cancelled", "run", run.ID, "thread", run.ThreadID)
	return run, nil
}

// activityResult reports whether a streamed activity was applied.
type activityResult struct {
	Applied bool
}

// activityHandler appends one validated streamed activity, but only while
// the run is still in progress. A terminal run silently discards the
// activity: the torn-down run must not be resurrected.
func (m *Manager) activityHandler(ctx context.Context, op *ingest.Op, tx *store.Tx) (any, error) {
	run, err := store.GetRun(op.ID)
	if err != nil {
		return nil, err
	}
	if run.State != models.RunInProgress {
		return activityResult{Applied: false}, nil
	}
	var act models.Activity
	if err := json.Unmarshal(op.Payload, &act); err != nil {
		return nil, fmt.Errorf("invalid activity json: %w", err)
	}
	act.RunID = run.ID
	if err := store.PutActivity(tx, act); err != nil {
		return nil, err
	}
	return activityResult{Applied: true}, nil
}

// finishRequest is the payload for run.finish ops.
type finishRequest struct {
	State           models.RunState    `json:"state"`
	FailReason      *models.FailReason `json:"fail_reason,omitempty"`
	ManifestVersion string             `json:"manifest_version,omitempty"`
}

// finishResult reports whether the terminal transition was applied.
type finishResult struct {
	Applied bool
	Run     models.Run
}

// finishHandler applies the terminal transition, guarded by the same
// still-in-progress check. If a cancel raced ahead the finish is dropped:
// last writer loses to cancel.
func (m *Manager) finishHandler(ctx context.Context, op *ingest.Op, tx *store.Tx) (any, error) {
	run, err := store.GetRun(op.ID)
	if err != nil {
		return nil, err
	}
	if run.State != models.RunInProgress {
		return finishResult{Applied: false, Run: run}, nil
	}
	var req finishRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid finish json: %w", err)
	}
	if !req.State.Terminal() {
		return nil, fmt.Errorf("finish with non-terminal state %q", req.State)
	}
	run.State = req.State
	run.FailReason = req.FailReason
	run.FinishedTS = time.Now().UTC().UnixNano()
	if req.ManifestVersion != "" {
		run.ManifestVersion = req.ManifestVersion
	}
	if err := store.PutRun(tx, run, false); err != nil {
		return nil, err
	}
	switch req.State {
	case models.RunCompleted:
		telemetry.RunsFinished.WithLabelValues("completed").Inc()
	case models.RunFailed:
		telemetry.RunsFinished.WithLabelValues("failed").Inc()
	}
	return finishResult{Applied: true, Run: run}, nil
}
