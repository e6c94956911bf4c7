package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"inboxdb/pkg/agent"
	"inboxdb/pkg/ingest"
	"inboxdb/pkg/logger"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/telemetry"
	"inboxdb/pkg/utils"
	"inboxdb/pkg/validation"
)

// manifestDoc is the expected shape of the first streamed item.
type manifestDoc struct {
	Version string `json:"version"`
}

// ingestRun consumes the agent stream for one run. Every failure mode
// funnels into finish(failed, reason); the finish handler's guard decides
// whether the transition still applies.
func (m *Manager) ingestRun(run models.Run) {
	defer m.wg.Done()

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(run.ID, models.RunFailed, &models.FailReason{
			Kind:    models.FailKindProtocol,
			Message: "ingestion aborted before start: " + err.Error(),
		}, "")
		return
	}
	defer m.sem.Release(1)

	cancel := context.CancelFunc(func() {})
	if m.deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.deadline)
	}
	defer cancel()

	input, err := m.buildInput(run)
	if err != nil {
		m.finish(run.ID, models.RunFailed, &models.FailReason{
			Kind:    models.FailKindProtocol,
			Message: "building agent input failed: " + err.Error(),
		}, "")
		return
	}

	stream, err := m.agent.Fetch(ctx, input)
	if err != nil {
		m.finish(run.ID, models.RunFailed, &models.FailReason{
			Kind:    models.FailKindProtocol,
			Message: "agent request failed",
			Detail:  jsonString(err.Error()),
		}, "")
		return
	}
	defer stream.Close()

	// first item must be the manifest; anything else is a protocol breach
	first, err := stream.Next()
	if err != nil {
		m.finish(run.ID, models.RunFailed, streamFailReason(ctx, err), "")
		return
	}
	if first.Name != "manifest" {
		m.finish(run.ID, models.RunFailed, &models.FailReason{
			Kind:    models.FailKindProtocol,
			Message: ErrNoManifest.Error(),
			Detail:  jsonString(fmt.Sprintf("first item was %q", first.Name)),
		}, "")
		return
	}
	var manifest manifestDoc
	if err := json.Unmarshal(first.Data, &manifest); err != nil || manifest.Version == "" {
		m.finish(run.ID, models.RunFailed, &models.FailReason{
			Kind:    models.FailKindValidation,
			Message: "manifest missing or malformed",
			Detail:  first.Data,
		}, "")
		return
	}
	telemetry.AgentItems.WithLabelValues("manifest").Inc()

	for {
		it, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.finish(run.ID, models.RunCompleted, nil, manifest.Version)
				return
			}
			m.finish(run.ID, models.RunFailed, streamFailReason(ctx, err), manifest.Version)
			return
		}
		telemetry.AgentItems.WithLabelValues(it.Name).Inc()

		if it.Name == "error" {
			m.finish(run.ID, models.RunFailed, &models.FailReason{
				Kind:    models.FailKindAgentError,
				Message: "agent reported an error",
				Detail:  it.Data,
			}, manifest.Version)
			return
		}

		var act models.Activity
		if err := json.Unmarshal(it.Data, &act); err != nil {
			m.finish(run.ID, models.RunFailed, &models.FailReason{
				Kind:    models.FailKindProtocol,
				Message: "activity item is not valid JSON",
				Detail:  jsonString(err.Error()),
			}, manifest.Version)
			return
		}
		act.ID = utils.GenActivityID()
		act.RunID = run.ID
		act.TS = time.Now().UTC().UnixNano()
		if err := validation.ValidateActivity(act); err != nil {
			m.finish(run.ID, models.RunFailed, &models.FailReason{
				Kind:    models.FailKindValidation,
				Message: "activity failed validation",
				Detail:  jsonString(err.Error()),
			}, manifest.Version)
			return
		}

		applied, err := m.appendActivity(ctx, run.ID, act)
		if err != nil {
			m.finish(run.ID, models.RunFailed, &models.FailReason{
				Kind:    models.FailKindProtocol,
				Message: "persisting activity failed",
				Detail:  jsonString(err.Error()),
			}, manifest.Version)
			return
		}
		if !applied {
			// run already terminal (cancel won); discard the rest quietly
			logger.Debug("run_output_discarded", "run", run.ID)
			return
		}
	}
}

// buildInput gathers the thread's full activity history as agent context.
func (m *Manager) buildInput(run models.Run) (agent.RunInput, error) {
	input := agent.RunInput{ThreadID: run.ThreadID, RunID: run.ID}
	runs, err := store.ListThreadRuns(run.ThreadID)
	if err != nil {
		return agent.RunInput{}, err
	}
	for _, r := range runs {
		acts, err := store.ListRunActivities(r.ID)
		if err != nil {
			return agent.RunInput{}, err
		}
		input.Activities = append(input.Activities, acts...)
	}
	return input, nil
}

// appendActivity routes one streamed activity through the engine and
// reports whether the run was still live.
func (m *Manager) appendActivity(ctx context.Context, runID string, act models.Activity) (bool, error) {
	payload, err := json.Marshal(act)
	if err != nil {
		return false, err
	}
	res, err := m.engine.Execute(ctx, &ingest.Op{
		Handler: ingest.HandlerRunActivity,
		ID:      runID,
		Payload: payload,
	})
	if err != nil {
		return false, err
	}
	return res.(activityResult).Applied, nil
}

// finish routes the terminal transition through the engine. Errors here
// are logged, not propagated: there is no caller left to tell.
func (m *Manager) finish(runID string, state models.RunState, reason *models.FailReason, manifestVersion string) {
	payload, err := json.Marshal(finishRequest{
		State:           state,
		FailReason:      reason,
		ManifestVersion: manifestVersion,
	})
	if err != nil {
		logger.Error("run_finish_marshal_failed", "run", runID, "error", err)
		return
	}
	// background context: the run deadline must not stop the terminal write
	res, err := m.engine.Execute(context.Background(), &ingest.Op{
		Handler: ingest.HandlerRunFinish,
		ID:      runID,
		Payload: payload,
	})
	if err != nil {
		logger.Error("run_finish_failed", "run", runID, "error", err)
		return
	}
	fr := res.(finishResult)
	if !fr.Applied {
		logger.Debug("run_finish_skipped", "run", runID, "state", fr.Run.State)
		return
	}
	if state == models.RunFailed && reason != nil {
		logger.Warn("run_failed", "run", runID, "kind", reason.Kind, "message", reason.Message)
	} else {
		logger.Info("run_completed", "run", runID, "manifest_version", manifestVersion)
	}
}

// streamFailReason maps a stream error to a fail reason, distinguishing a
// blown run deadline from other transport failures.
func streamFailReason(ctx context.Context, err error) *models.FailReason {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) || errors.Is(err, context.DeadlineExceeded) {
		return &models.FailReason{
			Kind:    models.FailKindProtocol,
			Message: "agent stream timed out",
		}
	}
	return &models.FailReason{
		Kind:    models.FailKindProtocol,
		Message: "agent stream failed",
		Detail:  jsonString(err.Error()),
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
