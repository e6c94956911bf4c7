package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"inboxdb/pkg/models"
)

// PutRun stages the run row into tx. When index is true a thread run-index
// entry is also staged; callers set it only on creation so the index keeps
// one entry per run and its highest entry is the thread's current run.
func PutRun(tx *Tx, run models.Run, index bool) error {
	if run.ID == "" {
		return fmt.Errorf("missing run id")
	}
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	tx.Set(runKey(run.ID), b)
	if index {
		ts := run.CreatedTS
		if ts == 0 {
			ts = time.Now().UTC().UnixNano()
		}
		tx.Set(threadRunKey(run.ThreadID, ts, nextSeq()), []byte(run.ID))
	}
	return nil
}

// GetRun returns the run row for the given id.
func GetRun(runID string) (models.Run, error) {
	v, err := get(runKey(runID))
	if err != nil {
		return models.Run{}, err
	}
	var run models.Run
	if err := json.Unmarshal(v, &run); err != nil {
		return models.Run{}, fmt.Errorf("invalid run JSON: %w", err)
	}
	return run, nil
}

// CurrentRun returns the most recently created run for a thread, or nil
// when the thread has no runs.
func CurrentRun(threadID string) (*models.Run, error) {
	_, v, err := lastUnderPrefix("thread:" + threadID + ":run:")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	run, err := GetRun(string(v))
	if err != nil {
		return nil, fmt.Errorf("run index points at missing run %s: %w", string(v), err)
	}
	return &run, nil
}

// ListThreadRuns returns all runs for a thread in creation order.
func ListThreadRuns(threadID string) ([]models.Run, error) {
	var ids []string
	err := scanPrefix("thread:"+threadID+":run:", func(_ string, v []byte) bool {
		ids = append(ids, string(v))
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Run, 0, len(ids))
	for _, id := range ids {
		run, err := GetRun(id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// PutActivity stages one activity under its run.
func PutActivity(tx *Tx, act models.Activity) error {
	if act.RunID == "" {
		return fmt.Errorf("missing run id for activity %s", act.ID)
	}
	if act.TS == 0 {
		act.TS = time.Now().UTC().UnixNano()
	}
	b, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	tx.Set(activityKey(act.RunID, act.TS, nextSeq()), b)
	return nil
}

// ListRunActivities returns a run's activities in ingestion order.
func ListRunActivities(runID string) ([]models.Activity, error) {
	var out []models.Activity
	err := scanPrefix("run:"+runID+":activity:", func(_ string, v []byte) bool {
		var a models.Activity
		if err := json.Unmarshal(v, &a); err == nil {
			out = append(out, a)
		}
		return true
	})
	return out, err
}

// FindActivity locates an activity by id across a thread's runs.
func FindActivity(threadID, activityID string) (*models.Activity, error) {
	runs, err := ListThreadRuns(threadID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		acts, err := ListRunActivities(run.ID)
		if err != nil {
			return nil, err
		}
		for i := range acts {
			if acts[i].ID == activityID {
				return &acts[i], nil
			}
		}
	}
	return nil, ErrNotFound
}

// FinishedRunKeys returns every key belonging to terminal runs finished
// before cutoff (ns): the meta row, the activities under it and the thread
// run-index entry. Used by the retention sweeper.
func FinishedRunKeys(cutoff int64) ([]string, error) {
	expired := map[string]models.Run{}
	var out []string
	err := scanPrefix("run:", func(k string, v []byte) bool {
		if !strings.HasSuffix(k, ":meta") {
			return true
		}
		var run models.Run
		if err := json.Unmarshal(v, &run); err != nil {
			return true
		}
		if run.State.Terminal() && run.FinishedTS != 0 && run.FinishedTS < cutoff {
			expired[run.ID] = run
			out = append(out, k)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for id, run := range expired {
		err := scanPrefix("run:"+id+":activity:", func(k string, _ []byte) bool {
			out = append(out, k)
			return true
		})
		if err != nil {
			return nil, err
		}
		err = scanPrefix("thread:"+run.ThreadID+":run:", func(k string, v []byte) bool {
			if string(v) == id {
				out = append(out, k)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return out, err
}
