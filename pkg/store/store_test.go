package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"inboxdb/pkg/models"
)

func open(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := Open(dir); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	return dir
}

func commitTx(t *testing.T, stage func(tx *Tx) error) {
	t.Helper()
	tx, err := NewTx()
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := stage(tx); err != nil {
		tx.Discard()
		t.Fatalf("stage: %v", err)
	}
	if err := tx.Commit(true); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestEventIDsMonotonicAcrossReopen(t *testing.T) {
	dir := open(t)

	var last uint64
	commitTx(t, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			ev, err := AppendEvent(tx, models.EventThreadCreated, models.ThreadCreatedPayload{ThreadID: "th1"}, "")
			if err != nil {
				return err
			}
			last = ev.ID
		}
		return nil
	})
	if last != 3 {
		t.Fatalf("last id = %d, want 3", last)
	}

	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := Open(dir); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	commitTx(t, func(tx *Tx) error {
		ev, err := AppendEvent(tx, models.EventThreadCreated, models.ThreadCreatedPayload{ThreadID: "th2"}, "")
		if err != nil {
			return err
		}
		last = ev.ID
		return nil
	})
	if last != 4 {
		t.Fatalf("id after reopen = %d, want 4 (sequence recovered)", last)
	}
}

func TestListEventsCursorAndLimit(t *testing.T) {
	open(t)
	commitTx(t, func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			if _, err := AppendEvent(tx, models.EventThreadCreated, nil, ""); err != nil {
				return err
			}
		}
		return nil
	})

	evs, err := ListEvents(2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 2 || evs[0].ID != 3 || evs[1].ID != 4 {
		t.Fatalf("events = %+v, want ids 3,4", evs)
	}
	evs, err = ListEvents(0, 0)
	if err != nil || len(evs) != 5 {
		t.Fatalf("unbounded list = %d, %v", len(evs), err)
	}
}

func TestCommentVersionHistory(t *testing.T) {
	open(t)
	c := models.Comment{ID: "cm1", ThreadID: "th1", Body: json.RawMessage(`"v1"`), TS: 100}
	commitTx(t, func(tx *Tx) error { return PutComment(tx, c) })
	c.Body = json.RawMessage(`"v2"`)
	c.Edited = true
	c.TS = 200
	commitTx(t, func(tx *Tx) error { return PutComment(tx, c) })

	latest, err := GetLatestComment("cm1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(latest.Body) != `"v2"` || !latest.Edited {
		t.Fatalf("latest = %+v", latest)
	}
	versions, err := ListCommentVersions("cm1")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || string(versions[0].Body) != `"v1"` || string(versions[1].Body) != `"v2"` {
		t.Fatalf("versions = %+v", versions)
	}
}

func TestListThreadCommentsDedupesVersions(t *testing.T) {
	open(t)
	commitTx(t, func(tx *Tx) error {
		if err := PutComment(tx, models.Comment{ID: "cm1", ThreadID: "th1", TS: 100}); err != nil {
			return err
		}
		if err := PutComment(tx, models.Comment{ID: "cm2", ThreadID: "th1", TS: 150}); err != nil {
			return err
		}
		// edit of cm1 lands later but keeps its original position
		return PutComment(tx, models.Comment{ID: "cm1", ThreadID: "th1", TS: 200, Edited: true})
	})

	out, err := ListThreadComments("th1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("comments = %+v, want 2", out)
	}
	if out[0].ID != "cm1" || !out[0].Edited {
		t.Fatalf("first = %+v, want edited cm1 in original position", out[0])
	}
}

func TestListThreadCommentsHidesTombstones(t *testing.T) {
	open(t)
	commitTx(t, func(tx *Tx) error {
		if err := PutComment(tx, models.Comment{ID: "cm1", ThreadID: "th1", TS: 100}); err != nil {
			return err
		}
		return PutComment(tx, models.Comment{ID: "cm1", ThreadID: "th1", TS: 200, Deleted: true})
	})

	live, err := ListThreadComments("th1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("live = %+v, want tombstone hidden", live)
	}
	all, err := ListThreadComments("th1", true)
	if err != nil || len(all) != 1 {
		t.Fatalf("all = %+v, %v", all, err)
	}
}

func TestCurrentRunTracksLatest(t *testing.T) {
	open(t)
	cur, err := CurrentRun("th1")
	if err != nil || cur != nil {
		t.Fatalf("empty thread: %+v, %v", cur, err)
	}

	commitTx(t, func(tx *Tx) error {
		return PutRun(tx, models.Run{ID: "run1", ThreadID: "th1", State: models.RunCompleted, CreatedTS: 100}, true)
	})
	commitTx(t, func(tx *Tx) error {
		return PutRun(tx, models.Run{ID: "run2", ThreadID: "th1", State: models.RunInProgress, CreatedTS: 200}, true)
	})

	cur, err = CurrentRun("th1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur == nil || cur.ID != "run2" {
		t.Fatalf("current = %+v, want run2", cur)
	}

	// state update must not add a second index entry
	commitTx(t, func(tx *Tx) error {
		return PutRun(tx, models.Run{ID: "run2", ThreadID: "th1", State: models.RunCompleted, CreatedTS: 200}, false)
	})
	runs, err := ListThreadRuns("th1")
	if err != nil || len(runs) != 2 {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
}

func TestFindActivityAcrossRuns(t *testing.T) {
	open(t)
	commitTx(t, func(tx *Tx) error {
		if err := PutRun(tx, models.Run{ID: "run1", ThreadID: "th1", State: models.RunCompleted, CreatedTS: 100}, true); err != nil {
			return err
		}
		if err := PutActivity(tx, models.Activity{ID: "act1", RunID: "run1", TS: 110}); err != nil {
			return err
		}
		if err := PutRun(tx, models.Run{ID: "run2", ThreadID: "th1", State: models.RunCompleted, CreatedTS: 200}, true); err != nil {
			return err
		}
		return PutActivity(tx, models.Activity{ID: "act2", RunID: "run2", TS: 210})
	})

	act, err := FindActivity("th1", "act2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if act.RunID != "run2" {
		t.Fatalf("activity = %+v", act)
	}
	if _, err := FindActivity("th1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestFinishedRunKeysCollectsWholeRun(t *testing.T) {
	open(t)
	now := time.Now().UTC().UnixNano()
	commitTx(t, func(tx *Tx) error {
		old := models.Run{ID: "run1", ThreadID: "th1", State: models.RunCompleted, CreatedTS: 100, FinishedTS: 100}
		if err := PutRun(tx, old, true); err != nil {
			return err
		}
		if err := PutActivity(tx, models.Activity{ID: "act1", RunID: "run1", TS: 110}); err != nil {
			return err
		}
		live := models.Run{ID: "run2", ThreadID: "th1", State: models.RunInProgress, CreatedTS: now}
		return PutRun(tx, live, true)
	})

	keys, err := FinishedRunKeys(now)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	// meta + one activity + one index entry
	if len(keys) != 3 {
		t.Fatalf("keys = %v, want 3", keys)
	}

	if err := DeleteKeys(keys); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetRun("run1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("run1 survived purge: %v", err)
	}
	if cur, err := CurrentRun("th1"); err != nil || cur == nil || cur.ID != "run2" {
		t.Fatalf("current = %+v, %v; live run must survive", cur, err)
	}
}

func TestDeletedCommentIDs(t *testing.T) {
	open(t)
	commitTx(t, func(tx *Tx) error {
		if err := PutComment(tx, models.Comment{ID: "cm1", ThreadID: "th1", TS: 100, Deleted: true}); err != nil {
			return err
		}
		return PutComment(tx, models.Comment{ID: "cm2", ThreadID: "th1", TS: 100})
	})

	ids, err := DeletedCommentIDs(200)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "cm1" {
		t.Fatalf("ids = %v, want [cm1]", ids)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	open(t)
	if _, err := GetThread("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("thread: %v", err)
	}
	if _, err := GetRun("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("run: %v", err)
	}
	if _, err := GetLatestComment("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("comment: %v", err)
	}
	if _, err := GetInboxItem("u", "t", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inbox: %v", err)
	}
}
