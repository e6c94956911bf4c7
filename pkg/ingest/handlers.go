package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inboxdb/pkg/inbox"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/telemetry"
	"inboxdb/pkg/utils"
)

// ErrNotFound marks mutations that reference a missing row; the API layer
// maps it to 404.
var ErrNotFound = errors.New("not found")

// ThreadResult is returned by thread.create.
type ThreadResult struct {
	Thread  models.Thread `json:"thread"`
	EventID uint64        `json:"event_id"`
}

// CommentResult is returned by the comment mutations.
type CommentResult struct {
	Comment models.Comment `json:"comment"`
	EventID uint64         `json:"event_id"`
}

// RegisterDomainHandlers wires the thread/comment/read handlers. Run
// handlers are registered separately by the run manager.
func RegisterDomainHandlers(e *Engine) {
	e.RegisterHandler(HandlerThreadCreate, ThreadCreateHandler)
	e.RegisterHandler(HandlerCommentCreate, CommentCreateHandler)
	e.RegisterHandler(HandlerCommentEdit, CommentEditHandler)
	e.RegisterHandler(HandlerCommentDelete, CommentDeleteHandler)
	e.RegisterHandler(HandlerReadMark, ReadMarkHandler)
}

// ThreadCreateHandler creates a thread, appends its thread_created event
// and projects the thread-level inbox rows, all in one batch. A caller
// that supplies no subscriber list gets every registered user.
func ThreadCreateHandler(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
	var th models.Thread
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &th); err != nil {
			return nil, fmt.Errorf("invalid thread json: %w", err)
		}
	}
	if th.ID == "" {
		th.ID = op.Thread
	}
	if th.ID == "" {
		th.ID = utils.GenThreadID()
	}
	if th.Author == "" {
		th.Author = op.Extras["identity"]
	}
	now := time.Now().UTC().UnixNano()
	th.CreatedTS = now
	th.UpdatedTS = now
	if len(th.Subscribers) == 0 {
		users, err := store.ListUsers()
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			th.Subscribers = append(th.Subscribers, u.ID)
		}
	}
	if err := store.PutThread(tx, th); err != nil {
		return nil, err
	}
	ev, err := store.AppendEvent(tx, models.EventThreadCreated,
		models.ThreadCreatedPayload{ThreadID: th.ID, Title: th.Title}, th.Author)
	if err != nil {
		return nil, err
	}
	if err := inbox.Project(tx, ev, th, nil); err != nil {
		return nil, err
	}
	telemetry.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return ThreadResult{Thread: th, EventID: ev.ID}, nil
}

// CommentCreateHandler persists a new comment version, appends its event
// and projects the activity-scoped inbox rows.
func CommentCreateHandler(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
	if len(op.Payload) == 0 {
		return nil, fmt.Errorf("empty payload for comment create")
	}
	var c models.Comment
	if err := json.Unmarshal(op.Payload, &c); err != nil {
		return nil, fmt.Errorf("invalid comment json: %w", err)
	}
	if c.ID == "" {
		c.ID = op.ID
	}
	if c.ID == "" {
		c.ID = utils.GenCommentID()
	}
	if c.ThreadID == "" {
		c.ThreadID = op.Thread
	}
	if c.Author == "" {
		c.Author = op.Extras["identity"]
	}
	if c.TS == 0 {
		c.TS = time.Now().UTC().UnixNano()
	}
	if c.ActivityID == "" {
		return nil, fmt.Errorf("missing activity id for comment")
	}
	th, err := store.GetThread(c.ThreadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s", ErrNotFound, c.ThreadID)
		}
		return nil, err
	}
	act, err := store.FindActivity(c.ThreadID, c.ActivityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if act == nil {
		return nil, fmt.Errorf("%w: activity %s", ErrNotFound, c.ActivityID)
	}
	if err := store.PutComment(tx, c); err != nil {
		return nil, err
	}
	ev, err := store.AppendEvent(tx, models.EventCommentCreated,
		models.CommentCreatedPayload{Comment: c}, c.Author)
	if err != nil {
		return nil, err
	}
	if err := inbox.Project(tx, ev, th, act); err != nil {
		return nil, err
	}
	telemetry.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return CommentResult{Comment: c, EventID: ev.ID}, nil
}

// CommentEditHandler appends an edited version of an existing comment and
// folds the non-notifying edit through the projector.
func CommentEditHandler(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
	cur, err := loadLiveComment(op.ID)
	if err != nil {
		return nil, err
	}
	var patch struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(op.Payload, &patch); err != nil {
		return nil, fmt.Errorf("invalid edit json: %w", err)
	}
	if len(patch.Body) == 0 {
		return nil, fmt.Errorf("empty body for comment edit")
	}
	cur.Body = patch.Body
	cur.Edited = true
	cur.TS = time.Now().UTC().UnixNano()

	th, act, err := commentContext(cur)
	if err != nil {
		return nil, err
	}
	if err := store.PutComment(tx, cur); err != nil {
		return nil, err
	}
	author := op.Extras["identity"]
	if author == "" {
		author = cur.Author
	}
	ev, err := store.AppendEvent(tx, models.EventCommentEdited,
		models.CommentEditedPayload{Comment: cur}, author)
	if err != nil {
		return nil, err
	}
	if err := inbox.Project(tx, ev, th, act); err != nil {
		return nil, err
	}
	telemetry.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return CommentResult{Comment: cur, EventID: ev.ID}, nil
}

// CommentDeleteHandler appends a tombstone version and folds the delete.
// Deleting an already-deleted comment is an idempotent no-op.
func CommentDeleteHandler(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
	cur, err := store.GetLatestComment(op.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: comment %s", ErrNotFound, op.ID)
		}
		return nil, err
	}
	if cur.Deleted {
		return CommentResult{Comment: cur}, nil
	}
	cur.Deleted = true
	cur.TS = time.Now().UTC().UnixNano()

	th, act, err := commentContext(cur)
	if err != nil {
		return nil, err
	}
	if err := store.PutComment(tx, cur); err != nil {
		return nil, err
	}
	author := op.Extras["identity"]
	if author == "" {
		author = cur.Author
	}
	ev, err := store.AppendEvent(tx, models.EventCommentDeleted, models.CommentDeletedPayload{
		CommentID:  cur.ID,
		ThreadID:   cur.ThreadID,
		ActivityID: cur.ActivityID,
	}, author)
	if err != nil {
		return nil, err
	}
	if err := inbox.Project(tx, ev, th, act); err != nil {
		return nil, err
	}
	telemetry.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return CommentResult{Comment: cur, EventID: ev.ID}, nil
}

// ReadMarkHandler advances a user's read pointer on one inbox row. No
// event is appended: acknowledging is a property of the viewer, not of the
// domain history.
func ReadMarkHandler(ctx context.Context, op *Op, tx *store.Tx) (any, error) {
	var req struct {
		EventID    uint64 `json:"event_id"`
		ActivityID string `json:"activity_id"`
	}
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid read-mark json: %w", err)
		}
	}
	item, err := store.GetInboxItem(op.User, op.Thread, req.ActivityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: inbox item user=%s thread=%s activity=%q",
				ErrNotFound, op.User, op.Thread, req.ActivityID)
		}
		return nil, err
	}
	target := req.EventID
	if target == 0 {
		target = item.LastNotifiableEventID
	}
	// the read pointer only moves forward
	if target > item.LastReadEventID {
		item.LastReadEventID = target
	}
	if err := store.UpsertInboxItem(tx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// loadLiveComment fetches the latest comment version and rejects
// tombstones.
func loadLiveComment(commentID string) (models.Comment, error) {
	cur, err := store.GetLatestComment(commentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Comment{}, fmt.Errorf("%w: comment %s", ErrNotFound, commentID)
		}
		return models.Comment{}, err
	}
	if cur.Deleted {
		return models.Comment{}, fmt.Errorf("%w: comment %s is deleted", ErrNotFound, commentID)
	}
	return cur, nil
}

// commentContext resolves the thread and activity a comment event needs
// for projection. A missing activity is passed through as nil so the
// projector raises its own internal-consistency error.
func commentContext(c models.Comment) (models.Thread, *models.Activity, error) {
	th, err := store.GetThread(c.ThreadID)
	if err != nil {
		return models.Thread{}, nil, fmt.Errorf("thread %s for comment %s: %w", c.ThreadID, c.ID, err)
	}
	act, err := store.FindActivity(c.ThreadID, c.ActivityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.Thread{}, nil, err
	}
	return th, act, nil
}
