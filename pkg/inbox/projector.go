// Package inbox derives per-user inbox rows from the append-only event
// log. Project folds exactly one freshly appended event into the
// materialized view, inside the same write batch that appended it, so the
// event and its derived rows commit together or not at all.
package inbox

import (
	"errors"
	"fmt"

	"inboxdb/pkg/logger"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/telemetry"
)

// Internal-consistency failures. Each one means an invariant was violated
// by a bug elsewhere; the caller must let them abort the enclosing batch.
// Swallowing any of them would let corrupted inbox state persist.
var (
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrMissingActivity     = errors.New("comment event without its activity")
	ErrDuplicateInboxItem  = errors.New("duplicate inbox item for identity")
	ErrUnexpectedInboxItem = errors.New("inbox item already exists for new thread")
)

// Project folds ev into the inbox rows of the thread's subscribers and
// stages the changed rows into tx. thread must be the thread the event
// belongs to; activity must be the comment's activity for the three
// comment event types and nil for thread_created.
func Project(tx *store.Tx, ev models.Event, thread models.Thread, activity *models.Activity) error {
	if !ev.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	activityID := ""
	switch ev.Type {
	case models.EventCommentCreated, models.EventCommentEdited, models.EventCommentDeleted:
		if activity == nil {
			return fmt.Errorf("%w: event %d (%s)", ErrMissingActivity, ev.ID, ev.Type)
		}
		activityID = activity.ID
	}

	var changed []models.InboxItem
	for _, userID := range thread.Subscribers {
		if !eventForUser(ev, userID) {
			continue
		}
		existing, err := loadItem(userID, thread.ID, activityID)
		if err != nil {
			return err
		}
		item, ok, err := fold(ev, thread, activityID, userID, existing)
		if err != nil {
			return err
		}
		if !ok {
			telemetry.ProjectionNoops.Inc()
			continue
		}
		changed = append(changed, item)
	}

	for _, item := range changed {
		if err := store.UpsertInboxItem(tx, item); err != nil {
			return err
		}
	}
	telemetry.ProjectionUpserts.Add(float64(len(changed)))
	logger.Debug("event_projected", "event_id", ev.ID, "type", ev.Type, "thread", thread.ID, "rows", len(changed))
	return nil
}

// eventForUser reports whether ev is relevant to userID. An event is never
// relevant to its own author: an actor must not be notified of their own
// action. System-authored events (empty author) reach everyone.
func eventForUser(ev models.Event, userID string) bool {
	return ev.Author == "" || ev.Author != userID
}

// loadItem fetches the at-most-one row for the identity. Finding more than
// one row means the uniqueness invariant is already broken.
func loadItem(userID, threadID, activityID string) (*models.InboxItem, error) {
	items, err := store.FindInboxItems(userID, threadID, activityID)
	if err != nil {
		return nil, err
	}
	switch len(items) {
	case 0:
		return nil, nil
	case 1:
		return &items[0], nil
	}
	return nil, fmt.Errorf("%w: user=%s thread=%s activity=%q (%d rows)",
		ErrDuplicateInboxItem, userID, threadID, activityID, len(items))
}

// fold applies one event to one user's row and returns the new row. ok is
// false when the event is an intentional no-op for this user.
func fold(ev models.Event, thread models.Thread, activityID, userID string, existing *models.InboxItem) (models.InboxItem, bool, error) {
	switch ev.Type {
	case models.EventThreadCreated:
		return foldThreadCreated(ev, thread, userID, existing)
	case models.EventCommentCreated:
		return foldCommentCreated(ev, thread, activityID, userID, existing)
	case models.EventCommentEdited:
		return foldCommentEdited(ev, existing)
	case models.EventCommentDeleted:
		return foldCommentDeleted(ev, existing)
	}
	return models.InboxItem{}, false, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
}

// foldThreadCreated creates the thread-level row. Thread creation fires
// exactly once per thread, so an existing row is a bug, not a conflict to
// merge.
func foldThreadCreated(ev models.Event, thread models.Thread, userID string, existing *models.InboxItem) (models.InboxItem, bool, error) {
	if existing != nil {
		return models.InboxItem{}, false, fmt.Errorf("%w: user=%s thread=%s event=%d",
			ErrUnexpectedInboxItem, userID, thread.ID, ev.ID)
	}
	item := models.InboxItem{
		UserID:                userID,
		ThreadID:              thread.ID,
		LastNotifiableEventID: ev.ID,
		Render: models.Render{
			Kind:   models.RenderNewThread,
			Author: ev.Author,
		},
	}
	return item, true, nil
}

// foldCommentCreated creates or advances the activity-scoped row. When the
// user had already caught up, the fresh comment replaces the visible list
// instead of appending: a new unread comment must not drag a backlog of
// already-seen items back into the "new" bucket. When the user is still
// behind, the comment joins the pending list.
func foldCommentCreated(ev models.Event, thread models.Thread, activityID, userID string, existing *models.InboxItem) (models.InboxItem, bool, error) {
	comment, err := ev.CommentSnapshot()
	if err != nil {
		return models.InboxItem{}, false, err
	}
	entry := renderItem(ev, comment)

	if existing == nil {
		item := models.InboxItem{
			UserID:                userID,
			ThreadID:              thread.ID,
			ActivityID:            activityID,
			LastNotifiableEventID: ev.ID,
			Render: models.Render{
				Kind:   models.RenderComments,
				Author: ev.Author,
				Items:  []models.RenderItem{entry},
			},
		}
		return item, true, nil
	}

	item := *existing
	// read state is judged against the pre-update pointer
	wasRead := item.LastNotifiableEventID <= item.LastReadEventID
	if wasRead {
		item.Render.Items = []models.RenderItem{entry}
	} else {
		item.Render.Items = append(item.Render.Items, entry)
	}
	item.Render.Kind = models.RenderComments
	item.Render.Author = ev.Author
	item.LastNotifiableEventID = ev.ID
	return item, true, nil
}

// foldCommentEdited replaces the edited comment in place. Editing is
// non-notifying: the pointer never moves, so an already-read row stays
// read and a never-notified row is not resurrected. A missing row or a
// comment outside the tracked window is a silent no-op.
func foldCommentEdited(ev models.Event, existing *models.InboxItem) (models.InboxItem, bool, error) {
	if existing == nil {
		return models.InboxItem{}, false, nil
	}
	comment, err := ev.CommentSnapshot()
	if err != nil {
		return models.InboxItem{}, false, err
	}
	item := *existing
	for i := range item.Render.Items {
		if item.Render.Items[i].CommentID != comment.ID {
			continue
		}
		entry := renderItem(ev, comment)
		// the creation event keeps ownership of the pointer value
		entry.EventID = item.Render.Items[i].EventID
		entry.Edited = true
		item.Render.Items[i] = entry
		return item, true, nil
	}
	return models.InboxItem{}, false, nil
}

// foldCommentDeleted removes the comment from the visible list. When the
// removal empties the list the notifiable pointer rolls back to the read
// pointer: if the deleted comment was the only reason the row looked
// unread, it must stop looking unread. LastReadEventID is the user's
// acknowledgement record and is never rewritten here.
func foldCommentDeleted(ev models.Event, existing *models.InboxItem) (models.InboxItem, bool, error) {
	if existing == nil {
		return models.InboxItem{}, false, nil
	}
	var payload models.CommentDeletedPayload
	p, err := ev.DecodePayload()
	if err != nil {
		return models.InboxItem{}, false, err
	}
	payload = p.(models.CommentDeletedPayload)

	item := *existing
	idx := -1
	for i := range item.Render.Items {
		if item.Render.Items[i].CommentID == payload.CommentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.InboxItem{}, false, nil
	}
	item.Render.Items = append(item.Render.Items[:idx:idx], item.Render.Items[idx+1:]...)
	if len(item.Render.Items) == 0 && item.LastReadEventID != 0 {
		item.LastNotifiableEventID = item.LastReadEventID
	}
	return item, true, nil
}

// renderItem derives the denormalized display entry for a comment event.
func renderItem(ev models.Event, c models.Comment) models.RenderItem {
	return models.RenderItem{
		CommentID: c.ID,
		Author:    c.Author,
		Body:      c.Body,
		EventID:   ev.ID,
		Edited:    c.Edited,
	}
}
