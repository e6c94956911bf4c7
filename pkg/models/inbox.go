package models

import "encoding/json"

// RenderKind tags the render payload of an inbox item.
type RenderKind string

const (
	// RenderNewThread marks an item created by a thread_created event.
	RenderNewThread RenderKind = "new_thread"
	// RenderComments marks an item whose visible list holds live comments.
	RenderComments RenderKind = "comments"
)

// RenderItem is one visible sub-item of an inbox row, derived from a
// comment event. It is denormalized so the UI can paint without re-joining
// the event log.
type RenderItem struct {
	CommentID string          `json:"comment_id"`
	Author    string          `json:"author,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	EventID   uint64          `json:"event_id"`
	Edited    bool            `json:"edited,omitempty"`
}

// Render is the denormalized display payload of an inbox item.
type Render struct {
	Kind   RenderKind   `json:"kind"`
	Author string       `json:"author,omitempty"` // author of the originating event
	Items  []RenderItem `json:"items,omitempty"`
}

// InboxItem is the per-user materialized view row. Exactly one row exists
// per (user, thread, activity?) identity; a row with empty ActivityID is the
// thread-level item and is a distinct identity, not a wildcard.
type InboxItem struct {
	UserID     string `json:"user_id"`
	ThreadID   string `json:"thread_id"`
	ActivityID string `json:"activity_id,omitempty"`

	// LastReadEventID is the highest event id the user acknowledged; zero
	// means never read. It is only ever advanced by an explicit mark-read.
	LastReadEventID uint64 `json:"last_read_event_id,omitempty"`
	// LastNotifiableEventID is the highest event id that currently makes
	// this row unread-worthy; zero means nothing notifiable.
	LastNotifiableEventID uint64 `json:"last_notifiable_event_id,omitempty"`

	Render    Render `json:"render"`
	CreatedTS int64  `json:"created_ts,omitempty"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
}

// Unread reports whether the row should surface as unread.
func (it *InboxItem) Unread() bool {
	return it.LastNotifiableEventID != 0 && it.LastNotifiableEventID > it.LastReadEventID
}
