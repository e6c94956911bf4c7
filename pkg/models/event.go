package models

import (
	"encoding/json"
	"fmt"
)

// EventType tags an event payload. The payload of every stored event is a
// JSON encoding of the variant struct matching its type.
type EventType string

const (
	EventCommentCreated EventType = "comment_created"
	EventCommentEdited  EventType = "comment_edited"
	EventCommentDeleted EventType = "comment_deleted"
	EventThreadCreated  EventType = "thread_created"
)

// Known reports whether t is one of the recognized event types.
func (t EventType) Known() bool {
	switch t {
	case EventCommentCreated, EventCommentEdited, EventCommentDeleted, EventThreadCreated:
		return true
	}
	return false
}

// Event is one immutable entry in the append-only domain log. ID is assigned
// at insertion and is strictly increasing; it doubles as the causal ordering
// key and as the pointer value stored in inbox items.
type Event struct {
	ID      uint64          `json:"id"`
	TS      int64           `json:"ts"`
	Author  string          `json:"author,omitempty"` // empty = system-authored
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ThreadCreatedPayload is the payload for thread_created events.
type ThreadCreatedPayload struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title,omitempty"`
}

// CommentCreatedPayload carries a full snapshot of the new comment.
type CommentCreatedPayload struct {
	Comment Comment `json:"comment"`
}

// CommentEditedPayload carries the post-edit snapshot of the comment.
type CommentEditedPayload struct {
	Comment Comment `json:"comment"`
}

// CommentDeletedPayload identifies the deleted comment.
type CommentDeletedPayload struct {
	CommentID  string `json:"comment_id"`
	ThreadID   string `json:"thread_id"`
	ActivityID string `json:"activity_id,omitempty"`
}

// DecodePayload unmarshals the event payload into its tagged variant.
func (e *Event) DecodePayload() (any, error) {
	switch e.Type {
	case EventThreadCreated:
		var p ThreadCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode thread_created payload: %w", err)
		}
		return p, nil
	case EventCommentCreated:
		var p CommentCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode comment_created payload: %w", err)
		}
		return p, nil
	case EventCommentEdited:
		var p CommentEditedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode comment_edited payload: %w", err)
		}
		return p, nil
	case EventCommentDeleted:
		var p CommentDeletedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode comment_deleted payload: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown event type: %s", e.Type)
}

// CommentSnapshot extracts the comment carried by a created/edited event.
func (e *Event) CommentSnapshot() (Comment, error) {
	switch e.Type {
	case EventCommentCreated:
		var p CommentCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return Comment{}, fmt.Errorf("decode comment payload: %w", err)
		}
		return p.Comment, nil
	case EventCommentEdited:
		var p CommentEditedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return Comment{}, fmt.Errorf("decode comment payload: %w", err)
		}
		return p.Comment, nil
	}
	return Comment{}, fmt.Errorf("event type %s carries no comment", e.Type)
}
