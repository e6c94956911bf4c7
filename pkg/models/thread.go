package models

import "encoding/json"

// Thread is the unit of review work. Subscribers is the explicit recipient
// list used by the inbox projector; it is captured at creation time.
type Thread struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author"`
	// Subscribers are the users whose inboxes follow this thread.
	Subscribers []string `json:"subscribers,omitempty"`
	CreatedTS   int64    `json:"created_ts,omitempty"`
	UpdatedTS   int64    `json:"updated_ts,omitempty"`
}

// Comment is one review comment attached to an activity within a thread.
// Edits and deletes append new versions; Deleted marks a tombstone version.
type Comment struct {
	ID         string          `json:"id"`
	ThreadID   string          `json:"thread"`
	ActivityID string          `json:"activity,omitempty"`
	Author     string          `json:"author,omitempty"`
	TS         int64           `json:"ts"`
	Body       json.RawMessage `json:"body,omitempty"`
	Edited     bool            `json:"edited,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// User is a registered identity. New threads default their subscriber list
// to the set of registered users.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedTS int64  `json:"created_ts,omitempty"`
}
