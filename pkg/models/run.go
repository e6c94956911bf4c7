package models

import "encoding/json"

// RunState is the lifecycle state of a run. There is no transition out of
// a terminal state; new work on a thread requires a fresh run.
type RunState string

const (
	RunInProgress RunState = "in_progress"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// FailReason is the stable shape a failed run exposes so the UI can render
// a human-readable message regardless of what went wrong.
type FailReason struct {
	Kind    string          `json:"kind"` // cancelled | validation | protocol | agent_error
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

const (
	FailKindCancelled  = "cancelled"
	FailKindValidation = "validation"
	FailKindProtocol   = "protocol"
	FailKindAgentError = "agent_error"
)

// CancelledByUser is the fixed reason a user-initiated cancel records.
var CancelledByUser = FailReason{Kind: FailKindCancelled, Message: "cancelled by user"}

// Run is one execution of agent work attached to a thread.
type Run struct {
	ID         string      `json:"id"`
	ThreadID   string      `json:"thread"`
	State      RunState    `json:"state"`
	FailReason *FailReason `json:"fail_reason,omitempty"`
	// ManifestVersion is resolved from the first streamed item.
	ManifestVersion string `json:"manifest_version,omitempty"`
	CreatedTS       int64  `json:"created_ts"`
	FinishedTS      int64  `json:"finished_ts,omitempty"`
}

// Activity is one immutable message/turn within a run. Content is opaque
// JSON validated against the schema the (type, role) pair maps to.
type Activity struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run,omitempty"`
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	TS      int64           `json:"ts"`
}
