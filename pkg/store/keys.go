package store

import "fmt"

// Key layout. Timestamp-prefixed segments use a zero-padded nanosecond
// timestamp plus a process-local sequence so same-instant writes keep a
// stable order.
//
//	event:<id20>                         domain event log (append-only)
//	thread:<tid>:meta                    thread metadata
//	thread:<tid>:comment:<ts20>-<seq6>   comment entries in thread order
//	thread:<tid>:run:<ts20>-<seq6>       run index; highest entry = current run
//	latest:comment:<cid>                 latest comment version
//	version:comment:<cid>:<ts20>-<seq6>  full comment version history
//	run:<rid>:meta                       run row
//	run:<rid>:activity:<ts20>-<seq6>     activities in ingestion order
//	inbox:<uid>:act:<aid>                activity-scoped inbox item
//	inbox:<uid>:thr:<tid>                thread-level inbox item
//	user:<uid>                           registered user

func eventKey(id uint64) string {
	return fmt.Sprintf("event:%020d", id)
}

func threadKey(threadID string) string {
	return "thread:" + threadID + ":meta"
}

func commentKey(threadID string, ts int64, seq uint64) string {
	return fmt.Sprintf("thread:%s:comment:%020d-%06d", threadID, ts, seq)
}

func latestCommentKey(commentID string) string {
	return "latest:comment:" + commentID
}

func commentVersionKey(commentID string, ts int64, seq uint64) string {
	return fmt.Sprintf("version:comment:%s:%020d-%06d", commentID, ts, seq)
}

func runKey(runID string) string {
	return "run:" + runID + ":meta"
}

func threadRunKey(threadID string, ts int64, seq uint64) string {
	return fmt.Sprintf("thread:%s:run:%020d-%06d", threadID, ts, seq)
}

func activityKey(runID string, ts int64, seq uint64) string {
	return fmt.Sprintf("run:%s:activity:%020d-%06d", runID, ts, seq)
}

func userKey(userID string) string {
	return "user:" + userID
}

// InboxKey returns the storage key for the (user, thread, activity?) inbox
// identity. An empty activityID selects the thread-level key shape; the two
// shapes never collide, which is what makes the null activity a distinct
// identity rather than a wildcard.
func InboxKey(userID, threadID, activityID string) string {
	if activityID != "" {
		return "inbox:" + userID + ":act:" + activityID
	}
	return "inbox:" + userID + ":thr:" + threadID
}
