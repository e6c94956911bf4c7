package utils

import (
	"strings"

	"github.com/google/uuid"
)

// ID generators. Every entity carries a short type prefix so raw keys and
// log lines stay greppable.

func genID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenThreadID returns a new thread id.
func GenThreadID() string { return genID("th") }

// GenCommentID returns a new comment id.
func GenCommentID() string { return genID("cm") }

// GenRunID returns a new run id.
func GenRunID() string { return genID("run") }

// GenActivityID returns a new activity id.
func GenActivityID() string { return genID("act") }

// GenRequestID returns a new request id for HTTP tracing.
func GenRequestID() string { return genID("req") }
