package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inboxdb/pkg/models"
)

// PutComment stages a comment version into tx: the thread-ordered entry,
// the version-history entry, and the latest pointer. Edits and tombstones
// go through the same path so history is never lost.
func PutComment(tx *Tx, c models.Comment) error {
	if c.ID == "" {
		return fmt.Errorf("missing comment id")
	}
	if c.ThreadID == "" {
		return fmt.Errorf("missing thread id for comment %s", c.ID)
	}
	if c.TS == 0 {
		c.TS = time.Now().UTC().UnixNano()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	s := nextSeq()
	tx.Set(commentKey(c.ThreadID, c.TS, s), b)
	tx.Set(commentVersionKey(c.ID, c.TS, s), b)
	tx.Set(latestCommentKey(c.ID), b)
	return nil
}

// GetLatestComment returns the latest version of a comment by id.
func GetLatestComment(commentID string) (models.Comment, error) {
	v, err := get(latestCommentKey(commentID))
	if err != nil {
		return models.Comment{}, err
	}
	var c models.Comment
	if err := json.Unmarshal(v, &c); err != nil {
		return models.Comment{}, fmt.Errorf("invalid comment JSON: %w", err)
	}
	return c, nil
}

// ListCommentVersions returns every stored version of a comment in
// chronological order.
func ListCommentVersions(commentID string) ([]models.Comment, error) {
	var out []models.Comment
	err := scanPrefix("version:comment:"+commentID+":", func(_ string, v []byte) bool {
		var c models.Comment
		if err := json.Unmarshal(v, &c); err == nil {
			out = append(out, c)
		}
		return true
	})
	return out, err
}

// CommentVersionKeys returns the raw version-history keys for a comment.
// Used by the retention sweeper.
func CommentVersionKeys(commentID string) ([]string, error) {
	var out []string
	err := scanPrefix("version:comment:"+commentID+":", func(k string, _ []byte) bool {
		out = append(out, k)
		return true
	})
	return out, err
}

// ListThreadComments returns the latest version of each comment in a
// thread, in thread insertion order. Tombstoned comments are included when
// includeDeleted is set.
func ListThreadComments(threadID string, includeDeleted bool) ([]models.Comment, error) {
	seen := map[string]int{}
	var out []models.Comment
	err := scanPrefix("thread:"+threadID+":comment:", func(_ string, v []byte) bool {
		var c models.Comment
		if err := json.Unmarshal(v, &c); err != nil {
			return true
		}
		// later versions overwrite earlier positions
		if idx, ok := seen[c.ID]; ok {
			out[idx] = c
			return true
		}
		seen[c.ID] = len(out)
		out = append(out, c)
		return true
	})
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return out, nil
	}
	live := out[:0]
	for _, c := range out {
		if !c.Deleted {
			live = append(live, c)
		}
	}
	return live, nil
}

// DeletedCommentIDs scans latest pointers for tombstoned comments older
// than cutoff (ns). Used by the retention sweeper.
func DeletedCommentIDs(cutoff int64) ([]string, error) {
	var out []string
	err := scanPrefix("latest:comment:", func(k string, v []byte) bool {
		var c models.Comment
		if err := json.Unmarshal(v, &c); err != nil {
			return true
		}
		if c.Deleted && c.TS < cutoff {
			out = append(out, strings.TrimPrefix(k, "latest:comment:"))
		}
		return true
	})
	return out, err
}

// DeleteKeys removes raw keys outside a batch. Retention-only helper.
func DeleteKeys(keys []string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	tx, err := NewTx()
	if err != nil {
		return err
	}
	for _, k := range keys {
		tx.Delete(k)
	}
	return tx.Commit(true)
}
