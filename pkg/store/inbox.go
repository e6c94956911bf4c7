package store

import (
	"encoding/json"
	"fmt"
	"time"

	"inboxdb/pkg/models"
)

// UpsertInboxItem stages an inbox row into tx, keyed by its null-aware
// identity. The write overwrites updated_ts, the notifiable pointer and the
// render payload wholesale; the projector computed them from scratch.
func UpsertInboxItem(tx *Tx, item models.InboxItem) error {
	if item.UserID == "" || item.ThreadID == "" {
		return fmt.Errorf("inbox item missing identity: user=%q thread=%q", item.UserID, item.ThreadID)
	}
	item.UpdatedTS = time.Now().UTC().UnixNano()
	if item.CreatedTS == 0 {
		item.CreatedTS = item.UpdatedTS
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal inbox item: %w", err)
	}
	tx.Set(InboxKey(item.UserID, item.ThreadID, item.ActivityID), b)
	return nil
}

// SaveInboxItem writes an inbox row outside a batch (mark-read path).
func SaveInboxItem(item models.InboxItem) error {
	tx, err := NewTx()
	if err != nil {
		return err
	}
	if err := UpsertInboxItem(tx, item); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(true)
}

// FindInboxItems returns every stored row claiming the (user, thread,
// activity?) identity. With the null-aware key layout at most one row can
// exist per identity; a scan that surfaces more than one means the
// uniqueness invariant was violated by a bug, and the caller treats it as
// an internal-consistency failure rather than picking a winner.
func FindInboxItems(userID, threadID, activityID string) ([]models.InboxItem, error) {
	var out []models.InboxItem
	err := scanPrefix("inbox:"+userID+":", func(_ string, v []byte) bool {
		var it models.InboxItem
		if err := json.Unmarshal(v, &it); err != nil {
			return true
		}
		if activityID != "" {
			if it.ActivityID == activityID {
				out = append(out, it)
			}
			return true
		}
		if it.ActivityID == "" && it.ThreadID == threadID {
			out = append(out, it)
		}
		return true
	})
	return out, err
}

// GetInboxItem returns the single row for an identity, or ErrNotFound.
func GetInboxItem(userID, threadID, activityID string) (models.InboxItem, error) {
	v, err := get(InboxKey(userID, threadID, activityID))
	if err != nil {
		return models.InboxItem{}, err
	}
	var it models.InboxItem
	if err := json.Unmarshal(v, &it); err != nil {
		return models.InboxItem{}, fmt.Errorf("invalid inbox item JSON: %w", err)
	}
	return it, nil
}

// ListUserInbox returns every inbox row for a user.
func ListUserInbox(userID string) ([]models.InboxItem, error) {
	var out []models.InboxItem
	err := scanPrefix("inbox:"+userID+":", func(_ string, v []byte) bool {
		var it models.InboxItem
		if err := json.Unmarshal(v, &it); err == nil {
			out = append(out, it)
		}
		return true
	})
	return out, err
}
