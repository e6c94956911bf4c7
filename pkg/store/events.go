package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"inboxdb/pkg/models"
)

// eventSeq holds the id of the most recently assigned event. Assignment is
// atomic; persistence happens through the caller's Tx, so a failed commit
// leaves a gap in the sequence, never a duplicate.
var eventSeq uint64

// recoverEventSeq initializes eventSeq from the highest stored event key.
func recoverEventSeq() error {
	k, _, err := lastUnderPrefix("event:")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			atomic.StoreUint64(&eventSeq, 0)
			return nil
		}
		return err
	}
	raw := strings.TrimPrefix(k, "event:")
	id, perr := strconv.ParseUint(raw, 10, 64)
	if perr != nil {
		return fmt.Errorf("malformed event key %q: %w", k, perr)
	}
	atomic.StoreUint64(&eventSeq, id)
	return nil
}

// AppendEvent assigns the next event id and stages the event into tx. The
// event only becomes durable when the enclosing batch commits, together
// with whatever domain state it describes.
func AppendEvent(tx *Tx, typ models.EventType, payload any, author string) (models.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	ev := models.Event{
		ID:      atomic.AddUint64(&eventSeq, 1),
		TS:      time.Now().UTC().UnixNano(),
		Author:  author,
		Type:    typ,
		Payload: raw,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	tx.Set(eventKey(ev.ID), b)
	return ev, nil
}

// GetEvent reads one event by id.
func GetEvent(id uint64) (models.Event, error) {
	v, err := get(eventKey(id))
	if err != nil {
		return models.Event{}, err
	}
	var ev models.Event
	if err := json.Unmarshal(v, &ev); err != nil {
		return models.Event{}, fmt.Errorf("invalid event JSON at id %d: %w", id, err)
	}
	return ev, nil
}

// LatestEvent returns the highest-id event, or nil when the log is empty.
// This exists for diagnostics and tests; the projector always receives its
// event directly from the appending mutation.
func LatestEvent() (*models.Event, error) {
	_, v, err := lastUnderPrefix("event:")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ev models.Event
	if err := json.Unmarshal(v, &ev); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}
	return &ev, nil
}

// ListEvents returns all events from id `after` (exclusive) upward, capped
// at limit when limit > 0.
func ListEvents(after uint64, limit int) ([]models.Event, error) {
	var out []models.Event
	err := scanPrefix("event:", func(_ string, v []byte) bool {
		var ev models.Event
		if err := json.Unmarshal(v, &ev); err != nil {
			return true
		}
		if ev.ID <= after {
			return true
		}
		out = append(out, ev)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}
