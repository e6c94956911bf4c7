package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"inboxdb/pkg/models"
)

// PutThread stages thread metadata into tx.
func PutThread(tx *Tx, th models.Thread) error {
	b, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}
	tx.Set(threadKey(th.ID), b)
	return nil
}

// SaveThread writes thread metadata outside a batch (admin/test helper).
func SaveThread(th models.Thread) error {
	b, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}
	return set(threadKey(th.ID), b)
}

// GetThread returns the stored thread for the given id.
func GetThread(threadID string) (models.Thread, error) {
	v, err := get(threadKey(threadID))
	if err != nil {
		return models.Thread{}, err
	}
	var th models.Thread
	if err := json.Unmarshal(v, &th); err != nil {
		return models.Thread{}, fmt.Errorf("invalid thread JSON: %w", err)
	}
	return th, nil
}

// ListThreads returns all thread metadata rows.
func ListThreads() ([]models.Thread, error) {
	var out []models.Thread
	err := scanPrefix("thread:", func(k string, v []byte) bool {
		if !strings.HasSuffix(k, ":meta") {
			return true
		}
		var th models.Thread
		if err := json.Unmarshal(v, &th); err == nil {
			out = append(out, th)
		}
		return true
	})
	return out, err
}

// SaveUser registers a user.
func SaveUser(u models.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return set(userKey(u.ID), b)
}

// GetUser returns one registered user.
func GetUser(userID string) (models.User, error) {
	v, err := get(userKey(userID))
	if err != nil {
		return models.User{}, err
	}
	var u models.User
	if err := json.Unmarshal(v, &u); err != nil {
		return models.User{}, fmt.Errorf("invalid user JSON: %w", err)
	}
	return u, nil
}

// ListUsers returns all registered users.
func ListUsers() ([]models.User, error) {
	var out []models.User
	err := scanPrefix("user:", func(_ string, v []byte) bool {
		var u models.User
		if err := json.Unmarshal(v, &u); err == nil {
			out = append(out, u)
		}
		return true
	})
	return out, err
}
