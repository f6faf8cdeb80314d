package store

import (
	"fmt"
	"time"
)

// Record is one row of a remote table. IDs are assigned by the store
// on creation; Fields carries the column values as loosely typed JSON.
type Record struct {
	ID          string         `json:"id"`
	CreatedTime time.Time      `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

// Error is the typed failure for any non-2xx store response.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("record store: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is worth a second attempt.
func (e *Error) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}
