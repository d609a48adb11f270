// Package bulk creates per-customer coupons from a customer list or an
// uploaded CSV file in the background.
package bulk

import (
	"context"
	"io"
	"time"
)

// Status is the state of a bulk creation task.
type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task tracks one bulk creation request.
type Task struct {
	ID     string
	Status Status
	// Result is a short summary, e.g. "created=10 failed=2".
	Result string
	// Data is the JSON encoded request: coupon template, file key and key count.
	Data      []byte
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// TaskRepository persists tasks.
type TaskRepository interface {
	// Create assigns t.ID.
	Create(ctx context.Context, t *Task) error
	SetStatus(ctx context.Context, id string, status Status, result string) error
	// Get returns coupon.ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, id string) (*Task, error)
}

// BlobStorage stores uploaded source files.
type BlobStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}
