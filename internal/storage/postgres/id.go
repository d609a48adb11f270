package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns "<unix-epoch-seconds>-<uuid>", the same format as the
// custom_id() column default.
func NewID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.Unix(), uuid.New())
}
