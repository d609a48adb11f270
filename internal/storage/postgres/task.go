package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-service/internal/domain/bulk"
	"github.com/xenking/coupon-service/internal/domain/coupon"
)

var _ bulk.TaskRepository = (*TaskRepository)(nil)

// TaskRepository implements bulk.TaskRepository on the task table.
type TaskRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewTaskRepository returns a TaskRepository that uses the given pool.
func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool, now: time.Now}
}

func (r *TaskRepository) Create(ctx context.Context, t *bulk.Task) error {
	const query = `INSERT INTO task (id, status, result, data, created_at, updated_at)
		VALUES ($1, $2::taskstatus, $3, $4::jsonb, $5, $5)`

	id := NewID(r.now())
	if _, err := conn(ctx, r.pool).Exec(ctx, query, id, string(t.Status), t.Result, string(t.Data), t.CreatedAt); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	t.ID = id
	return nil
}

func (r *TaskRepository) SetStatus(ctx context.Context, id string, status bulk.Status, result string) error {
	const query = `UPDATE task SET status = $2::taskstatus, result = $3, updated_at = $4 WHERE id = $1`

	tag, err := conn(ctx, r.pool).Exec(ctx, query, id, string(status), result, r.now())
	if err != nil {
		return fmt.Errorf("updating task %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*bulk.Task, error) {
	const query = `SELECT id, status::text, COALESCE(result, ''), COALESCE(data::text, '{}'), created_at, updated_at
		FROM task WHERE id = $1`

	var (
		t      bulk.Task
		status string
		data   string
	)
	err := conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(&t.ID, &status, &t.Result, &data, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrTaskNotFound
		}
		return nil, fmt.Errorf("finding task %q: %w", id, err)
	}
	t.Status = bulk.Status(status)
	t.Data = []byte(data)
	return &t, nil
}
