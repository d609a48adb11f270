package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-service/internal/domain/coupon"
)

var _ coupon.Store = (*CouponStore)(nil)

const couponColumns = `c.coupon_id, c.description, c.code, c.customer_key, c.valid_from, c.valid_until,
	c.max_usage, c.type, c.value, c.max_amount, c.min_purchase_amount, c.first_purchase, c.active,
	c.budget, c.create_at, c.user_create, c.limit_per_customer, c.delete_at, c.user_delete`

const usageColumns = `
	(SELECT count(*) FROM usage_history u WHERE u.coupon_id = c.coupon_id AND u.status = 'confirmed'),
	(SELECT count(*) FROM usage_history u WHERE u.coupon_id = c.coupon_id AND u.status = 'reserved'),
	(SELECT COALESCE(sum(u.discount_amount), 0) FROM usage_history u WHERE u.coupon_id = c.coupon_id)`

// CouponStore implements coupon.Store backed by PostgreSQL.
type CouponStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewCouponStore returns a CouponStore that uses the given pool, or the
// transaction carried by the context.
func NewCouponStore(pool *pgxpool.Pool) *CouponStore {
	return &CouponStore{pool: pool, now: time.Now}
}

// FindValid returns the active coupon valid at l.At. Customer specific
// coupons win over global ones, then the one expiring first.
func (s *CouponStore) FindValid(ctx context.Context, l coupon.Lookup) (*coupon.Coupon, error) {
	query := `SELECT ` + couponColumns + `, 0, 0, 0::numeric
		FROM coupon c
		WHERE c.code = $1
			AND c.active
			AND c.delete_at IS NULL
			AND c.valid_from <= $2 AND c.valid_until >= $2
			AND (c.customer_key IS NULL OR c.customer_key = $3)
		ORDER BY c.customer_key NULLS LAST, c.valid_until
		LIMIT 1`
	if l.Lock {
		query += ` FOR UPDATE`
	}

	c, err := scanCoupon(conn(ctx, s.pool).QueryRow(ctx, query, coupon.NormalizeCode(l.Code), l.At, l.CustomerKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding valid coupon %q: %w", l.Code, err)
	}
	return c, nil
}

// FindByID returns the coupon, including soft deleted ones, with its usage.
func (s *CouponStore) FindByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	query := `SELECT ` + couponColumns + `,` + usageColumns + `
		FROM coupon c
		WHERE c.coupon_id = $1`

	c, err := scanCoupon(conn(ctx, s.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon %q: %w", id, err)
	}
	return c, nil
}

// Lock selects the coupon FOR UPDATE and then reads its usage in a separate
// statement. Under read committed a statement that waited for the lock still
// sees its original snapshot, so usage read in the same statement could miss
// a reservation committed while it waited.
func (s *CouponStore) Lock(ctx context.Context, id string) (*coupon.Coupon, error) {
	const query = `SELECT ` + couponColumns + `, 0, 0, 0::numeric
		FROM coupon c
		WHERE c.coupon_id = $1
		FOR UPDATE`

	q := conn(ctx, s.pool)
	c, err := scanCoupon(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("locking coupon %q: %w", id, err)
	}
	if c.Usage, err = usageSummary(ctx, q, id); err != nil {
		return nil, err
	}
	return c, nil
}

// HasOverlappingDuplicate reports whether another active, non deleted coupon
// with the same code and customer scope intersects the window.
func (s *CouponStore) HasOverlappingDuplicate(ctx context.Context, q coupon.DuplicateQuery) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM coupon c
		WHERE c.code = $1
			AND c.active
			AND c.delete_at IS NULL
			AND c.coupon_id <> $2
			AND (c.customer_key IS NULL OR c.customer_key = $3)
			AND c.valid_from <= $5
			AND c.valid_until >= $4
	)`

	var exists bool
	err := conn(ctx, s.pool).QueryRow(ctx, query, q.Code, q.ExcludeID, q.CustomerKey, q.ValidFrom, q.ValidUntil).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking duplicate coupon %q: %w", q.Code, err)
	}
	return exists, nil
}

// Create inserts the coupon and assigns its id.
func (s *CouponStore) Create(ctx context.Context, c *coupon.Coupon) error {
	const query = `INSERT INTO coupon (
		coupon_id, description, code, customer_key, valid_from, valid_until, max_usage, type, value,
		max_amount, min_purchase_amount, first_purchase, active, budget, create_at, user_create,
		limit_per_customer
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	id := NewID(s.now())
	_, err := conn(ctx, s.pool).Exec(ctx, query,
		id, c.Description, c.Code, c.CustomerKey, c.ValidFrom, c.ValidUntil, c.MaxUsage,
		string(c.Type), c.Value, c.MaxAmount, c.MinPurchaseAmount, c.FirstPurchase, c.Active,
		c.Budget, c.CreatedAt, c.CreatedBy, c.LimitPerCustomer,
	)
	if err != nil {
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	c.ID = id
	return nil
}

// Update overwrites the editable attributes of the coupon.
func (s *CouponStore) Update(ctx context.Context, c *coupon.Coupon) error {
	const query = `UPDATE coupon SET
		description = $2, code = $3, customer_key = $4, valid_from = $5, valid_until = $6,
		max_usage = $7, type = $8, value = $9, max_amount = $10, min_purchase_amount = $11,
		first_purchase = $12, budget = $13, limit_per_customer = $14
	WHERE coupon_id = $1`

	tag, err := conn(ctx, s.pool).Exec(ctx, query,
		c.ID, c.Description, c.Code, c.CustomerKey, c.ValidFrom, c.ValidUntil,
		c.MaxUsage, string(c.Type), c.Value, c.MaxAmount, c.MinPurchaseAmount,
		c.FirstPurchase, c.Budget, c.LimitPerCustomer,
	)
	if err != nil {
		return fmt.Errorf("updating coupon %q: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

func (s *CouponStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := conn(ctx, s.pool).Exec(ctx, `UPDATE coupon SET active = $2 WHERE coupon_id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("setting coupon %q active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

func (s *CouponStore) SoftDelete(ctx context.Context, id string, at time.Time, by string) error {
	const query = `UPDATE coupon SET active = FALSE, delete_at = $2, user_delete = $3 WHERE coupon_id = $1`

	tag, err := conn(ctx, s.pool).Exec(ctx, query, id, at, by)
	if err != nil {
		return fmt.Errorf("deleting coupon %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// ListWindow returns one page of one listing bucket.
func (s *CouponStore) ListWindow(ctx context.Context, q coupon.WindowQuery) ([]*coupon.Coupon, error) {
	where, args := filterClause(q.Filter)

	args = append(args, q.Cutoff)
	order := "ASC"
	if q.Bucket == coupon.BucketExpired {
		where += fmt.Sprintf(" AND c.valid_until < $%d", len(args))
		order = "DESC"
	} else {
		where += fmt.Sprintf(" AND c.valid_until >= $%d", len(args))
	}

	args = append(args, q.Limit, q.Offset)
	query := fmt.Sprintf(`SELECT %s, %s
		FROM coupon c
		WHERE %s
		ORDER BY c.valid_until %s, c.coupon_id
		LIMIT $%d OFFSET $%d`,
		couponColumns, usageColumns, where, order, len(args)-1, len(args))

	rows, err := conn(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	coupons, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*coupon.Coupon, error) {
		return scanCoupon(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning coupons: %w", err)
	}
	return coupons, nil
}

// Count returns the number of non deleted coupons matching f.
func (s *CouponStore) Count(ctx context.Context, f coupon.Filter) (int, error) {
	where, args := filterClause(f)

	var n int
	if err := conn(ctx, s.pool).QueryRow(ctx, `SELECT count(*) FROM coupon c WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting coupons: %w", err)
	}
	return n, nil
}

func filterClause(f coupon.Filter) (string, []any) {
	var (
		conds = []string{"c.delete_at IS NULL"}
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Active != nil {
		add("c.active = $%d", *f.Active)
	}
	if f.ValidFrom != nil {
		add("c.valid_from >= $%d", *f.ValidFrom)
	}
	if f.ValidUntil != nil {
		add("c.valid_until <= $%d", *f.ValidUntil)
	}
	if f.Description != "" {
		add("c.description = $%d", f.Description)
	}
	if f.Code != "" {
		add("c.code = $%d", coupon.NormalizeCode(f.Code))
	}
	return strings.Join(conds, " AND "), args
}

func scanCoupon(row pgx.Row) (*coupon.Coupon, error) {
	var (
		c           coupon.Coupon
		description *string
		typ         string
		createdBy   *string
		deletedBy   *string
	)
	err := row.Scan(
		&c.ID, &description, &c.Code, &c.CustomerKey, &c.ValidFrom, &c.ValidUntil,
		&c.MaxUsage, &typ, &c.Value, &c.MaxAmount, &c.MinPurchaseAmount, &c.FirstPurchase, &c.Active,
		&c.Budget, &c.CreatedAt, &createdBy, &c.LimitPerCustomer, &c.DeletedAt, &deletedBy,
		&c.Usage.Confirmed, &c.Usage.Reserved, &c.Usage.Accumulated,
	)
	if err != nil {
		return nil, err
	}
	c.Type = coupon.DiscountType(typ)
	c.Description = deref(description)
	c.CreatedBy = deref(createdBy)
	c.DeletedBy = deref(deletedBy)
	return &c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
