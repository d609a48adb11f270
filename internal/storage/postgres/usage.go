package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-service/internal/domain/coupon"
)

var _ coupon.Ledger = (*UsageLedger)(nil)

// UsageLedger implements coupon.Ledger on the usage_history table.
type UsageLedger struct {
	pool *pgxpool.Pool
}

// NewUsageLedger returns a UsageLedger that uses the given pool, or the
// transaction carried by the context.
func NewUsageLedger(pool *pgxpool.Pool) *UsageLedger {
	return &UsageLedger{pool: pool}
}

// Record inserts a usage record. The unique constraint on
// (transaction_id, coupon_id) maps to coupon.ErrDuplicateTransaction.
func (l *UsageLedger) Record(ctx context.Context, r *coupon.UsageRecord) error {
	const query = `INSERT INTO usage_history (
		id, transaction_id, customer_key, discount_amount, status, coupon_id, created_at
	) VALUES ($1, $2, $3, $4, $5::usagehistorystatus, $6, $7)`

	id := NewID(r.CreatedAt)
	_, err := conn(ctx, l.pool).Exec(ctx, query,
		id, r.TransactionID, r.CustomerKey, r.DiscountAmount, string(r.Status), r.CouponID, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, usageUniqueConstraint) {
			return errors.Wrapf(coupon.ErrDuplicateTransaction, "transaction %q", r.TransactionID)
		}
		return fmt.Errorf("recording usage of %q: %w", r.CouponID, err)
	}
	r.ID = id
	return nil
}

// Find locks the usage record of transactionID on a coupon with the given
// code. The most recent record wins when several coupons share the code.
func (l *UsageLedger) Find(ctx context.Context, code, transactionID string) (*coupon.UsageRecord, error) {
	const query = `SELECT u.id, u.coupon_id, u.transaction_id, u.customer_key, u.discount_amount,
			u.status::text, u.created_at, u.updated_at
		FROM usage_history u
		JOIN coupon c ON c.coupon_id = u.coupon_id
		WHERE c.code = $1 AND u.transaction_id = $2
		ORDER BY u.created_at DESC
		LIMIT 1
		FOR UPDATE OF u`

	var (
		r      coupon.UsageRecord
		status string
	)
	err := conn(ctx, l.pool).QueryRow(ctx, query, coupon.NormalizeCode(code), transactionID).Scan(
		&r.ID, &r.CouponID, &r.TransactionID, &r.CustomerKey, &r.DiscountAmount,
		&status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding usage %q: %w", transactionID, err)
	}
	r.Status = coupon.UsageStatus(status)
	return &r, nil
}

func (l *UsageLedger) Exists(ctx context.Context, couponID, transactionID string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM usage_history WHERE coupon_id = $1 AND transaction_id = $2
	)`

	var exists bool
	if err := conn(ctx, l.pool).QueryRow(ctx, query, couponID, transactionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking usage %q: %w", transactionID, err)
	}
	return exists, nil
}

func (l *UsageLedger) Confirm(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE usage_history SET status = 'confirmed', updated_at = $2 WHERE id = $1`

	tag, err := conn(ctx, l.pool).Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("confirming usage %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

func (l *UsageLedger) Delete(ctx context.Context, id string) error {
	tag, err := conn(ctx, l.pool).Exec(ctx, `DELETE FROM usage_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting usage %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// Summary aggregates the usage of a coupon over both statuses.
func (l *UsageLedger) Summary(ctx context.Context, couponID string) (coupon.Usage, error) {
	return usageSummary(ctx, conn(ctx, l.pool), couponID)
}

func usageSummary(ctx context.Context, q querier, couponID string) (coupon.Usage, error) {
	const query = `SELECT
			count(*) FILTER (WHERE status = 'confirmed'),
			count(*) FILTER (WHERE status = 'reserved'),
			COALESCE(sum(discount_amount), 0)
		FROM usage_history
		WHERE coupon_id = $1`

	var u coupon.Usage
	if err := q.QueryRow(ctx, query, couponID).Scan(&u.Confirmed, &u.Reserved, &u.Accumulated); err != nil {
		return coupon.Usage{}, fmt.Errorf("summarizing usage of %q: %w", couponID, err)
	}
	return u, nil
}

func (l *UsageLedger) CountForCustomer(ctx context.Context, couponID, customerKey string) (int, error) {
	const query = `SELECT count(*) FROM usage_history WHERE coupon_id = $1 AND customer_key = $2`

	var n int
	if err := conn(ctx, l.pool).QueryRow(ctx, query, couponID, customerKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting usage of %q: %w", couponID, err)
	}
	return n, nil
}
