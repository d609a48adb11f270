package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-service/internal/domain/coupon"
)

var _ coupon.TxManager = (*TxManager)(nil)

type txKey struct{}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn returns the transaction carried by ctx, or the pool.
func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// TxManager runs callbacks in a pgx transaction carried by the context.
type TxManager struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

// NewTxManager returns a TxManager that begins transactions at the given
// isolation level.
func NewTxManager(pool *pgxpool.Pool, iso pgx.TxIsoLevel) *TxManager {
	return &TxManager{pool: pool, opts: pgx.TxOptions{IsoLevel: iso}}
}

// InTx commits when fn returns nil and rolls back otherwise. A nested call
// joins the outer transaction.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginTxFunc(ctx, m.pool, m.opts, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// ParseIsoLevel parses an isolation level name such as "read committed".
func ParseIsoLevel(s string) (pgx.TxIsoLevel, error) {
	switch lvl := pgx.TxIsoLevel(strings.ToLower(strings.TrimSpace(s))); lvl {
	case "":
		return pgx.ReadCommitted, nil
	case pgx.ReadCommitted, pgx.RepeatableRead, pgx.Serializable:
		return lvl, nil
	default:
		return "", fmt.Errorf("unsupported isolation level %q", s)
	}
}
