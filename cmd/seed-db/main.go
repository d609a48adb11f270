// Command seed-db creates the demo coupons used in local development.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/storage/postgres"
)

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, lg, databaseURL); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string) error {
	lg.Info("Connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	manager := coupon.NewManager(
		postgres.NewCouponStore(pool),
		postgres.NewTxManager(pool, pgx.ReadCommitted),
		coupon.Settings{ServiceName: "seed-db"},
	)
	for _, in := range demoCoupons(time.Now().UTC()) {
		c, err := manager.Create(ctx, in)
		switch {
		case errors.Is(err, coupon.ErrDuplicateCouponName):
			lg.Info("Coupon already seeded", zap.String("code", in.Code))
		case err != nil:
			return errors.Wrapf(err, "create coupon %s", in.Code)
		default:
			lg.Info("Seeded coupon", zap.String("code", c.Code), zap.String("coupon_id", c.ID))
		}
	}
	return nil
}

func demoCoupons(now time.Time) []coupon.Input {
	var (
		from        = now.Truncate(24 * time.Hour)
		until       = from.AddDate(0, 3, 0)
		cap20       = decimal.NewFromInt(20)
		minPurchase = decimal.NewFromInt(50)
		budget      = decimal.NewFromInt(1000)
		maxUsage    = 100
		once        = 1
		customer    = "demo-customer"
	)
	return []coupon.Input{
		{
			Description: "Welcome: 10% off up to 20",
			Code:        "WELCOME10",
			ValidFrom:   from,
			ValidUntil:  until,
			Type:        coupon.DiscountPercent,
			Value:       decimal.NewFromInt(10),
			MaxAmount:   &cap20,
			CreatedBy:   "seed-db",
		},
		{
			Description:       "15 off orders from 50, first purchase only",
			Code:              "FIRST15",
			ValidFrom:         from,
			ValidUntil:        until,
			Type:              coupon.DiscountNominal,
			Value:             decimal.NewFromInt(15),
			MinPurchaseAmount: &minPurchase,
			FirstPurchase:     true,
			LimitPerCustomer:  &once,
			CreatedBy:         "seed-db",
		},
		{
			Description: "Limited campaign with a budget",
			Code:        "FLASH25",
			ValidFrom:   from,
			ValidUntil:  from.AddDate(0, 0, 7),
			MaxUsage:    &maxUsage,
			Type:        coupon.DiscountPercent,
			Value:       decimal.NewFromInt(25),
			Budget:      &budget,
			CreatedBy:   "seed-db",
		},
		{
			Description: "Customer specific 5 off",
			Code:        "VIP5",
			CustomerKey: &customer,
			ValidFrom:   from,
			ValidUntil:  until,
			Type:        coupon.DiscountNominal,
			Value:       decimal.NewFromInt(5),
			CreatedBy:   "seed-db",
		},
	}
}
