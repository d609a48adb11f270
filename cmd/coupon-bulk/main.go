// Command coupon-bulk creates one customer coupon per key found in local CSV
// files, optionally gzip compressed, without going through the API.
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
	"golang.org/x/sync/errgroup"

	"github.com/xenking/coupon-service/internal/domain/bulk"
	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/storage/postgres"
)

type options struct {
	databaseURL      string
	description      string
	code             string
	discountType     string
	value            string
	maxAmount        string
	validFrom        string
	validUntil       string
	maxUsage         int
	limitPerCustomer int
	createdBy        string
}

func main() {
	var o options
	flag.StringVar(&o.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&o.description, "description", "", "coupon description")
	flag.StringVar(&o.code, "code", "", "coupon code shared by every customer")
	flag.StringVar(&o.discountType, "type", string(coupon.DiscountPercent), "percent or nominal")
	flag.StringVar(&o.value, "value", "", "discount value")
	flag.StringVar(&o.maxAmount, "max-amount", "", "discount cap for percent coupons")
	flag.StringVar(&o.validFrom, "valid-from", "", "start of the validity window (RFC 3339 or YYYY-MM-DD)")
	flag.StringVar(&o.validUntil, "valid-until", "", "end of the validity window (RFC 3339 or YYYY-MM-DD)")
	flag.IntVar(&o.maxUsage, "max-usage", 0, "usage limit per coupon, 0 for unlimited")
	flag.IntVar(&o.limitPerCustomer, "limit-per-customer", 0, "usage limit per customer, 0 for unlimited")
	flag.StringVar(&o.createdBy, "user-create", "coupon-bulk", "recorded as the creator")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if o.databaseURL == "" {
		o.databaseURL = os.Getenv("DATABASE_URL")
	}
	if o.databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}
	if flag.NArg() == 0 {
		lg.Fatal("at least one customer keys file is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, lg, o, flag.Args()); err != nil {
		lg.Fatal("Bulk creation failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, o options, files []string) error {
	tmpl, err := o.template()
	if err != nil {
		return err
	}

	keys, err := readKeys(ctx, lg, files)
	if err != nil {
		return errors.Wrap(err, "read customer keys")
	}
	if len(keys) == 0 {
		lg.Info("No customer keys found")
		return nil
	}

	pool, err := postgres.NewPool(ctx, o.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	manager := coupon.NewManager(
		postgres.NewCouponStore(pool),
		postgres.NewTxManager(pool, pgx.ReadCommitted),
		coupon.Settings{ServiceName: "coupon-bulk"},
	)

	lg.Info("Creating coupons", zap.String("code", tmpl.Code), zap.Int("customers", len(keys)))
	report := bulk.CreateAll(ctx, manager, tmpl, keys)
	lg.Info("Bulk creation finished", zap.Int("created", report.Created), zap.Int("failed", report.Failed))
	if report.Created == 0 {
		return errors.Errorf("no coupons created: %s", report)
	}
	return nil
}

// readKeys reads every file concurrently and merges the keys in file order,
// dropping keys repeated across files.
func readKeys(ctx context.Context, lg *zap.Logger, files []string) ([]string, error) {
	perFile := make([][]string, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "open %s", path)
			}
			defer func() { _ = f.Close() }()

			keys, err := bulk.ReadCustomerKeys(f)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			lg.Info("Read customer keys", zap.String("file", path), zap.Int("keys", len(keys)))
			perFile[i] = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []string
	for _, keys := range perFile {
		merged = append(merged, keys...)
	}
	return bulk.SplitCustomerKeys(merged), nil
}

func (o options) template() (coupon.Input, error) {
	in := coupon.Input{
		Description: o.description,
		Code:        o.code,
		Type:        coupon.DiscountType(o.discountType),
		CreatedBy:   o.createdBy,
	}

	var err error
	if in.Value, err = decimal.NewFromString(o.value); err != nil {
		return in, errors.Wrap(err, "parse value")
	}
	if o.maxAmount != "" {
		v, err := decimal.NewFromString(o.maxAmount)
		if err != nil {
			return in, errors.Wrap(err, "parse max amount")
		}
		in.MaxAmount = &v
	}
	if in.ValidFrom, err = parseTime(o.validFrom); err != nil {
		return in, errors.Wrap(err, "parse valid-from")
	}
	if in.ValidUntil, err = parseTime(o.validUntil); err != nil {
		return in, errors.Wrap(err, "parse valid-until")
	}
	if o.maxUsage > 0 {
		in.MaxUsage = &o.maxUsage
	}
	if o.limitPerCustomer > 0 {
		in.LimitPerCustomer = &o.limitPerCustomer
	}

	in.Normalize()
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
