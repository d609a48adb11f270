// Package redemption implements coupon reservation, confirmation, release
// and validation against the usage ledger.
package redemption

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/coupon-service/internal/domain/coupon"
)

const instrumentationName = "github.com/xenking/coupon-service/internal/domain/redemption"

// ReserveRequest applies a coupon to a purchase.
type ReserveRequest struct {
	Code           string
	TransactionID  string
	CustomerKey    string
	PurchaseAmount decimal.Decimal
	FirstPurchase  bool
}

// ValidateRequest checks a coupon against a purchase without recording usage.
type ValidateRequest struct {
	Code           string
	CustomerKey    string
	PurchaseAmount decimal.Decimal
	FirstPurchase  bool
}

// Validation is the outcome of a successful validation.
type Validation struct {
	Code                       string
	Description                string
	Type                       coupon.DiscountType
	Value                      decimal.Decimal
	Discount                   decimal.Decimal
	PurchaseAmountWithDiscount decimal.Decimal
}

// Engine evaluates redemption guards and records usage. Every operation runs
// in one transaction; domain errors abort it.
type Engine struct {
	store     coupon.Store
	ledger    coupon.Ledger
	tx        coupon.TxManager
	settings  coupon.Settings
	publisher Publisher
	lock      bool

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	operations     metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the usage event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithReserveLock controls whether reservations lock the coupon row before
// evaluating usage limits. Enabled by default.
func WithReserveLock(lock bool) Option {
	return func(e *Engine) { e.lock = lock }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// NewEngine creates an Engine.
func NewEngine(store coupon.Store, ledger coupon.Ledger, tx coupon.TxManager, settings coupon.Settings, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:          store,
		ledger:         ledger,
		tx:             tx,
		settings:       settings,
		publisher:      NopPublisher{},
		lock:           true,
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, o := range opts {
		o(e)
	}

	e.tracer = e.tracerProvider.Tracer(instrumentationName)
	counter, err := e.meterProvider.Meter(instrumentationName).Int64Counter("coupon.redemption.operations",
		metric.WithDescription("Redemption operations by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create operations counter")
	}
	e.operations = counter

	return e, nil
}

// Reserve records a reservation of the coupon for the transaction and
// returns the coupon with its updated usage.
//
// Guards are evaluated in a fixed order and the first failing one wins:
// first purchase, min purchase amount, max usage, duplicate transaction,
// limit per customer, budget.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (_ *coupon.Coupon, rerr error) {
	code := coupon.NormalizeCode(req.Code)
	ctx, span := e.start(ctx, "redemption.Reserve", code)
	defer func() { e.finish(ctx, span, "reserve", rerr) }()

	var (
		reserved *coupon.Coupon
		record   *coupon.UsageRecord
	)
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := e.eligible(ctx, eligibility{
			Code:           code,
			CustomerKey:    req.CustomerKey,
			PurchaseAmount: req.PurchaseAmount,
			FirstPurchase:  req.FirstPurchase,
			Lock:           e.lock,
		})
		if err != nil {
			return err
		}

		exists, err := e.ledger.Exists(ctx, c.ID, req.TransactionID)
		if err != nil {
			return errors.Wrap(err, "check transaction")
		}
		if exists {
			return coupon.ErrDuplicateTransaction
		}

		if c.LimitPerCustomer != nil {
			n, err := e.ledger.CountForCustomer(ctx, c.ID, req.CustomerKey)
			if err != nil {
				return errors.Wrap(err, "count customer usage")
			}
			if n >= *c.LimitPerCustomer {
				return coupon.ErrLimitPerCustomer
			}
		}

		discount := c.Discount(req.PurchaseAmount)
		if err := checkBudget(c, discount); err != nil {
			return err
		}

		record = &coupon.UsageRecord{
			CouponID:       c.ID,
			TransactionID:  req.TransactionID,
			CustomerKey:    req.CustomerKey,
			DiscountAmount: discount,
			Status:         coupon.UsageReserved,
			CreatedAt:      e.settings.Clock(),
		}
		if err := e.ledger.Record(ctx, record); err != nil {
			if errors.Is(err, coupon.ErrDuplicateTransaction) {
				return err
			}
			return errors.Wrap(err, "record usage")
		}

		c.Usage = c.Usage.With(discount)
		reserved = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Coupon reserved",
		zap.String("coupon_id", reserved.ID),
		zap.String("code", reserved.Code),
		zap.String("transaction_id", req.TransactionID),
		zap.String("discount", record.DiscountAmount.StringFixed(2)),
	)
	e.publish(ctx, Event{
		Kind:           EventReserved,
		CouponID:       reserved.ID,
		Code:           reserved.Code,
		TransactionID:  req.TransactionID,
		CustomerKey:    req.CustomerKey,
		DiscountAmount: record.DiscountAmount,
		OccurredAt:     record.CreatedAt,
	})

	return reserved, nil
}

// Confirm finalizes the reservation of the transaction. Confirming twice is
// a no-op. The coupon validity window and active flag are not re-checked.
func (e *Engine) Confirm(ctx context.Context, code, transactionID string) (rerr error) {
	code = coupon.NormalizeCode(code)
	ctx, span := e.start(ctx, "redemption.Confirm", code)
	defer func() { e.finish(ctx, span, "confirm", rerr) }()

	var confirmed *coupon.UsageRecord
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := e.ledger.Find(ctx, code, transactionID)
		if err != nil {
			return err
		}
		if rec.Status == coupon.UsageConfirmed {
			return nil
		}
		if err := e.ledger.Confirm(ctx, rec.ID, e.settings.Clock()); err != nil {
			return errors.Wrap(err, "confirm usage")
		}
		confirmed = rec
		return nil
	})
	if err != nil {
		return err
	}
	if confirmed == nil {
		zctx.From(ctx).Debug("Usage already confirmed", zap.String("transaction_id", transactionID))
		return nil
	}

	zctx.From(ctx).Info("Coupon confirmed",
		zap.String("coupon_id", confirmed.CouponID),
		zap.String("transaction_id", transactionID),
	)
	e.publish(ctx, Event{
		Kind:          EventConfirmed,
		CouponID:      confirmed.CouponID,
		Code:          code,
		TransactionID: transactionID,
		OccurredAt:    e.settings.Clock(),
	})
	return nil
}

// Release removes a reservation that has not been confirmed yet.
func (e *Engine) Release(ctx context.Context, code, transactionID string) (rerr error) {
	code = coupon.NormalizeCode(code)
	ctx, span := e.start(ctx, "redemption.Release", code)
	defer func() { e.finish(ctx, span, "release", rerr) }()

	var released *coupon.UsageRecord
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := e.ledger.Find(ctx, code, transactionID)
		if err != nil {
			return err
		}
		if rec.Status == coupon.UsageConfirmed {
			return coupon.ErrCouponAlreadyConfirmed
		}
		if err := e.ledger.Delete(ctx, rec.ID); err != nil {
			return errors.Wrap(err, "delete usage")
		}
		released = rec
		return nil
	})
	if err != nil {
		return err
	}

	zctx.From(ctx).Info("Coupon released",
		zap.String("coupon_id", released.CouponID),
		zap.String("transaction_id", transactionID),
	)
	e.publish(ctx, Event{
		Kind:          EventReleased,
		CouponID:      released.CouponID,
		Code:          code,
		TransactionID: transactionID,
		OccurredAt:    e.settings.Clock(),
	})
	return nil
}

// Validate evaluates the reservation guards that do not depend on the
// transaction and returns the discounted purchase amount. Nothing is written.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (_ *Validation, rerr error) {
	code := coupon.NormalizeCode(req.Code)
	ctx, span := e.start(ctx, "redemption.Validate", code)
	defer func() { e.finish(ctx, span, "validate", rerr) }()

	var v *Validation
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := e.eligible(ctx, eligibility{
			Code:           code,
			CustomerKey:    req.CustomerKey,
			PurchaseAmount: req.PurchaseAmount,
			FirstPurchase:  req.FirstPurchase,
		})
		if err != nil {
			if errors.Is(err, coupon.ErrNotFound) {
				return coupon.ErrNotAvailable
			}
			return err
		}

		discount := c.Discount(req.PurchaseAmount)
		if err := checkBudget(c, discount); err != nil {
			return err
		}

		v = &Validation{
			Code:                       c.Code,
			Description:                c.Description,
			Type:                       c.Type,
			Value:                      c.Value,
			Discount:                   discount,
			PurchaseAmountWithDiscount: coupon.TotalAfterDiscount(req.PurchaseAmount, c.Type, c.Value, c.MaxAmount),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

type eligibility struct {
	Code           string
	CustomerKey    string
	PurchaseAmount decimal.Decimal
	FirstPurchase  bool
	Lock           bool
}

// eligible resolves the valid coupon with fresh usage aggregates and runs
// the first purchase, min purchase and max usage guards.
func (e *Engine) eligible(ctx context.Context, q eligibility) (*coupon.Coupon, error) {
	c, err := e.store.FindValid(ctx, coupon.Lookup{
		Code:        q.Code,
		CustomerKey: q.CustomerKey,
		At:          e.settings.Clock(),
		Lock:        q.Lock,
	})
	if err != nil {
		return nil, err
	}

	// Read after the row lock so concurrent reservations are visible.
	usage, err := e.ledger.Summary(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "usage summary")
	}
	c.Usage = usage

	if c.FirstPurchase && !q.FirstPurchase {
		return nil, coupon.ErrFirstPurchase
	}
	if c.MinPurchaseAmount != nil && c.MinPurchaseAmount.GreaterThan(q.PurchaseAmount) {
		return nil, coupon.ErrMinPurchaseAmount
	}
	if c.MaxUsage != nil && c.Usage.Total()+1 > *c.MaxUsage {
		return nil, coupon.ErrMaxUsage
	}
	return c, nil
}

func checkBudget(c *coupon.Coupon, discount decimal.Decimal) error {
	if c.Budget != nil && c.Budget.LessThan(c.Usage.Accumulated.Add(discount)) {
		return coupon.ErrBudgetExceeded
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		zctx.From(ctx).Warn("Publish usage event",
			zap.String("kind", string(ev.Kind)),
			zap.String("transaction_id", ev.TransactionID),
			zap.Error(err),
		)
	}
}

func (e *Engine) start(ctx context.Context, name, code string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("coupon.code", code)))
}

func (e *Engine) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()

	outcome := "ok"
	if err != nil {
		var domainErr *coupon.Error
		if errors.As(err, &domainErr) {
			outcome = domainErr.Code
		} else {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	e.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}
