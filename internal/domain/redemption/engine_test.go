package redemption

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/domain/coupon/coupontest"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func intPtr(v int) *int { return &v }

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) kinds() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []EventKind
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	engine *Engine
	mem    *coupontest.Memory
	events *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := coupontest.New()
	events := &recordingPublisher{}
	engine, err := NewEngine(mem, mem, mem, coupon.Settings{
		Now: func() time.Time { return fixedNow },
	}, WithPublisher(events))
	require.NoError(t, err)
	return &fixture{engine: engine, mem: mem, events: events}
}

func (f *fixture) put(mutate func(c *coupon.Coupon)) *coupon.Coupon {
	c := &coupon.Coupon{
		Code:       "PROMO",
		ValidFrom:  fixedNow.Add(-time.Hour),
		ValidUntil: fixedNow.Add(24 * time.Hour),
		Type:       coupon.DiscountPercent,
		Value:      d("10"),
		Active:     true,
	}
	if mutate != nil {
		mutate(c)
	}
	return f.mem.Put(c)
}

func reserve(txID, customer, amount string) ReserveRequest {
	return ReserveRequest{
		Code:           "promo",
		TransactionID:  txID,
		CustomerKey:    customer,
		PurchaseAmount: d(amount),
	}
}

func TestEngine_Reserve_Percent(t *testing.T) {
	f := newFixture(t)
	c := f.put(nil)

	got, err := f.engine.Reserve(context.Background(), reserve("tx-1", "alice", "100"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.Reserved)
	assert.Equal(t, "10.00", got.Usage.Accumulated.StringFixed(2))

	records := f.mem.Records(c.ID)
	require.Len(t, records, 1)
	assert.Equal(t, "10.00", records[0].DiscountAmount.StringFixed(2))
	assert.Equal(t, coupon.UsageReserved, records[0].Status)
	assert.Equal(t, "alice", records[0].CustomerKey)

	v, err := f.engine.Validate(context.Background(), ValidateRequest{
		Code:           "PROMO",
		PurchaseAmount: d("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "90.00", v.PurchaseAmountWithDiscount.StringFixed(2))

	require.Len(t, f.events.events, 1)
	ev := f.events.events[0]
	assert.Equal(t, EventReserved, ev.Kind)
	assert.Equal(t, c.ID, ev.CouponID)
	assert.Equal(t, "tx-1", ev.TransactionID)
	assert.True(t, d("10").Equal(ev.DiscountAmount))
}

func TestEngine_Reserve_Budget(t *testing.T) {
	f := newFixture(t)
	c := f.put(func(c *coupon.Coupon) {
		c.Type = coupon.DiscountNominal
		c.Value = d("200")
		c.Budget = dp("300")
	})
	ctx := context.Background()

	_, err := f.engine.Reserve(ctx, reserve("tx-1", "alice", "210"))
	require.NoError(t, err)

	_, err = f.engine.Reserve(ctx, reserve("tx-2", "bob", "210"))
	require.ErrorIs(t, err, coupon.ErrBudgetExceeded)

	records := f.mem.Records(c.ID)
	require.Len(t, records, 1)
	assert.True(t, d("200").Equal(records[0].DiscountAmount))
}

func TestEngine_Reserve_ZeroBudget(t *testing.T) {
	f := newFixture(t)
	f.put(func(c *coupon.Coupon) { c.Budget = dp("0") })

	_, err := f.engine.Reserve(context.Background(), reserve("tx-1", "alice", "100"))
	require.ErrorIs(t, err, coupon.ErrBudgetExceeded)
}

func TestEngine_Reserve_MaxUsage(t *testing.T) {
	const maxUsage = 3

	f := newFixture(t)
	c := f.put(func(c *coupon.Coupon) { c.MaxUsage = intPtr(maxUsage) })

	for i := 1; i <= maxUsage; i++ {
		_, err := f.engine.Reserve(context.Background(), reserve(fmt.Sprintf("tx-%d", i), "alice", "50"))
		require.NoError(t, err)
	}
	_, err := f.engine.Reserve(context.Background(), reserve("tx-overflow", "alice", "50"))
	require.ErrorIs(t, err, coupon.ErrMaxUsage)
	assert.Len(t, f.mem.Records(c.ID), maxUsage)
}

func TestEngine_Reserve_ConcurrentMaxUsage(t *testing.T) {
	const (
		maxUsage = 5
		attempts = 20
	)

	f := newFixture(t)
	c := f.put(func(c *coupon.Coupon) { c.MaxUsage = intPtr(maxUsage) })

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Reserve(context.Background(), reserve(fmt.Sprintf("tx-%d", i), "alice", "50"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, coupon.ErrMaxUsage):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, maxUsage, ok)
	assert.Equal(t, attempts-maxUsage, rejected)
	assert.Len(t, f.mem.Records(c.ID), maxUsage)
}

func TestEngine_Reserve_Guards(t *testing.T) {
	tests := []struct {
		name    string
		coupon  func(c *coupon.Coupon)
		prior   []ReserveRequest
		req     ReserveRequest
		wantErr error
	}{
		{
			name:    "unknown code",
			req:     ReserveRequest{Code: "NOPE", TransactionID: "tx", PurchaseAmount: d("10")},
			wantErr: coupon.ErrNotFound,
		},
		{
			name:    "expired",
			coupon:  func(c *coupon.Coupon) { c.ValidUntil = fixedNow.Add(-time.Minute) },
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrNotFound,
		},
		{
			name:    "not started",
			coupon:  func(c *coupon.Coupon) { c.ValidFrom = fixedNow.Add(time.Minute) },
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrNotFound,
		},
		{
			name:    "inactive",
			coupon:  func(c *coupon.Coupon) { c.Active = false },
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrNotFound,
		},
		{
			name: "other customer",
			coupon: func(c *coupon.Coupon) {
				key := "bob"
				c.CustomerKey = &key
			},
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrNotFound,
		},
		{
			name: "own customer coupon",
			coupon: func(c *coupon.Coupon) {
				key := "alice"
				c.CustomerKey = &key
			},
			req: reserve("tx", "alice", "10"),
		},
		{
			name:    "first purchase required",
			coupon:  func(c *coupon.Coupon) { c.FirstPurchase = true },
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrFirstPurchase,
		},
		{
			name:   "first purchase satisfied",
			coupon: func(c *coupon.Coupon) { c.FirstPurchase = true },
			req: ReserveRequest{
				Code: "PROMO", TransactionID: "tx", CustomerKey: "alice",
				PurchaseAmount: d("10"), FirstPurchase: true,
			},
		},
		{
			name:    "min purchase amount",
			coupon:  func(c *coupon.Coupon) { c.MinPurchaseAmount = dp("40.00") },
			req:     reserve("tx", "alice", "30.00"),
			wantErr: coupon.ErrMinPurchaseAmount,
		},
		{
			name:   "min purchase amount equal",
			coupon: func(c *coupon.Coupon) { c.MinPurchaseAmount = dp("40.00") },
			req:    reserve("tx", "alice", "40.00"),
		},
		{
			name:    "duplicate transaction",
			prior:   []ReserveRequest{reserve("tx", "alice", "10")},
			req:     reserve("tx", "bob", "10"),
			wantErr: coupon.ErrDuplicateTransaction,
		},
		{
			name:    "limit per customer",
			coupon:  func(c *coupon.Coupon) { c.LimitPerCustomer = intPtr(1) },
			prior:   []ReserveRequest{reserve("tx-1", "alice", "10")},
			req:     reserve("tx-2", "alice", "10"),
			wantErr: coupon.ErrLimitPerCustomer,
		},
		{
			name:   "limit per customer other customer",
			coupon: func(c *coupon.Coupon) { c.LimitPerCustomer = intPtr(1) },
			prior:  []ReserveRequest{reserve("tx-1", "alice", "10")},
			req:    reserve("tx-2", "bob", "10"),
		},
		{
			name: "first purchase wins over min purchase",
			coupon: func(c *coupon.Coupon) {
				c.FirstPurchase = true
				c.MinPurchaseAmount = dp("100")
			},
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrFirstPurchase,
		},
		{
			name:    "max usage wins over duplicate transaction",
			coupon:  func(c *coupon.Coupon) { c.MaxUsage = intPtr(1) },
			prior:   []ReserveRequest{reserve("tx", "alice", "10")},
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrMaxUsage,
		},
		{
			name:    "duplicate transaction wins over limit per customer",
			coupon:  func(c *coupon.Coupon) { c.LimitPerCustomer = intPtr(1) },
			prior:   []ReserveRequest{reserve("tx", "alice", "10")},
			req:     reserve("tx", "alice", "10"),
			wantErr: coupon.ErrDuplicateTransaction,
		},
		{
			name: "limit per customer wins over budget",
			coupon: func(c *coupon.Coupon) {
				c.LimitPerCustomer = intPtr(1)
				c.Budget = dp("1")
			},
			prior:   []ReserveRequest{reserve("tx-1", "alice", "10")},
			req:     reserve("tx-2", "alice", "10"),
			wantErr: coupon.ErrLimitPerCustomer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.put(tt.coupon)
			ctx := context.Background()

			for _, p := range tt.prior {
				_, err := f.engine.Reserve(ctx, p)
				require.NoError(t, err)
			}
			before := len(f.mem.Records(c.ID))

			_, err := f.engine.Reserve(ctx, tt.req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Len(t, f.mem.Records(c.ID), before, "failed reservation must not write")
				return
			}
			require.NoError(t, err)
			assert.Len(t, f.mem.Records(c.ID), before+1)
		})
	}
}

func TestEngine_Reserve_UniqueViolationRace(t *testing.T) {
	f := newFixture(t)
	c := f.put(nil)
	f.mem.FailRecord = errors.Wrap(coupon.ErrDuplicateTransaction, "insert usage")

	_, err := f.engine.Reserve(context.Background(), reserve("tx-1", "alice", "10"))
	require.ErrorIs(t, err, coupon.ErrDuplicateTransaction)
	assert.Empty(t, f.mem.Records(c.ID))
	assert.Empty(t, f.events.kinds())
}

func TestEngine_Reserve_StorageError(t *testing.T) {
	f := newFixture(t)
	f.put(nil)
	f.mem.FailRecord = errors.New("connection reset")

	_, err := f.engine.Reserve(context.Background(), reserve("tx-1", "alice", "10"))
	require.Error(t, err)
	var domainErr *coupon.Error
	assert.False(t, errors.As(err, &domainErr))
}

func TestEngine_ConfirmRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("release after confirm", func(t *testing.T) {
		f := newFixture(t)
		c := f.put(nil)
		_, err := f.engine.Reserve(ctx, reserve("tx-1", "alice", "100"))
		require.NoError(t, err)

		require.NoError(t, f.engine.Confirm(ctx, "promo", "tx-1"))
		require.NoError(t, f.engine.Confirm(ctx, "PROMO", "tx-1"), "confirm is idempotent")
		require.ErrorIs(t, f.engine.Release(ctx, "PROMO", "tx-1"), coupon.ErrCouponAlreadyConfirmed)

		records := f.mem.Records(c.ID)
		require.Len(t, records, 1)
		assert.Equal(t, coupon.UsageConfirmed, records[0].Status)
		assert.Equal(t, []EventKind{EventReserved, EventConfirmed}, f.events.kinds())
	})

	t.Run("release before confirm", func(t *testing.T) {
		f := newFixture(t)
		c := f.put(nil)
		_, err := f.engine.Reserve(ctx, reserve("tx-1", "alice", "100"))
		require.NoError(t, err)

		require.NoError(t, f.engine.Release(ctx, "PROMO", "tx-1"))
		assert.Empty(t, f.mem.Records(c.ID))
		require.ErrorIs(t, f.engine.Confirm(ctx, "PROMO", "tx-1"), coupon.ErrNotFound)
		require.ErrorIs(t, f.engine.Release(ctx, "PROMO", "tx-1"), coupon.ErrNotFound)
		assert.Equal(t, []EventKind{EventReserved, EventReleased}, f.events.kinds())

		_, err = f.engine.Reserve(ctx, reserve("tx-1", "alice", "100"))
		require.NoError(t, err, "released transaction can reserve again")
	})

	t.Run("confirm after expiry and deactivation", func(t *testing.T) {
		f := newFixture(t)
		c := f.put(nil)
		_, err := f.engine.Reserve(ctx, reserve("tx-1", "alice", "100"))
		require.NoError(t, err)

		expired, err := f.mem.FindByID(ctx, c.ID)
		require.NoError(t, err)
		expired.ValidUntil = fixedNow.Add(-time.Minute)
		expired.Active = false
		require.NoError(t, f.mem.Update(ctx, expired))

		require.NoError(t, f.engine.Confirm(ctx, "PROMO", "tx-1"))
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t)
		f.put(nil)
		require.ErrorIs(t, f.engine.Confirm(ctx, "PROMO", "missing"), coupon.ErrNotFound)
		require.ErrorIs(t, f.engine.Release(ctx, "PROMO", "missing"), coupon.ErrNotFound)
	})

	t.Run("publish failure does not fail the operation", func(t *testing.T) {
		f := newFixture(t)
		c := f.put(nil)
		f.events.err = errors.New("broker down")

		_, err := f.engine.Reserve(ctx, reserve("tx-1", "alice", "100"))
		require.NoError(t, err)
		assert.Len(t, f.mem.Records(c.ID), 1)
	})
}

func TestEngine_Validate(t *testing.T) {
	tests := []struct {
		name      string
		coupon    func(c *coupon.Coupon)
		prior     []ReserveRequest
		req       ValidateRequest
		wantTotal string
		wantErr   error
	}{
		{
			name:      "percent with cap",
			coupon: func(c *coupon.Coupon) {
				c.Value = d("50")
				c.MaxAmount = dp("20")
			},
			req:       ValidateRequest{Code: "promo", PurchaseAmount: d("100")},
			wantTotal: "80.00",
		},
		{
			name:    "unknown code",
			req:     ValidateRequest{Code: "nope", PurchaseAmount: d("100")},
			wantErr: coupon.ErrNotAvailable,
		},
		{
			name:    "max usage reached",
			coupon:  func(c *coupon.Coupon) { c.MaxUsage = intPtr(1) },
			prior:   []ReserveRequest{reserve("tx-1", "alice", "10")},
			req:     ValidateRequest{Code: "promo", PurchaseAmount: d("100")},
			wantErr: coupon.ErrMaxUsage,
		},
		{
			name:    "budget exceeded",
			coupon:  func(c *coupon.Coupon) { c.Budget = dp("15") },
			prior:   []ReserveRequest{reserve("tx-1", "alice", "100")},
			req:     ValidateRequest{Code: "promo", PurchaseAmount: d("100")},
			wantErr: coupon.ErrBudgetExceeded,
		},
		{
			name:      "limit per customer is not checked",
			coupon:    func(c *coupon.Coupon) { c.LimitPerCustomer = intPtr(1) },
			prior:     []ReserveRequest{reserve("tx-1", "alice", "10")},
			req:       ValidateRequest{Code: "promo", CustomerKey: "alice", PurchaseAmount: d("10")},
			wantTotal: "9.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.put(tt.coupon)
			ctx := context.Background()
			for _, p := range tt.prior {
				_, err := f.engine.Reserve(ctx, p)
				require.NoError(t, err)
			}
			before := len(f.mem.Records(c.ID))

			v, err := f.engine.Validate(ctx, tt.req)
			assert.Len(t, f.mem.Records(c.ID), before)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "PROMO", v.Code)
			assert.Equal(t, tt.wantTotal, v.PurchaseAmountWithDiscount.StringFixed(2))
		})
	}
}
