package coupon

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercent takes a percentage of the purchase amount.
	DiscountPercent DiscountType = "percent"
	// DiscountNominal takes a fixed amount, capped at the purchase amount.
	DiscountNominal DiscountType = "nominal"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercent || t == DiscountNominal
}

// UsageStatus is the state of a single usage history record.
type UsageStatus string

const (
	// UsageReserved marks a reservation that has not been confirmed yet.
	UsageReserved UsageStatus = "reserved"
	// UsageConfirmed marks a finalized usage. It can no longer be released.
	UsageConfirmed UsageStatus = "confirmed"
)

// Coupon is a persisted discount offer.
type Coupon struct {
	ID          string
	Description string
	Code        string
	// CustomerKey restricts the coupon to a single customer. Nil means any customer.
	CustomerKey *string
	ValidFrom   time.Time
	ValidUntil  time.Time

	Type              DiscountType
	Value             decimal.Decimal
	MaxAmount         *decimal.Decimal
	MinPurchaseAmount *decimal.Decimal
	FirstPurchase     bool

	MaxUsage         *int
	LimitPerCustomer *int
	Budget           *decimal.Decimal

	Active    bool
	CreatedAt time.Time
	CreatedBy string
	DeletedAt *time.Time
	DeletedBy string

	Usage Usage
}

// Usage aggregates the usage history of a coupon.
type Usage struct {
	Confirmed int
	Reserved  int
	// Accumulated is the sum of discount amounts across reserved and confirmed records.
	Accumulated decimal.Decimal
}

// Total returns the number of reserved and confirmed records.
func (u Usage) Total() int {
	return u.Confirmed + u.Reserved
}

// With returns the usage after one more reservation of discount.
func (u Usage) With(discount decimal.Decimal) Usage {
	u.Reserved++
	u.Accumulated = u.Accumulated.Add(discount)
	return u
}

// UsageRecord is one redemption attempt against a coupon, keyed by the
// caller supplied transaction id.
type UsageRecord struct {
	ID             string
	CouponID       string
	TransactionID  string
	CustomerKey    string
	DiscountAmount decimal.Decimal
	Status         UsageStatus
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// Input holds the caller-editable attributes of a coupon, used by create and update.
type Input struct {
	Description       string
	Code              string
	CustomerKey       *string
	ValidFrom         time.Time
	ValidUntil        time.Time
	MaxUsage          *int
	Type              DiscountType
	Value             decimal.Decimal
	MaxAmount         *decimal.Decimal
	MinPurchaseAmount *decimal.Decimal
	FirstPurchase     bool
	LimitPerCustomer  *int
	Budget            *decimal.Decimal
	CreatedBy         string
}

// Normalize upper-cases the code, rounds money to two places and moves
// timestamps to UTC.
func (in *Input) Normalize() {
	in.Code = NormalizeCode(in.Code)
	in.ValidFrom = in.ValidFrom.UTC()
	in.ValidUntil = in.ValidUntil.UTC()
	in.Value = in.Value.Round(2)
	in.MaxAmount = roundPtr(in.MaxAmount)
	in.MinPurchaseAmount = roundPtr(in.MinPurchaseAmount)
	in.Budget = roundPtr(in.Budget)
}

// Validate checks the data invariants a persisted coupon must satisfy.
func (in *Input) Validate() error {
	switch {
	case in.Code == "":
		return invalid("code", "must not be empty")
	case !isAlphanumeric(in.Code):
		return invalid("code", "must be alphanumeric")
	case !in.Type.Valid():
		return invalid("type", "must be percent or nominal")
	case !in.Value.IsPositive():
		return invalid("value", "must be greater than 0")
	case in.Type == DiscountPercent && in.Value.GreaterThan(hundred):
		return invalid("value", "must not be bigger than 100 when type is percent")
	case in.Type == DiscountNominal && in.MaxAmount != nil:
		return invalid("max_amount", "nominal type coupons don't allow max_amount")
	case in.MaxAmount != nil && !in.MaxAmount.IsPositive():
		return invalid("max_amount", "must be greater than 0")
	case in.MinPurchaseAmount != nil && !in.MinPurchaseAmount.IsPositive():
		return invalid("min_purchase_amount", "must be greater than 0")
	case in.Budget != nil && in.Budget.IsNegative():
		return invalid("budget", "must be greater than or equal to 0")
	case in.MaxUsage != nil && *in.MaxUsage <= 0:
		return invalid("max_usage", "must be greater than 0")
	case in.LimitPerCustomer != nil && *in.LimitPerCustomer <= 0:
		return invalid("limit_per_customer", "must be greater than 0")
	case in.ValidFrom.IsZero() || in.ValidUntil.IsZero():
		return invalid("valid_from", "valid_from and valid_until are required")
	case !in.ValidUntil.After(in.ValidFrom):
		return invalid("valid_until", "must be greater than valid_from")
	}
	return nil
}

// CheckSchedule rejects windows that end before today, and for new coupons
// windows that start before today. Days are counted in loc.
func (in *Input) CheckSchedule(now time.Time, loc *time.Location, creating bool) error {
	today := startOfDay(now, loc)
	if creating && startOfDay(in.ValidFrom, loc).Before(today) {
		return invalid("valid_from", "must not be earlier than today")
	}
	if startOfDay(in.ValidUntil, loc).Before(today) {
		return invalid("valid_until", "must not be earlier than today")
	}
	return nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NewCoupon builds an active coupon from a validated input.
func NewCoupon(in Input, now time.Time) *Coupon {
	c := &Coupon{Active: true, CreatedAt: now, CreatedBy: in.CreatedBy}
	c.apply(in)
	return c
}

func (c *Coupon) apply(in Input) {
	c.Description = in.Description
	c.Code = in.Code
	c.CustomerKey = in.CustomerKey
	c.ValidFrom = in.ValidFrom
	c.ValidUntil = in.ValidUntil
	c.MaxUsage = in.MaxUsage
	c.Type = in.Type
	c.Value = in.Value
	c.MaxAmount = in.MaxAmount
	c.MinPurchaseAmount = in.MinPurchaseAmount
	c.FirstPurchase = in.FirstPurchase
	c.LimitPerCustomer = in.LimitPerCustomer
	c.Budget = in.Budget
}

// Discount returns the discount this coupon grants on purchaseAmount.
func (c *Coupon) Discount(purchaseAmount decimal.Decimal) decimal.Decimal {
	return Discount(purchaseAmount, c.Type, c.Value, c.MaxAmount)
}

// NormalizeCode trims and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func roundPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := d.Round(2)
	return &v
}
