package coupon

import (
	"context"
	"time"
)

// Lookup selects the currently valid coupon for a redemption.
type Lookup struct {
	Code        string
	CustomerKey string
	At          time.Time
	// Lock takes a row lock on the coupon for the rest of the transaction.
	Lock bool
}

// DuplicateQuery describes a candidate validity window for a code.
type DuplicateQuery struct {
	Code        string
	CustomerKey *string
	ValidFrom   time.Time
	ValidUntil  time.Time
	// ExcludeID skips the coupon being updated.
	ExcludeID string
}

// Filter narrows coupon listings. Zero fields are ignored.
type Filter struct {
	Active      *bool
	ValidFrom   *time.Time // valid_from >= ValidFrom
	ValidUntil  *time.Time // valid_until <= ValidUntil
	Description string
	Code        string
}

// Bucket splits listings into coupons that are still valid and expired ones.
type Bucket int

const (
	// BucketCurrent holds coupons with valid_until >= cutoff, ordered by valid_until ascending.
	BucketCurrent Bucket = iota
	// BucketExpired holds coupons with valid_until < cutoff, ordered by valid_until descending.
	BucketExpired
)

// WindowQuery reads one page of one listing bucket. Soft-deleted coupons are excluded.
type WindowQuery struct {
	Filter Filter
	Bucket Bucket
	Cutoff time.Time
	Limit  int
	Offset int
}

// Store persists coupons. Returned coupons carry their usage aggregates.
type Store interface {
	// FindValid returns the active coupon whose window contains l.At and
	// whose customer scope admits l.CustomerKey, or ErrNotFound.
	FindValid(ctx context.Context, l Lookup) (*Coupon, error)
	// FindByID returns ErrNotFound if the coupon does not exist.
	FindByID(ctx context.Context, id string) (*Coupon, error)
	// Lock is FindByID with a row lock held for the rest of the transaction.
	// Usage is read after the lock is granted.
	Lock(ctx context.Context, id string) (*Coupon, error)
	// HasOverlappingDuplicate ignores inactive and soft deleted coupons.
	HasOverlappingDuplicate(ctx context.Context, q DuplicateQuery) (bool, error)
	// Create assigns c.ID.
	Create(ctx context.Context, c *Coupon) error
	Update(ctx context.Context, c *Coupon) error
	SetActive(ctx context.Context, id string, active bool) error
	SoftDelete(ctx context.Context, id string, at time.Time, by string) error
	ListWindow(ctx context.Context, q WindowQuery) ([]*Coupon, error)
	Count(ctx context.Context, f Filter) (int, error)
}

// Ledger persists usage history records.
type Ledger interface {
	// Record assigns r.ID. A concurrent insert of the same (transaction, coupon)
	// pair fails with ErrDuplicateTransaction.
	Record(ctx context.Context, r *UsageRecord) error
	// Find locks and returns the record of transactionID on the coupon with
	// the given code, or ErrNotFound.
	Find(ctx context.Context, code, transactionID string) (*UsageRecord, error)
	Exists(ctx context.Context, couponID, transactionID string) (bool, error)
	Confirm(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	Summary(ctx context.Context, couponID string) (Usage, error)
	CountForCustomer(ctx context.Context, couponID, customerKey string) (int, error)
}

// TxManager runs fn in a single database transaction carried by the
// context. The transaction commits when fn returns nil.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
