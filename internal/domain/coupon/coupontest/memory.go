// Package coupontest provides an in-memory coupon store and usage ledger
// for tests.
package coupontest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-service/internal/domain/coupon"
)

// Memory implements coupon.Store, coupon.Ledger and coupon.TxManager.
//
// Transactions are serialised and roll back every change made by a failing
// callback.
type Memory struct {
	tx sync.Mutex

	mu      sync.Mutex
	seq     int
	coupons map[string]*coupon.Coupon
	records map[string]*coupon.UsageRecord

	// FailRecord, when set, is returned by the next Record call.
	FailRecord error
}

var (
	_ coupon.Store     = (*Memory)(nil)
	_ coupon.Ledger    = (*Memory)(nil)
	_ coupon.TxManager = (*Memory)(nil)
)

// New returns an empty Memory.
func New() *Memory {
	return &Memory{
		coupons: map[string]*coupon.Coupon{},
		records: map[string]*coupon.UsageRecord{},
	}
}

// InTx implements coupon.TxManager.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.tx.Lock()
	defer m.tx.Unlock()

	m.mu.Lock()
	coupons := make(map[string]*coupon.Coupon, len(m.coupons))
	for k, v := range m.coupons {
		coupons[k] = cloneCoupon(v)
	}
	records := make(map[string]*coupon.UsageRecord, len(m.records))
	for k, v := range m.records {
		r := *v
		records[k] = &r
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.coupons, m.records = coupons, records
		m.mu.Unlock()
		return err
	}
	return nil
}

// Put stores c as is, assigning an id when empty.
func (m *Memory) Put(c *coupon.Coupon) *coupon.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = m.nextID()
	}
	m.coupons[c.ID] = cloneCoupon(c)
	return c
}

// Records returns a snapshot of all usage records of a coupon.
func (m *Memory) Records(couponID string) []coupon.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []coupon.UsageRecord
	for _, r := range m.records {
		if r.CouponID == couponID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) nextID() string {
	m.seq++
	return fmt.Sprintf("%010d", m.seq)
}

func (m *Memory) FindValid(_ context.Context, l coupon.Lookup) (*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*coupon.Coupon
	for _, c := range m.coupons {
		if !c.Active || c.DeletedAt != nil || !strings.EqualFold(c.Code, l.Code) {
			continue
		}
		if l.At.Before(c.ValidFrom) || l.At.After(c.ValidUntil) {
			continue
		}
		if c.CustomerKey != nil && *c.CustomerKey != l.CustomerKey {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, coupon.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.CustomerKey != nil) != (b.CustomerKey != nil) {
			return a.CustomerKey != nil
		}
		return a.ValidUntil.Before(b.ValidUntil)
	})
	return m.withUsage(candidates[0]), nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return m.withUsage(c), nil
}

// Lock is FindByID; transactions are already serialised.
func (m *Memory) Lock(ctx context.Context, id string) (*coupon.Coupon, error) {
	return m.FindByID(ctx, id)
}

func (m *Memory) HasOverlappingDuplicate(_ context.Context, q coupon.DuplicateQuery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coupons {
		if c.ID == q.ExcludeID || !c.Active || c.DeletedAt != nil || c.Code != q.Code {
			continue
		}
		if c.CustomerKey != nil && (q.CustomerKey == nil || *c.CustomerKey != *q.CustomerKey) {
			continue
		}
		if c.ValidFrom.After(q.ValidUntil) || c.ValidUntil.Before(q.ValidFrom) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (m *Memory) Create(_ context.Context, c *coupon.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextID()
	m.coupons[c.ID] = cloneCoupon(c)
	return nil
}

func (m *Memory) Update(_ context.Context, c *coupon.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.coupons[c.ID]; !ok {
		return coupon.ErrNotFound
	}
	m.coupons[c.ID] = cloneCoupon(c)
	return nil
}

func (m *Memory) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		return coupon.ErrNotFound
	}
	c.Active = active
	return nil
}

func (m *Memory) SoftDelete(_ context.Context, id string, at time.Time, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		return coupon.ErrNotFound
	}
	c.Active = false
	c.DeletedAt = &at
	c.DeletedBy = by
	return nil
}

func (m *Memory) ListWindow(_ context.Context, q coupon.WindowQuery) ([]*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*coupon.Coupon
	for _, c := range m.coupons {
		if c.DeletedAt != nil || !matches(c, q.Filter) {
			continue
		}
		expired := c.ValidUntil.Before(q.Cutoff)
		if expired != (q.Bucket == coupon.BucketExpired) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Bucket == coupon.BucketExpired {
			return out[i].ValidUntil.After(out[j].ValidUntil)
		}
		return out[i].ValidUntil.Before(out[j].ValidUntil)
	})

	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, c := range out {
		out[i] = m.withUsage(c)
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, f coupon.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.coupons {
		if c.DeletedAt == nil && matches(c, f) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Record(_ context.Context, r *coupon.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailRecord; err != nil {
		m.FailRecord = nil
		return err
	}
	for _, existing := range m.records {
		if existing.CouponID == r.CouponID && existing.TransactionID == r.TransactionID {
			return coupon.ErrDuplicateTransaction
		}
	}
	r.ID = m.nextID()
	stored := *r
	m.records[r.ID] = &stored
	return nil
}

func (m *Memory) Find(_ context.Context, code, transactionID string) (*coupon.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		c, ok := m.coupons[r.CouponID]
		if ok && r.TransactionID == transactionID && strings.EqualFold(c.Code, code) {
			out := *r
			return &out, nil
		}
	}
	return nil, coupon.ErrNotFound
}

func (m *Memory) Exists(_ context.Context, couponID, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.CouponID == couponID && r.TransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Confirm(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return coupon.ErrNotFound
	}
	r.Status = coupon.UsageConfirmed
	r.UpdatedAt = &at
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return coupon.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) Summary(_ context.Context, couponID string) (coupon.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary(couponID), nil
}

func (m *Memory) CountForCustomer(_ context.Context, couponID, customerKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.CouponID == couponID && r.CustomerKey == customerKey {
			n++
		}
	}
	return n, nil
}

func (m *Memory) summary(couponID string) coupon.Usage {
	u := coupon.Usage{Accumulated: decimal.Zero}
	for _, r := range m.records {
		if r.CouponID != couponID {
			continue
		}
		switch r.Status {
		case coupon.UsageConfirmed:
			u.Confirmed++
		default:
			u.Reserved++
		}
		u.Accumulated = u.Accumulated.Add(r.DiscountAmount)
	}
	return u
}

func (m *Memory) withUsage(c *coupon.Coupon) *coupon.Coupon {
	out := cloneCoupon(c)
	out.Usage = m.summary(c.ID)
	return out
}

func matches(c *coupon.Coupon, f coupon.Filter) bool {
	switch {
	case f.Active != nil && c.Active != *f.Active:
		return false
	case f.ValidFrom != nil && c.ValidFrom.Before(*f.ValidFrom):
		return false
	case f.ValidUntil != nil && c.ValidUntil.After(*f.ValidUntil):
		return false
	case f.Description != "" && c.Description != f.Description:
		return false
	case f.Code != "" && c.Code != coupon.NormalizeCode(f.Code):
		return false
	}
	return true
}

func cloneCoupon(c *coupon.Coupon) *coupon.Coupon {
	out := *c
	return &out
}
