package coupon

import (
	"context"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"
)

// Page size bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// ListRequest is a page request. Page is 1-based.
type ListRequest struct {
	Filter Filter
	Page   int
	Size   int
}

// Page is one page of coupons.
type Page struct {
	Items []*Coupon
	Page  int
	Size  int
	Total int
}

// List returns the coupons that are still valid ordered by valid_until
// ascending, followed by the expired ones ordered by valid_until descending.
//
// Both groups are paginated independently with the same page and size and
// the concatenation is truncated to size, so a page can hold expired coupons
// while later pages still hold valid ones.
func (m *Manager) List(ctx context.Context, req ListRequest) (*Page, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Size < 1 {
		req.Size = DefaultPageSize
	}
	if req.Size > MaxPageSize {
		req.Size = MaxPageSize
	}

	var (
		cutoff  = m.settings.Clock()
		offset  = (req.Page - 1) * req.Size
		current []*Coupon
		expired []*Coupon
		total   int
	)
	window := func(b Bucket) WindowQuery {
		return WindowQuery{
			Filter: req.Filter,
			Bucket: b,
			Cutoff: cutoff,
			Limit:  req.Size,
			Offset: offset,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if current, err = m.store.ListWindow(gctx, window(BucketCurrent)); err != nil {
			return errors.Wrap(err, "list current")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if expired, err = m.store.ListWindow(gctx, window(BucketExpired)); err != nil {
			return errors.Wrap(err, "list expired")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if total, err = m.store.Count(gctx, req.Filter); err != nil {
			return errors.Wrap(err, "count")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := append(current, expired...)
	if len(items) > req.Size {
		items = items[:req.Size]
	}

	return &Page{
		Items: items,
		Page:  req.Page,
		Size:  req.Size,
		Total: total,
	}, nil
}
