package coupon

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Manager implements the coupon lifecycle: create, update, soft delete,
// activation and listing.
type Manager struct {
	store    Store
	tx       TxManager
	settings Settings
}

// NewManager creates a Manager.
func NewManager(store Store, tx TxManager, settings Settings) *Manager {
	return &Manager{store: store, tx: tx, settings: settings}
}

// Settings returns the settings the manager was built with.
func (m *Manager) Settings() Settings {
	return m.settings
}

// Create persists a new active coupon. It fails with ErrDuplicateCouponName
// when an active coupon with the same code overlaps the requested window
// for the same customer scope. The window must not start before today.
func (m *Manager) Create(ctx context.Context, in Input) (*Coupon, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := in.CheckSchedule(m.settings.Clock(), m.settings.Loc(), true); err != nil {
		return nil, err
	}

	var created *Coupon
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		dup, err := m.store.HasOverlappingDuplicate(ctx, DuplicateQuery{
			Code:        in.Code,
			CustomerKey: in.CustomerKey,
			ValidFrom:   in.ValidFrom,
			ValidUntil:  in.ValidUntil,
		})
		if err != nil {
			return errors.Wrap(err, "check duplicate")
		}
		if dup {
			return ErrDuplicateCouponName
		}

		c := NewCoupon(in, m.settings.Clock())
		if err := m.store.Create(ctx, c); err != nil {
			return errors.Wrap(err, "create coupon")
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Coupon created",
		zap.String("coupon_id", created.ID),
		zap.String("code", created.Code),
	)
	return created, nil
}

// Update replaces the coupon attributes. Once the coupon has any usage only
// MaxUsage and ValidUntil are applied, the other fields are dropped.
func (m *Manager) Update(ctx context.Context, id string, in Input) error {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return err
	}
	if err := in.CheckSchedule(m.settings.Clock(), m.settings.Loc(), false); err != nil {
		return err
	}

	return m.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := m.lock(ctx, id)
		if err != nil {
			return err
		}

		dup, err := m.store.HasOverlappingDuplicate(ctx, DuplicateQuery{
			Code:        in.Code,
			CustomerKey: in.CustomerKey,
			ValidFrom:   in.ValidFrom,
			ValidUntil:  in.ValidUntil,
			ExcludeID:   id,
		})
		if err != nil {
			return errors.Wrap(err, "check duplicate")
		}
		if dup {
			return ErrDuplicateCouponName
		}

		total := c.Usage.Total()
		if in.MaxUsage != nil && total > *in.MaxUsage {
			return ErrMaxUsage
		}

		now := m.settings.Clock()
		movedBack := total > 0 && in.ValidFrom.Before(c.ValidFrom)
		startedMeanwhile := c.ValidFrom.Before(in.ValidFrom) && in.ValidFrom.Before(now)
		if movedBack || startedMeanwhile {
			return ErrValidFromInvalid
		}

		if total > 0 {
			c.MaxUsage = in.MaxUsage
			c.ValidUntil = in.ValidUntil
			if !c.ValidUntil.After(c.ValidFrom) {
				return invalid("valid_until", "must be greater than valid_from")
			}
			zctx.From(ctx).Debug("Coupon in use, applying only max_usage and valid_until",
				zap.String("coupon_id", id),
				zap.Int("total_usage", total),
			)
		} else {
			c.apply(in)
		}

		if err := m.store.Update(ctx, c); err != nil {
			return errors.Wrap(err, "update coupon")
		}
		return nil
	})
}

// Delete soft deletes a coupon that has never been used.
func (m *Manager) Delete(ctx context.Context, id, by string) error {
	return m.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := m.lock(ctx, id)
		if err != nil {
			return err
		}
		if c.Usage.Total() > 0 {
			return ErrUsedCouponDelete
		}
		if err := m.store.SoftDelete(ctx, id, m.settings.Clock(), by); err != nil {
			return errors.Wrap(err, "soft delete coupon")
		}
		zctx.From(ctx).Info("Coupon deleted", zap.String("coupon_id", id))
		return nil
	})
}

// Activate marks the coupon active. It fails with ErrAlreadyActive if it already is.
func (m *Manager) Activate(ctx context.Context, id string) error {
	return m.setActive(ctx, id, true)
}

// Deactivate marks the coupon inactive. It fails with ErrAlreadyDeactive if it already is.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	return m.setActive(ctx, id, false)
}

func (m *Manager) setActive(ctx context.Context, id string, active bool) error {
	return m.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := m.lock(ctx, id)
		if err != nil {
			return err
		}
		if c.Active == active {
			if active {
				return ErrAlreadyActive
			}
			return ErrAlreadyDeactive
		}
		if err := m.store.SetActive(ctx, id, active); err != nil {
			return errors.Wrap(err, "set active")
		}
		return nil
	})
}

// lock holds the coupon row until the transaction ends, so a concurrent
// reservation cannot add usage between the check and the write. Soft deleted
// coupons are reported as ErrNotFound.
func (m *Manager) lock(ctx context.Context, id string) (*Coupon, error) {
	c, err := m.store.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// Get returns a coupon by id with its usage aggregates.
func (m *Manager) Get(ctx context.Context, id string) (*Coupon, error) {
	return m.store.FindByID(ctx, id)
}
