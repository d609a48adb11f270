package handler

import (
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/coupon-service/internal/domain/coupon"
)

func (h *Handler) parser(v url.Values) *fieldParser {
	return &fieldParser{values: v, loc: h.settings.Loc()}
}

// readBody decodes a JSON object body into url.Values.
func (h *Handler) readBody(r *http.Request) (url.Values, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if int64(len(data)) > h.cfg.MaxBodySize {
		return nil, badField("body", "is too large")
	}
	return decodeValues(data)
}

// parseInput reads the editable coupon attributes.
func (h *Handler) parseInput(v url.Values) (coupon.Input, error) {
	p := h.parser(v)
	in := coupon.Input{
		Description:       p.String("description"),
		Code:              p.require("code"),
		CustomerKey:       p.OptString("customer_key"),
		ValidFrom:         p.Time("valid_from"),
		ValidUntil:        p.Time("valid_until"),
		MaxUsage:          p.OptInt("max_usage"),
		Type:              coupon.DiscountType(p.require("type")),
		Value:             p.Decimal("value"),
		MaxAmount:         p.OptDecimal("max_amount"),
		MinPurchaseAmount: p.OptDecimal("min_purchase_amount"),
		FirstPurchase:     p.Bool("first_purchase"),
		LimitPerCustomer:  p.OptInt("limit_per_customer"),
		Budget:            p.OptDecimal("budget"),
		CreatedBy:         p.String("user_create"),
	}
	return in, p.err
}

func (h *Handler) listCoupons(w http.ResponseWriter, r *http.Request) {
	p := h.parser(r.URL.Query())
	req := coupon.ListRequest{
		Filter: coupon.Filter{
			Active:      p.OptBool("active"),
			ValidFrom:   p.OptTime("valid_from"),
			ValidUntil:  p.OptTime("valid_until"),
			Description: p.String("description"),
			Code:        p.String("code"),
		},
		Page: p.Int("page", 1),
		Size: p.Int("size", coupon.DefaultPageSize),
	}
	switch {
	case p.err != nil:
		h.fail(w, r, p.err)
		return
	case req.Page < 1:
		h.fail(w, r, badField("page", "must be greater than 0"))
		return
	case req.Size < 1 || req.Size > coupon.MaxPageSize:
		h.fail(w, r, badField("size", "must be between 1 and 100"))
		return
	}

	page, err := h.coupons.List(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodePage(e, page) })
}

func (h *Handler) createCoupon(w http.ResponseWriter, r *http.Request) {
	v, err := h.readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := h.parseInput(v)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.coupons.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { h.encodeCoupon(e, c) })
}

func (h *Handler) getCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.Get(r.Context(), chi.URLParam(r, "couponID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeCoupon(e, c) })
}

func (h *Handler) updateCoupon(w http.ResponseWriter, r *http.Request) {
	v, err := h.readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := h.parseInput(v)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.coupons.Update(r.Context(), chi.URLParam(r, "couponID"), in); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteCoupon soft deletes the coupon. The optional user_delete query
// parameter records who deleted it.
func (h *Handler) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	by := r.URL.Query().Get("user_delete")
	if err := h.coupons.Delete(r.Context(), chi.URLParam(r, "couponID"), by); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) activateCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.Activate(r.Context(), chi.URLParam(r, "couponID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deactivateCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.Deactivate(r.Context(), chi.URLParam(r, "couponID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
