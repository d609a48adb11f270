package handler

import (
	"net/http"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/domain/redemption"
)

// usageCode returns the coupon code of a usage request: the path parameter
// on v1 routes and the body field on v2 routes.
func usageCode(r *http.Request, p *fieldParser) string {
	if code := chi.URLParam(r, "code"); code != "" {
		return code
	}
	code := coupon.NormalizeCode(p.require("code"))
	if p.err == nil && !alphanumeric(code) {
		p.fail("code", "must be alphanumeric")
	}
	return code
}

func alphanumeric(s string) bool {
	for _, c := range s {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	v, err := h.readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := h.parser(v)
	req := redemption.ReserveRequest{
		Code:           usageCode(r, p),
		TransactionID:  p.require("transaction_id"),
		CustomerKey:    p.require("customer_key"),
		PurchaseAmount: p.Amount("purchase_amount"),
		FirstPurchase:  p.RequiredBool("first_purchase"),
	}
	if p.err != nil {
		h.fail(w, r, p.err)
		return
	}

	if _, err := h.engine.Reserve(r.Context(), req); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(code, txID string) error) {
	v, err := h.readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := h.parser(v)
	code := usageCode(r, p)
	txID := p.require("transaction_id")
	if p.err != nil {
		h.fail(w, r, p.err)
		return
	}
	if err := apply(code, txID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(code, txID string) error {
		return h.engine.Release(r.Context(), code, txID)
	})
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(code, txID string) error {
		return h.engine.Confirm(r.Context(), code, txID)
	})
}

func (h *Handler) validateCoupon(w http.ResponseWriter, r *http.Request) {
	p := h.parser(r.URL.Query())
	req := redemption.ValidateRequest{
		Code:           p.require("code"),
		CustomerKey:    p.require("customer_key"),
		PurchaseAmount: p.Amount("purchase_amount"),
		FirstPurchase:  p.RequiredBool("first_purchase"),
	}
	if p.err != nil {
		h.fail(w, r, p.err)
		return
	}

	res, err := h.engine.Validate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeValidation(e, res) })
}
