package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-service/internal/domain/bulk"
	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/domain/redemption"
)

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func money(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(2))
}

func optMoney(e *jx.Encoder, d *decimal.Decimal) {
	if d == nil {
		e.Null()
		return
	}
	money(e, *d)
}

func optInt(e *jx.Encoder, n *int) {
	if n == nil {
		e.Null()
		return
	}
	e.Int(*n)
}

func optStr(e *jx.Encoder, s *string) {
	if s == nil {
		e.Null()
		return
	}
	e.Str(*s)
}

func (h *Handler) timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.In(h.settings.Loc()).Format(time.RFC3339))
}

func (h *Handler) encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	e.ObjStart()
	e.FieldStart("coupon_id")
	e.Str(c.ID)
	e.FieldStart("description")
	e.Str(c.Description)
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("customer_key")
	optStr(e, c.CustomerKey)
	e.FieldStart("valid_from")
	h.timestamp(e, c.ValidFrom)
	e.FieldStart("valid_until")
	h.timestamp(e, c.ValidUntil)
	e.FieldStart("max_usage")
	optInt(e, c.MaxUsage)
	e.FieldStart("type")
	e.Str(string(c.Type))
	e.FieldStart("value")
	money(e, c.Value)
	e.FieldStart("max_amount")
	optMoney(e, c.MaxAmount)
	e.FieldStart("min_purchase_amount")
	optMoney(e, c.MinPurchaseAmount)
	e.FieldStart("first_purchase")
	e.Bool(c.FirstPurchase)
	e.FieldStart("limit_per_customer")
	optInt(e, c.LimitPerCustomer)
	e.FieldStart("active")
	e.Bool(c.Active)
	e.FieldStart("budget")
	optMoney(e, c.Budget)
	e.FieldStart("user_create")
	e.Str(c.CreatedBy)
	e.FieldStart("confirmed_usage")
	e.Int(c.Usage.Confirmed)
	e.FieldStart("reserved_usage")
	e.Int(c.Usage.Reserved)
	e.FieldStart("total_usage")
	e.Int(c.Usage.Total())
	e.ObjEnd()
}

func (h *Handler) encodePage(e *jx.Encoder, p *coupon.Page) {
	e.ObjStart()
	e.FieldStart("items")
	e.ArrStart()
	for _, c := range p.Items {
		h.encodeCoupon(e, c)
	}
	e.ArrEnd()
	e.FieldStart("page")
	e.Int(p.Page)
	e.FieldStart("size")
	e.Int(p.Size)
	e.FieldStart("total")
	e.Int(p.Total)
	e.ObjEnd()
}

func encodeValidation(e *jx.Encoder, v *redemption.Validation) {
	e.ObjStart()
	e.FieldStart("description")
	e.Str(v.Description)
	e.FieldStart("code")
	e.Str(v.Code)
	e.FieldStart("type")
	e.Str(string(v.Type))
	e.FieldStart("value")
	money(e, v.Value)
	e.FieldStart("discount")
	money(e, v.Discount)
	e.FieldStart("purchase_amount_with_discount")
	money(e, v.PurchaseAmountWithDiscount)
	e.ObjEnd()
}

func (h *Handler) encodeTask(e *jx.Encoder, t *bulk.Task) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(t.ID)
	e.FieldStart("status")
	e.Str(string(t.Status))
	e.FieldStart("result")
	e.Str(t.Result)
	e.FieldStart("data")
	if len(t.Data) == 0 {
		e.Null()
	} else {
		e.Raw(t.Data)
	}
	e.FieldStart("created_at")
	h.timestamp(e, t.CreatedAt)
	e.FieldStart("updated_at")
	if t.UpdatedAt == nil {
		e.Null()
	} else {
		h.timestamp(e, *t.UpdatedAt)
	}
	e.ObjEnd()
}
