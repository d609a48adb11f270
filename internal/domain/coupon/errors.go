package coupon

import "fmt"

// Kind classifies domain errors for the transport layer.
type Kind int

const (
	// KindNotFound means the coupon or usage record does not exist or is not currently valid.
	KindNotFound Kind = iota + 1
	// KindPrecondition means a redemption or update guard rejected the operation.
	KindPrecondition
	// KindConflict means the operation clashes with the current coupon state.
	KindConflict
	// KindInvalid means the coupon attributes violate a data invariant.
	KindInvalid
)

// Error is a domain error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Domain errors. All of them are caller-correctable and never retried.
var (
	ErrNotFound = &Error{Kind: KindNotFound, Code: "coupon_not_exists", Message: "coupon not found"}
	// ErrNotAvailable is returned by validation when no currently valid coupon matches.
	ErrNotAvailable = &Error{Kind: KindNotFound, Code: "coupon_not_available", Message: "coupon not found"}
	ErrTaskNotFound = &Error{Kind: KindNotFound, Code: "task_not_exists", Message: "task not found"}

	ErrMaxUsage               = &Error{Kind: KindPrecondition, Code: "max_usage_reached", Message: "max usage was reached"}
	ErrLimitPerCustomer       = &Error{Kind: KindPrecondition, Code: "limit_per_customer_reached", Message: "limit per customer was reached"}
	ErrBudgetExceeded         = &Error{Kind: KindPrecondition, Code: "exceed_budget_limit", Message: "discount amount exceeds the budget limit"}
	ErrMinPurchaseAmount      = &Error{Kind: KindPrecondition, Code: "min_purchase_amount_error", Message: "min purchase amount is bigger than purchase amount"}
	ErrFirstPurchase          = &Error{Kind: KindPrecondition, Code: "first_purchase_error", Message: "only first purchase customers can use this coupon"}
	ErrDuplicateTransaction   = &Error{Kind: KindPrecondition, Code: "transaction_id_error", Message: "a reservation with this transaction id already exists"}
	ErrCouponAlreadyConfirmed = &Error{Kind: KindPrecondition, Code: "coupon_already_confirmed", Message: "coupon already confirmed"}
	ErrValidFromInvalid       = &Error{Kind: KindPrecondition, Code: "valid_from_invalid", Message: "attribute valid_from is invalid"}

	ErrDuplicateCouponName = &Error{Kind: KindConflict, Code: "duplicated_coupon", Message: "coupon name already been taken"}
	ErrAlreadyActive       = &Error{Kind: KindConflict, Code: "coupon_already_active", Message: "coupon is already active"}
	ErrAlreadyDeactive     = &Error{Kind: KindConflict, Code: "coupon_already_deactive", Message: "coupon is already deactive"}
	ErrUsedCouponDelete    = &Error{Kind: KindConflict, Code: "error_on_delete", Message: "could not delete a used coupon"}
)

// InvalidError reports a coupon attribute that violates a data invariant.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid coupon: %s %s", e.Field, e.Reason)
}

// Domain exposes the invalid error as a domain error for the transport layer.
func (e *InvalidError) Domain() *Error {
	return &Error{Kind: KindInvalid, Code: "invalid_coupon", Message: e.Error()}
}

func invalid(field, reason string) error {
	return &InvalidError{Field: field, Reason: reason}
}
