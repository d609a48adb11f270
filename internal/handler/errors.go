package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/pkg/httpmiddleware"
)

var kindStatus = map[coupon.Kind]int{
	coupon.KindNotFound:     http.StatusNotFound,
	coupon.KindPrecondition: http.StatusPreconditionFailed,
	coupon.KindConflict:     http.StatusConflict,
	coupon.KindInvalid:      http.StatusUnprocessableEntity,
}

// fail writes the error envelope for err. Errors outside the domain
// taxonomy are logged and hidden behind internal_error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr     *requestError
		invalidErr *coupon.InvalidError
		domainErr  *coupon.Error
	)
	switch {
	case errors.As(err, &reqErr):
		httpmiddleware.WriteError(w, http.StatusUnprocessableEntity, "invalid_request", reqErr.Error())
	case errors.As(err, &invalidErr):
		de := invalidErr.Domain()
		httpmiddleware.WriteError(w, kindStatus[de.Kind], de.Code, de.Message)
	case errors.As(err, &domainErr):
		status, ok := kindStatus[domainErr.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		httpmiddleware.WriteError(w, status, domainErr.Code, domainErr.Message)
	default:
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
