// Package handler implements the HTTP API of the coupon service.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/coupon-service/internal/domain/bulk"
	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/domain/redemption"
	"github.com/xenking/coupon-service/pkg/httpmiddleware"
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// APIKey must be sent in the access_token header of every API request.
	APIKey string
	// MaxBodySize limits JSON bodies and multipart uploads.
	MaxBodySize int64
}

// Handler serves the coupon API, delegating to the domain services.
type Handler struct {
	coupons  *coupon.Manager
	engine   *redemption.Engine
	bulk     *bulk.Service
	settings coupon.Settings
	cfg      Config
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, coupons *coupon.Manager, engine *redemption.Engine, bulkSvc *bulk.Service) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 16 << 20
	}
	return &Handler{
		coupons:  coupons,
		engine:   engine,
		bulk:     bulkSvc,
		settings: coupons.Settings(),
		cfg:      cfg,
	}
}

// Router returns the versioned API routes. Every route requires the API key.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Group(func(r chi.Router) {
		r.Use(httpmiddleware.APIKey(h.cfg.APIKey))

		r.Route("/v1", func(r chi.Router) {
			r.Route("/coupons", func(r chi.Router) {
				r.Get("/", h.listCoupons)
				r.Post("/", h.createCoupon)
				r.Get("/validate", h.validateCoupon)
				r.Post("/bulk/by-client", h.bulkCreate)

				r.Get("/{couponID}", h.getCoupon)
				r.Put("/{couponID}", h.updateCoupon)
				r.Delete("/{couponID}", h.deleteCoupon)
				r.Post("/{couponID}/activate", h.activateCoupon)
				r.Post("/{couponID}/deactivate", h.deactivateCoupon)

				r.Put("/{code}/reserved", h.reserve)
				r.Put("/{code}/unreserved", h.release)
				r.Put("/{code}/confirmed", h.confirm)
			})
			r.Get("/tasks/{taskID}", h.getTask)
		})

		r.Route("/v2/coupons", func(r chi.Router) {
			r.Put("/reserved", h.reserve)
			r.Put("/unreserved", h.release)
			r.Put("/confirmed", h.confirm)
		})
	})
	return r
}
