// Billing endpoints: checkout session creation, scheduled downgrades and
// cancellations, and the read-only subscription and usage views. All routes
// here require an authenticated user in the request context.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tokengate/internal/core"
	"tokengate/internal/types"
)

// CheckoutStarter creates processor-side checkout sessions for upgrades.
type CheckoutStarter interface {
	CreateCheckoutSession(
		ctx context.Context,
		userID string,
		customerRef string,
		plan types.PlanTier,
		urls types.RedirectURLs,
	) (checkoutURL string, sessionID string, err error)
}

// SubscriptionManager is the user-command surface of the entitlement state
// machine plus the reads the billing endpoints serve.
type SubscriptionManager interface {
	GetEntitlement(ctx context.Context, userID string) *types.Entitlement
	Summary(ctx context.Context, userID string) *types.SubscriptionSummary
	RequestDowngrade(ctx context.Context, userID string, target types.PlanTier) error
	RequestCancel(ctx context.Context, userID string) error
}

// UsageReader provides the current-period usage snapshot.
type UsageReader interface {
	GetCurrentUsage(ctx context.Context, userID string) (*types.UsageSnapshot, error)
}

// CreateCheckoutRequest is the request body for POST /v1/billing/checkout.
//
// SuccessURL and CancelURL are intentionally omitted: redirect URLs are
// constructed server-side from the configured dashboard URL to prevent open
// redirects.
type CreateCheckoutRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,oneof=starter pro scale"`
}

// CheckoutResponse is the response for POST /v1/billing/checkout.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// DowngradeRequest is the request body for POST /v1/billing/downgrade.
type DowngradeRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,oneof=free starter pro scale"`
}

// BillingHandler handles synchronous billing actions initiated by the user.
type BillingHandler struct {
	checkout     CheckoutStarter
	subs         SubscriptionManager
	usage        UsageReader
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

// NewBillingHandler creates a new BillingHandler with the provided
// dependencies.
func NewBillingHandler(
	checkout CheckoutStarter,
	subs SubscriptionManager,
	usage UsageReader,
	v *core.Validator,
	dashboardURL string,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		checkout:     checkout,
		subs:         subs,
		usage:        usage,
		validator:    v,
		dashboardURL: dashboardURL,
		logger:       l,
	}
}

// RegisterRoutes mounts all billing endpoints. The parent router already
// applies the user-context middleware.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout", h.CreateCheckout)
	r.Post("/billing/downgrade", h.Downgrade)
	r.Post("/billing/cancel", h.Cancel)
	r.Get("/billing/subscription", h.GetSubscription)
	r.Get("/billing/usage", h.GetUsage)
}

// CreateCheckout handles POST /v1/billing/checkout.
//
// Upgrades are not applied here: the checkout session only opens the payment
// flow, and the plan lands locally when the checkout-completed event arrives.
// An existing customer_ref is passed along so the processor reuses the
// customer instead of minting a duplicate.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"user context is required",
			nil,
		))
		return
	}

	ent := h.subs.GetEntitlement(r.Context(), userID)
	if req.Plan.Rank() <= ent.Plan.Rank() {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationNotUpgrade,
			"checkout is for upgrades; use downgrade or cancel to reduce the plan",
			nil,
			map[string]any{
				"current_plan": string(ent.Plan),
				"target_plan":  string(req.Plan),
			},
		))
		return
	}

	urls := types.RedirectURLs{
		Success: h.dashboardURL + "/billing?success=true",
		Cancel:  h.dashboardURL + "/billing?canceled=true",
	}
	checkoutURL, sessionID, err := h.checkout.CreateCheckoutSession(
		r.Context(), userID, ent.CustomerRef, req.Plan, urls,
	)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"user_id", userID,
			"plan", req.Plan,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: CheckoutResponse{CheckoutURL: checkoutURL, SessionID: sessionID},
	})
}

// Downgrade handles POST /v1/billing/downgrade. The change is scheduled for
// the end of the paid period; the current plan stays live until then.
func (h *BillingHandler) Downgrade(w http.ResponseWriter, r *http.Request) {
	var req DowngradeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"user context is required",
			nil,
		))
		return
	}

	if err := h.subs.RequestDowngrade(r.Context(), userID, req.Plan); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: h.subs.Summary(r.Context(), userID),
	})
}

// Cancel handles POST /v1/billing/cancel: a downgrade to free scheduled for
// the end of the paid period.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"user context is required",
			nil,
		))
		return
	}

	if err := h.subs.RequestCancel(r.Context(), userID); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: h.subs.Summary(r.Context(), userID),
	})
}

// GetSubscription handles GET /v1/billing/subscription.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"user context is required",
			nil,
		))
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: h.subs.Summary(r.Context(), userID),
	})
}

// GetUsage handles GET /v1/billing/usage.
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"user context is required",
			nil,
		))
		return
	}

	snapshot, err := h.usage.GetCurrentUsage(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snapshot})
}
