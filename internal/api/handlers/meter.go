// Metering endpoint: the check-and-consume decision surfaced over HTTP for
// the request-serving paths. Callers pass an estimated token count; the
// decision is returned with the remaining/required breakdown so the caller
// can surface a useful denial message.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tokengate/internal/core"
	"tokengate/internal/types"
)

// QuotaChecker is the inbound metering interface: gate a request against the
// caller's tier and quota, consuming on allow.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, userID string, model types.ModelClass, estimated int64) (types.QuotaDecision, error)
}

// MeterCheckRequest is the request body for POST /v1/meter/check.
type MeterCheckRequest struct {
	Model  types.ModelClass `json:"model" validate:"required,oneof=text vision speech"`
	Tokens int64            `json:"tokens" validate:"gte=0"`
}

// MeterHandler serves quota decisions to the request-serving paths.
type MeterHandler struct {
	meter     QuotaChecker
	validator *core.Validator
	logger    *slog.Logger
}

// NewMeterHandler creates a new MeterHandler.
func NewMeterHandler(meter QuotaChecker, v *core.Validator, l *slog.Logger) *MeterHandler {
	if l == nil {
		l = slog.Default()
	}
	return &MeterHandler{meter: meter, validator: v, logger: l}
}

// RegisterRoutes mounts the metering endpoint.
func (h *MeterHandler) RegisterRoutes(r chi.Router) {
	r.Post("/meter/check", h.Check)
}

// Check handles POST /v1/meter/check.
//
// A denial is reported as a 429 error response with the remaining/required
// breakdown in details; the error code distinguishes an exhausted quota from
// a model class the tier does not allow.
func (h *MeterHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req MeterCheckRequest
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

	decision, err := h.meter.CheckAndConsume(r.Context(), userID, req.Model, req.Tokens)
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			h.logger.ErrorContext(r.Context(), "meter check failed",
				"user_id", userID,
				"error", err,
			)
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}
