// Package handlers contains the HTTP handler implementations for the
// TokenGate API: the Stripe webhook adapter, user-facing billing endpoints,
// and the internal metering endpoint.
//
// The webhook handler is NOT behind auth middleware -- it is called directly
// by Stripe. Security is provided by verifying the Stripe-Signature header
// using HMAC-SHA256.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tokengate/internal/core"
	"tokengate/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload
// (64 KB). Stripe payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Stripe wire-level event type strings handled by this adapter.
const (
	eventCheckoutCompleted    = "checkout.session.completed"
	eventSubUpdated           = "customer.subscription.updated"
	eventSubDeleted           = "customer.subscription.deleted"
	eventSubPendingApplied    = "customer.subscription.pending_update_applied"
	eventInvoicePaymentFailed = "invoice.payment_failed"
)

// WebhookVerifier validates a raw webhook payload against its signature
// header and signing secret.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// EntitlementApplier is the subset of the entitlement state machine driven by
// processor events. Every method receives the canonical, already-normalized
// ProcessorEvent; ordering and idempotency are the state machine's problem,
// not the transport's.
type EntitlementApplier interface {
	ApplyCheckoutCompleted(ctx context.Context, ev types.ProcessorEvent) error
	ApplySubscriptionUpdated(ctx context.Context, ev types.ProcessorEvent) error
	ApplySubscriptionDeleted(ctx context.Context, ev types.ProcessorEvent) error
	ApplyPendingUpdateApplied(ctx context.Context, ev types.ProcessorEvent) error
	ApplyPaymentFailed(ctx context.Context, ev types.ProcessorEvent) error
}

// PlanMapper resolves processor price IDs to local plan tiers.
type PlanMapper interface {
	PlanForPrice(priceID string) types.PlanTier
}

// StripeWebhookHandler handles asynchronous events from Stripe. It is
// unauthenticated (no user token) but verifies the provider signature, then
// flattens the provider's varying payload shapes into types.ProcessorEvent
// before handing off to the state machine.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	service  EntitlementApplier
	plans    PlanMapper
	secret   string
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler with the
// provided dependencies.
func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	service EntitlementApplier,
	plans PlanMapper,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		service:  service,
		plans:    plans,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint. This is separate from
// BillingHandler.RegisterRoutes because webhook routes are public (no auth
// middleware).
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events.
//
//  1. Reads body and the "Stripe-Signature" header.
//  2. Verifies the signature using the webhook signing secret.
//  3. Parses the event JSON and normalizes it to a ProcessorEvent.
//  4. Routes to the state machine by event type.
//  5. Returns 200 OK once the signature has verified, even when processing
//     failed: Stripe retries on non-2xx, and retrying an event the guard
//     already rejected (or a transient failure we logged) only amplifies
//     load. Redelivery of an applied event is absorbed by the ordering guard.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		// Acknowledged anyway; see the Handle doc comment.
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent normalizes the raw event and dispatches it to the state machine.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case eventCheckoutCompleted:
		ev, err := h.normalizeCheckout(event)
		if err != nil {
			return err
		}
		return h.service.ApplyCheckoutCompleted(ctx, ev)

	case eventSubUpdated:
		ev, err := h.normalizeSubscription(event, types.EventSubUpdated)
		if err != nil {
			return err
		}
		return h.service.ApplySubscriptionUpdated(ctx, ev)

	case eventSubDeleted:
		ev, err := h.normalizeSubscription(event, types.EventSubDeleted)
		if err != nil {
			return err
		}
		return h.service.ApplySubscriptionDeleted(ctx, ev)

	case eventSubPendingApplied:
		ev, err := h.normalizeSubscription(event, types.EventSubPendingApplied)
		if err != nil {
			return err
		}
		return h.service.ApplyPendingUpdateApplied(ctx, ev)

	case eventInvoicePaymentFailed:
		ev, err := h.normalizeInvoice(event)
		if err != nil {
			return err
		}
		return h.service.ApplyPaymentFailed(ctx, ev)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// normalizeCheckout flattens a checkout.session.completed payload. The user
// ID travels as client_reference_id (set by our CreateCheckoutSession) with
// metadata.user_id as fallback; the target tier travels as metadata.plan.
func (h *StripeWebhookHandler) normalizeCheckout(event *stripeWebhookEvent) (types.ProcessorEvent, error) {
	var session stripeCheckoutSessionObj
	if err := event.unmarshalObject(&session); err != nil {
		return types.ProcessorEvent{}, fmt.Errorf("checkout.session.completed %s: %w", event.ID, err)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return types.ProcessorEvent{}, fmt.Errorf("checkout.session.completed %s: no user reference", event.ID)
	}

	return types.ProcessorEvent{
		Type:            types.EventCheckoutCompleted,
		EventID:         event.ID,
		Created:         event.Created,
		UserID:          userID,
		TargetPlan:      types.PlanTier(session.Metadata["plan"]),
		SubscriptionRef: session.Subscription.ID,
		CustomerRef:     session.Customer.ID,
		Status:          types.SubStatusActive,
	}, nil
}

// normalizeSubscription flattens a customer.subscription.* payload.
func (h *StripeWebhookHandler) normalizeSubscription(event *stripeWebhookEvent, typ types.ProcessorEventType) (types.ProcessorEvent, error) {
	var sub stripeSubscriptionObj
	if err := event.unmarshalObject(&sub); err != nil {
		return types.ProcessorEvent{}, fmt.Errorf("%s %s: %w", event.Type, event.ID, err)
	}
	if sub.ID == "" {
		return types.ProcessorEvent{}, fmt.Errorf("%s %s: no subscription id", event.Type, event.ID)
	}

	ev := types.ProcessorEvent{
		Type:              typ,
		EventID:           event.ID,
		Created:           event.Created,
		UserID:            sub.Metadata["user_id"],
		SubscriptionRef:   sub.ID,
		CustomerRef:       sub.Customer.ID,
		Status:            types.ParseSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ev.CurrentPeriodEnd = &end
	}
	if len(sub.Items.Data) > 0 && h.plans != nil {
		ev.TargetPlan = h.plans.PlanForPrice(sub.Items.Data[0].Price.ID)
	}
	return ev, nil
}

// normalizeInvoice flattens an invoice.payment_failed payload. Only the
// subscription reference matters; the state machine resolves the user.
func (h *StripeWebhookHandler) normalizeInvoice(event *stripeWebhookEvent) (types.ProcessorEvent, error) {
	var invoice stripeInvoiceObj
	if err := event.unmarshalObject(&invoice); err != nil {
		return types.ProcessorEvent{}, fmt.Errorf("%s %s: %w", event.Type, event.ID, err)
	}
	if invoice.Subscription.ID == "" {
		return types.ProcessorEvent{}, fmt.Errorf("%s %s: no subscription reference", event.Type, event.ID)
	}

	ev := types.ProcessorEvent{
		Type:            types.EventInvoicePaymentFailed,
		EventID:         event.ID,
		Created:         event.Created,
		SubscriptionRef: invoice.Subscription.ID,
		CustomerRef:     invoice.Customer.ID,
		Status:          types.SubStatusPastDue,
	}
	if invoice.SubscriptionDetails != nil {
		ev.UserID = invoice.SubscriptionDetails.Metadata["user_id"]
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event
// tailored to extract the fields needed for routing and normalization. We
// avoid importing the full stripe.Event type to keep the handler decoupled
// from the stripe-go object graph and to make testing straightforward.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// unmarshalObject decodes the event's data.object into dst.
func (e *stripeWebhookEvent) unmarshalObject(dst any) error {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("malformed event data: %w", err)
	}
	if len(data.Object) == 0 {
		return fmt.Errorf("event data has no object")
	}
	if err := json.Unmarshal(data.Object, dst); err != nil {
		return fmt.Errorf("malformed event object: %w", err)
	}
	return nil
}

// stripeEventData wraps the event data object.
type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeRef normalizes Stripe's expandable references, which arrive either as
// a bare ID string ("cus_123") or as an embedded object ({"id": "cus_123"}).
type stripeRef struct {
	ID string
}

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		r.ID = ""
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

// stripeCheckoutSessionObj carries the minimal fields from a
// checkout.session.completed event's data object.
type stripeCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Subscription      stripeRef         `json:"subscription"`
	Customer          stripeRef         `json:"customer"`
}

// stripeSubscriptionObj carries the minimal fields from a
// customer.subscription.* event's data object.
type stripeSubscriptionObj struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Customer          stripeRef         `json:"customer"`
	Metadata          map[string]string `json:"metadata"`
	Items             stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

// stripeInvoiceObj carries the minimal fields from an invoice event's data
// object.
type stripeInvoiceObj struct {
	Subscription        stripeRef         `json:"subscription"`
	Customer            stripeRef         `json:"customer"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *stripeSubDetails `json:"subscription_details"`
}

type stripeSubDetails struct {
	Metadata map[string]string `json:"metadata"`
}
