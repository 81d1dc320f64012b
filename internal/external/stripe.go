package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/singleflight"

	"tokengate/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	// Prices maps paid tiers to Stripe Price IDs. Defaults to the
	// price_<tier> convention when empty.
	Prices map[types.PlanTier]string
	Logger *slog.Logger
}

// StripeClient is the payment processor adapter. It makes direct HTTP calls
// to the Stripe REST API through BaseClient, so every command and query gets
// the platform's resilience treatment (circuit breaker, retries, error
// mapping) and tests run against httptest servers.
//
// Commands (ModifyPrice, CancelAtPeriodEnd, CancelNow) either succeed at the
// processor or return a typed error; they never mutate local state. Queries
// (GetPeriodEnd, GetPendingChange) are collapsed per subscription with
// singleflight, since webhook redelivery routinely asks the same question
// several times at once.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger

	priceToPlan map[string]types.PlanTier
	planToPrice map[types.PlanTier]string

	periodEnds singleflight.Group
}

// NewStripeClient creates a new StripeClient. The httpClient timeout should
// be 20 seconds; a processor that has not answered by then counts as a failed
// command.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"TokenGate/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prices := cfg.Prices
	if len(prices) == 0 {
		prices = map[types.PlanTier]string{
			types.PlanStarter: "price_starter",
			types.PlanPro:     "price_pro",
			types.PlanScale:   "price_scale",
		}
	}
	reverse := make(map[string]types.PlanTier, len(prices))
	for plan, id := range prices {
		reverse[id] = plan
	}

	return &StripeClient{
		base:        base,
		secretKey:   cfg.SecretKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		logger:      logger,
		priceToPlan: reverse,
		planToPrice: prices,
	}
}

// PlanForPrice returns the tier sold under the given Stripe Price ID, or the
// free tier for unknown prices.
func (s *StripeClient) PlanForPrice(priceID string) types.PlanTier {
	if plan, ok := s.priceToPlan[priceID]; ok {
		return plan
	}
	return types.PlanFree
}

// PriceForPlan returns the Stripe Price ID for a paid tier.
func (s *StripeClient) PriceForPlan(plan types.PlanTier) string {
	if id, ok := s.planToPrice[plan]; ok {
		return id
	}
	return "price_" + string(plan)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetPeriodEnd returns the current billing period end for the subscription.
// Concurrent lookups for the same subscription share one request.
func (s *StripeClient) GetPeriodEnd(ctx context.Context, subscriptionRef string) (time.Time, error) {
	v, err, _ := s.periodEnds.Do(subscriptionRef, func() (any, error) {
		sub, err := s.getSubscription(ctx, subscriptionRef)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sub.CurrentPeriodEnd, 0).UTC(), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

// GetPendingChange returns the processor-side deferred plan change scheduled
// for the subscription, or nil when none exists. Deferred changes live in
// subscription schedules as a future phase with a different price.
func (s *StripeClient) GetPendingChange(ctx context.Context, subscriptionRef string) (*types.PendingChange, error) {
	params := url.Values{}
	params.Set("subscription", subscriptionRef)

	resp, err := s.doGet(ctx, "/v1/subscription_schedules", params)
	if err != nil {
		return nil, s.wrapProcessorError("GetPendingChange", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetPendingChange")
	}

	var list stripeScheduleList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe schedule list response",
			err,
		)
	}

	now := time.Now().Unix()
	for _, sched := range list.Data {
		if sched.Status != "active" && sched.Status != "not_started" {
			continue
		}
		for _, phase := range sched.Phases {
			if phase.StartDate <= now || len(phase.Items) == 0 {
				continue
			}
			return &types.PendingChange{
				TargetPrice: phase.Items[0].Price,
				EffectiveAt: time.Unix(phase.StartDate, 0).UTC(),
			}, nil
		}
	}
	return nil, nil
}

// getSubscription retrieves the raw subscription object.
func (s *StripeClient) getSubscription(ctx context.Context, subscriptionRef string) (*stripeSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+subscriptionRef, nil)
	if err != nil {
		return nil, s.wrapProcessorError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}
	return &sub, nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// CancelAtPeriodEnd flags the subscription to terminate at the period
// boundary instead of renewing.
func (s *StripeClient) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error {
	params := url.Values{}
	params.Set("cancel_at_period_end", "true")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+subscriptionRef, params)
	if err != nil {
		return s.wrapProcessorError("CancelAtPeriodEnd", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelAtPeriodEnd")
	}
	return nil
}

// ModifyPrice swaps the subscription's single item to the given price without
// proration. The swap takes effect at the next billing boundary, which is how
// paid-to-paid downgrades are expressed processor-side.
func (s *StripeClient) ModifyPrice(ctx context.Context, subscriptionRef, priceID string) error {
	sub, err := s.getSubscription(ctx, subscriptionRef)
	if err != nil {
		return err
	}
	if len(sub.Items.Data) == 0 {
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("subscription %s has no items to modify", subscriptionRef),
			nil,
		)
	}

	params := url.Values{}
	params.Set("items[0][id]", sub.Items.Data[0].ID)
	params.Set("items[0][price]", priceID)
	params.Set("proration_behavior", "none")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+subscriptionRef, params)
	if err != nil {
		return s.wrapProcessorError("ModifyPrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "ModifyPrice")
	}
	return nil
}

// CancelNow terminates the subscription immediately. Used when reconciliation
// finds a live subscription attached to a free-tier record.
func (s *StripeClient) CancelNow(ctx context.Context, subscriptionRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/v1/subscriptions/"+subscriptionRef, nil)
	if err != nil {
		return err
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapProcessorError("CancelNow", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelNow")
	}
	return nil
}

// CreateCheckoutSession generates a Stripe Checkout Session URL for an
// upgrade. client_reference_id carries the user ID so checkout-completed
// events can be correlated locally.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	userID string,
	customerRef string,
	plan types.PlanTier,
	urls types.RedirectURLs,
) (checkoutURL string, sessionID string, err error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", userID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[plan]", string(plan))
	params.Set("line_items[0][price]", s.PriceForPlan(plan))
	params.Set("line_items[0][quantity]", "1")
	if customerRef != "" {
		params.Set("customer", customerRef)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapProcessorError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return session.URL, session.ID, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapProcessorError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapProcessorError(operation string, err error) error {
	// AppErrors from BaseClient already carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProcessor,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeSubscription struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64                   `json:"current_period_end"`
	Items             stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeScheduleList struct {
	Data []stripeSchedule `json:"data"`
}

type stripeSchedule struct {
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Phases []stripeSchedulePhase `json:"phases"`
}

type stripeSchedulePhase struct {
	StartDate int64                     `json:"start_date"`
	Items     []stripeSchedulePhaseItem `json:"items"`
}

type stripeSchedulePhaseItem struct {
	Price string `json:"price"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier checks webhook signatures using stripe-go's webhook
// verification: HMAC-SHA256 over the payload with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
