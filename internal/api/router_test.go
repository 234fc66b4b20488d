package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	v1 "github.com/flexprice/billing-lifecycle/internal/api/v1"
	"github.com/flexprice/billing-lifecycle/internal/domain/tier"
	"github.com/flexprice/billing-lifecycle/internal/integration/stripe"
	"github.com/flexprice/billing-lifecycle/internal/paymenterror"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/rest/middleware"
	"github.com/flexprice/billing-lifecycle/internal/service"
	"github.com/flexprice/billing-lifecycle/internal/testutil"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RouterSuite struct {
	testutil.BaseServiceTestSuite
	router *gin.Engine
}

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	stores := s.GetStores()
	decoder := stripe.NewEventDecoder(s.GetConfig())
	params := service.ServiceParams{
		Logger:           s.GetLogger(),
		Config:           s.GetConfig(),
		DB:               s.GetDB(),
		SubRepo:          stores.SubscriptionRepo,
		PaymentRepo:      stores.PaymentRepo,
		WebhookEventRepo: stores.WebhookEventRepo,
		Gateway:          s.GetGateway(),
		Decoder:          decoder,
		Tiers:            s.GetTiers(),
		Retry:            s.GetRetryExecutor(),
		Locker:           s.GetLocker(),
		Cache:            s.GetCache(),
		Audit:            s.GetAudit(),
		Sentry:           s.GetSentry(),
		Now:              s.GetNow,
	}

	subscriptions := service.NewSubscriptionService(params)
	webhooks := service.NewWebhookService(params)
	s.router = NewRouter(Handlers{
		Health:       v1.NewHealthHandler(),
		Subscription: v1.NewSubscriptionHandler(subscriptions, service.NewProrationService(params), s.GetLogger()),
		Webhook:      v1.NewWebhookHandler(webhooks, decoder, s.GetLogger()),
		Admin:        v1.NewAdminHandler(service.NewAdminService(params, subscriptions, webhooks), s.GetLogger()),
	}, s.GetConfig())
}

func (s *RouterSuite) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *RouterSuite) doJSON(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(s.T(), err)
	}
	return s.do(method, path, raw, headers)
}

func (s *RouterSuite) errorBody(w *httptest.ResponseRecorder) middleware.ErrorResponse {
	var resp middleware.ErrorResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (s *RouterSuite) create(subscriberID, tierID string) {
	w := s.doJSON(http.MethodPost, "/v1/subscriptions", map[string]any{
		"subscriber_id":        subscriberID,
		"provider_customer_id": "cus_" + subscriberID,
		"tier":                 tierID,
	}, nil)
	require.Equal(s.T(), http.StatusCreated, w.Code, w.Body.String())
}

func (s *RouterSuite) TestHealth() {
	w := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.NotEmpty(s.T(), w.Header().Get(types.HeaderRequestID))
}

func (s *RouterSuite) TestSubscriptionLifecycle() {
	s.create("user_1", tier.Explorer)

	w := s.do(http.MethodGet, "/v1/subscriptions/user_1", nil, map[string]string{types.HeaderRequestID: "req_1"})
	require.Equal(s.T(), http.StatusOK, w.Code)
	assert.Equal(s.T(), "req_1", w.Header().Get(types.HeaderRequestID))
	var sub dto.SubscriptionResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(s.T(), tier.Explorer, sub.Tier)
	assert.Equal(s.T(), types.SubscriptionStatusActive, sub.Status)

	w = s.do(http.MethodGet, "/v1/subscriptions/user_1/preview?tier=traveler", nil, nil)
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())

	w = s.doJSON(http.MethodPost, "/v1/subscriptions/user_1/upgrade", map[string]any{"tier": tier.Traveler}, nil)
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())
	var change dto.ChangeTierResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &change))
	assert.Equal(s.T(), tier.Traveler, change.Subscription.Tier)

	w = s.do(http.MethodGet, "/v1/subscriptions/user_1/payments", nil, nil)
	require.Equal(s.T(), http.StatusOK, w.Code)
	var payments dto.ListPaymentAttemptsResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &payments))
	assert.Len(s.T(), payments.Items, 1)

	// cancel accepts an empty body
	w = s.do(http.MethodPost, "/v1/subscriptions/user_1/cancel", nil, nil)
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/subscriptions/user_1/entitlement", nil, nil)
	require.Equal(s.T(), http.StatusOK, w.Code)
	var entitlement dto.EntitlementResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &entitlement))
	require.NotNil(s.T(), entitlement.Tier)
	assert.Equal(s.T(), tier.Free, entitlement.Tier.ID)
}

func (s *RouterSuite) TestErrorMapping() {
	w := s.do(http.MethodGet, "/v1/subscriptions/nobody", nil, nil)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
	assert.False(s.T(), s.errorBody(w).Success)

	w = s.do(http.MethodPost, "/v1/subscriptions", []byte(`{"subscriber_id":`), nil)
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)

	s.create("user_1", tier.Explorer)
	w = s.doJSON(http.MethodPost, "/v1/subscriptions", map[string]any{
		"subscriber_id":        "user_1",
		"provider_customer_id": "cus_user_1",
		"tier":                 tier.Traveler,
	}, nil)
	assert.Equal(s.T(), http.StatusConflict, w.Code)

	s.GetGateway().Script(testutil.OpUpdateSubscriptionItem, &provider.Error{
		Type:       provider.TypeCard,
		Code:       provider.CodeCardDeclined,
		HTTPStatus: http.StatusPaymentRequired,
	})
	w = s.doJSON(http.MethodPost, "/v1/subscriptions/user_1/upgrade", map[string]any{"tier": tier.Traveler}, nil)
	require.Equal(s.T(), http.StatusPaymentRequired, w.Code, w.Body.String())
	body := s.errorBody(w)
	require.NotNil(s.T(), body.Error.Payment)
	assert.Equal(s.T(), paymenterror.CodeCardDeclined, body.Error.Payment.Code)
	assert.Equal(s.T(), paymenterror.ActionUpdatePaymentMethod, body.Error.Payment.RecommendedAction)
	assert.NotEmpty(s.T(), body.Error.Display)
}

func (s *RouterSuite) TestStripeWebhook() {
	payload := testutil.InvoiceEvent{
		EventID:        "evt_1",
		Type:           string(types.WebhookEventTypeInvoicePaid),
		InvoiceID:      "in_1",
		SubscriptionID: "sub_unknown",
		AmountDue:      900,
		AmountPaid:     900,
		Status:         "paid",
	}.Payload()

	w := s.do(http.MethodPost, "/v1/webhooks/stripe", payload, map[string]string{
		"Stripe-Signature": testutil.SignPayload(payload, "whsec_wrong"),
	})
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/v1/webhooks/stripe", payload, nil)
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)

	// a verified event is acknowledged even when applying it fails
	headers := map[string]string{"Stripe-Signature": testutil.SignPayload(payload, testutil.TestWebhookSecret)}
	w = s.do(http.MethodPost, "/v1/webhooks/stripe", payload, headers)
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())
	var resp dto.IngestWebhookResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(s.T(), types.IngestResultFailed, resp.Result)

	w = s.do(http.MethodPost, "/v1/webhooks/stripe", payload, headers)
	require.Equal(s.T(), http.StatusOK, w.Code)
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(s.T(), types.IngestResultDuplicate, resp.Result)
}

func (s *RouterSuite) TestAdmin() {
	s.create("user_1", tier.Traveler)

	w := s.do(http.MethodPost, "/v1/admin/subscriptions/user_1/cancel", nil, nil)
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)

	actor := map[string]string{types.HeaderActorID: "admin_1"}
	w = s.doJSON(http.MethodPost, "/v1/admin/refunds", map[string]any{
		"subscriber_id":       "user_1",
		"provider_payment_id": "pi_1",
		"amount":              "5",
		"reason":              "goodwill",
	}, actor)
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())

	w = s.doJSON(http.MethodPost, "/v1/admin/subscriptions/user_1/cancel", map[string]any{"reason": "fraud"}, actor)
	require.Equal(s.T(), http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/v1/admin/webhooks/unresolved", nil, actor)
	require.Equal(s.T(), http.StatusOK, w.Code)
	var unresolved dto.ListWebhookEventsResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &unresolved))
	assert.Empty(s.T(), unresolved.Items)

	w = s.do(http.MethodPost, "/v1/admin/webhooks/whe_missing/replay", nil, actor)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)

	entries := s.GetAudit().Entries()
	require.Len(s.T(), entries, 2)
	for _, e := range entries {
		assert.Equal(s.T(), "admin_1", e.ActorID)
	}
}
