package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/service"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/gin-gonic/gin"
)

type SubscriptionHandler struct {
	service    service.SubscriptionService
	prorations service.ProrationService
	log        *logger.Logger
}

func NewSubscriptionHandler(service service.SubscriptionService, prorations service.ProrationService, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{service: service, prorations: prorations, log: log}
}

// bindJSON decodes the request body into req, an empty body leaves req untouched
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request format").
			Mark(ierr.ErrValidation))
		return false
	}
	return true
}

// @Summary Create subscription
// @Tags Subscriptions
// @Accept json
// @Produce json
// @Param subscription body dto.CreateSubscriptionRequest true "Subscription Request"
// @Success 201 {object} dto.SubscriptionResponse
// @Router /subscriptions [post]
func (h *SubscriptionHandler) CreateSubscription(c *gin.Context) {
	var req dto.CreateSubscriptionRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.log.Errorw("failed to create subscription", "subscriber_id", req.SubscriberID, "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// @Summary Get subscription
// @Tags Subscriptions
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Success 200 {object} dto.SubscriptionResponse
// @Router /subscriptions/{subscriber_id} [get]
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	resp, err := h.service.Get(c.Request.Context(), c.Param("subscriber_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Get entitlement
// @Tags Subscriptions
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Success 200 {object} dto.EntitlementResponse
// @Router /subscriptions/{subscriber_id}/entitlement [get]
func (h *SubscriptionHandler) GetEntitlement(c *gin.Context) {
	resp, err := h.service.Entitlement(c.Request.Context(), c.Param("subscriber_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary List payment attempts
// @Tags Subscriptions
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Param filter query types.PaymentAttemptFilter false "Filter"
// @Success 200 {object} dto.ListPaymentAttemptsResponse
// @Router /subscriptions/{subscriber_id}/payments [get]
func (h *SubscriptionHandler) ListPaymentAttempts(c *gin.Context) {
	filter := types.PaymentAttemptFilter{QueryFilter: types.NewDefaultQueryFilter()}
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid filter parameters").
			Mark(ierr.ErrValidation))
		return
	}
	filter.SubscriberID = c.Param("subscriber_id")

	resp, err := h.service.ListPaymentAttempts(c.Request.Context(), &filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Preview proration
// @Description Quote a tier change without committing it
// @Tags Subscriptions
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Param tier query string true "Target tier"
// @Param interval query string false "Target billing interval"
// @Success 200 {object} proration.Preview
// @Router /subscriptions/{subscriber_id}/preview [get]
func (h *SubscriptionHandler) PreviewProration(c *gin.Context) {
	var req dto.ProrationPreviewRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid preview parameters").
			Mark(ierr.ErrValidation))
		return
	}
	req.SubscriberID = c.Param("subscriber_id")

	resp, err := h.prorations.Preview(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Upgrade subscription
// @Tags Subscriptions
// @Accept json
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Param request body dto.ChangeTierRequest true "Tier change"
// @Success 200 {object} dto.ChangeTierResponse
// @Router /subscriptions/{subscriber_id}/upgrade [post]
func (h *SubscriptionHandler) Upgrade(c *gin.Context) {
	var req dto.ChangeTierRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SubscriberID = c.Param("subscriber_id")

	resp, err := h.service.Upgrade(c.Request.Context(), req)
	if err != nil {
		h.log.Errorw("failed to upgrade subscription", "subscriber_id", req.SubscriberID, "tier", req.NewTier, "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Downgrade subscription
// @Description Schedules the change for the period end unless immediate is set
// @Tags Subscriptions
// @Accept json
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Param request body dto.DowngradeRequest true "Tier change"
// @Success 200 {object} dto.ChangeTierResponse
// @Router /subscriptions/{subscriber_id}/downgrade [post]
func (h *SubscriptionHandler) Downgrade(c *gin.Context) {
	var req dto.DowngradeRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SubscriberID = c.Param("subscriber_id")

	resp, err := h.service.Downgrade(c.Request.Context(), req)
	if err != nil {
		h.log.Errorw("failed to downgrade subscription", "subscriber_id", req.SubscriberID, "tier", req.NewTier, "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Cancel subscription
// @Tags Subscriptions
// @Accept json
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Param request body dto.CancelSubscriptionRequest true "Cancel Subscription Request"
// @Success 200 {object} dto.SubscriptionResponse
// @Router /subscriptions/{subscriber_id}/cancel [post]
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	var req dto.CancelSubscriptionRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SubscriberID = c.Param("subscriber_id")

	resp, err := h.service.Cancel(c.Request.Context(), req)
	if err != nil {
		h.log.Errorw("failed to cancel subscription", "subscriber_id", req.SubscriberID, "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Reactivate subscription
// @Description Undo a pending cancellation before the period ends
// @Tags Subscriptions
// @Produce json
// @Param subscriber_id path string true "Subscriber ID"
// @Success 200 {object} dto.SubscriptionResponse
// @Router /subscriptions/{subscriber_id}/reactivate [post]
func (h *SubscriptionHandler) Reactivate(c *gin.Context) {
	resp, err := h.service.Reactivate(c.Request.Context(), c.Param("subscriber_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
