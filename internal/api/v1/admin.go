package v1

import (
	"net/http"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/service"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/gin-gonic/gin"
)

// AdminHandler serves privileged operations. The actor is read from the X-Actor-ID header.
type AdminHandler struct {
	service service.AdminService
	log     *logger.Logger
}

func NewAdminHandler(service service.AdminService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{service: service, log: log}
}

// @Summary Cancel subscription as admin
// @Tags Admin
// @Accept json
// @Produce json
// @Param X-Actor-ID header string true "Acting administrator"
// @Param subscriber_id path string true "Subscriber ID"
// @Param request body dto.CancelSubscriptionRequest true "Cancel Subscription Request"
// @Success 200 {object} dto.SubscriptionResponse
// @Router /admin/subscriptions/{subscriber_id}/cancel [post]
func (h *AdminHandler) CancelSubscription(c *gin.Context) {
	var req dto.CancelSubscriptionRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SubscriberID = c.Param("subscriber_id")

	ctx := c.Request.Context()
	resp, err := h.service.Cancel(ctx, types.GetActorID(ctx), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Refund a payment
// @Tags Admin
// @Accept json
// @Produce json
// @Param X-Actor-ID header string true "Acting administrator"
// @Param request body dto.RefundRequest true "Refund Request"
// @Success 200 {object} dto.RefundResponse
// @Router /admin/refunds [post]
func (h *AdminHandler) Refund(c *gin.Context) {
	var req dto.RefundRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	resp, err := h.service.Refund(ctx, types.GetActorID(ctx), req)
	if err != nil {
		h.log.Errorw("refund failed",
			"subscriber_id", req.SubscriberID,
			"provider_payment_id", req.ProviderPaymentID,
			"error", err,
		)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary List unresolved webhook events
// @Tags Admin
// @Produce json
// @Param filter query types.WebhookEventFilter false "Filter"
// @Success 200 {object} dto.ListWebhookEventsResponse
// @Router /admin/webhooks/unresolved [get]
func (h *AdminHandler) ListUnresolvedWebhooks(c *gin.Context) {
	filter := types.WebhookEventFilter{QueryFilter: types.NewDefaultQueryFilter()}
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid filter parameters").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.service.ListUnresolvedWebhooks(c.Request.Context(), &filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Replay a webhook event
// @Description Reprocesses a stored event, including events past the attempt ceiling
// @Tags Admin
// @Produce json
// @Param X-Actor-ID header string true "Acting administrator"
// @Param id path string true "Webhook event ID"
// @Success 200 {object} dto.IngestWebhookResponse
// @Router /admin/webhooks/{id}/replay [post]
func (h *AdminHandler) ReplayWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	resp, err := h.service.ReplayWebhook(ctx, types.GetActorID(ctx), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// @Summary Replay unresolved webhook events
// @Description Replays every unprocessed event below the attempt ceiling, in order per subscription
// @Tags Admin
// @Produce json
// @Param X-Actor-ID header string true "Acting administrator"
// @Success 200 {object} dto.ReplaySummary
// @Router /admin/webhooks/replay [post]
func (h *AdminHandler) ReplayUnresolvedWebhooks(c *gin.Context) {
	ctx := c.Request.Context()
	resp, err := h.service.ReplayUnresolvedWebhooks(ctx, types.GetActorID(ctx))
	if err != nil {
		h.log.Errorw("webhook replay sweep failed", "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
