package v1

import (
	"io"
	"net/http"

	"github.com/flexprice/billing-lifecycle/internal/api/dto"
	ierr "github.com/flexprice/billing-lifecycle/internal/errors"
	"github.com/flexprice/billing-lifecycle/internal/logger"
	"github.com/flexprice/billing-lifecycle/internal/provider"
	"github.com/flexprice/billing-lifecycle/internal/service"
	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds the payload read from the provider
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider notifications
type WebhookHandler struct {
	service service.WebhookService
	decoder provider.EventDecoder
	logger  *logger.Logger
}

func NewWebhookHandler(service service.WebhookService, decoder provider.EventDecoder, logger *logger.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, decoder: decoder, logger: logger}
}

// @Summary Handle Stripe webhook events
// @Description Verifies the signature, stores the event and applies it. Verified events are always acknowledged.
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Stripe webhook signature"
// @Success 200 {object} dto.IngestWebhookResponse
// @Failure 400 {object} middleware.ErrorResponse
// @Router /webhooks/stripe [post]
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Errorw("failed to read webhook body", "error", err)
		c.Error(ierr.WithError(err).
			WithHint("Failed to read request body").
			Mark(ierr.ErrValidation))
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.Error(ierr.NewError("missing Stripe-Signature header").
			WithHint("Missing webhook signature").
			Mark(ierr.ErrValidation))
		return
	}

	event, err := h.decoder.VerifyEvent(body, signature)
	if err != nil {
		h.logger.Warnw("rejected webhook with invalid signature", "error", err)
		c.Error(err)
		return
	}

	resp, err := h.service.Ingest(c.Request.Context(), dto.IngestWebhookRequest{
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Payload:         event.Payload,
	})
	if err != nil {
		// the event was not stored, a non-2xx status makes the provider redeliver it
		h.logger.Errorw("failed to store webhook event",
			"provider_event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
