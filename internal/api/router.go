package api

import (
	v1 "github.com/flexprice/billing-lifecycle/internal/api/v1"
	"github.com/flexprice/billing-lifecycle/internal/config"
	"github.com/flexprice/billing-lifecycle/internal/rest/middleware"
	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Health       *v1.HealthHandler
	Subscription *v1.SubscriptionHandler
	Webhook      *v1.WebhookHandler
	Admin        *v1.AdminHandler
}

func NewRouter(handlers Handlers, cfg *config.Configuration) *gin.Engine {
	if cfg.Deployment.Mode != types.ModeLocal {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware,
		middleware.CORSMiddleware,
		middleware.SentryMiddleware(cfg),
		middleware.ErrorHandler(),
	)

	router.GET("/health", handlers.Health.Health)

	registerV1Routes(router.Group("/v1"), handlers)

	return router
}

func registerV1Routes(router *gin.RouterGroup, handlers Handlers) {
	subscriptions := router.Group("/subscriptions")
	{
		subscriptions.POST("", handlers.Subscription.CreateSubscription)
		subscriptions.GET("/:subscriber_id", handlers.Subscription.GetSubscription)
		subscriptions.GET("/:subscriber_id/entitlement", handlers.Subscription.GetEntitlement)
		subscriptions.GET("/:subscriber_id/payments", handlers.Subscription.ListPaymentAttempts)
		subscriptions.GET("/:subscriber_id/preview", handlers.Subscription.PreviewProration)
		subscriptions.POST("/:subscriber_id/upgrade", handlers.Subscription.Upgrade)
		subscriptions.POST("/:subscriber_id/downgrade", handlers.Subscription.Downgrade)
		subscriptions.POST("/:subscriber_id/cancel", handlers.Subscription.Cancel)
		subscriptions.POST("/:subscriber_id/reactivate", handlers.Subscription.Reactivate)
	}

	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/stripe", handlers.Webhook.HandleStripeWebhook)
	}

	admin := router.Group("/admin", middleware.ActorMiddleware)
	{
		admin.POST("/subscriptions/:subscriber_id/cancel", handlers.Admin.CancelSubscription)
		admin.POST("/refunds", handlers.Admin.Refund)
		admin.GET("/webhooks/unresolved", handlers.Admin.ListUnresolvedWebhooks)
		admin.POST("/webhooks/replay", handlers.Admin.ReplayUnresolvedWebhooks)
		admin.POST("/webhooks/:id/replay", handlers.Admin.ReplayWebhook)
	}
}
