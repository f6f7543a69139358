package routes

import (
	"github.com/Dhoini/Billing-orchestrator/internal/app"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes настраивает все маршруты API для Gin роутера
func SetupRoutes(router *gin.Engine, app *app.App, log *logger.Logger) {
	// Промежуточное ПО для всех запросов
	router.Use(app.LoggerMiddleware)
	router.Use(gin.Recovery())

	router.GET("/health", app.HealthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		// Вебхуки провайдеров, аутентификация по подписи
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/stripe", app.WebhookHandler.HandleCardNetwork)
			webhooks.POST("/paypal", app.WebhookHandler.HandleWallet)
		}

		// Маршруты клиента
		auth := api.Group("")
		auth.Use(app.AuthMiddleware.RequireAuth())
		{
			subscriptions := auth.Group("/subscriptions")
			{
				subscriptions.GET("", app.SubscriptionHandler.ListSubscriptions)
				subscriptions.GET("/:subscription_id", app.SubscriptionHandler.GetSubscription)
				subscriptions.POST("/:subscription_id/cancel", app.SubscriptionHandler.CancelSubscription)
				subscriptions.POST("/:subscription_id/reactivate", app.SubscriptionHandler.ReactivateSubscription)
			}
			auth.GET("/payments", app.SubscriptionHandler.ListPayments)
			auth.POST("/vault/credentials", app.VaultHandler.StoreCredential)
		}

		// Checkout-сервис планирует намерения по оформленному заказу
		orders := api.Group("/orders")
		orders.Use(app.AuthMiddleware.RequireAuth(app.Config.Auth.ServiceScope, app.Config.Auth.JobScope))
		{
			orders.POST("/:order_id/intents", app.IntentHandler.ScheduleIntents)
			orders.GET("/:order_id/intents", app.IntentHandler.ListIntents)
		}

		// Ручной запуск пакетных задач
		internal := api.Group("/internal/jobs")
		internal.Use(app.AuthMiddleware.RequireAuth(app.Config.Auth.JobScope))
		{
			internal.POST("/process-intents", app.JobHandler.ProcessIntents)
			internal.POST("/:name", app.JobHandler.RunJob)
		}
	}

	log.Infow("API routes successfully configured")
}
