package app

import (
	"github.com/Dhoini/Billing-orchestrator/internal/config"
	"github.com/Dhoini/Billing-orchestrator/internal/http/handlers"
	"github.com/Dhoini/Billing-orchestrator/internal/middleware"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// App представляет собой контейнер для всех компонентов HTTP слоя
type App struct {
	Config              *config.Config
	Registry            *prometheus.Registry
	IntentHandler       *handlers.IntentHandler
	SubscriptionHandler *handlers.SubscriptionHandler
	VaultHandler        *handlers.VaultHandler
	WebhookHandler      *handlers.WebhookHandler
	JobHandler          *handlers.JobHandler
	HealthHandler       *handlers.HealthHandler
	AuthMiddleware      *middleware.JWTMiddleware
	LoggerMiddleware    gin.HandlerFunc
	Logger              *logger.Logger
}

// Handlers обработчики, собранные в main
type Handlers struct {
	Intents       *handlers.IntentHandler
	Subscriptions *handlers.SubscriptionHandler
	Vault         *handlers.VaultHandler
	Webhooks      *handlers.WebhookHandler
	Jobs          *handlers.JobHandler
	Health        *handlers.HealthHandler
}

// NewApp создает и инициализирует новый экземпляр приложения
func NewApp(cfg *config.Config, registry *prometheus.Registry, h Handlers, validator middleware.TokenValidator, log *logger.Logger) *App {
	return &App{
		Config:              cfg,
		Registry:            registry,
		IntentHandler:       h.Intents,
		SubscriptionHandler: h.Subscriptions,
		VaultHandler:        h.Vault,
		WebhookHandler:      h.Webhooks,
		JobHandler:          h.Jobs,
		HealthHandler:       h.Health,
		AuthMiddleware:      middleware.NewJWTMiddleware(log, validator),
		LoggerMiddleware:    middleware.RequestLogger(log),
		Logger:              log,
	}
}
