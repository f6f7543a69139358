package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/app"
	"github.com/Dhoini/Billing-orchestrator/internal/config"
	"github.com/Dhoini/Billing-orchestrator/internal/db"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/internal/http/handlers"
	"github.com/Dhoini/Billing-orchestrator/internal/http/routes"
	"github.com/Dhoini/Billing-orchestrator/internal/jobs"
	"github.com/Dhoini/Billing-orchestrator/internal/kafka"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/middleware"
	"github.com/Dhoini/Billing-orchestrator/internal/notify"
	"github.com/Dhoini/Billing-orchestrator/internal/paypal"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/Dhoini/Billing-orchestrator/internal/services"
	"github.com/Dhoini/Billing-orchestrator/internal/stripe"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// логгер еще не настроен
		logger.New(logger.INFO).Fatalw("Failed to load configuration", "path", configPath, "error", err)
	}

	log := initLogger(cfg)
	defer log.Sync()
	log.Infow("Billing orchestrator starting up...", "env", cfg.App.Env)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Prometheus
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBillingMetrics(registry)
	systemMetrics := metrics.NewSystemMetrics(registry, log)
	systemMetrics.StartRecording(15 * time.Second)
	defer systemMetrics.Stop()

	// База данных
	dbClient, err := db.NewDBClient(ctx, db.PoolConfig{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, log)
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Errorw("Error closing database connection", "error", err)
		}
	}()
	if cfg.Database.MigrateOnStart {
		if err := dbClient.Migrate(ctx); err != nil {
			log.Fatalw("Failed to apply migrations", "error", err)
		}
	}

	orders := repository.NewPostgresOrderRepository(dbClient.DB(), log)
	intents := repository.NewPostgresIntentRepository(dbClient.DB(), log)
	vaultRepo := repository.NewPostgresVaultRepository(dbClient.DB(), log)
	ledgerRepo := repository.NewPostgresLedgerRepository(dbClient.DB(), log)
	eventRepo := repository.NewPostgresWebhookEventRepository(dbClient.DB(), log)
	var subs repository.SubscriptionRepository = repository.NewPostgresSubscriptionRepository(dbClient.DB(), log)

	// Redis: кеш подписок и распределенные блокировки задач. Без Redis работаем на одной реплике.
	var locker jobs.Locker = jobs.NewLocalLocker()
	var redisPing handlers.Pinger
	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Warnw("Failed to initialize Redis, continuing without cache and distributed locks", "error", err)
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					log.Errorw("Error closing Redis connection", "error", err)
				}
			}()
			subs = repository.NewCachedSubscriptionRepository(subs, repository.NewRedisCache(redisClient, cfg.Redis.CacheTTL, log), log)
			locker = jobs.NewRedisLocker(redisClient)
			redisPing = handlers.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
			log.Infow("Using cached subscription repository and Redis job locks")
		}
	}

	// Kafka
	var producer kafka.Producer
	if cfg.Kafka.Enabled {
		topics := kafka.TopicConfigs(cfg.Kafka.NotificationTopic, cfg.Kafka.EventTopic)
		if err := kafka.EnsureKafkaTopics(ctx, cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
		producer, err = kafka.NewKafkaProducer(cfg.Kafka.Brokers, log)
		if err != nil {
			log.Fatalw("Failed to initialize Kafka producer", "error", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				log.Errorw("Error closing Kafka producer", "error", err)
			}
		}()
	}

	dispatcher := buildDispatcher(cfg, producer, log)

	// Провайдеры
	var (
		gateways []gateway.Gateway
		decoders []gateway.EventDecoder
	)
	if cfg.Stripe.Enabled {
		gateways = append(gateways, stripe.NewStripeClient(cfg.Stripe.APIKey, cfg.Stripe.Timeout, log))
		decoders = append(decoders, stripe.NewWebhookDecoder(cfg.Stripe.WebhookSecret, log))
	}
	if cfg.PayPal.Enabled {
		ppClient, err := paypal.NewPayPalClient(cfg.PayPal.ClientID, cfg.PayPal.Secret, "", cfg.PayPal.Sandbox, cfg.PayPal.Timeout, log)
		if err != nil {
			log.Fatalw("Failed to initialize PayPal client", "error", err)
		}
		gateways = append(gateways, ppClient)
		decoders = append(decoders, paypal.NewWebhookDecoder(ppClient.API(), cfg.PayPal.WebhookID, log))
	}
	if len(gateways) == 0 {
		log.Warnw("No payment providers enabled, intents will stay scheduled")
	}
	gws := gateway.NewRegistry(gateways...)

	// Сервисы
	settings := services.Settings{
		MaxAttempts:     cfg.Billing.MaxAttempts,
		RetryDelay:      cfg.Billing.RetryDelay,
		Workers:         cfg.Billing.Workers,
		BatchSize:       cfg.Billing.BatchSize,
		StaleAfter:      cfg.Billing.StaleAfter,
		ProviderTimeout: cfg.Billing.ProviderTimeout,
		SuspensionGrace: cfg.Billing.SuspensionGrace,
	}
	ledger := services.NewLedger(ledgerRepo, billingMetrics, log)
	scheduler := services.NewIntentScheduler(orders, intents, cfg.Billing.DefaultDelayDays, cfg.Billing.DefaultCurrency, log)
	processor := services.NewIntentProcessor(intents, orders, vaultRepo, subs, ledger, gws, dispatcher, billingMetrics, settings, log)
	lifecycle := services.NewLifecycleManager(subs, vaultRepo, gws, dispatcher, billingMetrics, settings, log)
	vaultSvc := services.NewVaultService(vaultRepo, orders, subs, gws, billingMetrics, settings, log)
	renewals := services.NewRenewalService(subs, vaultRepo, ledger, gws, dispatcher, billingMetrics, settings, log)
	reconciler := services.NewReconciler(services.ReconcilerDeps{
		Events:   eventRepo,
		Subs:     subs,
		Intents:  intents,
		Orders:   orders,
		Vault:    vaultRepo,
		Ledger:   ledger,
		VaultSvc: vaultSvc,
		Notifier: dispatcher,
		Metrics:  billingMetrics,
	}, settings, log)

	// Пакетные задачи
	runner := jobs.NewRunner(locker, billingMetrics, cfg.Redis.LockTTL, log)
	billingJobs := jobs.BillingJobs(jobs.BillingServices{
		Processor:  processor,
		Renewals:   renewals,
		Reconciler: reconciler,
		Lifecycle:  lifecycle,
	}, cfg.Jobs)
	if err := jobs.RegisterAll(runner, billingJobs); err != nil {
		log.Fatalw("Failed to register jobs", "error", err)
	}
	runner.Start()

	// HTTP
	application := app.NewApp(cfg, registry, app.Handlers{
		Intents:       handlers.NewIntentHandler(scheduler, log),
		Subscriptions: handlers.NewSubscriptionHandler(lifecycle, ledger, log),
		Vault:         handlers.NewVaultHandler(vaultSvc, log),
		Webhooks:      handlers.NewWebhookHandler(reconciler, log, decoders...),
		Jobs:          handlers.NewJobHandler(runner, processor, log),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"postgres": dbClient,
			"redis":    redisPing,
		}, log),
	}, &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}, log)

	router := gin.New()
	routes.SetupRoutes(router, application, log)

	server := app.NewServer(router, cfg.App, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalw("HTTP server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infow("Shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server forced to shutdown", "error", err)
	}
	// дожидаемся текущих задач, чтобы не бросать захваченные намерения
	runner.Stop(shutdownCtx)
	cancel()

	log.Infow("Billing orchestrator stopped gracefully")
}

func initLogger(cfg *config.Config) *logger.Logger {
	level := logger.ParseLevel(cfg.App.LogLevel)
	if cfg.IsProduction() {
		return logger.NewProduction(level)
	}
	return logger.New(level)
}

// buildDispatcher выбирает канал уведомлений по notify.driver.
// События подписок уходят в Kafka, если она включена, иначе в лог.
func buildDispatcher(cfg *config.Config, producer kafka.Producer, log *logger.Logger) *notify.Dispatcher {
	logNotifier := notify.NewLogNotifier(log)

	var events notify.EventPublisher = logNotifier
	var kafkaNotifier *notify.KafkaNotifier
	if producer != nil {
		kafkaNotifier = notify.NewKafkaNotifier(producer, cfg.Kafka.NotificationTopic, cfg.Kafka.EventTopic)
		events = kafkaNotifier
	}

	var notifier notify.Notifier = logNotifier
	switch cfg.Notify.Driver {
	case "kafka":
		notifier = kafkaNotifier
	case "postmark":
		pm, err := notify.NewPostmarkNotifier(cfg.Notify.Postmark.ServerToken, cfg.Notify.Postmark.AccountToken,
			cfg.Notify.Postmark.From, cfg.Notify.Postmark.Templates)
		if err != nil {
			log.Fatalw("Failed to initialize Postmark notifier", "error", err)
		}
		notifier = pm
	}
	log.Infow("Notifications configured", "driver", cfg.Notify.Driver, "events", producer != nil)
	return notify.NewDispatcher(notifier, events, log)
}
