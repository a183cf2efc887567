package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/slotline/bookguard/internal/channel"
	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/http/handlers"
	"github.com/slotline/bookguard/internal/payments"
	"github.com/slotline/bookguard/internal/repo/postgres"
	"github.com/slotline/bookguard/internal/service"
	"github.com/slotline/bookguard/pkg/cache"
	"github.com/slotline/bookguard/pkg/config"
	"github.com/slotline/bookguard/pkg/database"
	"github.com/slotline/bookguard/pkg/events"
	"github.com/slotline/bookguard/pkg/logger"
	mw "github.com/slotline/bookguard/pkg/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	eventBus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Repositories
	holdRepo := postgres.NewHoldRepository(pool)
	confirmationRepo := postgres.NewConfirmationRepository(pool)
	referenceRepo := postgres.NewReferenceRepository(pool)
	trustRepo := postgres.NewTrustRepository(pool)
	blockRepo := postgres.NewBlockRepository(pool)
	policyRepo := postgres.NewPolicyRepository(pool)

	clk := clock.NewSystem()

	// Outbound channels and payments
	senders := map[domain.Channel]channel.Sender{}
	var deposits payments.DepositLinker
	if cfg.Channel.DevMode {
		dev := channel.NewDevSender()
		senders[domain.ChannelWhatsApp] = dev
		senders[domain.ChannelEmail] = dev
		deposits = payments.NewDevLinker()
	} else {
		senders[domain.ChannelWhatsApp] = channel.NewWhatsAppSender(cfg.Channel.WhatsAppToken, cfg.Channel.WhatsAppPhoneID, cfg.Channel.WhatsAppBaseURL, cfg.Channel.SendTimeout)
		senders[domain.ChannelEmail] = channel.NewEmailSender(cfg.Channel.MailerSendKey, cfg.Channel.FromName, cfg.Channel.FromEmail, cfg.Channel.SendTimeout)
		deposits = payments.NewStripeLinker(cfg.Stripe.SecretKey)
	}

	// Services
	policyService := service.NewPolicyService(policyRepo)
	trustService := service.NewTrustService(trustRepo, blockRepo, policyService, redisClient, eventBus, clk)
	blockService := service.NewBlockService(blockRepo, trustRepo, redisClient, eventBus, clk)
	holdService := service.NewHoldService(holdRepo, eventBus, clk)
	confirmationService := service.NewConfirmationService(confirmationRepo, referenceRepo, trustService, policyService, senders, deposits, cfg.Stripe.Currency, eventBus, clk)
	bookingService := service.NewBookingService(holdService, blockService, trustService, policyService, confirmationService, clk)

	// Handlers
	bookingsHandler := handlers.NewBookingsHandler(bookingService)
	holdsHandler := handlers.NewHoldsHandler(holdService)
	webhooksHandler := handlers.NewWebhooksHandler(confirmationService)
	adminHandler := handlers.NewAdminHandler(trustService, blockService, policyService, confirmationService, holdService)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Tenant-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("bookguard"))
	r.Use(mw.Logging)
	r.Use(mw.Health)

	r.Route("/v1", func(r chi.Router) {
		r.With(mw.IdempotencyMiddleware(redisClient)).Mount("/bookings", bookingsHandler.Routes())
		r.Mount("/holds", holdsHandler.Routes())
		r.Mount("/webhooks", webhooksHandler.Routes())

		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.RequireRole("admin", cfg.Auth.JWTSecret))
			r.Mount("/", adminHandler.Routes())
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("API shutdown error", "error", err)
		}
	}()

	logger.Info("API listening", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("API server error", "error", err)
		os.Exit(1)
	}
}
