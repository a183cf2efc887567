package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/slotline/bookguard/internal/channel"
	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/payments"
	"github.com/slotline/bookguard/internal/repo/postgres"
	"github.com/slotline/bookguard/internal/service"
	"github.com/slotline/bookguard/pkg/cache"
	"github.com/slotline/bookguard/pkg/config"
	"github.com/slotline/bookguard/pkg/database"
	"github.com/slotline/bookguard/pkg/events"
	"github.com/slotline/bookguard/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// The sweeper runs the periodic maintenance passes: expiring stale holds,
// executing auto-actions on unanswered confirmations, lifting timed blocks
// and dispatching reminders. Every pass is safe to run concurrently with
// another sweeper instance; the claims happen in the store.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	holdRepo := postgres.NewHoldRepository(pool)
	confirmationRepo := postgres.NewConfirmationRepository(pool)
	referenceRepo := postgres.NewReferenceRepository(pool)
	trustRepo := postgres.NewTrustRepository(pool)
	blockRepo := postgres.NewBlockRepository(pool)
	policyRepo := postgres.NewPolicyRepository(pool)

	clk := clock.NewSystem()

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

	policyService := service.NewPolicyService(policyRepo)
	trustService := service.NewTrustService(trustRepo, blockRepo, policyService, redisClient, eventBus, clk)
	blockService := service.NewBlockService(blockRepo, trustRepo, redisClient, eventBus, clk)
	holdService := service.NewHoldService(holdRepo, eventBus, clk)
	confirmationService := service.NewConfirmationService(confirmationRepo, referenceRepo, trustService, policyService, senders, deposits, cfg.Stripe.Currency, eventBus, clk)

	logger.Info("Sweeper started", "interval", cfg.Sweep.Interval, "batch_size", cfg.Sweep.BatchSize)

	ticker := time.NewTicker(cfg.Sweep.Interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		runSweep(ctx, cfg, holdService, confirmationService, blockService)
		if elapsed := time.Since(start); elapsed > cfg.Sweep.Interval {
			logger.Warn("Sweep pass overran its interval", "elapsed", elapsed, "interval", cfg.Sweep.Interval)
		}

		select {
		case <-ctx.Done():
			logger.Info("Sweeper shutting down")
			return
		case <-ticker.C:
		}
	}
}

func runSweep(ctx context.Context, cfg *config.Config, holds service.HoldService, confirmations service.ConfirmationService, blocks service.BlockService) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if _, err := holds.ReleaseExpired(ctx, cfg.Sweep.BatchSize); err != nil {
			logger.Error("Hold expiry pass failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := confirmations.ProcessExpired(ctx, cfg.Sweep.BatchSize); err != nil {
			logger.Error("Confirmation expiry pass failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := blocks.UnblockExpired(ctx, cfg.Sweep.BatchSize); err != nil {
			logger.Error("Unblock pass failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := confirmations.DispatchReminders(ctx, cfg.Sweep.ReminderFirstHours, cfg.Sweep.ReminderFinalHours, cfg.Sweep.BatchSize); err != nil {
			logger.Error("Reminder pass failed", "error", err)
		}
		return nil
	})

	_ = g.Wait()
}
