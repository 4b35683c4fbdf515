package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	stripeclient "github.com/stripe/stripe-go/v76/client"

	"github.com/suspectuso/pay-intake/internal/chain"
	"github.com/suspectuso/pay-intake/internal/checkout"
	"github.com/suspectuso/pay-intake/internal/config"
	"github.com/suspectuso/pay-intake/internal/notifier"
	"github.com/suspectuso/pay-intake/internal/payment"
	"github.com/suspectuso/pay-intake/internal/ratelimit"
	"github.com/suspectuso/pay-intake/internal/recaptcha"
	"github.com/suspectuso/pay-intake/internal/server"
	"github.com/suspectuso/pay-intake/internal/storage"
	"github.com/suspectuso/pay-intake/internal/telegram"
	"github.com/suspectuso/pay-intake/internal/verifier"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg := config.Load()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(log)

	if envErr != nil {
		log.Debug("no .env file found")
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	// Connect to the chain node
	chainClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:        cfg.RPCURL,
		TokenContract: cfg.TokenContract,
		Decimals:      cfg.TokenDecimals,
	}, log)
	if err != nil {
		log.Error("init chain client", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	// Notification channels
	var channels []notifier.Notifier
	if cfg.PaymentWebhookURL != "" {
		channels = append(channels, notifier.NewWebhook(cfg.PaymentWebhookURL, cfg.ExplorerBaseURL, cfg.NotifyTimeout, log))
		log.Info("payment webhook enabled")
	}

	var bot *telegram.Bot
	if cfg.BotToken != "" {
		bot, err = telegram.New(cfg.BotToken, cfg.AdminChatID, store, cfg.ExplorerBaseURL, log)
		if err != nil {
			log.Error("init telegram bot", "error", err)
			os.Exit(1)
		}
		log.Info("telegram bot initialized")
		if cfg.AdminChatID != 0 {
			channels = append(channels, notifier.NewTelegram(bot, cfg.AdminChatID, cfg.ExplorerBaseURL, log))
		}
	}
	notify := notifier.NewMulti(log, channels...)

	payments := payment.NewService(payment.Config{
		ReceiverWallet:        cfg.ReceiverWallet,
		RequiredConfirmations: cfg.RequiredConfirmations,
		NotifyTimeout:         cfg.NotifyTimeout,
		DefaultOrg:            cfg.DefaultOrg,
	}, store, verifier.New(chainClient, log), chainClient, notify, log)

	// Rate limiter: shared through redis when configured
	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimitMax, cfg.RateLimitWindow)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis not reachable, limiter will fail open until it is", "error", err)
		}
		limiter = ratelimit.NewRedis(rdb, "payintake:rl", cfg.RateLimitMax, cfg.RateLimitWindow)
		log.Info("redis rate limiter enabled")
	}

	proxies, err := ratelimit.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Error("parse TRUSTED_PROXIES", "error", err)
		os.Exit(1)
	}

	// Card checkout is optional
	var cardCheckout server.CheckoutService
	if cfg.StripeSecretKey != "" {
		sc := stripeclient.New(cfg.StripeSecretKey, nil)
		cardCheckout = checkout.NewService(checkout.Config{
			Domain:        cfg.Domain,
			WebhookSecret: cfg.StripeWebhookSecret,
		}, sc.CheckoutSessions, store, log)
		log.Info("stripe checkout enabled")
	}

	srv := server.NewServer(server.Options{
		ExplorerURL:    cfg.ExplorerBaseURL,
		FrameAncestors: cfg.FrameAncestors,
		TrustedProxies: proxies,
	}, payments, cardCheckout, recaptcha.New(cfg.RecaptchaSecretKey, log), limiter, log)

	// Start confirmer
	go payment.NewConfirmer(payments, log).Start(ctx, cfg.ConfirmPollInterval)

	if bot != nil {
		go bot.Start(ctx)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	if err := srv.Start(ctx, cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "error", err)
		os.Exit(1)
	}
}
