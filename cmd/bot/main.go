package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/digkill/seedream-bot/internal/config"
	"github.com/digkill/seedream-bot/internal/database"
	"github.com/digkill/seedream-bot/internal/flow"
	"github.com/digkill/seedream-bot/internal/httpserver"
	"github.com/digkill/seedream-bot/internal/ledger"
	"github.com/digkill/seedream-bot/internal/metrics"
	"github.com/digkill/seedream-bot/internal/queue"
	"github.com/digkill/seedream-bot/internal/repository"
	"github.com/digkill/seedream-bot/internal/seedream"
	"github.com/digkill/seedream-bot/internal/service"
	"github.com/digkill/seedream-bot/internal/session"
	"github.com/digkill/seedream-bot/internal/storage"
	"github.com/digkill/seedream-bot/internal/telegram"
	"github.com/digkill/seedream-bot/internal/webhook"
	"github.com/digkill/seedream-bot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)
	m := metrics.Registry(cfg.MetricsNamespace)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}
	sender := telegram.NewSender(botAPI, logr)

	userRepo := repository.NewUserRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	led := ledger.New(redisClient, logr)
	sessions := session.NewRedisStore(redisClient)

	seedreamClient := seedream.New(seedream.Config{
		APIKey:           cfg.KIEAPIKey,
		BaseURL:          cfg.KIEBaseURL,
		ModelEdit:        cfg.ModelEdit,
		ModelTextToImage: cfg.ModelTextToImage,
		Timeout:          cfg.RequestTimeout,
	}, logr, m)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	queueClient := queue.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisQueueDB, logr)
	defer queueClient.Close()

	machine := flow.NewMachine(flow.Config{
		StarterCredits:  cfg.StarterCredits,
		CreditsPerImage: cfg.CreditsPerImage,
		SupportContact:  cfg.SupportContact,
	}, sessions, userRepo, queueClient, sender, logr)

	paymentService := service.NewPaymentService(cfg, paymentRepo, userRepo, sender, logr)

	worker := queue.NewWorker(
		queue.WorkerConfig{CallbackURL: cfg.CallbackURL(), CreditsPerImage: cfg.CreditsPerImage},
		sender, uploader, seedreamClient, taskRepo, userRepo, led, machine, logr, m,
	)
	asynqServer := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisQueueDB},
		asynq.Config{Concurrency: 4},
	)
	mux := asynq.NewServeMux()
	worker.Register(mux)
	go func() {
		if err := asynqServer.Run(mux); err != nil {
			logr.Error("queue server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		asynqServer.Shutdown()
	}()

	reconciler := webhook.NewReconciler(taskRepo, userRepo, led, machine, sender, webhook.NewHTTPDownloader(), logr, m)
	hooks := webhook.NewHandler(cfg.WebhookSecretToken, reconciler, logr, m)

	httpSrv := httpserver.New(cfg.ListenAddr, hooks, paymentService, logr)
	go func() {
		if err := httpSrv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("http server stopped", "error", err)
		}
	}()

	bot := telegram.NewBot(cfg, botAPI, sender, machine, paymentService, userRepo, logr)
	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "error", err)
	}
}
