package main // payments API entry point

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-payments/internal/config"
	"github.com/iliyamo/booking-payments/internal/database"
	"github.com/iliyamo/booking-payments/internal/events"
	"github.com/iliyamo/booking-payments/internal/gateway"
	"github.com/iliyamo/booking-payments/internal/handler"
	"github.com/iliyamo/booking-payments/internal/lock"
	"github.com/iliyamo/booking-payments/internal/logging"
	"github.com/iliyamo/booking-payments/internal/middleware"
	"github.com/iliyamo/booking-payments/internal/queue"
	"github.com/iliyamo/booking-payments/internal/repository"
	"github.com/iliyamo/booking-payments/internal/router"
	"github.com/iliyamo/booking-payments/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.DSN(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName), database.Options{})
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		logger.Warn("redis unreachable; gateway locks and rate limiting disabled")
	} else {
		defer rdb.Close()
	}

	payments := repository.NewPaymentRepo(db)
	bookings := repository.NewBookingRepo(db)
	audits := repository.NewAuditRepo(db)

	publisher := queue.NewPublisher(cfg.RabbitURL, logger)
	defer publisher.Close()

	bookingSync := service.NewBookingSync(bookings, logger)
	reg := events.NewRegistry()
	service.Register(reg, bookingSync,
		service.NewAuditLogger(audits, logger),
		service.NewCustomerNotifier(bookings, publisher, logger))
	dispatcher := events.NewDispatcher(reg, cfg.Dispatch, logger)

	var verifier service.SignatureVerifier = gateway.NewRSAVerifier(cfg.QiCard.PublicKeyPath)
	if cfg.QiCard.SkipSignature(cfg.Env) {
		logger.Warn("webhook signature verification is disabled")
		verifier = gateway.SkipVerifier{}
	}

	engine := service.NewEngine(
		service.NewSQLStore(payments),
		gateway.NewClient(cfg.QiCard, nil, logger),
		verifier,
		dispatcher,
		lock.NewRedisLocker(rdb, "payments:lock"),
		service.EngineConfig{
			PendingTTL:     cfg.PendingTTL,
			GatewayTimeout: cfg.QiCard.Timeout,
			Currency:       cfg.QiCard.Currency,
		},
		logger,
	)

	if cfg.Sweep > 0 {
		go bookingSync.StartSweeper(ctx, cfg.Sweep)
	}
	if cfg.Consumer {
		consumer := &queue.Consumer{URL: cfg.RabbitURL, Dir: cfg.LogDir, Log: logger}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification consumer stopped", zap.Error(err))
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID(), echomw.Recover(), middleware.RequestLogger(logger))

	router.RegisterRoutes(e, db)
	router.RegisterPayments(e,
		handler.NewPaymentHandler(engine, bookings, logger),
		cfg.JWTSecret,
		middleware.RateLimit(cfg.RateLimit, rdb, logger))

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("dispatcher drain", zap.Error(err))
	}
}
