package main

import (
	"context"
	"encoding/json" // For health check JSON
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replydesk/golang_services/internal/approval_service/adapters/channel"
	"github.com/replydesk/golang_services/internal/approval_service/app"
	"github.com/replydesk/golang_services/internal/approval_service/middleware"
	"github.com/replydesk/golang_services/internal/approval_service/repository"
	"github.com/replydesk/golang_services/internal/approval_service/repository/memory"
	"github.com/replydesk/golang_services/internal/approval_service/repository/postgres"
	httptransport "github.com/replydesk/golang_services/internal/approval_service/transport/http"
	"github.com/replydesk/golang_services/internal/platform/config"
	"github.com/replydesk/golang_services/internal/platform/database"
	"github.com/replydesk/golang_services/internal/platform/logger"
	"github.com/replydesk/golang_services/internal/platform/messagebroker"
)

const serviceName = "approval_service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat).With("service_name", serviceName)
	appLogger.Info("Approval service starting...", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "channel", cfg.ChannelDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var messageRepo repository.MessageRepository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		appLogger.Warn("Using in-memory message store; state is lost on restart")
		messageRepo = memory.NewMessageRepository()
	default:
		dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN, database.PoolOptions{
			MaxConns: cfg.PostgresMaxConns,
			MinConns: cfg.PostgresMinConns,
		})
		if err != nil {
			appLogger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		appLogger.Info("Connected to PostgreSQL database")
		messageRepo = postgres.NewPgMessageRepository(dbPool)
	}

	channelAdapter, err := newChannelAdapter(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize channel adapter", "error", err)
		os.Exit(1)
	}

	validate := validator.New()

	var publisher app.EventPublisher
	if cfg.NATSEnabled {
		natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
		if err != nil {
			appLogger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		appLogger.Info("Successfully connected to NATS", "url", cfg.NATSUrl)
		publisher = natsClient

		draftConsumer := app.NewDraftConsumer(messageRepo, validate, appLogger)
		if err := draftConsumer.Start(ctx, natsClient); err != nil {
			appLogger.Error("Failed to start draft consumer", "error", err)
			os.Exit(1)
		}
	} else {
		appLogger.Info("NATS disabled; decision events will not be published")
	}

	approvalService := app.NewApprovalService(messageRepo, channelAdapter, publisher, appLogger, app.ServiceConfig{
		SendTimeout:    cfg.ChannelSendTimeout,
		PersistTimeout: cfg.PersistTimeout,
		SendingLockTTL: cfg.SendingLockTTL,
	})

	approvalHandler := httptransport.NewApprovalHandler(approvalService, validate, appLogger)
	operatorHandler := httptransport.NewOperatorHandler(approvalService, validate, appLogger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(httptransport.PrometheusMetricsMiddleware)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout()))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "Approval service is healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(agentRouter chi.Router) {
		agentRouter.Use(middleware.AuthMiddleware(cfg.JWTAccessSecret, appLogger))
		approvalHandler.RegisterRoutes(agentRouter)
	})

	r.Group(func(operatorRouter chi.Router) {
		operatorRouter.Use(middleware.OperatorKeyMiddleware(cfg.OperatorAPIKeyHash, appLogger))
		operatorHandler.RegisterRoutes(operatorRouter)
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info(fmt.Sprintf("Approval HTTP server listening on port %d", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server failed to serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutdown signal received, shutting down HTTP server...")
	// In-flight approvals finish their persistence writes before the pool closes.
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	} else {
		appLogger.Info("HTTP server shut down gracefully.")
	}
	appLogger.Info("Approval service shut down.")
}

func newChannelAdapter(cfg *config.Config, logger *slog.Logger) (channel.Adapter, error) {
	switch cfg.ChannelDriver {
	case config.ChannelDriverMock:
		logger.Warn("Using mock channel adapter; nothing is delivered", "fail_rate", cfg.MockChannelFailRate)
		return channel.NewMockAdapter(logger, "mock", cfg.MockChannelFailRate, 50, 250), nil
	case config.ChannelDriverWhatsApp:
		adapter, err := channel.NewWhatsAppAdapter(logger, cfg.WhatsAppAPIBaseURL, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAccessToken,
			&http.Client{Timeout: cfg.ChannelSendTimeout})
		if err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.ChannelDriver)
	}
}
