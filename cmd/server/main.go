package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/procurehub/be-po-orders/internal/client"
	"github.com/procurehub/be-po-orders/internal/config"
	"github.com/procurehub/be-po-orders/internal/database"
	"github.com/procurehub/be-po-orders/internal/handler"
	"github.com/procurehub/be-po-orders/internal/logger"
	"github.com/procurehub/be-po-orders/internal/middleware"
	"github.com/procurehub/be-po-orders/internal/repository"
	"github.com/procurehub/be-po-orders/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Purchase Order Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS notification bus (optional)
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, notifications disabled")
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Initialize store and external clients
	store := repository.NewStore(db)

	var notifier service.Notifier = service.NopNotifier{}
	if natsConn != nil {
		notifier = client.NewNotificationPublisher(natsConn, log)
	}

	var exporter service.AccountingExporter
	if accounting := client.NewAccountingClient(cfg.Accounting); accounting != nil {
		exporter = accounting
		log.Info().Str("url", cfg.Accounting.URL).Msg("Accounting export enabled")
	}

	// Initialize services
	resolverService := service.NewResolverService(store, log)
	limitService := service.NewLimitService(store, log)
	orderService := service.NewOrderService(store, resolverService, limitService, notifier, log)
	approvalService := service.NewApprovalService(store, resolverService, limitService, notifier, exporter, log)
	compositionService := service.NewCompositionService(store, resolverService, limitService, notifier, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(orderService, approvalService, compositionService, resolverService, limitService, log)

	api := http.NewServeMux()
	httpHandler.Register(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", httpHandler.Health)
	mux.Handle("/api/", handler.Auth(cfg.Auth.JWTSecret)(api))

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
