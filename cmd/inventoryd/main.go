package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/app"
	"github.com/bookstore/stockcore/internal/config"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	grpcserver "github.com/bookstore/stockcore/internal/grpc"
	"github.com/bookstore/stockcore/internal/mcpserver"
	"github.com/bookstore/stockcore/internal/telemetry"
	"github.com/bookstore/stockcore/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Inventory core starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Connect to the event broker
	log.Info("Connecting to event broker", zap.String("broker", cfg.EventsBroker))
	publisher, err := app.NewPublisher(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect to event broker", zap.Error(err))
	}

	core, err := app.New(ctx, cfg, database, publisher, log)
	if err != nil {
		log.Fatal("Failed to start inventory core", zap.Error(err))
	}

	go core.RunSweeper(ctx)

	switch cfg.EventsBroker {
	case config.BrokerRabbitMQ:
		consumer, err := events.NewRabbitConsumer(cfg.RabbitMQURL, cfg.ServiceName, core.Inbound, logger.Component(log, "consumer"))
		if err != nil {
			log.Warn("Event consumer unavailable, catalog and fulfillment events ignored", zap.Error(err))
		} else {
			defer consumer.Close()
			go func() {
				if err := consumer.Start(ctx); err != nil {
					log.Error("Consumer error", zap.Error(err))
				}
			}()
			log.Info("Event consumer started")
		}
	default:
		log.Info("No event consumer configured for broker", zap.String("broker", cfg.EventsBroker))
	}

	// Create gRPC server
	grpcServer := grpcserver.NewServer(core.Tools, database, core.Dispatcher, logger.Component(log, "grpc"))

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// HTTP serves health, metrics and MCP over streamable HTTP
	mcp := mcpserver.New(core.Tools, logger.Component(log, "mcp"))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      core.HTTPHandler(mcp.Handler()),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	core.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Server stopped")
}
