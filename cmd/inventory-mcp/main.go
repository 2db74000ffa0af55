// Command inventory-mcp serves the inventory tools to an MCP client over
// stdio. With INVENTORY_SERVICE_URL set it forwards every call to a running
// inventoryd over gRPC; otherwise it opens the database itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/app"
	"github.com/bookstore/stockcore/internal/clients"
	"github.com/bookstore/stockcore/internal/config"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/mcpserver"
	"github.com/bookstore/stockcore/internal/tools"
	"github.com/bookstore/stockcore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// zap writes to stderr, leaving stdout to the protocol.
	log, err := logger.NewLogger(cfg.ServiceName+"-mcp", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, closeAPI, err := openAPI(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open inventory tools", zap.Error(err))
	}
	defer closeAPI()

	server := mcpserver.New(api, logger.Component(log, "mcp"))

	switch mcpserver.TransportKind(cfg.MCPTransport) {
	case mcpserver.TransportHTTP:
		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		log.Info("Serving MCP over HTTP", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("MCP HTTP server error", zap.Error(err))
		}
	default:
		log.Info("Serving MCP over stdio")
		if err := server.ServeStdio(ctx); err != nil {
			log.Error("MCP server error", zap.Error(err))
		}
	}
}

// openAPI returns the remote client when an inventoryd address is configured,
// or a locally wired core. Local mode does not consume broker events.
func openAPI(ctx context.Context, cfg *config.Config, log *zap.Logger) (tools.API, func(), error) {
	if cfg.InventoryServiceURL != "" {
		client, err := clients.NewInventoryClient(cfg.InventoryServiceURL, logger.Component(log, "client"))
		if err != nil {
			return nil, nil, err
		}
		healthy, err := client.Healthy(ctx)
		if err != nil || !healthy {
			log.Warn("Inventory service not ready yet", zap.String("target", cfg.InventoryServiceURL), zap.Error(err))
		}
		return client, func() { _ = client.Close() }, nil
	}

	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	publisher, err := app.NewPublisher(cfg, log)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	core, err := app.New(ctx, cfg, database, publisher, log)
	if err != nil {
		publisher.Close()
		database.Close()
		return nil, nil, err
	}
	go core.RunSweeper(ctx)
	return core.Tools, core.Close, nil
}
