// Package app wires the inventory core from configuration. Both binaries
// build the same object graph through it.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bookstore/stockcore/internal/config"
	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
	"github.com/bookstore/stockcore/internal/inbound"
	"github.com/bookstore/stockcore/internal/inventory"
	"github.com/bookstore/stockcore/internal/metrics"
	"github.com/bookstore/stockcore/internal/order"
	"github.com/bookstore/stockcore/internal/refund"
	"github.com/bookstore/stockcore/internal/reservation"
	"github.com/bookstore/stockcore/internal/tools"
	"github.com/bookstore/stockcore/pkg/logger"
)

// Core is the running inventory core.
type Core struct {
	DB           *db.DB
	Registry     *prometheus.Registry
	Publisher    events.Publisher
	Dispatcher   *events.Dispatcher
	Store        *inventory.Store
	Reservations *reservation.Manager
	Orders       *order.Service
	Refunds      *refund.Processor
	Tools        *tools.Service
	Inbound      *inbound.Handler

	cfg *config.Config
	log *zap.Logger
}

// NewPublisher connects the broker named by cfg.EventsBroker.
func NewPublisher(cfg *config.Config, log *zap.Logger) (events.Publisher, error) {
	switch cfg.EventsBroker {
	case config.BrokerRabbitMQ:
		return events.NewRabbitPublisher(cfg.RabbitMQURL, log)
	case config.BrokerKafka:
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log), nil
	case config.BrokerNone:
		return events.NopPublisher{}, nil
	}
	return nil, fmt.Errorf("unsupported events broker %q", cfg.EventsBroker)
}

// New migrates database, optionally seeds it and builds every service on top.
func New(ctx context.Context, cfg *config.Config, database *db.DB, publisher events.Publisher, log *zap.Logger) (*Core, error) {
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	c := &Core{
		DB:         database,
		Registry:   prometheus.NewRegistry(),
		Publisher:  publisher,
		Dispatcher: events.NewDispatcher(publisher, logger.Component(log, "events")),
		cfg:        cfg,
		log:        log,
	}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c.Store = inventory.NewStore(database, logger.Component(log, "inventory"),
		inventory.WithLockWait(cfg.LockWait),
		inventory.WithMaxAttempts(cfg.ContentionMaxAttempts),
		inventory.WithMetrics(metrics.New(c.Registry)),
		inventory.WithDispatcher(c.Dispatcher),
	)
	c.Reservations = reservation.NewManager(c.Store, logger.Component(log, "reservation"), reservation.WithTTL(cfg.ReservationTTL))
	c.Orders = order.NewService(c.Store, c.Reservations, logger.Component(log, "order"))
	c.Refunds = refund.NewProcessor(c.Store, c.Orders, logger.Component(log, "refund"))
	c.Tools = tools.NewService(c.Store, c.Reservations, c.Orders, c.Refunds, logger.Component(log, "tools"))
	c.Inbound = inbound.NewHandler(c.Store, c.Orders, tools.DefaultLowStockThreshold, logger.Component(log, "inbound"))

	if cfg.SeedData {
		if err := c.seed(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Core) seed(ctx context.Context) error {
	if err := db.SeedCustomers(ctx, c.DB, c.Store.Now()); err != nil {
		return fmt.Errorf("seed customers: %w", err)
	}
	added, err := c.Store.Seed(ctx, db.SampleProducts())
	if err != nil {
		return fmt.Errorf("seed products: %w", err)
	}
	c.log.Info("Sample data loaded", zap.Int("products_added", added))
	return nil
}

// RunSweeper expires lapsed reservations until ctx ends.
func (c *Core) RunSweeper(ctx context.Context) {
	reservation.NewSweeper(c.Reservations, c.cfg.SweepInterval, logger.Component(c.log, "sweeper")).Run(ctx)
}

// Healthy reports whether the database answers and the broker is connected.
func (c *Core) Healthy(ctx context.Context) error {
	if err := c.DB.Ping(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	if !c.Dispatcher.Healthy() {
		return fmt.Errorf("%s connection failed", c.cfg.EventsBroker)
	}
	return nil
}

// MetricsHandler serves the core's Prometheus registry.
func (c *Core) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// Close waits for in-flight events and closes the broker and database.
func (c *Core) Close() {
	c.Dispatcher.Wait()
	if err := c.Publisher.Close(); err != nil {
		c.log.Error("Failed to close publisher", zap.Error(err))
	}
	if err := c.DB.Close(); err != nil {
		c.log.Error("Failed to close database", zap.Error(err))
	}
}

// HTTPHandler serves liveness, readiness, metrics and, when mcp is non-nil,
// the streamable MCP endpoint.
func (c *Core) HTTPHandler(mcp http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.Healthy(r.Context()); err != nil {
			c.log.Error("Readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: " + err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	mux.Handle("/metrics", c.MetricsHandler())
	if mcp != nil {
		mux.Handle("/mcp", mcp)
	}
	return mux
}
