// Package server exposes the webhook receiver, the stock endpoints and the monitoring surface over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"storefront-gateway/internal/inventory"
	"storefront-gateway/internal/payments"
	"storefront-gateway/internal/storage"
)

// Stock is the inventory surface the handlers need.
type Stock interface {
	GetStock(ctx context.Context, token string, opts inventory.StockOptions) (inventory.StockInfo, error)
	CheckAvailability(ctx context.Context, token string, quantity int) (inventory.Availability, error)
	SyncStock(ctx context.Context, token string) (inventory.SyncReport, error)
	Entry(ctx context.Context, token string) (storage.InventoryCacheEntry, error)
}

// Reconciler applies webhook deliveries.
type Reconciler interface {
	Reconcile(ctx context.Context, d payments.Delivery) (payments.Result, error)
}

// HealthLister reports circuit records.
type HealthLister interface {
	Snapshot(ctx context.Context) ([]storage.APIHealth, error)
}

// LogReader reads the audit log.
type LogReader interface {
	Recent(ctx context.Context, limit int) ([]storage.APILogEntry, error)
}

// Deps are the handlers' collaborators. A nil Gatherer disables /metrics.
type Deps struct {
	Stock      Stock
	Reconciler Reconciler
	Health     HealthLister
	Logs       LogReader
	Gatherer   prometheus.Gatherer
}

// Options configure the listener.
type Options struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
}

// Server wraps the fiber application.
type Server struct {
	app    *fiber.App
	opts   Options
	logger zerolog.Logger
}

// New builds the application and registers every route.
func New(deps Deps, opts Options, logger zerolog.Logger) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = 1 << 20
	}

	s := &Server{
		opts:   opts,
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "storefront-gateway",
		DisableStartupMessage: true,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             opts.BodyLimit,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)

	h := &handlers{deps: deps, logger: s.logger}
	s.app.Post("/webhooks/paypal", h.paypalWebhook)

	s.app.Get("/stock/:token", h.getStock)
	s.app.Get("/stock/:token/availability", h.availability)
	s.app.Post("/stock/:token/sync", h.syncStock)

	s.app.Get("/health/upstreams", h.upstreamHealth)
	s.app.Get("/api-logs", h.apiLogs)
	s.app.Get("/inventory/:token", h.inventoryEntry)
	if deps.Gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http server listening")
		errCh <- s.app.Listen(s.opts.Listen)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = http.StatusInternalServerError
		}
	}
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("took", time.Since(start)).
		Msg("request served")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := http.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(errorBody{Error: err.Error()})
}

type errorBody struct {
	Error string `json:"error"`
}
