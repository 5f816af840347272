package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/breaker"
	"storefront-gateway/internal/inventory"
	"storefront-gateway/internal/payments"
	"storefront-gateway/internal/resilience"
	"storefront-gateway/internal/storage"
)

type handlers struct {
	deps   Deps
	logger zerolog.Logger
}

func (h *handlers) paypalWebhook(c *fiber.Ctx) error {
	headers := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})
	delivery := payments.Delivery{
		Headers: headers,
		Body:    append([]byte(nil), c.Body()...),
	}

	res, err := h.deps.Reconciler.Reconcile(c.UserContext(), delivery)
	if err != nil {
		return webhookError(err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

func webhookError(err error) error {
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		return fiber.NewError(http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, payments.ErrInvalidEvent):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, payments.ErrDepositNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, payments.ErrVerificationUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, "signature verification unavailable")
	default:
		return err
	}
}

func (h *handlers) getStock(c *fiber.Ctx) error {
	fresh := c.QueryBool("fresh", false)
	info, err := h.deps.Stock.GetStock(c.UserContext(), c.Params("token"), inventory.StockOptions{ForceFresh: fresh})
	if err != nil {
		return stockError(err)
	}
	return c.JSON(stockResponse(info))
}

func (h *handlers) availability(c *fiber.Ctx) error {
	quantity, err := strconv.Atoi(c.Query("quantity", "1"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "quantity must be a number")
	}
	avail, err := h.deps.Stock.CheckAvailability(c.UserContext(), c.Params("token"), quantity)
	if err != nil {
		return stockError(err)
	}
	return c.JSON(avail)
}

func (h *handlers) syncStock(c *fiber.Ctx) error {
	report, err := h.deps.Stock.SyncStock(c.UserContext(), c.Params("token"))
	if err != nil {
		return stockError(err)
	}
	return c.JSON(report)
}

func (h *handlers) inventoryEntry(c *fiber.Ctx) error {
	entry, err := h.deps.Stock.Entry(c.UserContext(), c.Params("token"))
	if err != nil {
		return stockError(err)
	}
	return c.JSON(cacheEntryView{
		Token:         entry.Token,
		Quantity:      entry.Quantity,
		Price:         entry.Price,
		Name:          entry.Name,
		LastCheckedAt: entry.LastCheckedAt,
		CachedUntil:   entry.CachedUntil,
	})
}

func stockError(err error) error {
	var (
		business  *resilience.BusinessError
		exhausted *resilience.FallbackExhaustedError
	)
	switch {
	case errors.Is(err, inventory.ErrInvalidToken), errors.Is(err, inventory.ErrInvalidQuantity):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "no cached stock for token")
	case errors.As(err, &business):
		if business.Status >= 400 && business.Status < 500 {
			return fiber.NewError(business.Status, business.Message)
		}
		return fiber.NewError(http.StatusBadGateway, business.Message)
	case errors.Is(err, resilience.ErrUpstreamUnavailable),
		errors.As(err, &exhausted),
		resilience.Classify(err) == resilience.ClassTransport:
		return fiber.NewError(http.StatusServiceUnavailable, "supplier unavailable")
	default:
		return fiber.NewError(http.StatusBadGateway, err.Error())
	}
}

func (h *handlers) upstreamHealth(c *fiber.Ctx) error {
	records, err := h.deps.Health.Snapshot(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]healthView, 0, len(records))
	for _, rec := range records {
		out = append(out, healthView{
			API:                rec.API,
			State:              string(breaker.StateOf(rec)),
			ErrorCount:         rec.ErrorCount,
			ConsecutiveSuccess: rec.ConsecutiveSuccess,
			LastError:          rec.LastError,
			OpenedAt:           rec.OpenedAt,
			UpdatedAt:          rec.UpdatedAt,
		})
	}
	return c.JSON(out)
}

func (h *handlers) apiLogs(c *fiber.Ctx) error {
	limit := audit.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "limit must be a number")
		}
		limit = n
		if limit < 1 {
			limit = 1
		}
	}

	entries, err := h.deps.Logs.Recent(c.UserContext(), limit)
	if err != nil {
		return err
	}
	out := make([]logView, 0, len(entries))
	for _, e := range entries {
		out = append(out, logView{
			ID:             e.ID,
			API:            e.API,
			Endpoint:       e.Endpoint,
			Status:         e.Status,
			ResponseTimeMs: e.ResponseTimeMs,
			Details:        e.Details,
			CreatedAt:      e.CreatedAt,
		})
	}
	return c.JSON(out)
}

type stockView struct {
	inventory.StockInfo
	CacheAgeSeconds float64 `json:"cache_age_seconds"`
	Warning         string  `json:"warning,omitempty"`
}

func stockResponse(info inventory.StockInfo) stockView {
	view := stockView{StockInfo: info, CacheAgeSeconds: info.CacheAge.Seconds()}
	if info.Stale {
		view.Warning = "supplier unavailable, showing last known stock"
	}
	return view
}

type cacheEntryView struct {
	Token         string          `json:"token"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Name          string          `json:"name"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
	CachedUntil   time.Time       `json:"cached_until"`
}

type healthView struct {
	API                string     `json:"api"`
	State              string     `json:"state"`
	ErrorCount         uint       `json:"error_count"`
	ConsecutiveSuccess uint       `json:"consecutive_success"`
	LastError          *string    `json:"last_error,omitempty"`
	OpenedAt           *time.Time `json:"opened_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type logView struct {
	ID             int64           `json:"id"`
	API            string          `json:"api"`
	Endpoint       string          `json:"endpoint"`
	Status         string          `json:"status"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
