package supplier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storefront-gateway/internal/resilience"
	"storefront-gateway/internal/transport"
	"storefront-gateway/internal/version"
)

const (
	stockPath    = "/stock/"
	productsPath = "/products"
	buyPath      = "/buy"

	maxResponseBytes = 1 << 20
)

// Options parameterise the supplier client.
type Options struct {
	Name      string
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Client talks to the supplier API and classifies every failure at the boundary.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// New constructs a supplier client.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "supplier"
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = version.UserAgent()
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "supplier_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// API is the upstream name used for breaker and audit records.
func (c *Client) API() string {
	return c.opts.Name
}

// GetStock reads current stock for token.
func (c *Client) GetStock(ctx context.Context, route transport.Route, token string) (Stock, error) {
	if strings.TrimSpace(token) == "" {
		return Stock{}, &resilience.BusinessError{API: c.opts.Name, Status: http.StatusBadRequest, Code: "invalid_token", Message: "token is required"}
	}

	var stock Stock
	if err := c.do(ctx, route, "getStock", http.MethodGet, stockPath+url.PathEscape(token), nil, &stock); err != nil {
		return Stock{}, err
	}
	if stock.Token == "" {
		stock.Token = token
	}
	return stock, nil
}

// GetProducts lists the supplier catalog.
func (c *Client) GetProducts(ctx context.Context, route transport.Route) ([]Product, error) {
	var payload struct {
		Products []Product `json:"products"`
	}
	if err := c.do(ctx, route, "getProducts", http.MethodGet, productsPath, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Products, nil
}

// BuyProduct places an order. Callers must only invoke it after payment is confirmed.
func (c *Client) BuyProduct(ctx context.Context, route transport.Route, token string, quantity int) (Purchase, error) {
	if quantity <= 0 {
		return Purchase{}, &resilience.BusinessError{API: c.opts.Name, Status: http.StatusBadRequest, Code: "invalid_quantity", Message: "quantity must be positive"}
	}

	body := buyRequest{Token: token, Quantity: quantity}
	var purchase Purchase
	if err := c.do(ctx, route, "buyProduct", http.MethodPost, buyPath, body, &purchase); err != nil {
		return Purchase{}, err
	}
	return purchase, nil
}

type buyRequest struct {
	Token    string `json:"token"`
	Quantity int    `json:"quantity"`
}

func (c *Client) do(ctx context.Context, route transport.Route, op, method, path string, payload, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(body)
	}

	endpoint := route.Wrap(c.baseURL + path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportErr(route, op, err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.transportErr(route, op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classifyStatus(route, op, resp.StatusCode, payloadBytes)
	}

	if err := json.Unmarshal(payloadBytes, out); err != nil {
		if route.Relayed() {
			// relays answer their own failures with HTML pages and 200s
			return c.transportErr(route, op, fmt.Errorf("relay returned undecodable body: %w", err))
		}
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	c.logger.Debug().Str("op", op).Str("route", route.Name).Int("status", resp.StatusCode).Msg("supplier call succeeded")
	return nil
}

func (c *Client) transportErr(route transport.Route, op string, err error) error {
	return &resilience.TransportError{API: c.opts.Name, Route: route.Name, Op: op, Err: err}
}

func (c *Client) classifyStatus(route transport.Route, op string, status int, payload []byte) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return c.transportErr(route, op, fmt.Errorf("status %d", status))
	case route.Relayed() && (status == http.StatusForbidden || status == http.StatusProxyAuthRequired):
		return c.transportErr(route, op, fmt.Errorf("relay refused with status %d", status))
	case status >= 400 && status < 500:
		return parseBusinessError(c.opts.Name, status, payload)
	default:
		return fmt.Errorf("%s %s: upstream error (%d): %s", c.opts.Name, op, status, summarize(payload))
	}
}

type errorResponse struct {
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func parseBusinessError(api string, status int, payload []byte) error {
	be := &resilience.BusinessError{API: api, Status: status}

	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		be.Code = apiErr.Code
		be.Message = apiErr.Message
		if len(apiErr.Error) > 0 {
			var detail errorDetail
			var text string
			switch {
			case json.Unmarshal(apiErr.Error, &detail) == nil:
				be.Code = detail.Code
				be.Message = detail.Message
			case json.Unmarshal(apiErr.Error, &text) == nil:
				be.Message = text
			}
		}
	}
	if be.Message == "" {
		be.Message = summarize(payload)
	}
	if be.Message == "" {
		be.Message = http.StatusText(status)
	}
	return be
}

func summarize(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// IsOutOfStock reports whether err is the supplier's out-of-stock rejection.
func IsOutOfStock(err error) bool {
	var be *resilience.BusinessError
	return errors.As(err, &be) && be.Code == "out_of_stock"
}

var (
	_ StockFetcher = (*Client)(nil)
	_ Buyer        = (*Client)(nil)
)
