// Package supplier is the HTTP client for the digital-goods supplier API.
package supplier

import (
	"context"

	"github.com/shopspring/decimal"

	"storefront-gateway/internal/transport"
)

// Stock is the supplier's view of one product's availability.
type Stock struct {
	Token    string          `json:"token"`
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Product is a catalog entry.
type Product struct {
	Token    string          `json:"token"`
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Purchase is the supplier's confirmation of a buy.
type Purchase struct {
	OrderID  string          `json:"order_id"`
	Token    string          `json:"token"`
	Quantity int             `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
	Items    []string        `json:"items"`
}

// StockFetcher reads supplier stock over a chosen route.
type StockFetcher interface {
	API() string
	GetStock(ctx context.Context, route transport.Route, token string) (Stock, error)
	GetProducts(ctx context.Context, route transport.Route) ([]Product, error)
}

// Buyer places orders with the supplier.
type Buyer interface {
	BuyProduct(ctx context.Context, route transport.Route, token string, quantity int) (Purchase, error)
}
