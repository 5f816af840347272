package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-gateway/internal/resilience"
	"storefront-gateway/internal/transport"
)

var direct = transport.Route{Name: transport.Direct}

func newTestClient(baseURL string) *Client {
	return New(Options{BaseURL: baseURL + "/", APIKey: "secret", UserAgent: "test", Timeout: time.Second}, zerolog.Nop())
}

func TestGetStockSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stock/steam-key" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":    "steam-key",
			"name":     "Steam key",
			"quantity": 12,
			"price":    "4.99",
		})
	}))
	defer srv.Close()

	stock, err := newTestClient(srv.URL).GetStock(context.Background(), direct, "steam-key")
	require.NoError(t, err)
	assert.Equal(t, 12, stock.Quantity)
	assert.True(t, stock.Price.Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, "Steam key", stock.Name)
}

func TestGetStockBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "unknown_token", "message": "no such product"},
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetStock(context.Background(), direct, "missing")
	var be *resilience.BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusNotFound, be.Status)
	assert.Equal(t, "unknown_token", be.Code)
	assert.Equal(t, "no such product", be.Message)
}

func TestThrottlingIsTransport(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := newTestClient(srv.URL).GetStock(context.Background(), direct, "steam-key")
		srv.Close()
		assert.Equal(t, resilience.ClassTransport, resilience.Classify(err), "status %d", status)
	}
}

func TestServerErrorIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetStock(context.Background(), direct, "steam-key")
	require.Error(t, err)
	assert.Equal(t, resilience.ClassUnknown, resilience.Classify(err))
}

func TestConnectionFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	_, err := newTestClient(base).GetStock(context.Background(), direct, "steam-key")
	var te *resilience.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.Direct, te.Route)
	assert.Equal(t, "getStock", te.Op)
}

func TestRelayRequestsWrappedTarget(t *testing.T) {
	var target string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target = r.URL.Query().Get("url")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "steam-key", "quantity": 3, "price": 1})
	}))
	defer relay.Close()

	route := transport.Route{Name: "relay_a", ProxyURL: relay.URL + "/?url=", EncodeTarget: true}
	stock, err := newTestClient("https://supplier.example").GetStock(context.Background(), route, "steam-key")
	require.NoError(t, err)
	assert.Equal(t, 3, stock.Quantity)

	parsed, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "supplier.example", parsed.Host)
	assert.Equal(t, "/stock/steam-key", parsed.Path)
}

func TestRelayFailuresAreTransport(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mode") == "forbidden" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>relay error</html>"))
	}))
	defer relay.Close()

	client := newTestClient("https://supplier.example")

	_, err := client.GetStock(context.Background(), transport.Route{Name: "relay_a", ProxyURL: relay.URL + "/?mode=forbidden&url="}, "steam-key")
	assert.Equal(t, resilience.ClassTransport, resilience.Classify(err))

	_, err = client.GetStock(context.Background(), transport.Route{Name: "relay_b", ProxyURL: relay.URL + "/?url="}, "steam-key")
	assert.Equal(t, resilience.ClassTransport, resilience.Classify(err))
}

func TestGetProducts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"products": []map[string]any{
				{"token": "a", "name": "A", "quantity": 1, "price": "1.00"},
				{"token": "b", "name": "B", "quantity": 0, "price": "2.50"},
			},
		})
	}))
	defer srv.Close()

	products, err := newTestClient(srv.URL).GetProducts(context.Background(), direct)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "b", products[1].Token)
}

func TestBuyProduct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var req buyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Quantity > 3 {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "out_of_stock", "message": "only 3 left"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"order_id": "o-1", "token": req.Token, "quantity": req.Quantity, "total": "9.00", "items": []string{"K1"}})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	purchase, err := client.BuyProduct(context.Background(), direct, "steam-key", 1)
	require.NoError(t, err)
	assert.Equal(t, "o-1", purchase.OrderID)
	assert.Equal(t, []string{"K1"}, purchase.Items)

	_, err = client.BuyProduct(context.Background(), direct, "steam-key", 5)
	assert.True(t, IsOutOfStock(err))

	_, err = client.BuyProduct(context.Background(), direct, "steam-key", 0)
	assert.Equal(t, resilience.ClassBusiness, resilience.Classify(err))
	assert.False(t, IsOutOfStock(errors.New("other")))
}
