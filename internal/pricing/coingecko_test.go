package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vault-scanner/internal/errors"
	"github.com/vault-scanner/internal/storage"
)

func newTestCache(t *testing.T) *storage.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return storage.NewRedisCacheFromClient(client)
}

func TestGetTokenPrice(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"ethereum":{"usd":3000.5}}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient("", server.URL, newTestCache(t), 5*time.Minute, 1000)

	price, err := client.GetTokenPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3000.5, price)

	// Second call must come from cache, not the API.
	price, err = client.GetTokenPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3000.5, price)
	assert.Equal(t, 1, requests)
}

func TestGetTokenPriceUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient("", server.URL, newTestCache(t), 5*time.Minute, 1000)

	_, err := client.GetTokenPrice(context.Background(), "USDC")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPriceUnavailable)
}

func TestGetMultipleTokenPrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// DAI intentionally omitted from the response.
		w.Write([]byte(`{"ethereum":{"usd":3000},"usd-coin":{"usd":1}}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient("", server.URL, newTestCache(t), 5*time.Minute, 1000)

	prices, err := client.GetMultipleTokenPrices(context.Background(), []string{"ETH", "USDC", "DAI"})
	require.NoError(t, err)
	assert.Equal(t, 3000.0, prices["ETH"])
	assert.Equal(t, 1.0, prices["USDC"])
	_, ok := prices["DAI"]
	assert.False(t, ok, "missing price should be omitted, not zero-filled")
}

func TestGetMultipleTokenPricesEmpty(t *testing.T) {
	client := NewCoinGeckoClient("", "http://unused.invalid", newTestCache(t), 5*time.Minute, 1000)

	prices, err := client.GetMultipleTokenPrices(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, prices)
}

func TestGetHistoricalPrice(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/coins/wrapped-bitcoin/history", r.URL.Path)
		assert.Equal(t, "15-06-2025", r.URL.Query().Get("date"))
		w.Write([]byte(`{"market_data":{"current_price":{"usd":65000.25}}}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient("", server.URL, newTestCache(t), 5*time.Minute, 1000)
	date := time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)

	price, err := client.GetHistoricalPrice(context.Background(), "WBTC", date)
	require.NoError(t, err)
	assert.Equal(t, 65000.25, price)

	price, err = client.GetHistoricalPrice(context.Background(), "WBTC", date)
	require.NoError(t, err)
	assert.Equal(t, 65000.25, price)
	assert.Equal(t, 1, requests)
}

func TestGetHistoricalPriceNoMarketData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"dai","symbol":"dai"}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient("", server.URL, newTestCache(t), 5*time.Minute, 1000)

	_, err := client.GetHistoricalPrice(context.Background(), "DAI", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPriceUnavailable)
}

func TestServerErrorFailsFast(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewCoinGeckoClient("", server.URL, newTestCache(t), 5*time.Minute, 1000)

	_, err := client.GetTokenPrice(context.Background(), "ETH")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Equal(t, 1, requests, "non-429 failures surface immediately; the queue owns retries")
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ethereum":{"usd":3000}}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient("", server.URL, newTestCache(t), 5*time.Minute, 1000)

	price, err := client.GetTokenPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, price)
	assert.Equal(t, 2, requests)
}

func TestCoinIDFallback(t *testing.T) {
	client := NewCoinGeckoClient("", "", nil, time.Minute, 30)

	assert.Equal(t, "ethereum", client.CoinID("eth"))
	assert.Equal(t, "usd-coin", client.CoinID("USDC"))
	assert.Equal(t, "sometoken", client.CoinID("SOMETOKEN"))
}
