package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vault-scanner/internal/errors"
	"github.com/vault-scanner/internal/logging"
)

// Cache is the price cache backend. *storage.RedisCache satisfies it.
type Cache interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// symbolToCoinID maps eligible asset symbols to CoinGecko coin IDs.
// Symbols outside this map fall back to the lowercased symbol itself.
var symbolToCoinID = map[string]string{
	"ETH":  "ethereum",
	"WETH": "weth",
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
	"WBTC": "wrapped-bitcoin",
}

// CoinGeckoClient fetches USD token prices from the CoinGecko API with a
// cache-first read policy. Spot prices are cached for a short TTL, historical
// prices indefinitely since they never change.
type CoinGeckoClient struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	cache    Cache
	cacheTTL time.Duration
	limiter  *rate.Limiter
	logger   *logging.Logger
}

// NewCoinGeckoClient creates a CoinGecko price client.
// requestsPerMinute throttles outbound API calls (free tier allows ~30/min).
func NewCoinGeckoClient(apiKey, baseURL string, cache Cache, cacheTTL time.Duration, requestsPerMinute int) *CoinGeckoClient {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	return &CoinGeckoClient{
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		cache:    cache,
		cacheTTL: cacheTTL,
		limiter:  rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		logger:   logging.GetGlobalLogger().WithField("component", "coingecko"),
	}
}

// CoinID returns the CoinGecko coin ID for a token symbol.
func (c *CoinGeckoClient) CoinID(symbol string) string {
	upper := strings.ToUpper(symbol)
	if id, ok := symbolToCoinID[upper]; ok {
		return id
	}
	c.logger.WithField("symbol", symbol).Warn("no coin ID mapping for symbol, falling back to lowercased symbol")
	return strings.ToLower(symbol)
}

// GetTokenPrice returns the current USD price for a token symbol.
// Returns ErrPriceUnavailable when the API has no price for the token.
func (c *CoinGeckoClient) GetTokenPrice(ctx context.Context, symbol string) (float64, error) {
	cacheKey := spotCacheKey(symbol)
	if price, ok := c.cachedPrice(ctx, cacheKey); ok {
		return price, nil
	}

	coinID := c.CoinID(symbol)
	prices, err := c.fetchSimplePrices(ctx, []string{coinID})
	if err != nil {
		return 0, err
	}

	price, ok := prices[coinID]
	if !ok {
		return 0, errors.NewPriceUnavailableError(symbol)
	}

	c.storePrice(ctx, cacheKey, price, c.cacheTTL)
	return price, nil
}

// GetMultipleTokenPrices returns current USD prices for a set of token
// symbols in a single API call. Symbols the API has no price for are simply
// absent from the result, not errors.
func (c *CoinGeckoClient) GetMultipleTokenPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	result := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return result, nil
	}

	// Resolve from cache first, collecting misses for one batched call.
	var missing []string
	coinIDs := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		upper := strings.ToUpper(symbol)
		if _, seen := coinIDs[upper]; seen {
			continue
		}
		coinIDs[upper] = c.CoinID(upper)
		if price, ok := c.cachedPrice(ctx, spotCacheKey(upper)); ok {
			result[upper] = price
		} else {
			missing = append(missing, upper)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(missing))
	for _, symbol := range missing {
		ids = append(ids, coinIDs[symbol])
	}
	prices, err := c.fetchSimplePrices(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, symbol := range missing {
		price, ok := prices[coinIDs[symbol]]
		if !ok {
			c.logger.WithField("symbol", symbol).Warn("price missing from batched response")
			continue
		}
		result[symbol] = price
		c.storePrice(ctx, spotCacheKey(symbol), price, c.cacheTTL)
	}

	return result, nil
}

// GetHistoricalPrice returns the USD price of a token at a past date.
// Historical prices are immutable so cache entries never expire.
func (c *CoinGeckoClient) GetHistoricalPrice(ctx context.Context, symbol string, date time.Time) (float64, error) {
	day := date.UTC().Format("2006-01-02")
	cacheKey := fmt.Sprintf("price:hist:%s:%s", strings.ToLower(symbol), day)
	if price, ok := c.cachedPrice(ctx, cacheKey); ok {
		return price, nil
	}

	coinID := c.CoinID(symbol)
	endpoint := fmt.Sprintf("%s/coins/%s/history?date=%s", c.baseURL, url.PathEscape(coinID), date.UTC().Format("02-01-2006"))

	body, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return 0, err
	}

	var resp struct {
		MarketData *struct {
			CurrentPrice map[string]float64 `json:"current_price"`
		} `json:"market_data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse history response: %w", err)
	}
	if resp.MarketData == nil {
		return 0, errors.NewPriceUnavailableError(symbol)
	}
	price, ok := resp.MarketData.CurrentPrice["usd"]
	if !ok {
		return 0, errors.NewPriceUnavailableError(symbol)
	}

	c.storePrice(ctx, cacheKey, price, 0)
	return price, nil
}

// fetchSimplePrices calls /simple/price for a set of coin IDs and returns
// coinID -> USD price for every coin the API knows about.
func (c *CoinGeckoClient) fetchSimplePrices(ctx context.Context, coinIDs []string) (map[string]float64, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
		c.baseURL, url.QueryEscape(strings.Join(coinIDs, ",")))

	body, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp map[string]map[string]float64
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse price response: %w", err)
	}

	prices := make(map[string]float64, len(resp))
	for coinID, quote := range resp {
		if usd, ok := quote["usd"]; ok {
			prices[coinID] = usd
		}
	}
	return prices, nil
}

// doRequest performs a rate-limited GET. Transport errors and non-429 HTTP
// failures surface immediately so the queue's attempt budget stays the only
// retry budget; a 429 waits out the server's Retry-After (or a short backoff)
// a bounded number of times, since that wait is throttling, not a retry.
func (c *CoinGeckoClient) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	const maxRateLimitWaits = 3
	baseDelay := 2 * time.Second

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if c.apiKey != "" {
			req.Header.Set("x-cg-demo-api-key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt >= maxRateLimitWaits {
				return nil, fmt.Errorf("rate limited (429) after %d waits", maxRateLimitWaits)
			}
			delay := baseDelay * time.Duration(1<<uint(attempt))
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil {
					delay = time.Duration(seconds) * time.Second
				}
			}
			c.logger.WithField("delay", delay.String()).Warn("rate limited by CoinGecko, waiting")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("coingecko HTTP %d: %s", resp.StatusCode, string(body))
		}

		return body, nil
	}
}

func (c *CoinGeckoClient) cachedPrice(ctx context.Context, key string) (float64, bool) {
	if c.cache == nil {
		return 0, false
	}
	raw, ok, err := c.cache.Lookup(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("price cache lookup failed")
		return 0, false
	}
	if !ok {
		return 0, false
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("corrupt price cache entry")
		return 0, false
	}
	return price, true
}

func (c *CoinGeckoClient) storePrice(ctx context.Context, key string, price float64, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	value := strconv.FormatFloat(price, 'f', -1, 64)
	if err := c.cache.Set(ctx, key, value, ttl); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to cache price")
	}
}

func spotCacheKey(symbol string) string {
	return "price:spot:" + strings.ToLower(symbol)
}
