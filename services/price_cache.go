package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"solgate/logging"
	"solgate/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const priceTTL = 60 * time.Second

// QuoteStore is the slice of the store the price cache needs.
type QuoteStore interface {
	Quotes(ctx context.Context, assetIDs []string) ([]models.PriceQuote, error)
	UpsertQuotes(ctx context.Context, quotes []models.PriceQuote) error
}

// PriceCache serves USD quotes from the database within a TTL and batches
// cache misses into one upstream call. Concurrent misses for the same id set
// share a single in-flight fetch.
type PriceCache struct {
	store      QuoteStore
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	flight     singleflight.Group
	now        func() time.Time
}

func NewPriceCache(store QuoteStore, baseURL string, httpClient *http.Client) *PriceCache {
	return &PriceCache{
		store:      store,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		ttl:        priceTTL,
		now:        time.Now,
	}
}

// GetUSDPrices returns a quote per requested asset id. An absent entry means
// the price is unknown; the caller decides what that implies. An upstream
// failure fails the whole call.
func (p *PriceCache) GetUSDPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(assetIDs))
	if len(assetIDs) == 0 {
		return result, nil
	}

	now := p.now()
	cached, err := p.store.Quotes(ctx, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("loading cached quotes: %w", err)
	}
	fresh := make(map[string]bool, len(cached))
	for _, q := range cached {
		if now.Sub(q.FetchedAt) < p.ttl {
			result[q.AssetID] = q.PriceUSD
			fresh[q.AssetID] = true
		}
	}

	var missing []string
	seen := make(map[string]bool)
	for _, id := range assetIDs {
		if !fresh[id] && !seen[id] {
			seen[id] = true
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	sort.Strings(missing)
	key := strings.Join(missing, ",")
	fetched, err, _ := p.flight.Do(key, func() (any, error) {
		return p.fetchAndStore(ctx, missing)
	})
	if err != nil {
		return nil, err
	}
	for id, price := range fetched.(map[string]decimal.Decimal) {
		result[id] = price
	}
	return result, nil
}

// fetchAndStore pulls quotes for the given ids in one upstream call and
// upserts every finite quote. Ids the provider does not quote produce no map
// entry and no cache write.
func (p *PriceCache) fetchAndStore(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
		p.baseURL, url.QueryEscape(strings.Join(assetIDs, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price provider request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("price provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding price response: %w", err)
	}

	now := p.now()
	prices := make(map[string]decimal.Decimal)
	var quotes []models.PriceQuote
	for _, id := range assetIDs {
		usd, ok := payload[id]["usd"]
		if !ok || math.IsNaN(usd) || math.IsInf(usd, 0) {
			continue
		}
		price := decimal.NewFromFloat(usd)
		prices[id] = price
		quotes = append(quotes, models.PriceQuote{AssetID: id, PriceUSD: price, FetchedAt: now})
	}

	if err := p.store.UpsertQuotes(ctx, quotes); err != nil {
		logging.Error("failed to persist price quotes", zap.Error(err))
	}
	return prices, nil
}
