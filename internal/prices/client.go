package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

// Fetcher retrieves a current price from the external price source.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// HTTPFetcher calls GET {base}/api/v1/prices/{symbol}. The request is bounded
// by the client timeout so a slow price source stalls a worker for at most
// that long.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{baseURL: baseURL, client: client}
}

type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/api/v1/prices/%s", f.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price fetch for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price source returned %d for %s", resp.StatusCode, symbol)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decoding price response for %s: %w", symbol, err)
	}
	return models.ParsePrice(body.Price), nil
}
