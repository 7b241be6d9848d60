package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/models"
)

// Quote is one entry of the provider's response.
type Quote struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Volume24h float64 `json:"volume24h"`
	MarketCap float64 `json:"marketCap"`
	Timestamp int64   `json:"timestamp"`
}

type quotesResponse struct {
	Data map[string]Quote `json:"data"`
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("quote provider returned %d: %s", e.Code, e.Body)
}

// QuoteProvider fetches quotes for a set of symbols in one call.
type QuoteProvider interface {
	Quotes(ctx context.Context, symbols []string) (map[string]models.PriceTick, error)
}

// HTTPProvider talks to the quote API over HTTP.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Quotes returns whatever the provider knows about symbols. Symbols missing
// from the response are simply absent from the map.
func (p *HTTPProvider) Quotes(ctx context.Context, symbols []string) (map[string]models.PriceTick, error) {
	endpoint := p.baseURL + "/v1/prices?symbols=" + url.QueryEscape(strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var raw quotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}

	out := make(map[string]models.PriceTick, len(raw.Data))
	now := time.Now().UnixMilli()
	for sym, q := range raw.Data {
		sym = strings.ToUpper(sym)
		if _, ok := want[sym]; !ok {
			continue
		}
		ts := q.Timestamp
		if ts == 0 {
			ts = now
		}
		out[sym] = models.PriceTick{
			Symbol:    sym,
			Price:     q.Price,
			Change24h: q.Change24h,
			Volume24h: q.Volume24h,
			MarketCap: q.MarketCap,
			Timestamp: ts,
			Source:    models.SourceUpstream,
		}
	}
	return out, nil
}
