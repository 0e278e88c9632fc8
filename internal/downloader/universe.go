package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// tickerEntry mirrors one element of Binance's GET /api/v3/ticker/24hr
// response, trimmed to the fields original_source's TopSymbolsFetcher uses.
type tickerEntry struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	QuoteVolume        string `json:"quoteVolume"`
}

// SymbolInfo is one entry of the filtered, volume-ranked universe.
type SymbolInfo struct {
	Symbol         string
	Base           string
	Quote          string
	Volume24h      float64
	Price          float64
	PriceChange24h float64
}

// UniverseOptions mirrors TopSymbolsFetcher.get_top_symbols's keyword
// arguments.
type UniverseOptions struct {
	N                  int
	Quote              string
	MinVolume          float64
	ExcludeStablecoins bool
	ExcludeLeveraged   bool
}

func defaultUniverseOptions(o UniverseOptions) UniverseOptions {
	if o.N <= 0 {
		o.N = 100
	}
	if o.Quote == "" {
		o.Quote = "USDT"
	}
	if o.MinVolume <= 0 {
		o.MinVolume = 1_000_000
	}
	return o
}

// FetchTopSymbols calls Binance's public 24hr ticker endpoint and returns
// the top N symbols by quote volume after filtering out stablecoin bases,
// leveraged-token bases, and low-volume pairs. Ported from
// original_source/data/downloaders/top_symbols_fetcher.py's
// TopSymbolsFetcher.get_top_symbols.
func FetchTopSymbols(ctx context.Context, httpClient *http.Client, opts UniverseOptions) ([]string, error) {
	infos, err := fetchUniverse(ctx, httpClient, opts)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Symbol
	}
	return out, nil
}

// FetchTopSymbolsWithInfo is FetchTopSymbols but retains the full
// SymbolInfo records (volume, price, 24h change) for callers that want to
// log or persist them.
func FetchTopSymbolsWithInfo(ctx context.Context, httpClient *http.Client, opts UniverseOptions) ([]SymbolInfo, error) {
	return fetchUniverse(ctx, httpClient, opts)
}

func fetchUniverse(ctx context.Context, httpClient *http.Client, opts UniverseOptions) ([]SymbolInfo, error) {
	opts = defaultUniverseOptions(opts)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.binance.com/api/v3/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: fetch universe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloader: fetch universe: status %d", resp.StatusCode)
	}

	var raw []tickerEntry
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("downloader: decode universe: %w", err)
	}

	var filtered []SymbolInfo
	for _, item := range raw {
		parsed, ok := ParseSymbol(item.Symbol)
		if !ok || parsed.Quote != opts.Quote {
			continue
		}
		if opts.ExcludeStablecoins && stablecoins[parsed.Base] {
			continue
		}
		if opts.ExcludeLeveraged && IsLeveragedToken(item.Symbol) {
			continue
		}
		volume, err := strconv.ParseFloat(item.QuoteVolume, 64)
		if err != nil || volume < opts.MinVolume {
			continue
		}
		price, _ := strconv.ParseFloat(item.LastPrice, 64)
		change, _ := strconv.ParseFloat(item.PriceChangePercent, 64)

		filtered = append(filtered, SymbolInfo{
			Symbol:         item.Symbol,
			Base:           parsed.Base,
			Quote:          parsed.Quote,
			Volume24h:      volume,
			Price:          price,
			PriceChange24h: change,
		})
	}

	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Volume24h > filtered[j].Volume24h })
	if len(filtered) > opts.N {
		filtered = filtered[:opts.N]
	}
	return filtered, nil
}
