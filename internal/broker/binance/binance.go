// Package binance implements broker.Broker against Binance USDT-M futures
// (`/fapi/...`). Grounded in the teacher's binance_broker.go HMAC-SHA256
// signing pattern (crypto/hmac + crypto/sha256 over the canonical query
// string, X-MBX-APIKEY header), generalized from the teacher's spot
// endpoints to the futures surface spec.md §6.1 names, plus clock-skew
// retry-once on signed calls.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bige7x/liveengine/internal/broker"
	"github.com/bige7x/liveengine/internal/candle"
	"github.com/bige7x/liveengine/internal/money"
)

const defaultBase = "https://fapi.binance.com"

// Client is a signed REST adapter against Binance USDT-M futures.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int64
	hc         *http.Client

	mu         sync.Mutex
	clockSkew  time.Duration // local_time + clockSkew ≈ server_time
	filters    map[string]symbolFilter
	filtersMu  sync.RWMutex
}

type symbolFilter struct {
	priceDigits int32
	qtyDigits   int32
	minNotional decimal.Decimal
}

// Config carries the credentials and dial options the teacher's env.go
// style getEnv* helpers resolve from the process environment.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	RecvWindow time.Duration
	Timeout    time.Duration
}

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	rw := cfg.RecvWindow
	if rw <= 0 {
		rw = 5 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(base, "/"),
		recvWindow: rw.Milliseconds(),
		hc:         &http.Client{Timeout: timeout},
		filters:    map[string]symbolFilter{},
	}
}

func (c *Client) sign(q url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	_, _ = io.WriteString(mac, q.Encode())
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) skewedNow() int64 {
	c.mu.Lock()
	skew := c.clockSkew
	c.mu.Unlock()
	return time.Now().Add(skew).UnixMilli()
}

func isTimestampSkew(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "timestamp") && strings.Contains(b, "window")
}

// do executes one signed or public call, retrying exactly once on a
// clock-skew signal per spec.md §4.2: re-read server time, adjust the
// local offset, retry.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	bs, err := c.attempt(ctx, method, path, q, signed)
	if err == nil {
		return bs, nil
	}
	var berr *broker.Err
	if signed && isClockSkewErr(err, &berr) {
		if terr := c.resyncClock(ctx); terr == nil {
			return c.attempt(ctx, method, path, cloneValues(q), signed)
		}
	}
	return nil, err
}

func isClockSkewErr(err error, out **broker.Err) bool {
	type unwrapper interface{ Unwrap() error }
	e := err
	for e != nil {
		if be, ok := e.(*broker.Err); ok {
			*out = be
			return be.Kind == broker.KindAuth && isTimestampSkew(be.Error())
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func cloneValues(q url.Values) url.Values {
	out := url.Values{}
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func (c *Client) resyncClock(ctx context.Context) error {
	st, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.clockSkew = time.Until(st)
	c.mu.Unlock()
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	var body io.Reader
	u := c.baseURL + path
	if signed {
		q.Set("timestamp", strconv.FormatInt(c.skewedNow(), 10))
		if c.recvWindow > 0 {
			q.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
		}
		q.Set("signature", c.sign(q))
	}
	switch method {
	case http.MethodGet:
		u = u + "?" + q.Encode()
	default:
		body = strings.NewReader(q.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, broker.NewErr(path, broker.KindNetwork, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, broker.NewErr(path, broker.KindNetwork, err)
	}
	defer res.Body.Close()
	bs, _ := io.ReadAll(res.Body)
	if res.StatusCode/100 != 2 {
		return nil, broker.NewErr(path, classify(res.StatusCode, bs), fmt.Errorf("%s", string(bs)))
	}
	return bs, nil
}

func classify(status int, body []byte) broker.ErrKind {
	s := strings.ToLower(string(body))
	switch {
	case status == 401 || status == 403 || strings.Contains(s, "signature") || strings.Contains(s, "api-key"):
		return broker.KindAuth
	case status == 429 || strings.Contains(s, "too many requests"):
		return broker.KindRateLimit
	case strings.Contains(s, "margin is insufficient"):
		return broker.KindInsufficientMargin
	case strings.Contains(s, "precision") || strings.Contains(s, "lot_size") || strings.Contains(s, "min_notional"):
		return broker.KindPrecision
	case status/100 == 4:
		return broker.KindReject
	default:
		return broker.KindNetwork
	}
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/fapi/v1/ping", nil, false)
	return err
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	bs, err := c.attempt(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}
	var r struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(bs, &r); err != nil {
		return time.Time{}, broker.NewErr("server_time", broker.KindNetwork, err)
	}
	return time.UnixMilli(r.ServerTime).UTC(), nil
}

func (c *Client) GetBalance(ctx context.Context) (broker.Balance, error) {
	bs, err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true)
	if err != nil {
		return broker.Balance{}, err
	}
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
		CrossUnPnl       string `json:"crossUnPnl"`
	}
	if err := json.Unmarshal(bs, &rows); err != nil {
		return broker.Balance{}, broker.NewErr("get_balance", broker.KindNetwork, err)
	}
	for _, r := range rows {
		if r.Asset != "USDT" {
			continue
		}
		total, _ := decimal.NewFromString(r.Balance)
		avail, _ := decimal.NewFromString(r.AvailableBalance)
		upnl, _ := decimal.NewFromString(r.CrossUnPnl)
		return broker.Balance{Total: total, Available: avail, UnrealizedPnL: upnl}, nil
	}
	return broker.Balance{}, broker.NewErr("get_balance", broker.KindReject, fmt.Errorf("USDT asset not found in balance response"))
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	positions, err := c.GetAllPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (c *Client) GetAllPositions(ctx context.Context) ([]broker.Position, error) {
	bs, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		MarginType       string `json:"marginType"`
	}
	if err := json.Unmarshal(bs, &rows); err != nil {
		return nil, broker.NewErr("get_all_positions", broker.KindNetwork, err)
	}
	out := make([]broker.Position, 0, len(rows))
	for _, r := range rows {
		amt, _ := decimal.NewFromString(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := broker.Long
		if amt.Sign() < 0 {
			side = broker.Short
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		upnl, _ := decimal.NewFromString(r.UnRealizedProfit)
		lev, _ := strconv.Atoi(r.Leverage)
		mode := broker.Crossed
		if strings.EqualFold(r.MarginType, "isolated") {
			mode = broker.Isolated
		}
		out = append(out, broker.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Quantity:      amt.Abs(),
			EntryPrice:    entry,
			Leverage:      lev,
			MarginMode:    mode,
			UnrealizedPnL: upnl,
		})
	}
	return out, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("leverage", strconv.Itoa(leverage))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", q, true)
	return err
}

func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("marginType", string(mode))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", q, true)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no need to change margin type") {
		return nil
	}
	return err
}

func (c *Client) MarketOrder(ctx context.Context, symbol string, side broker.Side, qty decimal.Decimal) (broker.OrderResult, error) {
	prec, err := c.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return broker.OrderResult{}, err
	}
	rq := money.RoundQtyDown(qty, prec.QtyDigits)
	if rq.Sign() <= 0 {
		return broker.OrderResult{}, broker.NewErr("market_order", broker.KindPrecision, fmt.Errorf("quantity rounds to zero at %d digits", prec.QtyDigits))
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("side", string(side))
	q.Set("type", "MARKET")
	q.Set("quantity", rq.String())
	q.Set("newOrderRespType", "FULL")
	bs, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", q, true)
	if err != nil {
		return broker.OrderResult{}, err
	}
	return parseOrderResponse(bs)
}

func parseOrderResponse(bs []byte) (broker.OrderResult, error) {
	var r struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		Status      string `json:"status"`
		Fills       []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(bs, &r); err != nil {
		return broker.OrderResult{}, broker.NewErr("market_order", broker.KindNetwork, err)
	}
	executed, _ := decimal.NewFromString(r.ExecutedQty)
	avg, _ := decimal.NewFromString(r.AvgPrice)

	var px money.Price
	switch {
	case avg.Sign() > 0:
		px = money.ReportedPrice(avg)
	case len(r.Fills) > 0:
		var notional, qtySum decimal.Decimal
		for _, f := range r.Fills {
			fp, _ := decimal.NewFromString(f.Price)
			fq, _ := decimal.NewFromString(f.Qty)
			notional = notional.Add(fp.Mul(fq))
			qtySum = qtySum.Add(fq)
		}
		if qtySum.Sign() > 0 {
			px = money.DerivedPrice(notional.Div(qtySum))
		} else {
			px = money.AbsentPrice()
		}
	default:
		px = money.AbsentPrice()
	}

	if !px.Present() && !strings.EqualFold(r.Status, "filled") {
		return broker.OrderResult{}, broker.NewErr("market_order", broker.KindReject, fmt.Errorf("no fills reported and status=%s", r.Status))
	}

	return broker.OrderResult{
		OrderID:     strconv.FormatInt(r.OrderID, 10),
		ExecutedQty: executed,
		AvgPrice:    px,
		Status:      r.Status,
	}, nil
}

func (c *Client) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, nil
	}
	side := broker.Sell
	if pos.Side == broker.Short {
		side = broker.Buy
	}
	res, err := c.MarketOrder(ctx, symbol, side, pos.Quantity)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetKlines(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", timeframe)
	q.Set("limit", strconv.Itoa(limit))
	bs, err := c.attempt(ctx, http.MethodGet, "/fapi/v1/klines", q, false)
	if err != nil {
		return nil, err
	}
	var raw [][]interface{}
	if err := json.Unmarshal(bs, &raw); err != nil {
		return nil, broker.NewErr("get_klines", broker.KindNetwork, err)
	}
	out := make(candle.Series, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		openMs, _ := row[0].(float64)
		closeMs, _ := row[6].(float64)
		out = append(out, candle.Candle{
			OpenTime:  time.UnixMilli(int64(openMs)).UTC(),
			Open:      parseFloatField(row[1]),
			High:      parseFloatField(row[2]),
			Low:       parseFloatField(row[3]),
			Close:     parseFloatField(row[4]),
			Volume:    parseFloatField(row[5]),
			CloseTime: time.UnixMilli(int64(closeMs)).UTC(),
		})
	}
	return out, nil
}

func parseFloatField(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func (c *Client) GetSymbolPrecision(ctx context.Context, symbol string) (broker.Precision, error) {
	c.filtersMu.RLock()
	if f, ok := c.filters[symbol]; ok {
		c.filtersMu.RUnlock()
		return broker.Precision{PriceDigits: f.priceDigits, QtyDigits: f.qtyDigits, MinNotional: f.minNotional}, nil
	}
	c.filtersMu.RUnlock()

	q := url.Values{}
	q.Set("symbol", symbol)
	bs, err := c.attempt(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", q, false)
	if err != nil {
		return broker.Precision{}, err
	}
	var ex struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int32  `json:"pricePrecision"`
			QuantityPrecision int32  `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				MinNotional string `json:"notional"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(bs, &ex); err != nil {
		return broker.Precision{}, broker.NewErr("get_symbol_precision", broker.KindNetwork, err)
	}
	if len(ex.Symbols) == 0 {
		return broker.Precision{}, broker.NewErr("get_symbol_precision", broker.KindReject, fmt.Errorf("symbol %s not found", symbol))
	}
	e := ex.Symbols[0]
	minNotional := decimal.Zero
	priceDigits := e.PricePrecision
	qtyDigits := e.QuantityPrecision
	for _, f := range e.Filters {
		switch f.FilterType {
		case "MIN_NOTIONAL":
			if f.MinNotional != "" {
				minNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		case "PRICE_FILTER":
			// tickSize is the authoritative source for price precision;
			// pricePrecision sometimes lags behind a live filter change.
			if tick, err := decimal.NewFromString(f.TickSize); err == nil {
				priceDigits = money.DigitsFromStep(tick, e.PricePrecision)
			}
		case "LOT_SIZE":
			if step, err := decimal.NewFromString(f.StepSize); err == nil {
				qtyDigits = money.DigitsFromStep(step, e.QuantityPrecision)
			}
		}
	}
	filt := symbolFilter{priceDigits: priceDigits, qtyDigits: qtyDigits, minNotional: minNotional}
	c.filtersMu.Lock()
	c.filters[symbol] = filt
	c.filtersMu.Unlock()
	return broker.Precision{PriceDigits: filt.priceDigits, QtyDigits: filt.qtyDigits, MinNotional: filt.minNotional}, nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	bs, err := c.attempt(ctx, http.MethodGet, "/fapi/v1/ticker/price", q, false)
	if err != nil {
		return decimal.Zero, err
	}
	var r struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(bs, &r); err != nil {
		return decimal.Zero, broker.NewErr("mark_price", broker.KindNetwork, err)
	}
	px, err := decimal.NewFromString(r.Price)
	if err != nil {
		return decimal.Zero, broker.NewErr("mark_price", broker.KindNetwork, err)
	}
	return px, nil
}

var _ broker.Broker = (*Client)(nil)
