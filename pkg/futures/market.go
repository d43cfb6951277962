package futures

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"nakula/pkg/core"
)

// Ping checks connectivity to the REST API.
func (c *Client) Ping(ctx context.Context) error {
	_, err := Call[struct{}](ctx, c, EndpointPing, nil)
	return err
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := c.serverMillis(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (c *Client) serverMillis(ctx context.Context) (int64, error) {
	w, err := Call[wireServerTime](ctx, c, EndpointServerTime, nil)
	if err != nil {
		return 0, err
	}
	return w.ServerTime, nil
}

// SyncTime measures the offset between the local and the exchange clock and
// applies it to the timestamps of signed requests.
func (c *Client) SyncTime(ctx context.Context) (time.Duration, error) {
	offset, err := c.clock.Sync(ctx, c.serverMillis)
	if err != nil {
		return 0, err
	}
	c.logger.Debug().Dur("offset", offset).Msg("clock synchronized")
	return offset, nil
}

// TickerPrice returns the latest price of symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (*core.PriceTicker, error) {
	w, err := Call[wirePriceTicker](ctx, c, EndpointTickerPrice, symbolParams(symbol))
	if err != nil {
		return nil, err
	}
	return normalizePriceTicker(&w)
}

// Ticker24h returns rolling 24 hour statistics for symbol.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (*core.Ticker, error) {
	w, err := Call[wireTicker](ctx, c, EndpointTicker24h, symbolParams(symbol))
	if err != nil {
		return nil, err
	}
	return normalizeTicker(&w)
}

// Depth returns an order book snapshot. Valid limits are 5, 10, 20, 50,
// 100, 500 and 1000; zero uses the exchange default.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*core.OrderBook, error) {
	params := symbolParams(symbol)
	if limit > 0 {
		params = params.Set("limit", strconv.Itoa(limit))
	}
	w, err := Call[wireOrderBook](ctx, c, EndpointDepth.WithWeight(depthWeight(limit)), params)
	if err != nil {
		return nil, err
	}
	return normalizeOrderBook(&w, normalizeSymbol(symbol))
}

// Trades returns recent public trades, newest last.
func (c *Client) Trades(ctx context.Context, symbol string, limit int) ([]core.Trade, error) {
	params := symbolParams(symbol)
	if limit > 0 {
		params = params.Set("limit", strconv.Itoa(limit))
	}
	w, err := Call[[]wireTrade](ctx, c, EndpointTrades, params)
	if err != nil {
		return nil, err
	}
	return normalizeTrades(w, normalizeSymbol(symbol))
}

// KlineQuery selects candles.
type KlineQuery struct {
	Symbol   string
	Interval string
	// StartTime and EndTime are optional bounds.
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Klines returns candlesticks, oldest first.
func (c *Client) Klines(ctx context.Context, q KlineQuery) ([]core.Kline, error) {
	params := rangeParams(symbolParams(q.Symbol).Set("interval", q.Interval), q.StartTime, q.EndTime, q.Limit)
	w, err := Call[[]wireKline](ctx, c, EndpointKlines.WithWeight(klineWeight(q.Limit)), params)
	if err != nil {
		return nil, err
	}
	return normalizeKlines(w, normalizeSymbol(q.Symbol), q.Interval)
}

// rangeParams appends the optional time bounds and page size shared by the
// history endpoints.
func rangeParams(p core.Params, start, end time.Time, limit int) core.Params {
	if !start.IsZero() {
		p = p.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		p = p.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if limit > 0 {
		p = p.Set("limit", strconv.Itoa(limit))
	}
	return p
}

func idParam(p core.Params, key string, id int64) core.Params {
	if id > 0 {
		return p.Set(key, strconv.FormatInt(id, 10))
	}
	return p
}

func symbolParams(symbol string) core.Params {
	return core.NewParams("symbol", normalizeSymbol(symbol))
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// MarkPrice is the mark price and funding state of one symbol.
type MarkPrice struct {
	Symbol     string
	MarkPrice  apd.Decimal
	IndexPrice apd.Decimal
	// FundingRate is the rate applied at the last funding time.
	FundingRate     apd.Decimal
	NextFundingTime time.Time
	Timestamp       time.Time
}

// MarkPrice returns the mark price of symbol, or of every symbol when empty.
func (c *Client) MarkPrice(ctx context.Context, symbol string) ([]MarkPrice, error) {
	var params core.Params
	if symbol != "" {
		params = symbolParams(symbol)
	}
	w, err := Call[oneOrMany[wireMarkPrice]](ctx, c, EndpointMarkPrice, params)
	if err != nil {
		return nil, err
	}
	return normalizeMarkPrices(w)
}

// RateLimit is one limit announced by the exchange.
type RateLimit struct {
	// Type is REQUEST_WEIGHT or ORDERS.
	Type        string
	Interval    string
	IntervalNum int
	Limit       int
}

// SymbolInfo holds the trading rules of one contract.
type SymbolInfo struct {
	Symbol            string
	Pair              string
	ContractType      string
	Status            string
	BaseAsset         string
	QuoteAsset        string
	MarginAsset       string
	PricePrecision    int
	QuantityPrecision int
	TickSize          apd.Decimal
	StepSize          apd.Decimal
	MinQty            apd.Decimal
	MinNotional       apd.Decimal
	OrderTypes        []core.OrderType
	TimeInForce       []core.TimeInForce
}

// ExchangeInfo is the exchange's rate limits and contract rules.
type ExchangeInfo struct {
	Timezone   string
	ServerTime time.Time
	RateLimits []RateLimit
	Symbols    []SymbolInfo
}

// Symbol returns the rules of symbol.
func (e *ExchangeInfo) Symbol(symbol string) (*SymbolInfo, bool) {
	symbol = normalizeSymbol(symbol)
	for i := range e.Symbols {
		if e.Symbols[i].Symbol == symbol {
			return &e.Symbols[i], true
		}
	}
	return nil, false
}

// ExchangeInfo returns rate limits and the rules of every contract.
func (c *Client) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	w, err := Call[wireExchangeInfo](ctx, c, EndpointExchangeInfo, nil)
	if err != nil {
		return nil, err
	}
	return normalizeExchangeInfo(&w)
}

// AggTrade is a run of fills at one price by one taker order.
type AggTrade struct {
	ID           int64
	Symbol       string
	Side         core.OrderSide
	Price        apd.Decimal
	Quantity     apd.Decimal
	FirstTradeID int64
	LastTradeID  int64
	BuyerMaker   bool
	Timestamp    time.Time
}

// AggTradeQuery selects aggregate trades. FromID and the time bounds are
// optional; the exchange rejects time bounds more than an hour apart.
type AggTradeQuery struct {
	Symbol    string
	FromID    int64
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AggTrades returns aggregate trades, oldest first.
func (c *Client) AggTrades(ctx context.Context, q AggTradeQuery) ([]AggTrade, error) {
	if q.Symbol == "" {
		return nil, core.NewConfigError(errors.New("symbol is empty"))
	}
	params := idParam(symbolParams(q.Symbol), "fromId", q.FromID)
	params = rangeParams(params, q.StartTime, q.EndTime, q.Limit)
	w, err := Call[[]wireAggTrade](ctx, c, EndpointAggTrades, params)
	if err != nil {
		return nil, err
	}
	return normalizeAggTrades(w, normalizeSymbol(q.Symbol))
}

// HistoricalTrades returns public trades starting at fromID, or the most
// recent ones when fromID is zero. It needs an API key.
func (c *Client) HistoricalTrades(ctx context.Context, symbol string, limit int, fromID int64) ([]core.Trade, error) {
	if symbol == "" {
		return nil, core.NewConfigError(errors.New("symbol is empty"))
	}
	params := rangeParams(symbolParams(symbol), time.Time{}, time.Time{}, limit)
	params = idParam(params, "fromId", fromID)
	w, err := Call[[]wireTrade](ctx, c, EndpointHistoricalTrades, params)
	if err != nil {
		return nil, err
	}
	return normalizeTrades(w, normalizeSymbol(symbol))
}
