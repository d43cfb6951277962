package futures

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"

	"nakula/pkg/core"
)

// wireServerTime is the /fapi/v1/time response.
type wireServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

type wirePriceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

type wireTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	WeightedAvgPrice   string `json:"weightedAvgPrice"`
	LastPrice          string `json:"lastPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	OpenTime           int64  `json:"openTime"`
	CloseTime          int64  `json:"closeTime"`
	Count              int64  `json:"count"`
}

type wireOrderBook struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	TransactTime int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type wireTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	QuoteQty     string `json:"quoteQty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// wireKline is one kline row: open time, OHLCV strings, close time, quote
// volume and trade count, followed by fields that are ignored.
type wireKline []any

type wireOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	TimeInForce   string `json:"timeInForce"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

type wireBalance struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	CrossWalletBalance string `json:"crossWalletBalance"`
	CrossUnPnl         string `json:"crossUnPnl"`
	AvailableBalance   string `json:"availableBalance"`
	MaxWithdrawAmount  string `json:"maxWithdrawAmount"`
	UpdateTime         int64  `json:"updateTime"`
}

type wireAccountAsset struct {
	Asset              string `json:"asset"`
	WalletBalance      string `json:"walletBalance"`
	UnrealizedProfit   string `json:"unrealizedProfit"`
	CrossWalletBalance string `json:"crossWalletBalance"`
	CrossUnPnl         string `json:"crossUnPnl"`
	AvailableBalance   string `json:"availableBalance"`
	MaxWithdrawAmount  string `json:"maxWithdrawAmount"`
	UpdateTime         int64  `json:"updateTime"`
}

type wireAccountPosition struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	Leverage         string `json:"leverage"`
	Isolated         bool   `json:"isolated"`
	UpdateTime       int64  `json:"updateTime"`
}

type wireAccount struct {
	TotalWalletBalance    string                `json:"totalWalletBalance"`
	TotalUnrealizedProfit string                `json:"totalUnrealizedProfit"`
	TotalMarginBalance    string                `json:"totalMarginBalance"`
	AvailableBalance      string                `json:"availableBalance"`
	MaxWithdrawAmount     string                `json:"maxWithdrawAmount"`
	CanTrade              bool                  `json:"canTrade"`
	UpdateTime            int64                 `json:"updateTime"`
	Assets                []wireAccountAsset    `json:"assets"`
	Positions             []wireAccountPosition `json:"positions"`
}

type wirePositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	UpdateTime       int64  `json:"updateTime"`
}

type wireLeverage struct {
	Symbol           string `json:"symbol"`
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
}

type wireListenKey struct {
	ListenKey string `json:"listenKey"`
}

type decimalField struct {
	dest  *apd.Decimal
	value string
}

func parseFields(fields ...decimalField) error {
	for _, f := range fields {
		if err := core.ParseDecimal(f.dest, f.value); err != nil {
			return err
		}
	}
	return nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func normalizePriceTicker(w *wirePriceTicker) (*core.PriceTicker, error) {
	t := &core.PriceTicker{Symbol: w.Symbol, Timestamp: millis(w.Time)}
	if err := core.ParseDecimal(&t.Price, w.Price); err != nil {
		return nil, fmt.Errorf("normalize price ticker: %w", err)
	}
	return t, nil
}

func normalizeTicker(w *wireTicker) (*core.Ticker, error) {
	t := &core.Ticker{
		Symbol:    w.Symbol,
		NumTrades: w.Count,
		OpenTime:  millis(w.OpenTime),
		CloseTime: millis(w.CloseTime),
	}
	if err := parseFields(
		decimalField{&t.Last, w.LastPrice},
		decimalField{&t.PriceChange, w.PriceChange},
		decimalField{&t.PriceChangePercent, w.PriceChangePercent},
		decimalField{&t.WeightedAvgPrice, w.WeightedAvgPrice},
		decimalField{&t.Open, w.OpenPrice},
		decimalField{&t.High, w.HighPrice},
		decimalField{&t.Low, w.LowPrice},
		decimalField{&t.Volume, w.Volume},
		decimalField{&t.QuoteVolume, w.QuoteVolume},
	); err != nil {
		return nil, fmt.Errorf("normalize ticker: %w", err)
	}
	return t, nil
}

func normalizeOrderBook(w *wireOrderBook, symbol string) (*core.OrderBook, error) {
	bids, err := core.ParseLevels(w.Bids)
	if err != nil {
		return nil, fmt.Errorf("normalize bids: %w", err)
	}
	asks, err := core.ParseLevels(w.Asks)
	if err != nil {
		return nil, fmt.Errorf("normalize asks: %w", err)
	}
	return &core.OrderBook{
		Symbol:       symbol,
		LastUpdateID: w.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    millis(w.TransactTime),
	}, nil
}

func normalizeTrades(data []wireTrade, symbol string) ([]core.Trade, error) {
	trades := make([]core.Trade, 0, len(data))
	for _, w := range data {
		t := core.Trade{
			ID:         w.ID,
			Symbol:     symbol,
			Side:       sideFromBuyerMaker(w.IsBuyerMaker),
			BuyerMaker: w.IsBuyerMaker,
			Timestamp:  millis(w.Time),
		}
		if err := parseFields(
			decimalField{&t.Price, w.Price},
			decimalField{&t.Quantity, w.Qty},
			decimalField{&t.QuoteQuantity, w.QuoteQty},
		); err != nil {
			return nil, fmt.Errorf("normalize trade %d: %w", w.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// sideFromBuyerMaker returns the aggressor side: a maker buyer means the
// taker sold.
func sideFromBuyerMaker(buyerMaker bool) core.OrderSide {
	if buyerMaker {
		return core.SideSell
	}
	return core.SideBuy
}

func normalizeKline(data wireKline, symbol, interval string) (*core.Kline, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("insufficient kline data elements: %d", len(data))
	}
	k := &core.Kline{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  millis(int64From(data[0])),
		CloseTime: millis(int64From(data[6])),
		NumTrades: int64From(data[8]),
		Closed:    true,
	}
	for i, dest := range []*apd.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := core.ParseDecimal(dest, stringFrom(data[i+1])); err != nil {
			return nil, fmt.Errorf("parse kline field %d: %w", i+1, err)
		}
	}
	if err := core.ParseDecimal(&k.QuoteVolume, stringFrom(data[7])); err != nil {
		return nil, fmt.Errorf("parse quote volume: %w", err)
	}
	if !k.CloseTime.IsZero() && k.CloseTime.After(time.Now()) {
		k.Closed = false
	}
	return k, nil
}

func normalizeKlines(data []wireKline, symbol, interval string) ([]core.Kline, error) {
	klines := make([]core.Kline, 0, len(data))
	for _, row := range data {
		k, err := normalizeKline(row, symbol, interval)
		if err != nil {
			return nil, fmt.Errorf("normalize kline: %w", err)
		}
		klines = append(klines, *k)
	}
	return klines, nil
}

func int64From(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func stringFrom(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

// normalizeOrder converts an order response. The remaining quantity is
// derived from the original and executed quantities.
func normalizeOrder(w *wireOrder) (*core.Order, error) {
	o := &core.Order{
		ID:            w.OrderID,
		ClientOrderID: w.ClientOrderID,
		Symbol:        w.Symbol,
		Side:          core.ParseOrderSide(w.Side),
		PositionSide:  core.PositionSide(w.PositionSide),
		Type:          core.ParseOrderType(w.Type),
		Status:        core.ParseOrderStatus(w.Status),
		TimeInForce:   core.ParseTimeInForce(w.TimeInForce),
		ReduceOnly:    w.ReduceOnly,
		UpdatedAt:     millis(w.UpdateTime),
	}
	if err := parseFields(
		decimalField{&o.Price, w.Price},
		decimalField{&o.AvgPrice, w.AvgPrice},
		decimalField{&o.StopPrice, w.StopPrice},
		decimalField{&o.Quantity, w.OrigQty},
		decimalField{&o.FilledQuantity, w.ExecutedQty},
	); err != nil {
		return nil, fmt.Errorf("normalize order %d: %w", w.OrderID, err)
	}
	if _, err := apd.BaseContext.Sub(&o.RemainingQty, &o.Quantity, &o.FilledQuantity); err != nil {
		return nil, fmt.Errorf("calculate remaining: %w", err)
	}
	return o, nil
}

func normalizeOrders(data []wireOrder) ([]core.Order, error) {
	orders := make([]core.Order, 0, len(data))
	for i := range data {
		o, err := normalizeOrder(&data[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func normalizeBalances(data []wireBalance) ([]core.Balance, error) {
	balances := make([]core.Balance, 0, len(data))
	for _, w := range data {
		b := core.Balance{Asset: w.Asset, UpdatedAt: millis(w.UpdateTime)}
		if err := parseFields(
			decimalField{&b.Balance, w.Balance},
			decimalField{&b.CrossWallet, w.CrossWalletBalance},
			decimalField{&b.CrossUnrealized, w.CrossUnPnl},
			decimalField{&b.Available, w.AvailableBalance},
			decimalField{&b.MaxWithdraw, w.MaxWithdrawAmount},
		); err != nil {
			return nil, fmt.Errorf("normalize balance %s: %w", w.Asset, err)
		}
		balances = append(balances, b)
	}
	return balances, nil
}

func normalizeAccount(w *wireAccount) (*core.Account, error) {
	a := &core.Account{
		CanTrade:  w.CanTrade,
		UpdatedAt: millis(w.UpdateTime),
		Balances:  make([]core.Balance, 0, len(w.Assets)),
		Positions: make([]core.Position, 0, len(w.Positions)),
	}
	if err := parseFields(
		decimalField{&a.TotalWalletBalance, w.TotalWalletBalance},
		decimalField{&a.TotalUnrealizedProfit, w.TotalUnrealizedProfit},
		decimalField{&a.TotalMarginBalance, w.TotalMarginBalance},
		decimalField{&a.AvailableBalance, w.AvailableBalance},
		decimalField{&a.MaxWithdrawAmount, w.MaxWithdrawAmount},
	); err != nil {
		return nil, fmt.Errorf("normalize account: %w", err)
	}

	for _, asset := range w.Assets {
		b := core.Balance{Asset: asset.Asset, UpdatedAt: millis(asset.UpdateTime)}
		if err := parseFields(
			decimalField{&b.Balance, asset.WalletBalance},
			decimalField{&b.CrossWallet, asset.CrossWalletBalance},
			decimalField{&b.CrossUnrealized, asset.CrossUnPnl},
			decimalField{&b.Available, asset.AvailableBalance},
			decimalField{&b.MaxWithdraw, asset.MaxWithdrawAmount},
		); err != nil {
			return nil, fmt.Errorf("normalize asset %s: %w", asset.Asset, err)
		}
		a.Balances = append(a.Balances, b)
	}

	for _, pos := range w.Positions {
		p := core.Position{
			Symbol:    pos.Symbol,
			Side:      core.PositionSide(pos.PositionSide),
			Leverage:  atoi(pos.Leverage),
			UpdatedAt: millis(pos.UpdateTime),
		}
		p.MarginType = "cross"
		if pos.Isolated {
			p.MarginType = "isolated"
		}
		if err := parseFields(
			decimalField{&p.Amount, pos.PositionAmt},
			decimalField{&p.EntryPrice, pos.EntryPrice},
			decimalField{&p.UnrealizedProfit, pos.UnrealizedProfit},
		); err != nil {
			return nil, fmt.Errorf("normalize position %s: %w", pos.Symbol, err)
		}
		a.Positions = append(a.Positions, p)
	}
	return a, nil
}

func normalizePositions(data []wirePositionRisk) ([]core.Position, error) {
	positions := make([]core.Position, 0, len(data))
	for _, w := range data {
		p := core.Position{
			Symbol:     w.Symbol,
			Side:       core.PositionSide(w.PositionSide),
			Leverage:   atoi(w.Leverage),
			MarginType: w.MarginType,
			UpdatedAt:  millis(w.UpdateTime),
		}
		if err := parseFields(
			decimalField{&p.Amount, w.PositionAmt},
			decimalField{&p.EntryPrice, w.EntryPrice},
			decimalField{&p.MarkPrice, w.MarkPrice},
			decimalField{&p.UnrealizedProfit, w.UnRealizedProfit},
			decimalField{&p.LiquidationPrice, w.LiquidationPrice},
		); err != nil {
			return nil, fmt.Errorf("normalize position %s: %w", w.Symbol, err)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// oneOrMany decodes a single object or an array of them. Several endpoints
// answer with an object when a symbol is given and an array otherwise.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var items []T
		if err := sonic.Unmarshal(b, &items); err != nil {
			return err
		}
		*o = items
		return nil
	}
	var item T
	if err := sonic.Unmarshal(b, &item); err != nil {
		return err
	}
	*o = oneOrMany[T]{item}
	return nil
}

type wireMarkPrice struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type wireRateLimit struct {
	RateLimitType string `json:"rateLimitType"`
	Interval      string `json:"interval"`
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
}

type wireSymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	Notional   string `json:"notional"`
}

type wireSymbolInfo struct {
	Symbol            string             `json:"symbol"`
	Pair              string             `json:"pair"`
	ContractType      string             `json:"contractType"`
	Status            string             `json:"status"`
	BaseAsset         string             `json:"baseAsset"`
	QuoteAsset        string             `json:"quoteAsset"`
	MarginAsset       string             `json:"marginAsset"`
	PricePrecision    int                `json:"pricePrecision"`
	QuantityPrecision int                `json:"quantityPrecision"`
	OrderTypes        []string           `json:"orderTypes"`
	TimeInForce       []string           `json:"timeInForce"`
	Filters           []wireSymbolFilter `json:"filters"`
}

type wireExchangeInfo struct {
	Timezone   string           `json:"timezone"`
	ServerTime int64            `json:"serverTime"`
	RateLimits []wireRateLimit  `json:"rateLimits"`
	Symbols    []wireSymbolInfo `json:"symbols"`
}

type wireAggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Time         int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wireUserTrade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	PositionSide    string `json:"positionSide"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	RealizedPnl     string `json:"realizedPnl"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Buyer           bool   `json:"buyer"`
	Maker           bool   `json:"maker"`
	Time            int64  `json:"time"`
}

// wireBatchItem is one entry of a batch order response: an order, or an
// error with code and msg.
type wireBatchItem struct {
	wireOrder
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type wireIncome struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	Info       string `json:"info"`
	Time       int64  `json:"time"`
	TranID     int64  `json:"tranId"`
	TradeID    string `json:"tradeId"`
}

type wireBracket struct {
	Bracket          int         `json:"bracket"`
	InitialLeverage  int         `json:"initialLeverage"`
	NotionalCap      json.Number `json:"notionalCap"`
	NotionalFloor    json.Number `json:"notionalFloor"`
	MaintMarginRatio json.Number `json:"maintMarginRatio"`
	Cum              json.Number `json:"cum"`
}

type wireLeverageBracket struct {
	Symbol   string        `json:"symbol"`
	Brackets []wireBracket `json:"brackets"`
}

type wireCommissionRate struct {
	Symbol              string `json:"symbol"`
	MakerCommissionRate string `json:"makerCommissionRate"`
	TakerCommissionRate string `json:"takerCommissionRate"`
}

// wirePositionMargin is the position margin response. The amount is a
// number on this endpoint.
type wirePositionMargin struct {
	Amount json.Number `json:"amount"`
	Code   int         `json:"code"`
	Msg    string      `json:"msg"`
	Type   int         `json:"type"`
}

func normalizeMarkPrices(data []wireMarkPrice) ([]MarkPrice, error) {
	out := make([]MarkPrice, 0, len(data))
	for _, w := range data {
		m := MarkPrice{
			Symbol:          w.Symbol,
			NextFundingTime: millis(w.NextFundingTime),
			Timestamp:       millis(w.Time),
		}
		if err := parseFields(
			decimalField{&m.MarkPrice, w.MarkPrice},
			decimalField{&m.IndexPrice, w.IndexPrice},
			decimalField{&m.FundingRate, w.LastFundingRate},
		); err != nil {
			return nil, fmt.Errorf("normalize mark price %s: %w", w.Symbol, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func normalizeExchangeInfo(w *wireExchangeInfo) (*ExchangeInfo, error) {
	info := &ExchangeInfo{
		Timezone:   w.Timezone,
		ServerTime: millis(w.ServerTime),
		RateLimits: make([]RateLimit, 0, len(w.RateLimits)),
		Symbols:    make([]SymbolInfo, 0, len(w.Symbols)),
	}
	for _, rl := range w.RateLimits {
		info.RateLimits = append(info.RateLimits, RateLimit{
			Type:        rl.RateLimitType,
			Interval:    rl.Interval,
			IntervalNum: rl.IntervalNum,
			Limit:       rl.Limit,
		})
	}
	for _, ws := range w.Symbols {
		s := SymbolInfo{
			Symbol:            ws.Symbol,
			Pair:              ws.Pair,
			ContractType:      ws.ContractType,
			Status:            ws.Status,
			BaseAsset:         ws.BaseAsset,
			QuoteAsset:        ws.QuoteAsset,
			MarginAsset:       ws.MarginAsset,
			PricePrecision:    ws.PricePrecision,
			QuantityPrecision: ws.QuantityPrecision,
			OrderTypes:        make([]core.OrderType, 0, len(ws.OrderTypes)),
			TimeInForce:       make([]core.TimeInForce, 0, len(ws.TimeInForce)),
		}
		for _, t := range ws.OrderTypes {
			s.OrderTypes = append(s.OrderTypes, core.ParseOrderType(t))
		}
		for _, t := range ws.TimeInForce {
			s.TimeInForce = append(s.TimeInForce, core.ParseTimeInForce(t))
		}
		for _, f := range ws.Filters {
			var err error
			switch f.FilterType {
			case "PRICE_FILTER":
				err = core.ParseDecimal(&s.TickSize, f.TickSize)
			case "LOT_SIZE":
				err = parseFields(
					decimalField{&s.StepSize, f.StepSize},
					decimalField{&s.MinQty, f.MinQty},
				)
			case "MIN_NOTIONAL":
				err = core.ParseDecimal(&s.MinNotional, f.Notional)
			}
			if err != nil {
				return nil, fmt.Errorf("normalize %s filter of %s: %w", f.FilterType, ws.Symbol, err)
			}
		}
		info.Symbols = append(info.Symbols, s)
	}
	return info, nil
}

func normalizeAggTrades(data []wireAggTrade, symbol string) ([]AggTrade, error) {
	out := make([]AggTrade, 0, len(data))
	for _, w := range data {
		t := AggTrade{
			ID:           w.ID,
			Symbol:       symbol,
			Side:         sideFromBuyerMaker(w.IsBuyerMaker),
			FirstTradeID: w.FirstTradeID,
			LastTradeID:  w.LastTradeID,
			BuyerMaker:   w.IsBuyerMaker,
			Timestamp:    millis(w.Time),
		}
		if err := parseFields(
			decimalField{&t.Price, w.Price},
			decimalField{&t.Quantity, w.Qty},
		); err != nil {
			return nil, fmt.Errorf("normalize agg trade %d: %w", w.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func normalizeUserTrades(data []wireUserTrade) ([]UserTrade, error) {
	out := make([]UserTrade, 0, len(data))
	for _, w := range data {
		t := UserTrade{
			ID:              w.ID,
			OrderID:         w.OrderID,
			Symbol:          w.Symbol,
			Side:            core.ParseOrderSide(w.Side),
			PositionSide:    core.PositionSide(w.PositionSide),
			CommissionAsset: w.CommissionAsset,
			Buyer:           w.Buyer,
			Maker:           w.Maker,
			Timestamp:       millis(w.Time),
		}
		if err := parseFields(
			decimalField{&t.Price, w.Price},
			decimalField{&t.Quantity, w.Qty},
			decimalField{&t.QuoteQuantity, w.QuoteQty},
			decimalField{&t.RealizedPnL, w.RealizedPnl},
			decimalField{&t.Commission, w.Commission},
		); err != nil {
			return nil, fmt.Errorf("normalize user trade %d: %w", w.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func normalizeIncomes(data []wireIncome) ([]Income, error) {
	out := make([]Income, 0, len(data))
	for _, w := range data {
		in := Income{
			Symbol:        w.Symbol,
			Type:          IncomeType(w.IncomeType),
			Asset:         w.Asset,
			Info:          w.Info,
			TransactionID: w.TranID,
			TradeID:       w.TradeID,
			Timestamp:     millis(w.Time),
		}
		if err := core.ParseDecimal(&in.Amount, w.Income); err != nil {
			return nil, fmt.Errorf("normalize income %d: %w", w.TranID, err)
		}
		out = append(out, in)
	}
	return out, nil
}

func normalizeLeverageBrackets(data []wireLeverageBracket) ([]LeverageBracket, error) {
	out := make([]LeverageBracket, 0, len(data))
	for _, w := range data {
		lb := LeverageBracket{Symbol: w.Symbol, Brackets: make([]Bracket, 0, len(w.Brackets))}
		for _, wb := range w.Brackets {
			b := Bracket{Bracket: wb.Bracket, InitialLeverage: wb.InitialLeverage}
			if err := parseFields(
				decimalField{&b.NotionalCap, wb.NotionalCap.String()},
				decimalField{&b.NotionalFloor, wb.NotionalFloor.String()},
				decimalField{&b.MaintMarginRatio, wb.MaintMarginRatio.String()},
				decimalField{&b.Cum, wb.Cum.String()},
			); err != nil {
				return nil, fmt.Errorf("normalize bracket %d of %s: %w", wb.Bracket, w.Symbol, err)
			}
			lb.Brackets = append(lb.Brackets, b)
		}
		out = append(out, lb)
	}
	return out, nil
}
