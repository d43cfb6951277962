package stream

import (
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"nakula/pkg/core"
)

// DepthUpdate is a partial book or diff depth event.
type DepthUpdate struct {
	Symbol          string
	EventTime       time.Time
	TransactionTime time.Time
	FirstUpdateID   int64
	FinalUpdateID   int64
	// PrevFinalUpdateID is the final id of the previous event, used to detect gaps.
	PrevFinalUpdateID int64
	Bids              []core.OrderBookLevel
	Asks              []core.OrderBookLevel
}

// AccountUpdate reports balance and position changes.
type AccountUpdate struct {
	EventTime       time.Time
	TransactionTime time.Time
	// Reason is the event reason, e.g. ORDER or FUNDING_FEE.
	Reason    string
	Balances  []BalanceUpdate
	Positions []PositionUpdate
}

// BalanceUpdate is one asset in an account update.
type BalanceUpdate struct {
	Asset         string
	WalletBalance apd.Decimal
	CrossWallet   apd.Decimal
	BalanceChange apd.Decimal
}

// PositionUpdate is one position in an account update.
type PositionUpdate struct {
	Symbol              string
	Side                core.PositionSide
	Amount              apd.Decimal
	EntryPrice          apd.Decimal
	AccumulatedRealized apd.Decimal
	UnrealizedProfit    apd.Decimal
	MarginType          string
	IsolatedWallet      apd.Decimal
}

// OrderUpdate reports an order state change or fill.
type OrderUpdate struct {
	EventTime       time.Time
	TransactionTime time.Time
	Order           core.Order
	// ExecutionType is NEW, TRADE, CANCELED, EXPIRED, AMENDMENT or CALCULATED.
	ExecutionType   string
	TradeID         int64
	LastFilledQty   apd.Decimal
	LastFilledPrice apd.Decimal
	Commission      apd.Decimal
	CommissionAsset string
	RealizedProfit  apd.Decimal
	Maker           bool
}

type wireDepth struct {
	Type         string     `json:"e"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Symbol       string     `json:"s"`
	FirstID      int64      `json:"U"`
	FinalID      int64      `json:"u"`
	PrevFinalID  int64      `json:"pu"`
	Bids         [][]string `json:"b"`
	Asks         [][]string `json:"a"`
}

type wireTrade struct {
	EventTime  int64  `json:"E"`
	TradeTime  int64  `json:"T"`
	Symbol     string `json:"s"`
	ID         int64  `json:"t"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	BuyerMaker bool   `json:"m"`
}

type wireKline struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Symbol      string `json:"s"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		NumTrades   int64  `json:"n"`
		Closed      bool   `json:"x"`
		QuoteVolume string `json:"q"`
	} `json:"k"`
}

type wireTicker struct {
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	Last               string `json:"c"`
	Open               string `json:"o"`
	High               string `json:"h"`
	Low                string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	NumTrades          int64  `json:"n"`
}

type wireAccountUpdate struct {
	EventTime    int64 `json:"E"`
	TransactTime int64 `json:"T"`
	Account      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
			CrossWallet   string `json:"cw"`
			BalanceChange string `json:"bc"`
		} `json:"B"`
		Positions []struct {
			Symbol         string `json:"s"`
			Amount         string `json:"pa"`
			EntryPrice     string `json:"ep"`
			Accumulated    string `json:"cr"`
			Unrealized     string `json:"up"`
			MarginType     string `json:"mt"`
			IsolatedWallet string `json:"iw"`
			Side           string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type wireOrderUpdate struct {
	EventTime    int64 `json:"E"`
	TransactTime int64 `json:"T"`
	Order        struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		Type            string `json:"o"`
		TimeInForce     string `json:"f"`
		Quantity        string `json:"q"`
		Price           string `json:"p"`
		AvgPrice        string `json:"ap"`
		StopPrice       string `json:"sp"`
		ExecutionType   string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		LastFilledQty   string `json:"l"`
		FilledQty       string `json:"z"`
		LastFilledPrice string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
		Maker           bool   `json:"m"`
		ReduceOnly      bool   `json:"R"`
		PositionSide    string `json:"ps"`
		RealizedProfit  string `json:"rp"`
	} `json:"o"`
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

func (e Event) decode(want string, v any) error {
	if e.Type != "" && e.Type != want {
		return fmt.Errorf("decode %s: event is %s", want, e.Type)
	}
	if err := frameAPI.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

// DecodeDepth decodes a depthUpdate event.
func (e Event) DecodeDepth() (*DepthUpdate, error) {
	var w wireDepth
	if err := e.decode(EventDepthUpdate, &w); err != nil {
		return nil, err
	}
	bids, err := core.ParseLevels(w.Bids)
	if err != nil {
		return nil, fmt.Errorf("decode depth bids: %w", err)
	}
	asks, err := core.ParseLevels(w.Asks)
	if err != nil {
		return nil, fmt.Errorf("decode depth asks: %w", err)
	}
	return &DepthUpdate{
		Symbol:            w.Symbol,
		EventTime:         millis(w.EventTime),
		TransactionTime:   millis(w.TransactTime),
		FirstUpdateID:     w.FirstID,
		FinalUpdateID:     w.FinalID,
		PrevFinalUpdateID: w.PrevFinalID,
		Bids:              bids,
		Asks:              asks,
	}, nil
}

// DecodeTrade decodes a trade event. Side is the taker's side.
func (e Event) DecodeTrade() (*core.Trade, error) {
	var w wireTrade
	if err := e.decode(EventTrade, &w); err != nil {
		return nil, err
	}
	t := &core.Trade{
		ID:         w.ID,
		Symbol:     w.Symbol,
		Side:       core.SideBuy,
		BuyerMaker: w.BuyerMaker,
		Timestamp:  millis(w.TradeTime),
	}
	if w.BuyerMaker {
		t.Side = core.SideSell
	}
	if err := parseFields(
		decimalField{&t.Price, w.Price},
		decimalField{&t.Quantity, w.Quantity},
	); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	if _, err := apd.BaseContext.Mul(&t.QuoteQuantity, &t.Price, &t.Quantity); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	return t, nil
}

// DecodeKline decodes a kline event.
func (e Event) DecodeKline() (*core.Kline, error) {
	var w wireKline
	if err := e.decode(EventKline, &w); err != nil {
		return nil, err
	}
	k := &core.Kline{
		Symbol:    w.Kline.Symbol,
		Interval:  w.Kline.Interval,
		OpenTime:  millis(w.Kline.OpenTime),
		CloseTime: millis(w.Kline.CloseTime),
		NumTrades: w.Kline.NumTrades,
		Closed:    w.Kline.Closed,
	}
	if k.Symbol == "" {
		k.Symbol = w.Symbol
	}
	if err := parseFields(
		decimalField{&k.Open, w.Kline.Open},
		decimalField{&k.High, w.Kline.High},
		decimalField{&k.Low, w.Kline.Low},
		decimalField{&k.Close, w.Kline.Close},
		decimalField{&k.Volume, w.Kline.Volume},
		decimalField{&k.QuoteVolume, w.Kline.QuoteVolume},
	); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	return k, nil
}

func (w *wireTicker) normalize() (core.Ticker, error) {
	t := core.Ticker{
		Symbol:    w.Symbol,
		NumTrades: w.NumTrades,
		OpenTime:  millis(w.OpenTime),
		CloseTime: millis(w.CloseTime),
	}
	err := parseFields(
		decimalField{&t.Last, w.Last},
		decimalField{&t.PriceChange, w.PriceChange},
		decimalField{&t.PriceChangePercent, w.PriceChangePercent},
		decimalField{&t.WeightedAvgPrice, w.WeightedAvgPrice},
		decimalField{&t.Open, w.Open},
		decimalField{&t.High, w.High},
		decimalField{&t.Low, w.Low},
		decimalField{&t.Volume, w.Volume},
		decimalField{&t.QuoteVolume, w.QuoteVolume},
	)
	return t, err
}

// DecodeTicker decodes a single-symbol 24hrTicker event.
func (e Event) DecodeTicker() (*core.Ticker, error) {
	var w wireTicker
	if err := e.decode(EventTicker, &w); err != nil {
		return nil, err
	}
	t, err := w.normalize()
	if err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	return &t, nil
}

// DecodeTickers decodes the array payload of the all-market ticker channel.
func (e Event) DecodeTickers() ([]core.Ticker, error) {
	var raw []wireTicker
	if err := frameAPI.Unmarshal(e.Data, &raw); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	out := make([]core.Ticker, 0, len(raw))
	for i := range raw {
		t, err := raw[i].normalize()
		if err != nil {
			return nil, fmt.Errorf("decode tickers: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// DecodeAccountUpdate decodes an ACCOUNT_UPDATE event.
func (e Event) DecodeAccountUpdate() (*AccountUpdate, error) {
	var w wireAccountUpdate
	if err := e.decode(EventAccountUpdate, &w); err != nil {
		return nil, err
	}
	u := &AccountUpdate{
		EventTime:       millis(w.EventTime),
		TransactionTime: millis(w.TransactTime),
		Reason:          w.Account.Reason,
		Balances:        make([]BalanceUpdate, len(w.Account.Balances)),
		Positions:       make([]PositionUpdate, len(w.Account.Positions)),
	}
	for i, b := range w.Account.Balances {
		u.Balances[i].Asset = b.Asset
		if err := parseFields(
			decimalField{&u.Balances[i].WalletBalance, b.WalletBalance},
			decimalField{&u.Balances[i].CrossWallet, b.CrossWallet},
			decimalField{&u.Balances[i].BalanceChange, b.BalanceChange},
		); err != nil {
			return nil, fmt.Errorf("decode account update: %w", err)
		}
	}
	for i, p := range w.Account.Positions {
		pos := &u.Positions[i]
		pos.Symbol = p.Symbol
		pos.Side = core.PositionSide(p.Side)
		pos.MarginType = p.MarginType
		if err := parseFields(
			decimalField{&pos.Amount, p.Amount},
			decimalField{&pos.EntryPrice, p.EntryPrice},
			decimalField{&pos.AccumulatedRealized, p.Accumulated},
			decimalField{&pos.UnrealizedProfit, p.Unrealized},
			decimalField{&pos.IsolatedWallet, p.IsolatedWallet},
		); err != nil {
			return nil, fmt.Errorf("decode account update: %w", err)
		}
	}
	return u, nil
}

// DecodeOrderUpdate decodes an ORDER_TRADE_UPDATE event.
func (e Event) DecodeOrderUpdate() (*OrderUpdate, error) {
	var w wireOrderUpdate
	if err := e.decode(EventOrderTradeUpdate, &w); err != nil {
		return nil, err
	}
	o := w.Order
	u := &OrderUpdate{
		EventTime:       millis(w.EventTime),
		TransactionTime: millis(w.TransactTime),
		ExecutionType:   o.ExecutionType,
		TradeID:         o.TradeID,
		CommissionAsset: o.CommissionAsset,
		Maker:           o.Maker,
		Order: core.Order{
			ID:            o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          core.ParseOrderSide(o.Side),
			PositionSide:  core.PositionSide(o.PositionSide),
			Type:          core.ParseOrderType(o.Type),
			Status:        core.ParseOrderStatus(o.Status),
			TimeInForce:   core.ParseTimeInForce(o.TimeInForce),
			ReduceOnly:    o.ReduceOnly,
			UpdatedAt:     millis(o.TradeTime),
		},
	}
	if err := parseFields(
		decimalField{&u.Order.Price, o.Price},
		decimalField{&u.Order.AvgPrice, o.AvgPrice},
		decimalField{&u.Order.StopPrice, o.StopPrice},
		decimalField{&u.Order.Quantity, o.Quantity},
		decimalField{&u.Order.FilledQuantity, o.FilledQty},
		decimalField{&u.LastFilledQty, o.LastFilledQty},
		decimalField{&u.LastFilledPrice, o.LastFilledPrice},
		decimalField{&u.Commission, o.Commission},
		decimalField{&u.RealizedProfit, o.RealizedProfit},
	); err != nil {
		return nil, fmt.Errorf("decode order update: %w", err)
	}
	if _, err := apd.BaseContext.Sub(&u.Order.RemainingQty, &u.Order.Quantity, &u.Order.FilledQuantity); err != nil {
		return nil, fmt.Errorf("decode order update: %w", err)
	}
	return u, nil
}
