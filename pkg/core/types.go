package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// OrderSide represents the direction of an order (buy or sell).
type OrderSide int

// Order side constants define the direction of a trade.
const (
	// SideBuy indicates an order to purchase a contract.
	SideBuy OrderSide = iota
	// SideSell indicates an order to sell a contract.
	SideSell
)

// String returns the string representation of the order side ("BUY" or "SELL").
func (s OrderSide) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// MarshalJSON implements json.Marshaler for OrderSide.
func (s OrderSide) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for OrderSide.
// It accepts both uppercase and lowercase formats.
func (s *OrderSide) UnmarshalJSON(data []byte) error {
	*s = ParseOrderSide(strings.Trim(string(data), `"`))
	return nil
}

// ParseOrderSide converts a wire value to OrderSide. Unknown values map to SideBuy.
func ParseOrderSide(s string) OrderSide {
	if strings.EqualFold(s, "SELL") {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the type of order to place.
type OrderType int

// Order type constants define how an order is executed.
const (
	// TypeMarket executes immediately at the best available price.
	TypeMarket OrderType = iota
	// TypeLimit executes at a specified price or better.
	TypeLimit
	// TypeStop places a limit order once the stop price is reached.
	TypeStop
	// TypeStopMarket places a market order once the stop price is reached.
	TypeStopMarket
	// TypeTakeProfit places a limit order once the target is reached.
	TypeTakeProfit
	// TypeTakeProfitMarket places a market order once the target is reached.
	TypeTakeProfitMarket
	// TypeTrailingStopMarket follows the price by a callback rate.
	TypeTrailingStopMarket
)

var orderTypeNames = [...]string{
	"MARKET",
	"LIMIT",
	"STOP",
	"STOP_MARKET",
	"TAKE_PROFIT",
	"TAKE_PROFIT_MARKET",
	"TRAILING_STOP_MARKET",
}

// String returns the string representation of the order type.
func (t OrderType) String() string {
	if t < 0 || int(t) >= len(orderTypeNames) {
		return "MARKET"
	}
	return orderTypeNames[t]
}

// MarshalJSON implements json.Marshaler for OrderType.
func (t OrderType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for OrderType.
func (t *OrderType) UnmarshalJSON(data []byte) error {
	*t = ParseOrderType(strings.Trim(string(data), `"`))
	return nil
}

// ParseOrderType converts a wire value to OrderType. Unknown values map to TypeMarket.
func ParseOrderType(s string) OrderType {
	for i, name := range orderTypeNames {
		if strings.EqualFold(s, name) {
			return OrderType(i)
		}
	}
	return TypeMarket
}

// OrderStatus represents the current state of an order.
type OrderStatus int

// Order status constants define the lifecycle state of an order.
const (
	// StatusNew indicates the order has been accepted by the exchange.
	StatusNew OrderStatus = iota
	// StatusPartiallyFilled indicates the order has been partially filled.
	StatusPartiallyFilled
	// StatusFilled indicates the order has been completely filled.
	StatusFilled
	// StatusCanceled indicates the order has been canceled.
	StatusCanceled
	// StatusRejected indicates the order was rejected by the exchange.
	StatusRejected
	// StatusExpired indicates the order has expired.
	StatusExpired
)

var orderStatusNames = [...]string{"NEW", "PARTIALLY_FILLED", "FILLED", "CANCELED", "REJECTED", "EXPIRED"}

// String returns the string representation of the order status.
func (s OrderStatus) String() string {
	if s < 0 || int(s) >= len(orderStatusNames) {
		return "NEW"
	}
	return orderStatusNames[s]
}

// IsTerminal returns true if the order is in a terminal state (no further changes possible).
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// MarshalJSON implements json.Marshaler for OrderStatus.
func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for OrderStatus.
func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	*s = ParseOrderStatus(strings.Trim(string(data), `"`))
	return nil
}

// ParseOrderStatus converts a wire value to OrderStatus. Unknown values map to StatusNew.
func ParseOrderStatus(s string) OrderStatus {
	for i, name := range orderStatusNames {
		if strings.EqualFold(s, name) {
			return OrderStatus(i)
		}
	}
	return StatusNew
}

// TimeInForce defines how long an order remains active.
type TimeInForce int

// Time in force constants define order lifetime behavior.
const (
	// GTC (Good Till Canceled) keeps the order active until filled or canceled.
	GTC TimeInForce = iota
	// IOC (Immediate Or Cancel) requires immediate execution; unfilled portion is canceled.
	IOC
	// FOK (Fill Or Kill) requires complete immediate execution or cancellation.
	FOK
	// GTX (Good Till Crossing) is a post-only order.
	GTX
)

var timeInForceNames = [...]string{"GTC", "IOC", "FOK", "GTX"}

// String returns the string representation of time in force.
func (t TimeInForce) String() string {
	if t < 0 || int(t) >= len(timeInForceNames) {
		return "GTC"
	}
	return timeInForceNames[t]
}

// MarshalJSON implements json.Marshaler for TimeInForce.
func (t TimeInForce) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for TimeInForce.
func (t *TimeInForce) UnmarshalJSON(data []byte) error {
	*t = ParseTimeInForce(strings.Trim(string(data), `"`))
	return nil
}

// ParseTimeInForce converts a wire value to TimeInForce. Unknown values map to GTC.
func ParseTimeInForce(s string) TimeInForce {
	for i, name := range timeInForceNames {
		if strings.EqualFold(s, name) {
			return TimeInForce(i)
		}
	}
	return GTC
}

// PositionSide selects the position an order applies to in hedge mode.
type PositionSide string

// Position sides.
const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PriceTicker is the latest price for a symbol.
type PriceTicker struct {
	Symbol    string      `json:"symbol"`
	Price     apd.Decimal `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
}

// Ticker represents 24 hour rolling statistics for a contract.
type Ticker struct {
	// Symbol is the contract identifier (e.g., "BTCUSDT").
	Symbol             string      `json:"symbol"`
	Last               apd.Decimal `json:"last"`
	PriceChange        apd.Decimal `json:"price_change"`
	PriceChangePercent apd.Decimal `json:"price_change_percent"`
	WeightedAvgPrice   apd.Decimal `json:"weighted_avg_price"`
	Open               apd.Decimal `json:"open"`
	High               apd.Decimal `json:"high"`
	Low                apd.Decimal `json:"low"`
	// Volume is the base asset volume in the window.
	Volume apd.Decimal `json:"volume"`
	// QuoteVolume is the quote asset volume in the window.
	QuoteVolume apd.Decimal `json:"quote_volume"`
	NumTrades   int64       `json:"num_trades"`
	OpenTime    time.Time   `json:"open_time"`
	CloseTime   time.Time   `json:"close_time"`
}

// Order represents a futures order with all its details.
type Order struct {
	// ID is the exchange-assigned order identifier.
	ID int64 `json:"id"`
	// ClientOrderID is the client-assigned order identifier.
	ClientOrderID  string       `json:"client_order_id"`
	Symbol         string       `json:"symbol"`
	Side           OrderSide    `json:"side"`
	PositionSide   PositionSide `json:"position_side"`
	Type           OrderType    `json:"type"`
	Price          apd.Decimal  `json:"price"`
	AvgPrice       apd.Decimal  `json:"avg_price"`
	StopPrice      apd.Decimal  `json:"stop_price"`
	Quantity       apd.Decimal  `json:"quantity"`
	FilledQuantity apd.Decimal  `json:"filled_quantity"`
	// RemainingQty is the unfilled portion of the order.
	RemainingQty apd.Decimal `json:"remaining_quantity"`
	Status       OrderStatus `json:"status"`
	TimeInForce  TimeInForce `json:"time_in_force"`
	ReduceOnly   bool        `json:"reduce_only"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Balance represents the futures wallet balance of one asset.
type Balance struct {
	Asset           string      `json:"asset"`
	Balance         apd.Decimal `json:"balance"`
	CrossWallet     apd.Decimal `json:"cross_wallet"`
	CrossUnrealized apd.Decimal `json:"cross_unrealized"`
	Available       apd.Decimal `json:"available"`
	MaxWithdraw     apd.Decimal `json:"max_withdraw"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Position is the open position of one symbol and side.
type Position struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Amount           apd.Decimal  `json:"amount"`
	EntryPrice       apd.Decimal  `json:"entry_price"`
	MarkPrice        apd.Decimal  `json:"mark_price"`
	UnrealizedProfit apd.Decimal  `json:"unrealized_profit"`
	LiquidationPrice apd.Decimal  `json:"liquidation_price"`
	Leverage         int          `json:"leverage"`
	MarginType       string       `json:"margin_type"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Account summarizes wallet, margin and positions.
type Account struct {
	TotalWalletBalance    apd.Decimal `json:"total_wallet_balance"`
	TotalUnrealizedProfit apd.Decimal `json:"total_unrealized_profit"`
	TotalMarginBalance    apd.Decimal `json:"total_margin_balance"`
	AvailableBalance      apd.Decimal `json:"available_balance"`
	MaxWithdrawAmount     apd.Decimal `json:"max_withdraw_amount"`
	CanTrade              bool        `json:"can_trade"`
	Balances              []Balance   `json:"balances"`
	Positions             []Position  `json:"positions"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// Trade represents a single public trade.
type Trade struct {
	ID       int64       `json:"id"`
	Symbol   string      `json:"symbol"`
	Side     OrderSide   `json:"side"`
	Price    apd.Decimal `json:"price"`
	Quantity apd.Decimal `json:"quantity"`
	// QuoteQuantity is price times quantity.
	QuoteQuantity apd.Decimal `json:"quote_quantity"`
	BuyerMaker    bool        `json:"buyer_maker"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Kline represents a candlestick data point for a time period.
type Kline struct {
	Symbol      string      `json:"symbol"`
	Interval    string      `json:"interval"`
	OpenTime    time.Time   `json:"open_time"`
	Open        apd.Decimal `json:"open"`
	High        apd.Decimal `json:"high"`
	Low         apd.Decimal `json:"low"`
	Close       apd.Decimal `json:"close"`
	Volume      apd.Decimal `json:"volume"`
	CloseTime   time.Time   `json:"close_time"`
	QuoteVolume apd.Decimal `json:"quote_volume"`
	NumTrades   int64       `json:"num_trades"`
	// Closed is false while the candle is still forming.
	Closed bool `json:"closed"`
}

// OrderBookLevel represents a single price level in the order book.
type OrderBookLevel struct {
	Price    apd.Decimal `json:"price"`
	Quantity apd.Decimal `json:"quantity"`
}

// OrderBook represents a depth snapshot or update.
type OrderBook struct {
	Symbol       string `json:"symbol"`
	LastUpdateID int64  `json:"last_update_id"`
	// Bids are sorted by price descending.
	Bids []OrderBookLevel `json:"bids"`
	// Asks are sorted by price ascending.
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// ParseDecimal sets dest from a wire string. Empty strings yield zero.
func ParseDecimal(dest *apd.Decimal, s string) error {
	if s == "" {
		*dest = apd.Decimal{}
		return nil
	}
	if _, _, err := apd.BaseContext.SetString(dest, s); err != nil {
		return fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return nil
}

// ParseLevels converts [price, quantity] string pairs to book levels.
func ParseLevels(levels [][]string) ([]OrderBookLevel, error) {
	out := make([]OrderBookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		var l OrderBookLevel
		if err := ParseDecimal(&l.Price, level[0]); err != nil {
			return nil, err
		}
		if err := ParseDecimal(&l.Quantity, level[1]); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
