package stream

import (
	"fmt"
	"strings"
)

// Private event types double as channel names on user data endpoints.
const (
	EventAccountUpdate    = "ACCOUNT_UPDATE"
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
)

// Market event types.
const (
	EventDepthUpdate = "depthUpdate"
	EventTrade       = "trade"
	EventKline       = "kline"
	EventTicker      = "24hrTicker"
)

// AllTickersChannel carries 24 hour statistics for every symbol.
const AllTickersChannel = "!ticker@arr"

// DepthChannel returns the partial book channel for levels 5, 10 or 20, or the
// diff channel when levels is zero. Updates arrive every 100ms.
func DepthChannel(symbol string, levels int) string {
	if levels <= 0 {
		return fmt.Sprintf("%s@depth@100ms", normalize(symbol))
	}
	return fmt.Sprintf("%s@depth%d@100ms", normalize(symbol), levels)
}

// TradeChannel returns the trade channel of symbol.
func TradeChannel(symbol string) string {
	return normalize(symbol) + "@trade"
}

// KlineChannel returns the candlestick channel of symbol for interval.
func KlineChannel(symbol, interval string) string {
	return normalize(symbol) + "@kline_" + interval
}

// TickerChannel returns the 24 hour statistics channel of symbol.
func TickerChannel(symbol string) string {
	return normalize(symbol) + "@ticker"
}

// CombinedURL returns the combined stream endpoint under base.
func CombinedURL(base string) string {
	return strings.TrimRight(base, "/") + "/stream"
}

// UserDataURL returns the private endpoint for listenKey under base.
func UserDataURL(base, listenKey string) string {
	return strings.TrimRight(base, "/") + "/ws/" + listenKey
}

func normalize(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}
