package futures

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"nakula/pkg/core"
)

// OrderBuilder provides a fluent interface for constructing order requests.
// The first parse error is kept and reported by Build.
//
// Example:
//
//	req, err := futures.NewOrderBuilder("BTCUSDT").
//	    Buy().
//	    Limit().
//	    Price("50000").
//	    Quantity("0.001").
//	    Build()
type OrderBuilder struct {
	req OrderRequest
	err error
}

// NewOrderBuilder starts a GTC market order on symbol.
func NewOrderBuilder(symbol string) *OrderBuilder {
	return &OrderBuilder{req: OrderRequest{Symbol: symbol, Type: core.TypeMarket, TimeInForce: core.GTC}}
}

// Side sets the order side.
func (b *OrderBuilder) Side(side core.OrderSide) *OrderBuilder {
	b.req.Side = side
	return b
}

func (b *OrderBuilder) Buy() *OrderBuilder  { return b.Side(core.SideBuy) }
func (b *OrderBuilder) Sell() *OrderBuilder { return b.Side(core.SideSell) }

// Type sets the order type.
func (b *OrderBuilder) Type(orderType core.OrderType) *OrderBuilder {
	b.req.Type = orderType
	return b
}

func (b *OrderBuilder) Market() *OrderBuilder { return b.Type(core.TypeMarket) }
func (b *OrderBuilder) Limit() *OrderBuilder  { return b.Type(core.TypeLimit) }

// StopMarket triggers a market order at stop.
func (b *OrderBuilder) StopMarket(stop string) *OrderBuilder {
	return b.Type(core.TypeStopMarket).StopPrice(stop)
}

// TakeProfitMarket triggers a market order at target.
func (b *OrderBuilder) TakeProfitMarket(target string) *OrderBuilder {
	return b.Type(core.TypeTakeProfitMarket).StopPrice(target)
}

// TrailingStop follows the best price and triggers a market order once it
// retraces by rate percent.
func (b *OrderBuilder) TrailingStop(rate string) *OrderBuilder {
	return b.Type(core.TypeTrailingStopMarket).parse(&b.req.CallbackRate, "callback rate", rate)
}

// ActivationPrice delays trailing until the price is reached. The trail
// starts at once when it is unset.
func (b *OrderBuilder) ActivationPrice(price string) *OrderBuilder {
	return b.parse(&b.req.ActivationPrice, "activation price", price)
}

func (b *OrderBuilder) parse(dest *apd.Decimal, field, value string) *OrderBuilder {
	if b.err != nil {
		return b
	}
	if _, _, err := dest.SetString(value); err != nil {
		b.err = fmt.Errorf("parse %s: %w", field, err)
	}
	return b
}

// Price sets the limit price from a string.
func (b *OrderBuilder) Price(price string) *OrderBuilder {
	return b.parse(&b.req.Price, "price", price)
}

// PriceDecimal sets the limit price.
func (b *OrderBuilder) PriceDecimal(price apd.Decimal) *OrderBuilder {
	b.req.Price.Set(&price)
	return b
}

// Quantity sets the order quantity from a string.
func (b *OrderBuilder) Quantity(qty string) *OrderBuilder {
	return b.parse(&b.req.Quantity, "quantity", qty)
}

// QuantityDecimal sets the order quantity.
func (b *OrderBuilder) QuantityDecimal(qty apd.Decimal) *OrderBuilder {
	b.req.Quantity.Set(&qty)
	return b
}

// StopPrice sets the trigger price of stop and take-profit orders.
func (b *OrderBuilder) StopPrice(stop string) *OrderBuilder {
	return b.parse(&b.req.StopPrice, "stop price", stop)
}

// TimeInForce sets how long a limit order stays on the book.
func (b *OrderBuilder) TimeInForce(tif core.TimeInForce) *OrderBuilder {
	b.req.TimeInForce = tif
	return b
}

func (b *OrderBuilder) GTC() *OrderBuilder { return b.TimeInForce(core.GTC) }
func (b *OrderBuilder) IOC() *OrderBuilder { return b.TimeInForce(core.IOC) }
func (b *OrderBuilder) FOK() *OrderBuilder { return b.TimeInForce(core.FOK) }

// PostOnly rejects the order instead of letting it take liquidity.
func (b *OrderBuilder) PostOnly() *OrderBuilder { return b.TimeInForce(core.GTX) }

// PositionSide selects the hedge-mode position.
func (b *OrderBuilder) PositionSide(side core.PositionSide) *OrderBuilder {
	b.req.PositionSide = side
	return b
}

// ReduceOnly restricts the order to reducing the position.
func (b *OrderBuilder) ReduceOnly() *OrderBuilder {
	b.req.ReduceOnly = true
	return b
}

// ClientOrderID sets the identifier used to reconcile the order.
func (b *OrderBuilder) ClientOrderID(id string) *OrderBuilder {
	b.req.ClientOrderID = id
	return b
}

// Retryable allows PlaceOrder to resend after a transient failure.
func (b *OrderBuilder) Retryable() *OrderBuilder {
	b.req.Retryable = true
	return b
}

// Build validates and returns the request.
func (b *OrderBuilder) Build() (OrderRequest, error) {
	if b.err != nil {
		return OrderRequest{}, core.NewConfigError(b.err)
	}
	if err := b.req.validate(); err != nil {
		return OrderRequest{}, err
	}
	return b.req, nil
}

func (r *OrderRequest) validate() error {
	var err error
	switch {
	case r.Symbol == "":
		err = errors.New("symbol is required")
	case r.Side != core.SideBuy && r.Side != core.SideSell:
		err = errors.New("invalid order side")
	case r.Type < core.TypeMarket || r.Type > core.TypeTrailingStopMarket:
		err = fmt.Errorf("unsupported order type %s", r.Type)
	case r.Quantity.IsZero() || r.Quantity.Negative:
		err = errors.New("quantity must be positive")
	case needsTimeInForce(r.Type) && (r.Price.IsZero() || r.Price.Negative):
		err = fmt.Errorf("price must be positive for %s orders", r.Type)
	case needsStopPrice(r.Type) && (r.StopPrice.IsZero() || r.StopPrice.Negative):
		err = fmt.Errorf("stop price must be positive for %s orders", r.Type)
	case r.Type == core.TypeTrailingStopMarket && !validCallbackRate(&r.CallbackRate):
		err = fmt.Errorf("callback rate must be between %s and %s percent", minCallbackRate, maxCallbackRate)
	case r.Type != core.TypeTrailingStopMarket && !r.CallbackRate.IsZero():
		err = fmt.Errorf("callback rate is only valid for %s orders", core.TypeTrailingStopMarket)
	}
	if err != nil {
		return core.NewConfigError(err)
	}
	return nil
}

// Callback rates are percentages.
var (
	minCallbackRate = apd.New(1, -1)
	maxCallbackRate = apd.New(10, 0)
)

func validCallbackRate(rate *apd.Decimal) bool {
	return rate.Cmp(minCallbackRate) >= 0 && rate.Cmp(maxCallbackRate) <= 0
}

func needsStopPrice(t core.OrderType) bool {
	switch t {
	case core.TypeStop, core.TypeStopMarket, core.TypeTakeProfit, core.TypeTakeProfitMarket:
		return true
	default:
		return false
	}
}
