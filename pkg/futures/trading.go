package futures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"nakula/pkg/core"
)

// OrderRequest describes a new order. Zero decimals are omitted. NewOrderBuilder
// builds one fluently.
type OrderRequest struct {
	Symbol       string
	Side         core.OrderSide
	Type         core.OrderType
	PositionSide core.PositionSide
	TimeInForce  core.TimeInForce
	Quantity     apd.Decimal
	Price        apd.Decimal
	StopPrice    apd.Decimal
	// CallbackRate is the retrace percentage of a trailing stop.
	CallbackRate    apd.Decimal
	ActivationPrice apd.Decimal
	ReduceOnly      bool
	// ClientOrderID is generated when empty.
	ClientOrderID string
	// Retryable allows resending after a transient failure. The exchange
	// rejects a second order with the same client id, so a resend cannot
	// double the position.
	Retryable bool
}

func (r *OrderRequest) params() (core.Params, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	p := core.NewParams(
		"symbol", normalizeSymbol(r.Symbol),
		"side", r.Side.String(),
	)
	p = p.SetIf("positionSide", string(r.PositionSide))
	p = p.Set("type", r.Type.String())
	if needsTimeInForce(r.Type) {
		p = p.Set("timeInForce", r.TimeInForce.String())
	}
	p = p.SetIf("quantity", decimalParam(&r.Quantity))
	p = p.SetIf("price", decimalParam(&r.Price))
	p = p.SetIf("stopPrice", decimalParam(&r.StopPrice))
	p = p.SetIf("activationPrice", decimalParam(&r.ActivationPrice))
	p = p.SetIf("callbackRate", decimalParam(&r.CallbackRate))
	if r.ReduceOnly {
		p = p.Set("reduceOnly", "true")
	}
	p = p.Set("newClientOrderId", r.ClientOrderID)
	return p, nil
}

func needsTimeInForce(t core.OrderType) bool {
	switch t {
	case core.TypeLimit, core.TypeStop, core.TypeTakeProfit:
		return true
	default:
		return false
	}
}

func decimalParam(d *apd.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.Text('f')
}

// PlaceOrder submits an order. A transient failure is returned with an
// outcome-unknown marker unless req.Retryable is set; query the order by its
// client id to learn whether it was accepted.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*core.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	params, err := req.params()
	if err != nil {
		return nil, err
	}

	ep := EndpointPlaceOrder
	ep.Idempotent = req.Retryable
	w, err := Call[wireOrder](ctx, c, ep, params)
	if err != nil {
		if e, ok := core.AsError(err); ok && e.OutcomeUnknown {
			c.logger.Warn().
				Str("symbol", req.Symbol).
				Str("client_order_id", req.ClientOrderID).
				Msg("order outcome unknown")
		}
		return nil, err
	}
	return normalizeOrder(&w)
}

// OrderRef identifies an order by exchange id or client id.
type OrderRef struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
}

func (r OrderRef) params() (core.Params, error) {
	if r.Symbol == "" {
		return nil, core.NewConfigError(errors.New("order symbol is empty"))
	}
	p := symbolParams(r.Symbol)
	switch {
	case r.OrderID > 0:
		p = p.Set("orderId", strconv.FormatInt(r.OrderID, 10))
	case r.ClientOrderID != "":
		p = p.Set("origClientOrderId", r.ClientOrderID)
	default:
		return nil, core.NewConfigError(errors.New("order id or client order id required"))
	}
	return p, nil
}

// CancelOrder cancels one order. It is retried after transient failures.
func (c *Client) CancelOrder(ctx context.Context, ref OrderRef) (*core.Order, error) {
	params, err := ref.params()
	if err != nil {
		return nil, err
	}
	w, err := Call[wireOrder](ctx, c, EndpointCancelOrder, params)
	if err != nil {
		return nil, err
	}
	return normalizeOrder(&w)
}

// QueryOrder returns the current state of one order.
func (c *Client) QueryOrder(ctx context.Context, ref OrderRef) (*core.Order, error) {
	params, err := ref.params()
	if err != nil {
		return nil, err
	}
	w, err := Call[wireOrder](ctx, c, EndpointQueryOrder, params)
	if err != nil {
		return nil, err
	}
	return normalizeOrder(&w)
}

// OpenOrders returns open orders of symbol, or of every symbol when empty.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	ep := EndpointOpenOrders
	var params core.Params
	if symbol != "" {
		params = symbolParams(symbol)
	} else {
		ep = ep.WithWeight(40)
	}
	w, err := Call[[]wireOrder](ctx, c, ep, params)
	if err != nil {
		return nil, err
	}
	return normalizeOrders(w)
}

// CancelAllOpenOrders cancels every open order of symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if symbol == "" {
		return core.NewConfigError(errors.New("symbol is empty"))
	}
	_, err := Call[struct{}](ctx, c, EndpointCancelAllOrders, symbolParams(symbol))
	return err
}

// OrderHistoryQuery selects orders of one symbol. With OrderID set, orders
// from that id onwards are returned; otherwise the most recent ones.
type OrderHistoryQuery struct {
	Symbol    string
	OrderID   int64
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AllOrders returns open, filled and cancelled orders of one symbol.
func (c *Client) AllOrders(ctx context.Context, q OrderHistoryQuery) ([]core.Order, error) {
	if q.Symbol == "" {
		return nil, core.NewConfigError(errors.New("symbol is empty"))
	}
	params := idParam(symbolParams(q.Symbol), "orderId", q.OrderID)
	params = rangeParams(params, q.StartTime, q.EndTime, q.Limit)
	w, err := Call[[]wireOrder](ctx, c, EndpointAllOrders, params)
	if err != nil {
		return nil, err
	}
	return normalizeOrders(w)
}

// UserTrade is one fill of an own order.
type UserTrade struct {
	ID              int64
	OrderID         int64
	Symbol          string
	Side            core.OrderSide
	PositionSide    core.PositionSide
	Price           apd.Decimal
	Quantity        apd.Decimal
	QuoteQuantity   apd.Decimal
	RealizedPnL     apd.Decimal
	Commission      apd.Decimal
	CommissionAsset string
	Buyer           bool
	Maker           bool
	Timestamp       time.Time
}

// TradeHistoryQuery selects own fills of one symbol. FromID cannot be
// combined with the time bounds.
type TradeHistoryQuery struct {
	Symbol    string
	FromID    int64
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// UserTrades returns own fills, oldest first.
func (c *Client) UserTrades(ctx context.Context, q TradeHistoryQuery) ([]UserTrade, error) {
	if q.Symbol == "" {
		return nil, core.NewConfigError(errors.New("symbol is empty"))
	}
	if q.FromID > 0 && (!q.StartTime.IsZero() || !q.EndTime.IsZero()) {
		return nil, core.NewConfigError(errors.New("fromId cannot be combined with a time range"))
	}
	params := idParam(symbolParams(q.Symbol), "fromId", q.FromID)
	params = rangeParams(params, q.StartTime, q.EndTime, q.Limit)
	w, err := Call[[]wireUserTrade](ctx, c, EndpointUserTrades, params)
	if err != nil {
		return nil, err
	}
	return normalizeUserTrades(w)
}

// MaxBatchOrders is the largest batch the exchange accepts.
const MaxBatchOrders = 5

// BatchResult is the outcome of one order in a batch. Exactly one of Order
// and Err is set.
type BatchResult struct {
	Order *core.Order
	Err   error
}

// BatchOrders places up to MaxBatchOrders orders in one request. The
// exchange accepts or rejects each order on its own, so the returned error
// covers only the request as a whole; per-order rejections are in the
// results, in request order. The batch is resent after a transient failure
// only when every order is Retryable.
func (c *Client) BatchOrders(ctx context.Context, reqs []OrderRequest) ([]BatchResult, error) {
	if len(reqs) == 0 || len(reqs) > MaxBatchOrders {
		return nil, core.NewConfigError(fmt.Errorf("batch must hold 1 to %d orders, got %d", MaxBatchOrders, len(reqs)))
	}
	reqs = append([]OrderRequest(nil), reqs...)
	retryable := true
	for i := range reqs {
		if reqs[i].ClientOrderID == "" {
			reqs[i].ClientOrderID = uuid.NewString()
		}
		retryable = retryable && reqs[i].Retryable
	}
	batch, err := encodeBatch(reqs)
	if err != nil {
		return nil, err
	}

	ep := EndpointBatchOrders
	ep.Idempotent = retryable
	w, err := Call[[]wireBatchItem](ctx, c, ep, core.NewParams("batchOrders", batch))
	if err != nil {
		if e, ok := core.AsError(err); ok && e.OutcomeUnknown {
			ids := make([]string, len(reqs))
			for i := range reqs {
				ids[i] = reqs[i].ClientOrderID
			}
			c.logger.Warn().Strs("client_order_ids", ids).Msg("batch outcome unknown")
		}
		return nil, err
	}
	if len(w) != len(reqs) {
		return nil, fmt.Errorf("batch of %d orders answered with %d results", len(reqs), len(w))
	}

	results := make([]BatchResult, len(w))
	for i := range w {
		if w[i].Code != 0 {
			results[i].Err = core.NewAPIError(core.ClassifyCode(w[i].Code), http.StatusOK, w[i].Code, w[i].Msg)
			continue
		}
		results[i].Order, results[i].Err = normalizeOrder(&w[i].wireOrder)
	}
	return results, nil
}

// encodeBatch renders the orders as the JSON array the batch endpoint
// expects, keeping each order's parameter order.
func encodeBatch(reqs []OrderRequest) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := range reqs {
		params, err := reqs[i].params()
		if err != nil {
			return "", fmt.Errorf("batch order %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, kv := range params {
			if j > 0 {
				buf.WriteByte(',')
			}
			key, err := sonic.MarshalString(kv.Key)
			if err != nil {
				return "", err
			}
			value, err := sonic.MarshalString(kv.Value)
			if err != nil {
				return "", err
			}
			buf.WriteString(key)
			buf.WriteByte(':')
			buf.WriteString(value)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.String(), nil
}
