package futures

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nakula/pkg/auth"
	"nakula/pkg/core"
)

const orderResponse = `{"orderId":42,"clientOrderId":"abc","symbol":"BTCUSDT","side":"BUY","positionSide":"BOTH",` +
	`"type":"LIMIT","status":"PARTIALLY_FILLED","timeInForce":"GTC","price":"60000","avgPrice":"60000",` +
	`"stopPrice":"0","origQty":"0.010","executedQty":"0.004","reduceOnly":false,"updateTime":1700000000000}`

func limitOrder() OrderRequest {
	return OrderRequest{
		Symbol:      "btcusdt",
		Side:        core.SideBuy,
		Type:        core.TypeLimit,
		TimeInForce: core.GTC,
		Quantity:    *apd.New(10, -3),
		Price:       *apd.New(60000, 0),
	}
}

func queryKeys(raw string) []string {
	var keys []string
	for _, pair := range strings.Split(raw, "&") {
		k, _, _ := strings.Cut(pair, "=")
		keys = append(keys, k)
	}
	return keys
}

func TestPlaceOrder_Parameters(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/order", http.StatusOK, orderResponse)
	c := newTestClient(t, m, nil)

	order, err := c.PlaceOrder(context.Background(), limitOrder())
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.ID)
	assert.Equal(t, core.StatusPartiallyFilled, order.Status)
	assert.Equal(t, "0.006", order.RemainingQty.String())

	calls := m.Calls(http.MethodPost, "/fapi/v1/order")
	require.Len(t, calls, 1)
	assert.Equal(t, testAPIKey, calls[0].APIKey)
	assert.Equal(t, []string{
		"symbol", "side", "type", "timeInForce", "quantity", "price",
		"newClientOrderId", "recvWindow", "timestamp", "signature",
	}, queryKeys(calls[0].Query))

	values, err := url.ParseQuery(calls[0].Query)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", values.Get("symbol"))
	assert.Equal(t, "0.010", values.Get("quantity"))
	assert.Equal(t, "60000", values.Get("price"))
	_, err = uuid.Parse(values.Get("newClientOrderId"))
	assert.NoError(t, err)
}

func TestPlaceOrder_MarketOmitsTimeInForce(t *testing.T) {
	req := OrderRequest{
		Symbol:        "ETHUSDT",
		Side:          core.SideSell,
		Type:          core.TypeMarket,
		PositionSide:  core.PositionShort,
		Quantity:      *apd.New(5, -1),
		ReduceOnly:    true,
		ClientOrderID: "close-1",
	}
	params, err := req.params()
	require.NoError(t, err)
	assert.Equal(t, "symbol=ETHUSDT&side=SELL&positionSide=SHORT&type=MARKET&quantity=0.5&reduceOnly=true&newClientOrderId=close-1", params.Encode())

	_, err = (&OrderRequest{}).params()
	assert.True(t, core.IsConfigError(err))
}

func TestPlaceOrder_InsufficientBalanceNotRetried(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/order", http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	c := newTestClient(t, m, nil)

	_, err := c.PlaceOrder(context.Background(), limitOrder())
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, -2010, e.Code)
	assert.Len(t, m.Calls(http.MethodPost, "/fapi/v1/order"), 1)
}

func TestPlaceOrder_TransientOutcomeUnknown(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/order", http.StatusServiceUnavailable, `{"code":-1001,"msg":"Internal error"}`)
	c := newTestClient(t, m, nil)

	_, err := c.PlaceOrder(context.Background(), limitOrder())
	require.Error(t, err)
	assert.True(t, core.IsOutcomeUnknown(err))
	assert.Len(t, m.Calls(http.MethodPost, "/fapi/v1/order"), 1)
}

func TestPlaceOrder_RetryableResendsSameClientID(t *testing.T) {
	m := newMockExchange(t)
	var hits atomic.Int32
	m.handle(http.MethodPost, "/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(orderResponse))
	})
	var now atomic.Int64
	now.Store(1_700_000_000_000)
	c := newTestClient(t, m, nil, WithClock(auth.ClockFunc(func() int64 { return now.Add(10) })))

	req := limitOrder()
	req.Retryable = true
	_, err := c.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	calls := m.Calls(http.MethodPost, "/fapi/v1/order")
	require.Len(t, calls, 2)
	first, err := url.ParseQuery(calls[0].Query)
	require.NoError(t, err)
	second, err := url.ParseQuery(calls[1].Query)
	require.NoError(t, err)
	assert.Equal(t, first.Get("newClientOrderId"), second.Get("newClientOrderId"))
	assert.NotEqual(t, first.Get("timestamp"), second.Get("timestamp"))
	assert.NotEqual(t, first.Get("signature"), second.Get("signature"))
}

func TestCancelOrder_RetriedOnTransient(t *testing.T) {
	m := newMockExchange(t)
	var hits atomic.Int32
	m.handle(http.MethodDelete, "/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(strings.Replace(orderResponse, "PARTIALLY_FILLED", "CANCELED", 1)))
	})
	c := newTestClient(t, m, nil)

	order, err := c.CancelOrder(context.Background(), OrderRef{Symbol: "BTCUSDT", OrderID: 42})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, order.Status)

	calls := m.Calls(http.MethodDelete, "/fapi/v1/order")
	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[1].Query, "symbol=BTCUSDT&orderId=42&recvWindow="))
}

func TestOrderRef_Params(t *testing.T) {
	tests := []struct {
		name    string
		ref     OrderRef
		want    string
		wantErr bool
	}{
		{name: "order id", ref: OrderRef{Symbol: "btcusdt", OrderID: 7}, want: "symbol=BTCUSDT&orderId=7"},
		{name: "client id", ref: OrderRef{Symbol: "BTCUSDT", ClientOrderID: "x-1"}, want: "symbol=BTCUSDT&origClientOrderId=x-1"},
		{name: "order id wins", ref: OrderRef{Symbol: "BTCUSDT", OrderID: 7, ClientOrderID: "x-1"}, want: "symbol=BTCUSDT&orderId=7"},
		{name: "no symbol", ref: OrderRef{OrderID: 7}, wantErr: true},
		{name: "no id", ref: OrderRef{Symbol: "BTCUSDT"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.ref.params()
			if tt.wantErr {
				assert.True(t, core.IsConfigError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Encode())
		})
	}
}

func TestQueryOrder_InvalidRefSendsNothing(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, m, nil)

	_, err := c.QueryOrder(context.Background(), OrderRef{Symbol: "BTCUSDT"})
	assert.True(t, core.IsConfigError(err))
	assert.Empty(t, m.Calls(http.MethodGet, "/fapi/v1/order"))
}

func TestOpenOrders(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/openOrders", http.StatusOK, "["+orderResponse+"]")
	c := newTestClient(t, m, nil)

	orders, err := c.OpenOrders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "abc", orders[0].ClientOrderID)

	calls := m.Calls(http.MethodGet, "/fapi/v1/openOrders")
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Query, "recvWindow="))
}

func TestCancelAllOpenOrders(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodDelete, "/fapi/v1/allOpenOrders", http.StatusOK, `{"code":200,"msg":"The operation of cancel all open order is done."}`)
	c := newTestClient(t, m, nil)

	require.NoError(t, c.CancelAllOpenOrders(context.Background(), "BTCUSDT"))
	assert.True(t, core.IsConfigError(c.CancelAllOpenOrders(context.Background(), "")))
	assert.Len(t, m.Calls(http.MethodDelete, "/fapi/v1/allOpenOrders"), 1)
}

func TestAllOrders(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/allOrders", http.StatusOK, "["+orderResponse+"]")
	c := newTestClient(t, m, nil)

	orders, err := c.AllOrders(context.Background(), OrderHistoryQuery{Symbol: "btcusdt", OrderID: 40, Limit: 50})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(42), orders[0].ID)

	calls := m.Calls(http.MethodGet, "/fapi/v1/allOrders")
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Query, "symbol=BTCUSDT&orderId=40&limit=50&recvWindow="))
}

func TestUserTrades(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/userTrades", http.StatusOK,
		`[{"buyer":false,"commission":"-0.07819010","commissionAsset":"USDT","id":698759,"maker":false,`+
			`"orderId":25851813,"price":"7819.01","qty":"0.002","quoteQty":"15.63802","realizedPnl":"-0.91539999",`+
			`"side":"SELL","positionSide":"SHORT","symbol":"BTCUSDT","time":1569514978020}]`)
	c := newTestClient(t, m, nil)

	trades, err := c.UserTrades(context.Background(), TradeHistoryQuery{Symbol: "BTCUSDT", FromID: 698000})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, int64(25851813), tr.OrderID)
	assert.Equal(t, core.SideSell, tr.Side)
	assert.Equal(t, core.PositionShort, tr.PositionSide)
	assert.Equal(t, "-0.91539999", tr.RealizedPnL.String())
	assert.Equal(t, "-0.07819010", tr.Commission.String())
	assert.Equal(t, "USDT", tr.CommissionAsset)

	calls := m.Calls(http.MethodGet, "/fapi/v1/userTrades")
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Query, "symbol=BTCUSDT&fromId=698000&recvWindow="))
}

func TestUserTrades_InvalidQuerySendsNothing(t *testing.T) {
	tests := []struct {
		name string
		q    TradeHistoryQuery
	}{
		{name: "no symbol", q: TradeHistoryQuery{Limit: 10}},
		{name: "from id with time range", q: TradeHistoryQuery{Symbol: "BTCUSDT", FromID: 1, StartTime: time.UnixMilli(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockExchange(t)
			c := newTestClient(t, m, nil)

			_, err := c.UserTrades(context.Background(), tt.q)
			assert.True(t, core.IsConfigError(err))
			assert.Empty(t, m.Calls(http.MethodGet, "/fapi/v1/userTrades"))
		})
	}
}

func TestBatchOrders(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/batchOrders", http.StatusOK,
		"["+orderResponse+`,{"code":-2019,"msg":"Margin is insufficient."}]`)
	c := newTestClient(t, m, nil)

	second := limitOrder()
	second.Side = core.SideSell
	second.ClientOrderID = "batch-2"
	results, err := c.BatchOrders(context.Background(), []OrderRequest{limitOrder(), second})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(42), results[0].Order.ID)
	assert.Nil(t, results[1].Order)
	e, ok := core.AsError(results[1].Err)
	require.True(t, ok)
	assert.Equal(t, -2019, e.Code)
	assert.True(t, core.IsValidationError(results[1].Err))

	calls := m.Calls(http.MethodPost, "/fapi/v1/batchOrders")
	require.Len(t, calls, 1)
	values, err := url.ParseQuery(calls[0].Query)
	require.NoError(t, err)

	var sent []map[string]string
	require.NoError(t, sonic.UnmarshalString(values.Get("batchOrders"), &sent))
	require.Len(t, sent, 2)
	assert.Equal(t, "BTCUSDT", sent[0]["symbol"])
	assert.Equal(t, "LIMIT", sent[0]["type"])
	assert.Equal(t, "0.010", sent[0]["quantity"])
	_, err = uuid.Parse(sent[0]["newClientOrderId"])
	assert.NoError(t, err)
	assert.Equal(t, "SELL", sent[1]["side"])
	assert.Equal(t, "batch-2", sent[1]["newClientOrderId"])
}

func TestBatchOrders_Retry(t *testing.T) {
	tests := []struct {
		name      string
		retryable []bool
		wantCalls int
	}{
		{name: "every order retryable", retryable: []bool{true, true}, wantCalls: 2},
		{name: "one order not retryable", retryable: []bool{true, false}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockExchange(t)
			var hits atomic.Int32
			m.handle(http.MethodPost, "/fapi/v1/batchOrders", func(w http.ResponseWriter, r *http.Request) {
				if hits.Add(1) == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte("[" + orderResponse + "," + orderResponse + "]"))
			})
			c := newTestClient(t, m, nil)

			reqs := make([]OrderRequest, len(tt.retryable))
			for i, r := range tt.retryable {
				reqs[i] = limitOrder()
				reqs[i].Retryable = r
			}
			_, err := c.BatchOrders(context.Background(), reqs)
			if tt.wantCalls == 1 {
				assert.True(t, core.IsOutcomeUnknown(err))
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, m.Calls(http.MethodPost, "/fapi/v1/batchOrders"), tt.wantCalls)
		})
	}
}

func TestBatchOrders_InvalidBatchSendsNothing(t *testing.T) {
	m := newMockExchange(t)
	c := newTestClient(t, m, nil)

	_, err := c.BatchOrders(context.Background(), nil)
	assert.True(t, core.IsConfigError(err))

	tooMany := make([]OrderRequest, MaxBatchOrders+1)
	for i := range tooMany {
		tooMany[i] = limitOrder()
	}
	_, err = c.BatchOrders(context.Background(), tooMany)
	assert.True(t, core.IsConfigError(err))

	_, err = c.BatchOrders(context.Background(), []OrderRequest{limitOrder(), {Symbol: "BTCUSDT"}})
	assert.True(t, core.IsConfigError(err))
	assert.Empty(t, m.Calls(http.MethodPost, "/fapi/v1/batchOrders"))
}
