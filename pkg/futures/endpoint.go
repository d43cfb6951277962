package futures

import (
	"context"
	"net/http"

	"nakula/pkg/core"
	"nakula/pkg/dispatch"
)

// Endpoint describes one REST operation.
type Endpoint struct {
	Method   string
	Path     string
	Security core.Security
	// Weight is the request weight counted against the minute budget.
	Weight int
	// Idempotent endpoints are resent after transient failures.
	Idempotent bool
	// Bucket is an optional secondary limit, e.g. dispatch.BucketOrders.
	Bucket string
}

// Request builds the dispatcher request for params.
func (e Endpoint) Request(params core.Params) *core.Request {
	weight := e.Weight
	if weight < 1 {
		weight = 1
	}
	return core.NewRequest(e.Method, e.Path).
		SetParams(params).
		SetSecurity(e.Security).
		SetWeight(weight).
		SetIdempotent(e.Idempotent).
		SetBucket(e.Bucket)
}

// WithWeight returns a copy of e with a different weight.
func (e Endpoint) WithWeight(weight int) Endpoint {
	e.Weight = weight
	return e
}

// Call executes ep and decodes the response body into T.
func Call[T any](ctx context.Context, c *Client, ep Endpoint, params core.Params) (T, error) {
	var out T
	resp, err := c.Do(ctx, ep.Request(params))
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Do executes a prepared request. Prefer Call for typed endpoints.
func (c *Client) Do(ctx context.Context, req *core.Request) (*dispatch.Response, error) {
	if c.isClosed() {
		return nil, core.ErrClientClosed
	}
	return c.dispatcher.Execute(ctx, req)
}

// REST endpoints with their documented weights.
var (
	EndpointPing       = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/ping", Weight: 1, Idempotent: true}
	EndpointServerTime = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/time", Weight: 1, Idempotent: true}

	EndpointTickerPrice  = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/ticker/price", Weight: 1, Idempotent: true}
	EndpointTicker24h    = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/ticker/24hr", Weight: 1, Idempotent: true}
	EndpointDepth        = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/depth", Weight: 2, Idempotent: true}
	EndpointTrades       = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/trades", Weight: 5, Idempotent: true}
	EndpointKlines       = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/klines", Weight: 1, Idempotent: true}
	EndpointAggTrades    = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/aggTrades", Weight: 20, Idempotent: true}
	EndpointMarkPrice    = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/premiumIndex", Weight: 1, Idempotent: true}
	EndpointExchangeInfo = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/exchangeInfo", Weight: 1, Idempotent: true}
	// Older trades need the API key but no signature.
	EndpointHistoricalTrades = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/historicalTrades", Security: core.SecurityAPIKey, Weight: 20, Idempotent: true}

	// Placement is never resent unless the caller opts in per order.
	EndpointPlaceOrder = Endpoint{Method: http.MethodPost, Path: "/fapi/v1/order", Security: core.SecuritySigned, Weight: 1, Bucket: dispatch.BucketOrders}
	// Cancelling by id twice has the same effect as once.
	EndpointCancelOrder     = Endpoint{Method: http.MethodDelete, Path: "/fapi/v1/order", Security: core.SecuritySigned, Weight: 1, Idempotent: true}
	EndpointQueryOrder      = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/order", Security: core.SecuritySigned, Weight: 1, Idempotent: true}
	EndpointOpenOrders      = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/openOrders", Security: core.SecuritySigned, Weight: 1, Idempotent: true}
	EndpointCancelAllOrders = Endpoint{Method: http.MethodDelete, Path: "/fapi/v1/allOpenOrders", Security: core.SecuritySigned, Weight: 1, Idempotent: true}
	EndpointBatchOrders     = Endpoint{Method: http.MethodPost, Path: "/fapi/v1/batchOrders", Security: core.SecuritySigned, Weight: 5, Bucket: dispatch.BucketOrders}
	EndpointAllOrders       = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/allOrders", Security: core.SecuritySigned, Weight: 5, Idempotent: true}
	EndpointUserTrades      = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/userTrades", Security: core.SecuritySigned, Weight: 5, Idempotent: true}

	EndpointBalance          = Endpoint{Method: http.MethodGet, Path: "/fapi/v2/balance", Security: core.SecuritySigned, Weight: 5, Idempotent: true}
	EndpointAccount          = Endpoint{Method: http.MethodGet, Path: "/fapi/v2/account", Security: core.SecuritySigned, Weight: 5, Idempotent: true}
	EndpointPositionRisk     = Endpoint{Method: http.MethodGet, Path: "/fapi/v2/positionRisk", Security: core.SecuritySigned, Weight: 5, Idempotent: true}
	EndpointChangeLeverage   = Endpoint{Method: http.MethodPost, Path: "/fapi/v1/leverage", Security: core.SecuritySigned, Weight: 1, Idempotent: true}
	EndpointChangeMarginType = Endpoint{Method: http.MethodPost, Path: "/fapi/v1/marginType", Security: core.SecuritySigned, Weight: 1, Idempotent: true}
	// Adding margin twice adds it twice.
	EndpointPositionMargin  = Endpoint{Method: http.MethodPost, Path: "/fapi/v1/positionMargin", Security: core.SecuritySigned, Weight: 1}
	EndpointIncome          = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/income", Security: core.SecuritySigned, Weight: 30, Idempotent: true}
	EndpointLeverageBracket = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/leverageBracket", Security: core.SecuritySigned, Weight: 1, Idempotent: true}
	EndpointCommissionRate  = Endpoint{Method: http.MethodGet, Path: "/fapi/v1/commissionRate", Security: core.SecuritySigned, Weight: 20, Idempotent: true}

	// The exchange returns the active key when one exists.
	EndpointCreateListenKey    = Endpoint{Method: http.MethodPost, Path: "/fapi/v1/listenKey", Security: core.SecurityAPIKey, Weight: 1, Idempotent: true}
	EndpointKeepAliveListenKey = Endpoint{Method: http.MethodPut, Path: "/fapi/v1/listenKey", Security: core.SecurityAPIKey, Weight: 1, Idempotent: true}
	EndpointCloseListenKey     = Endpoint{Method: http.MethodDelete, Path: "/fapi/v1/listenKey", Security: core.SecurityAPIKey, Weight: 1, Idempotent: true}
)

// depthWeight returns the weight of a depth request for limit.
func depthWeight(limit int) int {
	switch {
	case limit <= 0:
		return 10
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

// klineWeight returns the weight of a klines request for limit.
func klineWeight(limit int) int {
	switch {
	case limit <= 0:
		return 5
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}
