package futures

import (
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nakula/pkg/core"
)

func TestOrderBuilder_Build(t *testing.T) {
	tests := []struct {
		name       string
		build      func() (OrderRequest, error)
		wantErr    bool
		errContain string
	}{
		{
			name: "valid limit buy order",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Buy().Limit().Price("50000.00").Quantity("0.1").GTC().Build()
			},
		},
		{
			name: "valid market sell order",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("ETHUSDT").Sell().Market().Quantity("1.5").Build()
			},
		},
		{
			name: "valid stop market with decimals",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Sell().QuantityDecimal(*apd.New(1, -3)).StopMarket("48000").ReduceOnly().Build()
			},
		},
		{
			name: "limit without price",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Buy().Limit().Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "price must be positive",
		},
		{
			name: "stop market without trigger",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Sell().Type(core.TypeStopMarket).Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "stop price",
		},
		{
			name: "zero quantity",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Buy().Market().Quantity("0").Build()
			},
			wantErr:    true,
			errContain: "quantity must be positive",
		},
		{
			name: "negative quantity",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Buy().Market().Quantity("-1").Build()
			},
			wantErr:    true,
			errContain: "quantity must be positive",
		},
		{
			name: "unparseable price",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Buy().Limit().Price("abc").Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "parse price",
		},
		{
			name: "missing symbol",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("").Buy().Market().Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "symbol is required",
		},
		{
			name: "valid trailing stop",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Sell().TrailingStop("1.5").ActivationPrice("65000").Quantity("0.1").ReduceOnly().Build()
			},
		},
		{
			name: "trailing stop without callback rate",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Buy().Type(core.TypeTrailingStopMarket).Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "callback rate must be between",
		},
		{
			name: "callback rate above range",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Sell().TrailingStop("10.5").Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "callback rate must be between",
		},
		{
			name: "callback rate on limit order",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Sell().TrailingStop("1").Limit().Price("60000").Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "callback rate is only valid",
		},
		{
			name: "unknown order type",
			build: func() (OrderRequest, error) {
				return NewOrderBuilder("BTCUSDT").Buy().Type(core.OrderType(99)).Quantity("0.1").Build()
			},
			wantErr:    true,
			errContain: "unsupported order type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.build()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsConfigError(err))
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, req.Symbol)
		})
	}
}

func TestOrderBuilder_Fields(t *testing.T) {
	req, err := NewOrderBuilder("BTCUSDT").
		Sell().
		Limit().
		Price("61000.5").
		Quantity("0.002").
		PostOnly().
		PositionSide(core.PositionShort).
		ClientOrderID("grid-7").
		Retryable().
		Build()
	require.NoError(t, err)

	assert.Equal(t, core.SideSell, req.Side)
	assert.Equal(t, core.GTX, req.TimeInForce)
	assert.True(t, req.Retryable)

	params, err := req.params()
	require.NoError(t, err)
	assert.Equal(t,
		"symbol=BTCUSDT&side=SELL&positionSide=SHORT&type=LIMIT&timeInForce=GTX&quantity=0.002&price=61000.5&newClientOrderId=grid-7",
		params.Encode())
}

func TestOrderBuilder_TrailingStopParams(t *testing.T) {
	req, err := NewOrderBuilder("ethusdt").
		Sell().
		TrailingStop("0.8").
		ActivationPrice("3500.25").
		Quantity("1").
		ClientOrderID("trail-1").
		Build()
	require.NoError(t, err)
	assert.Equal(t, core.TypeTrailingStopMarket, req.Type)

	params, err := req.params()
	require.NoError(t, err)
	assert.Equal(t,
		"symbol=ETHUSDT&side=SELL&type=TRAILING_STOP_MARKET&quantity=1&activationPrice=3500.25&callbackRate=0.8&newClientOrderId=trail-1",
		params.Encode())
}
