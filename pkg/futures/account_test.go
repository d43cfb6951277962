package futures

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nakula/pkg/core"
)

func TestBalance(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v2/balance", http.StatusOK,
		`[{"accountAlias":"SgsR","asset":"USDT","balance":"122607.35137903","crossWalletBalance":"23.72469206",`+
			`"crossUnPnl":"0.00000000","availableBalance":"23.72469206","maxWithdrawAmount":"23.72469206","updateTime":1617939110373}]`)
	c := newTestClient(t, m, nil)

	balances, err := c.Balance(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.Equal(t, "122607.35137903", balances[0].Balance.String())
	assert.Equal(t, "23.72469206", balances[0].Available.String())

	calls := m.Calls(http.MethodGet, "/fapi/v2/balance")
	require.Len(t, calls, 1)
	assert.Equal(t, testAPIKey, calls[0].APIKey)
	assert.Contains(t, calls[0].Query, "&signature=")
}

func TestAccount(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v2/account", http.StatusOK, `{
		"totalWalletBalance":"103.12345678","totalUnrealizedProfit":"0.50000000","totalMarginBalance":"103.62345678",
		"availableBalance":"100.00000000","maxWithdrawAmount":"100.00000000","canTrade":true,"updateTime":0,
		"assets":[{"asset":"USDT","walletBalance":"103.12345678","unrealizedProfit":"0.5","crossWalletBalance":"103.12345678",
			"crossUnPnl":"0.5","availableBalance":"100.0","maxWithdrawAmount":"100.0","updateTime":1625474304765}],
		"positions":[{"symbol":"BTCUSDT","positionSide":"BOTH","positionAmt":"0.010","entryPrice":"60000.0",
			"unrealizedProfit":"0.5","leverage":"20","isolated":true,"updateTime":1625474304765}]}`)
	c := newTestClient(t, m, nil)

	account, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.True(t, account.CanTrade)
	assert.Equal(t, "103.12345678", account.TotalWalletBalance.String())
	assert.True(t, account.UpdatedAt.IsZero())
	require.Len(t, account.Balances, 1)
	assert.Equal(t, "100.0", account.Balances[0].Available.String())
	require.Len(t, account.Positions, 1)
	pos := account.Positions[0]
	assert.Equal(t, core.PositionBoth, pos.Side)
	assert.Equal(t, 20, pos.Leverage)
	assert.Equal(t, "isolated", pos.MarginType)
	assert.Equal(t, "0.010", pos.Amount.String())
}

func TestPositionRisk(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v2/positionRisk", http.StatusOK,
		`[{"symbol":"BTCUSDT","positionSide":"LONG","positionAmt":"0.001","entryPrice":"60000.0","markPrice":"61000.0",`+
			`"unRealizedProfit":"1.0","liquidationPrice":"30000","leverage":"10","marginType":"cross","updateTime":1625474304765}]`)
	c := newTestClient(t, m, nil)

	positions, err := c.PositionRisk(context.Background(), "btcusdt")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, core.PositionLong, positions[0].Side)
	assert.Equal(t, "61000.0", positions[0].MarkPrice.String())
	assert.Equal(t, "cross", positions[0].MarginType)
	assert.Equal(t, 10, positions[0].Leverage)

	calls := m.Calls(http.MethodGet, "/fapi/v2/positionRisk")
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Query, "symbol=BTCUSDT&recvWindow="))
}

func TestChangeLeverage(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/leverage", http.StatusOK, `{"leverage":20,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`)
	c := newTestClient(t, m, nil)

	lev, err := c.ChangeLeverage(context.Background(), "BTCUSDT", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, lev.Leverage)
	assert.Equal(t, "1000000", lev.MaxNotional.String())

	calls := m.Calls(http.MethodPost, "/fapi/v1/leverage")
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Query, "symbol=BTCUSDT&leverage=20&recvWindow="))

	_, err = c.ChangeLeverage(context.Background(), "BTCUSDT", 0)
	assert.True(t, core.IsConfigError(err))
	assert.Len(t, m.Calls(http.MethodPost, "/fapi/v1/leverage"), 1)
}

func TestListenKeyEndpoints(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/listenKey", http.StatusOK, `{"listenKey":"pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1"}`)
	m.respond(http.MethodPut, "/fapi/v1/listenKey", http.StatusOK, `{}`)
	m.respond(http.MethodDelete, "/fapi/v1/listenKey", http.StatusOK, `{}`)
	c := newTestClient(t, m, nil)
	ctx := context.Background()

	key, err := c.CreateListenKey(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "pqia91ma"))
	require.NoError(t, c.KeepAliveListenKey(ctx, key))
	require.NoError(t, c.CloseListenKey(ctx, key))

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		calls := m.Calls(method, "/fapi/v1/listenKey")
		require.Len(t, calls, 1, method)
		assert.Equal(t, testAPIKey, calls[0].APIKey, method)
		assert.NotContains(t, calls[0].Query, "signature", method)
	}
}

func TestCreateListenKey_Empty(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/listenKey", http.StatusOK, `{}`)
	c := newTestClient(t, m, nil)

	_, err := c.CreateListenKey(context.Background())
	assert.True(t, core.IsSessionExpiredError(err))
	assert.ErrorIs(t, err, core.ErrNoListenKey)
}

func TestIncomeHistory(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/income", http.StatusOK,
		`[{"symbol":"BTCUSDT","incomeType":"FUNDING_FEE","income":"-0.37500000","asset":"USDT","info":"FUNDING_FEE",`+
			`"time":1570636800000,"tranId":9689322392,"tradeId":""}]`)
	c := newTestClient(t, m, nil)

	incomes, err := c.IncomeHistory(context.Background(), IncomeQuery{
		Type:      IncomeFundingFee,
		StartTime: time.UnixMilli(1570600000000),
		Limit:     100,
	})
	require.NoError(t, err)
	require.Len(t, incomes, 1)
	assert.Equal(t, IncomeFundingFee, incomes[0].Type)
	assert.Equal(t, "-0.37500000", incomes[0].Amount.String())
	assert.Equal(t, int64(9689322392), incomes[0].TransactionID)

	calls := m.Calls(http.MethodGet, "/fapi/v1/income")
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Query, "incomeType=FUNDING_FEE&startTime=1570600000000&limit=100&recvWindow="))
}

func TestLeverageBrackets(t *testing.T) {
	const entry = `{"symbol":"ETHUSDT","brackets":[{"bracket":1,"initialLeverage":75,"notionalCap":10000,` +
		`"notionalFloor":0,"maintMarginRatio":0.0065,"cum":0},{"bracket":2,"initialLeverage":50,` +
		`"notionalCap":50000,"notionalFloor":10000,"maintMarginRatio":0.01,"cum":35}]}`
	tests := []struct {
		name   string
		symbol string
		body   string
	}{
		{name: "one symbol answers an object", symbol: "ETHUSDT", body: entry},
		{name: "all symbols answer an array", body: "[" + entry + "]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockExchange(t)
			m.respond(http.MethodGet, "/fapi/v1/leverageBracket", http.StatusOK, tt.body)
			c := newTestClient(t, m, nil)

			brackets, err := c.LeverageBrackets(context.Background(), tt.symbol)
			require.NoError(t, err)
			require.Len(t, brackets, 1)
			require.Len(t, brackets[0].Brackets, 2)
			b := brackets[0].Brackets[1]
			assert.Equal(t, 50, b.InitialLeverage)
			assert.Equal(t, "50000", b.NotionalCap.String())
			assert.Equal(t, "0.01", b.MaintMarginRatio.String())
			assert.Equal(t, "35", b.Cum.String())
		})
	}
}

func TestCommissionRate(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/commissionRate", http.StatusOK,
		`{"symbol":"BTCUSDT","makerCommissionRate":"0.0002","takerCommissionRate":"0.0004"}`)
	c := newTestClient(t, m, nil)

	rate, err := c.CommissionRate(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "0.0002", rate.Maker.String())
	assert.Equal(t, "0.0004", rate.Taker.String())

	_, err = c.CommissionRate(context.Background(), "")
	assert.True(t, core.IsConfigError(err))
	assert.Len(t, m.Calls(http.MethodGet, "/fapi/v1/commissionRate"), 1)
}

func TestChangeMarginType(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "changed", status: http.StatusOK, body: `{"code":200,"msg":"success"}`},
		{name: "already set", status: http.StatusBadRequest, body: `{"code":-4046,"msg":"No need to change margin type."}`},
		{name: "open position", status: http.StatusBadRequest, body: `{"code":-4048,"msg":"Margin type cannot be changed if there exists position."}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockExchange(t)
			m.respond(http.MethodPost, "/fapi/v1/marginType", tt.status, tt.body)
			c := newTestClient(t, m, nil)

			err := c.ChangeMarginType(context.Background(), "BTCUSDT", MarginIsolated)
			if tt.wantErr {
				assert.True(t, core.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
			calls := m.Calls(http.MethodPost, "/fapi/v1/marginType")
			require.Len(t, calls, 1)
			assert.True(t, strings.HasPrefix(calls[0].Query, "symbol=BTCUSDT&marginType=ISOLATED&recvWindow="))
		})
	}
}

func TestModifyPositionMargin(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/positionMargin", http.StatusOK,
		`{"amount":100.0,"code":200,"msg":"Successfully modify position margin.","type":2}`)
	c := newTestClient(t, m, nil)

	moved, err := c.ModifyPositionMargin(context.Background(), PositionMarginRequest{
		Symbol:       "BTCUSDT",
		PositionSide: core.PositionLong,
		Amount:       *apd.New(100, 0),
		Reduce:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "100.0", moved.String())

	calls := m.Calls(http.MethodPost, "/fapi/v1/positionMargin")
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Query, "symbol=BTCUSDT&positionSide=LONG&amount=100&type=2&recvWindow="))

	_, err = c.ModifyPositionMargin(context.Background(), PositionMarginRequest{Symbol: "BTCUSDT"})
	assert.True(t, core.IsConfigError(err))
}

func TestModifyPositionMargin_TransientNotRetried(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodPost, "/fapi/v1/positionMargin", http.StatusServiceUnavailable, `{"code":-1001,"msg":"Internal error"}`)
	c := newTestClient(t, m, nil)

	_, err := c.ModifyPositionMargin(context.Background(), PositionMarginRequest{Symbol: "BTCUSDT", Amount: *apd.New(5, 0)})
	assert.True(t, core.IsOutcomeUnknown(err))
	assert.Len(t, m.Calls(http.MethodPost, "/fapi/v1/positionMargin"), 1)
}
