package futures

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"

	"nakula/pkg/core"
)

// Balance returns the futures wallet balance of every asset.
func (c *Client) Balance(ctx context.Context) ([]core.Balance, error) {
	w, err := Call[[]wireBalance](ctx, c, EndpointBalance, nil)
	if err != nil {
		return nil, err
	}
	return normalizeBalances(w)
}

// Account returns wallet totals, per-asset balances and positions.
func (c *Client) Account(ctx context.Context) (*core.Account, error) {
	w, err := Call[wireAccount](ctx, c, EndpointAccount, nil)
	if err != nil {
		return nil, err
	}
	return normalizeAccount(&w)
}

// PositionRisk returns positions of symbol, or of every symbol when empty.
func (c *Client) PositionRisk(ctx context.Context, symbol string) ([]core.Position, error) {
	var params core.Params
	if symbol != "" {
		params = symbolParams(symbol)
	}
	w, err := Call[[]wirePositionRisk](ctx, c, EndpointPositionRisk, params)
	if err != nil {
		return nil, err
	}
	return normalizePositions(w)
}

// Leverage is the result of a leverage change.
type Leverage struct {
	Symbol   string
	Leverage int
	// MaxNotional is the largest position notional allowed at this leverage.
	MaxNotional apd.Decimal
}

// ChangeLeverage sets the initial leverage of symbol.
func (c *Client) ChangeLeverage(ctx context.Context, symbol string, leverage int) (*Leverage, error) {
	if symbol == "" || leverage < 1 {
		return nil, core.NewConfigError(errors.New("symbol and a positive leverage are required"))
	}
	params := symbolParams(symbol).Set("leverage", strconv.Itoa(leverage))
	w, err := Call[wireLeverage](ctx, c, EndpointChangeLeverage, params)
	if err != nil {
		return nil, err
	}
	out := &Leverage{Symbol: w.Symbol, Leverage: w.Leverage}
	if err := core.ParseDecimal(&out.MaxNotional, w.MaxNotionalValue); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateListenKey starts a user-data session, or returns the active key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	w, err := Call[wireListenKey](ctx, c, EndpointCreateListenKey, nil)
	if err != nil {
		return "", err
	}
	if w.ListenKey == "" {
		return "", core.NewSessionExpiredError(core.ErrNoListenKey)
	}
	return w.ListenKey, nil
}

// KeepAliveListenKey extends the validity of the active listen key. The
// exchange identifies the key by the API key header, so key is only used
// for logging.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	_, err := Call[struct{}](ctx, c, EndpointKeepAliveListenKey, nil)
	if err != nil {
		c.logger.Debug().Err(err).Str("listen_key", core.MaskKey(key)).Msg("listen key keepalive failed")
	}
	return err
}

// CloseListenKey ends the user-data session.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	if c.isClosed() {
		return core.ErrClientClosed
	}
	return c.releaseListenKey(ctx, key)
}

// releaseListenKey skips the closed check so Close can still release the
// keys of its user-data streams.
func (c *Client) releaseListenKey(ctx context.Context, key string) error {
	if _, err := c.dispatcher.Execute(ctx, EndpointCloseListenKey.Request(nil)); err != nil {
		return err
	}
	c.logger.Debug().Str("listen_key", core.MaskKey(key)).Msg("listen key closed")
	return nil
}

// IncomeType names a kind of wallet flow, e.g. a funding payment.
type IncomeType string

const (
	IncomeTransfer    IncomeType = "TRANSFER"
	IncomeRealizedPnL IncomeType = "REALIZED_PNL"
	IncomeFundingFee  IncomeType = "FUNDING_FEE"
	IncomeCommission  IncomeType = "COMMISSION"
	IncomeInsurance   IncomeType = "INSURANCE_CLEAR"
)

// Income is one wallet flow.
type Income struct {
	Symbol        string
	Type          IncomeType
	Amount        apd.Decimal
	Asset         string
	Info          string
	TransactionID int64
	TradeID       string
	Timestamp     time.Time
}

// IncomeQuery filters the income history. Every field is optional.
type IncomeQuery struct {
	Symbol    string
	Type      IncomeType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// IncomeHistory returns wallet flows, oldest first.
func (c *Client) IncomeHistory(ctx context.Context, q IncomeQuery) ([]Income, error) {
	var params core.Params
	if q.Symbol != "" {
		params = symbolParams(q.Symbol)
	}
	params = params.SetIf("incomeType", string(q.Type))
	params = rangeParams(params, q.StartTime, q.EndTime, q.Limit)
	w, err := Call[[]wireIncome](ctx, c, EndpointIncome, params)
	if err != nil {
		return nil, err
	}
	return normalizeIncomes(w)
}

// Bracket is one notional tier of a symbol's leverage schedule.
type Bracket struct {
	Bracket         int
	InitialLeverage int
	NotionalCap     apd.Decimal
	NotionalFloor   apd.Decimal
	// MaintMarginRatio is the maintenance margin rate of the tier.
	MaintMarginRatio apd.Decimal
	// Cum is the maintenance amount offset of the tier.
	Cum apd.Decimal
}

// LeverageBracket is the leverage schedule of one symbol.
type LeverageBracket struct {
	Symbol   string
	Brackets []Bracket
}

// LeverageBrackets returns the leverage schedule of symbol, or of every
// symbol when empty.
func (c *Client) LeverageBrackets(ctx context.Context, symbol string) ([]LeverageBracket, error) {
	var params core.Params
	if symbol != "" {
		params = symbolParams(symbol)
	}
	w, err := Call[oneOrMany[wireLeverageBracket]](ctx, c, EndpointLeverageBracket, params)
	if err != nil {
		return nil, err
	}
	return normalizeLeverageBrackets(w)
}

// CommissionRate is the account's fee rate on one symbol.
type CommissionRate struct {
	Symbol string
	Maker  apd.Decimal
	Taker  apd.Decimal
}

// CommissionRate returns the maker and taker fee rates of symbol.
func (c *Client) CommissionRate(ctx context.Context, symbol string) (*CommissionRate, error) {
	if symbol == "" {
		return nil, core.NewConfigError(errors.New("symbol is empty"))
	}
	w, err := Call[wireCommissionRate](ctx, c, EndpointCommissionRate, symbolParams(symbol))
	if err != nil {
		return nil, err
	}
	out := &CommissionRate{Symbol: w.Symbol}
	if err := parseFields(
		decimalField{&out.Maker, w.MakerCommissionRate},
		decimalField{&out.Taker, w.TakerCommissionRate},
	); err != nil {
		return nil, err
	}
	return out, nil
}

// MarginType is the margin mode of a symbol.
type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCrossed  MarginType = "CROSSED"
)

// CodeNoMarginTypeChange is returned when the symbol already uses the
// requested margin type.
const CodeNoMarginTypeChange = -4046

// ChangeMarginType switches symbol between isolated and cross margin.
// Requesting the current type succeeds.
func (c *Client) ChangeMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	if symbol == "" {
		return core.NewConfigError(errors.New("symbol is empty"))
	}
	if marginType != MarginIsolated && marginType != MarginCrossed {
		return core.NewConfigError(fmt.Errorf("unknown margin type %q", marginType))
	}
	params := symbolParams(symbol).Set("marginType", string(marginType))
	_, err := Call[struct{}](ctx, c, EndpointChangeMarginType, params)
	if core.IsErrorCode(err, CodeNoMarginTypeChange) {
		return nil
	}
	return err
}

// PositionMarginRequest adds margin to or removes it from an isolated
// position.
type PositionMarginRequest struct {
	Symbol       string
	PositionSide core.PositionSide
	Amount       apd.Decimal
	// Reduce removes margin instead of adding it.
	Reduce bool
}

// ModifyPositionMargin changes the margin of an isolated position and
// returns the amount moved. It is not resent after a transient failure.
func (c *Client) ModifyPositionMargin(ctx context.Context, req PositionMarginRequest) (*apd.Decimal, error) {
	if req.Symbol == "" {
		return nil, core.NewConfigError(errors.New("symbol is empty"))
	}
	if req.Amount.IsZero() || req.Amount.Negative {
		return nil, core.NewConfigError(errors.New("margin amount must be positive"))
	}
	kind := "1"
	if req.Reduce {
		kind = "2"
	}
	params := symbolParams(req.Symbol).SetIf("positionSide", string(req.PositionSide))
	params = params.Set("amount", req.Amount.Text('f')).Set("type", kind)
	w, err := Call[wirePositionMargin](ctx, c, EndpointPositionMargin, params)
	if err != nil {
		return nil, err
	}
	var moved apd.Decimal
	if err := core.ParseDecimal(&moved, w.Amount.String()); err != nil {
		return nil, err
	}
	return &moved, nil
}
