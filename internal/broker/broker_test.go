package broker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/feed"
	"tradecore/internal/util"
)

// ---------------------------------------------------------------------------
// PaperBroker
// ---------------------------------------------------------------------------

func newPaperExchange(t *testing.T, b *PaperBroker) *engine.Exchange {
	t.Helper()
	bars := []domain.Bar{{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC), Open: 100, Close: 100}}
	series := feed.NewSeries("AAPL", bars)
	series.Advance()
	rec := engine.NewReconciler(b, b, util.Discard(), engine.WithPollRetry(1, time.Millisecond))
	ex := engine.NewExchange(rec, account.New(account.Config{Cash: 10000}, series), series, util.Discard(),
		engine.WithSymbol("AAPL"), engine.WithExecutions())
	require.NoError(t, ex.Init(nil))
	require.NoError(t, ex.Start(context.Background()))
	return ex
}

func TestPaperBrokerName(t *testing.T) {
	assert.Equal(t, "paper", NewPaperBroker().Name())
}

func TestPaperEntryWithBrackets(t *testing.T) {
	b := NewPaperBroker()
	ex := newPaperExchange(t, b)
	ctx := context.Background()

	res, err := ex.NewOrder(ctx, engine.OrderRequest{Size: 10, SLPrice: 95, TPPrice: 110})
	require.NoError(t, err)
	require.True(t, res.OK)
	entry := res.Order

	b.SetPrice("AAPL", 101)
	require.NoError(t, ex.Next(ctx))

	assert.Equal(t, domain.OrderStateFilled, entry.State)
	assert.Equal(t, 101.0, entry.FilledPrice)
	pos := ex.Position(entry.ID)
	require.NotNil(t, pos)
	assert.Equal(t, 101.0, pos.EntryPrice)
	require.NotNil(t, pos.SLOrder())
	require.NotNil(t, pos.TPOrder())
	assert.Equal(t, 95.0, pos.SLOrder().StopPrice)
	assert.Equal(t, 1, ex.Executions().Len())

	// Nothing crosses.
	b.SetPrice("AAPL", 105)
	require.NoError(t, ex.Next(ctx))
	assert.True(t, pos.IsOpen())

	// Take profit hits; the stop-loss leg is canceled by the broker.
	tp, sl := pos.TPOrder(), pos.SLOrder()
	b.SetPrice("AAPL", 111)
	require.NoError(t, ex.Next(ctx))
	assert.Equal(t, domain.OrderStateFilled, tp.State)
	assert.Equal(t, domain.OrderStateCanceled, sl.State)
	assert.Equal(t, domain.PositionStateExit, pos.State)
	assert.Equal(t, 110.0, pos.ExitPrice)
	assert.Equal(t, 90.0, pos.RealizedPL)
	assert.Equal(t, 10090.0, ex.Account().Cash())
	assert.Zero(t, ex.Orders().Len())
	assert.Equal(t, 2, ex.Executions().Len())
}

func TestPaperLegsAddedAfterEntryAreCanceledOnExit(t *testing.T) {
	b := NewPaperBroker()
	ex := newPaperExchange(t, b)
	ctx := context.Background()

	res, err := ex.NewOrder(ctx, engine.OrderRequest{Size: 1})
	require.NoError(t, err)
	b.SetPrice("AAPL", 100)
	require.NoError(t, ex.Next(ctx))
	pos := ex.Position(res.Order.ID)
	require.NotNil(t, pos)

	sl, tp := 90.0, 110.0
	upd, err := pos.Update(ctx, &sl, &tp)
	require.NoError(t, err)
	require.True(t, upd.OK)
	require.NoError(t, ex.Next(ctx))
	slOrder, tpOrder := pos.SLOrder(), pos.TPOrder()
	require.NotNil(t, slOrder)
	require.NotNil(t, tpOrder)

	b.SetPrice("AAPL", 111)
	require.NoError(t, ex.Next(ctx))
	assert.Equal(t, domain.PositionStateExit, pos.State)
	assert.Equal(t, domain.OrderStateFilled, tpOrder.State)
	assert.Equal(t, domain.OrderStateCanceled, slOrder.State)
	assert.Zero(t, ex.Orders().Len())

	// Nothing is left to fire on a later drop.
	b.SetPrice("AAPL", 80)
	require.NoError(t, ex.Next(ctx))
	assert.Equal(t, domain.OrderStateCanceled, slOrder.State)
	assert.Zero(t, ex.Positions().Len())
	assert.Equal(t, 10010.0, ex.Account().Cash())
}

func TestPaperClosePosition(t *testing.T) {
	b := NewPaperBroker()
	ex := newPaperExchange(t, b)
	ctx := context.Background()

	res, err := ex.NewOrder(ctx, engine.OrderRequest{Size: -5})
	require.NoError(t, err)
	b.SetPrice("AAPL", 100)
	require.NoError(t, ex.Next(ctx))
	pos := ex.Position(res.Order.ID)
	require.NotNil(t, pos)
	assert.True(t, pos.IsShort())

	closeRes, err := pos.Exit(ctx)
	require.NoError(t, err)
	require.True(t, closeRes.OK)
	assert.True(t, pos.IsOpen(), "live exits wait for the broker")

	b.SetPrice("AAPL", 96)
	require.NoError(t, ex.Next(ctx))
	assert.Equal(t, domain.PositionStateExit, pos.State)
	assert.Equal(t, 20.0, pos.RealizedPL)
}

func TestPaperCancelAndUpdate(t *testing.T) {
	b := NewPaperBroker()
	ex := newPaperExchange(t, b)
	ctx := context.Background()

	res, err := ex.NewOrder(ctx, engine.OrderRequest{Size: 1, Type: domain.OrderTypeLimit, LimitPrice: 90})
	require.NoError(t, err)
	o := res.Order

	price := 92.0
	upd, err := o.Update(ctx, engine.OrderUpdate{LimitPrice: &price})
	require.NoError(t, err)
	require.True(t, upd.OK)

	b.SetPrice("AAPL", 95)
	require.NoError(t, ex.Next(ctx))
	assert.Equal(t, domain.OrderStatePlaced, o.State)
	assert.Equal(t, 92.0, o.LimitPrice)

	cres, err := o.Cancel(ctx)
	require.NoError(t, err)
	require.True(t, cres.OK)
	assert.Equal(t, domain.OrderStateCanceled, o.State)

	// The broker's cancel report arrives on the next poll and is absorbed.
	require.NoError(t, ex.Next(ctx))
	assert.Equal(t, 1, ex.HistoryOrders().Len())

	again := b.CancelOrder(ctx, o)
	assert.False(t, again.OK)
}

// ---------------------------------------------------------------------------
// AlpacaBroker
// ---------------------------------------------------------------------------

type fakeTrading struct {
	placed    []alpaca.PlaceOrderRequest
	replaced  []string
	canceled  []string
	open      []alpaca.Order
	byID      map[string]alpaca.Order
	positions []alpaca.Position
	placeErr  error
	ordersErr error
}

func (f *fakeTrading) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	return &alpaca.Order{ID: "a-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol,
		Side: req.Side, Type: req.Type, Qty: req.Qty, Status: "new"}, nil
}

func (f *fakeTrading) ReplaceOrder(orderID string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error) {
	f.replaced = append(f.replaced, orderID)
	return &alpaca.Order{ID: "r-" + orderID, ClientOrderID: req.ClientOrderID, LimitPrice: req.LimitPrice, Status: "new"}, nil
}

func (f *fakeTrading) CancelOrder(orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeTrading) GetOrder(orderID string) (*alpaca.Order, error) {
	o, ok := f.byID[orderID]
	if !ok {
		return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	return &o, nil
}

func (f *fakeTrading) GetOrders(alpaca.GetOrdersRequest) ([]alpaca.Order, error) {
	return f.open, f.ordersErr
}

func (f *fakeTrading) GetPositions() ([]alpaca.Position, error) { return f.positions, nil }

func (f *fakeTrading) ClosePosition(symbol string, _ alpaca.ClosePositionRequest) (*alpaca.Order, error) {
	return &alpaca.Order{ID: "close-" + symbol, Symbol: symbol}, nil
}

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker(&fakeTrading{}, 0, util.Discard())
	assert.Equal(t, "alpaca", b.Name())
}

func TestAlpacaPlaceBracketOrder(t *testing.T) {
	fake := &fakeTrading{}
	b := NewAlpacaBroker(fake, 0, util.Discard())

	res := b.PlaceOrder(context.Background(), &engine.Order{
		ID: "c-1", Symbol: "AAPL", Size: -3, Type: domain.OrderTypeLimit, LimitPrice: 101.5, SLPrice: 105, TPPrice: 95,
	})
	require.True(t, res.OK)
	require.Len(t, fake.placed, 1)
	req := fake.placed[0]
	assert.Equal(t, alpaca.Sell, req.Side)
	assert.Equal(t, alpaca.Limit, req.Type)
	assert.True(t, req.Qty.Equal(decimal.NewFromInt(3)))
	assert.True(t, req.LimitPrice.Equal(decimal.NewFromFloat(101.5)))
	assert.Equal(t, alpaca.Bracket, req.OrderClass)
	assert.True(t, req.StopLoss.StopPrice.Equal(decimal.NewFromInt(105)))
	assert.True(t, req.TakeProfit.LimitPrice.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, "c-1", req.ClientOrderID)
}

func TestAlpacaRejectionsAreClassified(t *testing.T) {
	fake := &fakeTrading{placeErr: &alpaca.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}}
	b := NewAlpacaBroker(fake, 0, util.Discard())
	res := b.PlaceOrder(context.Background(), &engine.Order{ID: "c-1", Symbol: "AAPL", Size: 1, Type: domain.OrderTypeMarket})
	assert.False(t, res.OK)
	assert.True(t, util.IsTransient(res.Err))

	fake.placeErr = &alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient buying power"}
	res = b.PlaceOrder(context.Background(), &engine.Order{ID: "c-2", Symbol: "AAPL", Size: 1, Type: domain.OrderTypeMarket})
	assert.False(t, res.OK)
	assert.False(t, util.IsTransient(res.Err))

	fake.ordersErr = &alpaca.APIError{StatusCode: http.StatusBadGateway}
	_, err := b.Poll(context.Background())
	assert.True(t, util.IsTransient(err))
}

func TestAlpacaPollDiffsState(t *testing.T) {
	filledAt := time.Date(2024, 1, 2, 15, 1, 0, 0, time.UTC)
	parent := alpaca.Order{ID: "p", ClientOrderID: "c-1", Symbol: "AAPL", Side: alpaca.Buy, Type: alpaca.Market,
		Qty: dec(10), Status: "filled", FilledAvgPrice: dec(100), FilledAt: &filledAt, OrderClass: alpaca.Bracket,
		Legs: []alpaca.Order{
			{ID: "l1", ClientOrderID: "leg-tp", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Limit, Qty: dec(10), LimitPrice: dec(110), Status: "new"},
			{ID: "l2", ClientOrderID: "leg-sl", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Stop, Qty: dec(10), StopPrice: dec(95), Status: "new"},
		}}
	fake := &fakeTrading{
		open:      []alpaca.Order{parent},
		positions: []alpaca.Position{{Symbol: "AAPL", Qty: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromInt(100), Side: "long"}},
		byID:      map[string]alpaca.Order{},
	}
	b := NewAlpacaBroker(fake, 0, util.Discard())
	ctx := context.Background()

	d, err := b.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, d.Positions, 1)
	require.Len(t, d.Orders, 3)

	pos, err := b.PositionFromRaw(d.Positions[0])
	require.NoError(t, err)
	assert.Equal(t, "AAPL#1", pos.ID)
	assert.Equal(t, 10.0, pos.Size)

	entry, err := b.OrderFromRaw(d.Orders[0])
	require.NoError(t, err)
	assert.Equal(t, "c-1", entry.ID)
	assert.Equal(t, domain.OrderStateFilled, entry.State)
	assert.Equal(t, 100.0, entry.FilledPrice)
	assert.Equal(t, filledAt, entry.FilledAt)
	assert.Equal(t, engine.RoleEntry, entry.Role)

	tp, err := b.OrderFromRaw(d.Orders[1])
	require.NoError(t, err)
	assert.Equal(t, engine.RoleTakeProfit, tp.Role)
	assert.Equal(t, -10.0, tp.Size)
	assert.Equal(t, "AAPL#1", tp.PositionID)
	sl, err := b.OrderFromRaw(d.Orders[2])
	require.NoError(t, err)
	assert.Equal(t, engine.RoleStopLoss, sl.Role)
	assert.Equal(t, 95.0, sl.StopPrice)

	// Unchanged state yields an empty delta.
	d, err = b.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, d.Empty())

	// The stop-loss fills: the position and all orders leave the open sets.
	fake.open = nil
	fake.positions = nil
	fake.byID["p"] = parent
	fake.byID["l1"] = alpaca.Order{ID: "l1", ClientOrderID: "leg-tp", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Limit, Qty: dec(10), Status: "canceled"}
	fake.byID["l2"] = alpaca.Order{ID: "l2", ClientOrderID: "leg-sl", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Stop, Qty: dec(10), Status: "filled", FilledAvgPrice: dec(95)}

	d, err = b.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, d.ClosedPositions, 1)
	closed, err := b.PositionFromRaw(d.ClosedPositions[0])
	require.NoError(t, err)
	assert.Equal(t, "AAPL#1", closed.ID)
	require.Len(t, d.ClosedOrders, 3)
	for _, raw := range d.ClosedOrders {
		o, err := b.OrderFromRaw(raw)
		require.NoError(t, err)
		assert.True(t, o.State.Terminal())
		assert.Equal(t, "AAPL#1", o.PositionID)
		if o.ID == "leg-sl" {
			assert.Equal(t, engine.RoleStopLoss, o.Role)
			assert.Equal(t, domain.OrderStateFilled, o.State)
		}
	}

	// A new position in the same symbol gets a new identity.
	fake.positions = []alpaca.Position{{Symbol: "AAPL", Qty: decimal.NewFromInt(-2), AvgEntryPrice: decimal.NewFromInt(90), Side: "short"}}
	d, err = b.Poll(ctx)
	require.NoError(t, err)
	pos, err = b.PositionFromRaw(d.Positions[0])
	require.NoError(t, err)
	assert.Equal(t, "AAPL#2", pos.ID)
	assert.Equal(t, -2.0, pos.Size)
}

func TestAlpacaReplaceKeepsIdentity(t *testing.T) {
	fake := &fakeTrading{byID: map[string]alpaca.Order{}}
	b := NewAlpacaBroker(fake, 0, util.Discard())
	ctx := context.Background()

	o := &engine.Order{ID: "c-1", Symbol: "AAPL", Size: 1, Type: domain.OrderTypeLimit, LimitPrice: 90}
	require.True(t, b.PlaceOrder(ctx, o).OK)

	o.LimitPrice = 91
	res := b.UpdateOrder(ctx, o)
	require.True(t, res.OK)
	require.Equal(t, []string{"a-c-1"}, fake.replaced)

	replaced := res.Raw.(alpaca.Order)
	replaced.Status = "accepted"
	fake.open = []alpaca.Order{replaced}
	d, err := b.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, d.Orders, 1)
	got, err := b.OrderFromRaw(d.Orders[0])
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ID)
	assert.Equal(t, 91.0, got.LimitPrice)

	require.True(t, b.CancelOrder(ctx, o).OK)
	assert.Equal(t, []string{replaced.ID}, fake.canceled)
}

func TestAlpacaTranslatorRejectsForeignRecords(t *testing.T) {
	b := NewAlpacaBroker(&fakeTrading{}, 0, util.Discard())
	_, err := b.OrderFromRaw(PaperOrder{})
	assert.Error(t, err)
	_, err = b.PositionFromRaw("AAPL")
	assert.Error(t, err)
}
