package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/util"
)

// TradingClient is the part of the Alpaca trading client the broker uses.
type TradingClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	ReplaceOrder(orderID string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	GetPositions() ([]alpaca.Position, error)
	ClosePosition(symbol string, req alpaca.ClosePositionRequest) (*alpaca.Order, error)
}

// OrderRecord is the raw order the Alpaca broker hands to the reconciler:
// the provider order plus what the poll learned about it.
type OrderRecord struct {
	Order      alpaca.Order
	Role       engine.Role
	PositionID string
	// ID is the engine identity; it survives order replacement.
	ID string
}

// PositionRecord is the raw position the Alpaca broker hands to the
// reconciler.
type PositionRecord struct {
	Position alpaca.Position
	ID       string
}

// AlpacaBroker implements the live venue over the Alpaca trading API. The
// engine identity of an order is its client order id; a position's identity
// is its symbol plus an epoch so a reopened symbol is a new position.
type AlpacaBroker struct {
	client  TradingClient
	limiter *util.RateLimiter
	tif     alpaca.TimeInForce
	log     *slog.Logger

	mu          sync.Mutex
	orders      map[string]alpaca.Order    // open orders by client order id
	positions   map[string]alpaca.Position // open positions by symbol
	roles       map[string]engine.Role     // role of each open order
	positionIDs map[string]string          // symbol -> engine position id
	aliases     map[string]string          // replacement client id -> engine id
	epoch       int
}

// NewAlpacaClient builds a trading client for the given endpoint.
func NewAlpacaClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// NewAlpacaBroker creates an AlpacaBroker making at most perMinute API
// calls per minute.
func NewAlpacaBroker(client TradingClient, perMinute int, log *slog.Logger) *AlpacaBroker {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		client:      client,
		limiter:     util.NewRateLimiter(perMinute),
		tif:         alpaca.GTC,
		log:         log.With("broker", "alpaca"),
		orders:      make(map[string]alpaca.Order),
		positions:   make(map[string]alpaca.Position),
		roles:       make(map[string]engine.Role),
		positionIDs: make(map[string]string),
		aliases:     make(map[string]string),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// ---------------------------------------------------------------------------
// Order operations
// ---------------------------------------------------------------------------

// PlaceOrder submits o. SL/TP levels become a bracket (both) or one-triggers-
// other (one) order class.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, o *engine.Order) *engine.Result {
	if err := b.limiter.Wait(ctx); err != nil {
		return engine.Rejected(err, nil)
	}
	qty := decimal.NewFromFloat(o.Size).Abs()
	req := alpaca.PlaceOrderRequest{
		Symbol:        o.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(o.Size),
		Type:          alpacaType(o.Type),
		TimeInForce:   b.tif,
		ClientOrderID: o.ID,
		LimitPrice:    decimalPtr(o.LimitPrice),
		StopPrice:     decimalPtr(o.StopPrice),
	}
	if o.SLPrice != 0 || o.TPPrice != 0 {
		req.OrderClass = alpaca.OTO
		if o.SLPrice != 0 && o.TPPrice != 0 {
			req.OrderClass = alpaca.Bracket
		}
		if o.TPPrice != 0 {
			req.TakeProfit = &alpaca.TakeProfit{LimitPrice: decimalPtr(o.TPPrice)}
		}
		if o.SLPrice != 0 {
			req.StopLoss = &alpaca.StopLoss{StopPrice: decimalPtr(o.SLPrice)}
		}
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return engine.Rejected(classify("PlaceOrder", err), nil)
	}
	b.mu.Lock()
	b.orders[placed.ClientOrderID] = *placed
	b.roles[placed.ClientOrderID] = o.Role
	b.mu.Unlock()
	o.Raw = *placed
	return engine.Accepted(*placed)
}

// UpdateOrder replaces the open order behind o with its new prices.
func (b *AlpacaBroker) UpdateOrder(ctx context.Context, o *engine.Order) *engine.Result {
	cur, ok := b.lookup(o)
	if !ok {
		return engine.Rejected(fmt.Errorf("alpaca: order %s is not open", o.ID), nil)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return engine.Rejected(err, nil)
	}
	newID := uuid.NewString()
	replaced, err := b.client.ReplaceOrder(cur.ID, alpaca.ReplaceOrderRequest{
		LimitPrice:    decimalPtr(o.LimitPrice),
		StopPrice:     decimalPtr(o.StopPrice),
		ClientOrderID: newID,
	})
	if err != nil {
		return engine.Rejected(classify("ReplaceOrder", err), nil)
	}
	b.mu.Lock()
	delete(b.orders, cur.ClientOrderID)
	b.orders[replaced.ClientOrderID] = *replaced
	b.roles[replaced.ClientOrderID] = o.Role
	b.aliases[replaced.ClientOrderID] = o.ID
	b.mu.Unlock()
	return engine.Accepted(*replaced)
}

// CancelOrder cancels the open order behind o.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, o *engine.Order) *engine.Result {
	cur, ok := b.lookup(o)
	if !ok {
		return engine.Rejected(fmt.Errorf("alpaca: order %s is not open", o.ID), nil)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return engine.Rejected(err, nil)
	}
	if err := b.client.CancelOrder(cur.ID); err != nil {
		return engine.Rejected(classify("CancelOrder", err), nil)
	}
	return engine.Accepted(cur)
}

// ClosePosition liquidates the symbol of p at market.
func (b *AlpacaBroker) ClosePosition(ctx context.Context, p *engine.Position) *engine.Result {
	if err := b.limiter.Wait(ctx); err != nil {
		return engine.Rejected(err, nil)
	}
	order, err := b.client.ClosePosition(p.Symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return engine.Rejected(classify("ClosePosition", err), nil)
	}
	return engine.Accepted(*order)
}

// lookup finds the current provider order for an engine order, following
// replacements.
func (b *AlpacaBroker) lookup(o *engine.Order) (alpaca.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for clientID, ao := range b.orders {
		if clientID == o.ID || b.aliases[clientID] == o.ID {
			return ao, true
		}
	}
	if ao, ok := o.Raw.(alpaca.Order); ok && ao.ID != "" {
		return ao, true
	}
	return alpaca.Order{}, false
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

// Poll diffs the broker's open orders and positions against the previous
// poll. Orders that left the open set are fetched once more for their final
// status; positions that left are reported closed with their last state.
func (b *AlpacaBroker) Poll(ctx context.Context) (*engine.Delta, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classify("GetPositions", err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	open, err := b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Nested: true, Limit: 500})
	if err != nil {
		return nil, classify("GetOrders", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := &engine.Delta{}
	prevIDs := make(map[string]string, len(b.positionIDs))
	for sym, id := range b.positionIDs {
		prevIDs[sym] = id
	}

	seenPos := make(map[string]bool, len(positions))
	for _, ap := range positions {
		seenPos[ap.Symbol] = true
		prev, known := b.positions[ap.Symbol]
		if !known {
			b.epoch++
			b.positionIDs[ap.Symbol] = fmt.Sprintf("%s#%d", ap.Symbol, b.epoch)
		}
		if !known || !prev.Qty.Equal(ap.Qty) || !prev.AvgEntryPrice.Equal(ap.AvgEntryPrice) {
			delta.Positions = append(delta.Positions, PositionRecord{Position: ap, ID: b.positionIDs[ap.Symbol]})
		}
		b.positions[ap.Symbol] = ap
	}
	for sym, ap := range b.positions {
		if seenPos[sym] {
			continue
		}
		delta.ClosedPositions = append(delta.ClosedPositions, PositionRecord{Position: ap, ID: prevIDs[sym]})
		delete(b.positions, sym)
		delete(b.positionIDs, sym)
	}

	positionOf := func(symbol string) string {
		if id, ok := b.positionIDs[symbol]; ok {
			return id
		}
		return prevIDs[symbol]
	}

	seen := make(map[string]bool)
	for _, ao := range flatten(open) {
		rec := b.record(ao.order, ao.role, positionOf(ao.order.Symbol))
		seen[ao.order.ClientOrderID] = true
		prev, known := b.orders[ao.order.ClientOrderID]
		if !known || !prev.UpdatedAt.Equal(ao.order.UpdatedAt) || prev.Status != ao.order.Status {
			delta.Orders = append(delta.Orders, rec)
		}
		b.orders[ao.order.ClientOrderID] = ao.order
		b.roles[ao.order.ClientOrderID] = ao.role
	}
	for clientID, ao := range b.orders {
		if seen[clientID] {
			continue
		}
		final, err := b.client.GetOrder(ao.ID)
		if err != nil {
			return nil, classify("GetOrder", err)
		}
		role := b.roles[clientID]
		delete(b.orders, clientID)
		delete(b.roles, clientID)
		if final.Status == "replaced" {
			continue
		}
		delta.ClosedOrders = append(delta.ClosedOrders, b.record(*final, role, positionOf(final.Symbol)))
	}
	return delta, nil
}

func (b *AlpacaBroker) record(ao alpaca.Order, role engine.Role, positionID string) OrderRecord {
	id := ao.ClientOrderID
	if alias, ok := b.aliases[id]; ok {
		id = alias
	}
	return OrderRecord{Order: ao, Role: role, PositionID: positionID, ID: id}
}

type leg struct {
	order alpaca.Order
	role  engine.Role
}

// flatten lists parents followed by their legs.
func flatten(orders []alpaca.Order) []leg {
	var out []leg
	for _, ao := range orders {
		out = append(out, leg{order: ao, role: engine.RoleEntry})
		for _, l := range ao.Legs {
			out = append(out, leg{order: l, role: legRole(l)})
		}
	}
	return out
}

func legRole(ao alpaca.Order) engine.Role {
	if ao.Type == alpaca.Limit {
		return engine.RoleTakeProfit
	}
	return engine.RoleStopLoss
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

// OrderFromRaw maps an OrderRecord to an engine order.
func (b *AlpacaBroker) OrderFromRaw(raw any) (*engine.Order, error) {
	rec, ok := raw.(OrderRecord)
	if !ok {
		return nil, fmt.Errorf("alpaca: unexpected order record %T", raw)
	}
	ao := rec.Order
	size := 0.0
	if ao.Qty != nil {
		size = ao.Qty.InexactFloat64()
	}
	if ao.Side == alpaca.Sell {
		size = -size
	}
	o := &engine.Order{
		ID:         rec.ID,
		Symbol:     strings.ToUpper(ao.Symbol),
		Size:       size,
		Type:       orderType(ao.Type),
		LimitPrice: floatOf(ao.LimitPrice),
		StopPrice:  floatOf(ao.StopPrice),
		State:      orderState(ao.Status),
		PlacedAt:   ao.SubmittedAt,
		PositionID: rec.PositionID,
		Role:       rec.Role,
		Raw:        ao,
	}
	if ao.FilledAt != nil {
		o.FilledAt = *ao.FilledAt
	}
	o.FilledPrice = floatOf(ao.FilledAvgPrice)
	return o, nil
}

// PositionFromRaw maps a PositionRecord to an engine position.
func (b *AlpacaBroker) PositionFromRaw(raw any) (*engine.Position, error) {
	rec, ok := raw.(PositionRecord)
	if !ok {
		return nil, fmt.Errorf("alpaca: unexpected position record %T", raw)
	}
	ap := rec.Position
	size := ap.Qty.InexactFloat64()
	if ap.Side == "short" && size > 0 {
		size = -size
	}
	return &engine.Position{
		ID:         rec.ID,
		Symbol:     strings.ToUpper(ap.Symbol),
		Size:       size,
		EntryPrice: ap.AvgEntryPrice.InexactFloat64(),
		ExitPrice:  floatOf(ap.CurrentPrice),
		State:      domain.PositionStateOpen,
		Raw:        ap,
	}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func alpacaSide(size float64) alpaca.Side {
	if size < 0 {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return alpaca.Limit
	case domain.OrderTypeStop:
		return alpaca.Stop
	case domain.OrderTypeStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

func orderType(t alpaca.OrderType) domain.OrderType {
	switch t {
	case alpaca.Limit:
		return domain.OrderTypeLimit
	case alpaca.Stop:
		return domain.OrderTypeStop
	case alpaca.StopLimit:
		return domain.OrderTypeStopLimit
	default:
		return domain.OrderTypeMarket
	}
}

// orderState maps Alpaca order statuses onto the engine lifecycle.
func orderState(status string) domain.OrderState {
	switch status {
	case "partially_filled":
		return domain.OrderStatePartial
	case "filled":
		return domain.OrderStateFilled
	case "canceled", "expired", "rejected", "suspended", "replaced", "done_for_day":
		return domain.OrderStateCanceled
	default:
		// new, accepted, pending_new, held, pending_cancel, pending_replace,
		// accepted_for_bidding, calculated, stopped
		return domain.OrderStatePlaced
	}
}

func decimalPtr(v float64) *decimal.Decimal {
	if v == 0 {
		return nil
	}
	d := decimal.NewFromFloat(v)
	return &d
}

func floatOf(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

// classify wraps an API error, marking rate limiting and server errors as
// transient so callers retry them.
func classify(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 429 || apiErr.StatusCode >= 500) {
		return util.MarkTransient(err)
	}
	return err
}
