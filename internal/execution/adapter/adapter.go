// Package adapter defines the Exchange Adapter contract — a single
// exchange-agnostic interface covering portfolio, trading, and
// market-data operations, implemented by both the paper and live
// adapters — and routes between them at runtime based on the persisted
// operation mode.
package adapter

import (
	"context"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/domain"
)

// OrderRequest is what the router hands to an adapter to place an order.
type OrderRequest struct {
	Asset      domain.Asset
	Side       domain.Side
	Type       OrderType
	Qty        float64
	LimitPrice float64 // only meaningful when Type == Limit
	ClientRef  string  // router's internalId, echoed back for correlation
}

// OrderType is an order's execution style.
type OrderType string

const (
	OrderMarket      OrderType = "Market"
	OrderLimit       OrderType = "Limit"
	OrderConditional OrderType = "Conditional"
)

// OrderStatus is an order's lifecycle state. Adapters must only ever
// move a status forward.
type OrderStatus string

const (
	StatusPending         OrderStatus = "Pending"
	StatusOpen            OrderStatus = "Open"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// Ack is the adapter's synchronous response to PlaceOrder. Commission
// is the exchange's charge on the filled notional, deducted from the
// trade's proceeds by the registry.
type Ack struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       float64
	AvgFill         float64
	Commission      float64
	RejectReason    string
}

// OrderStatusResult is the adapter's answer to GetOrderStatus.
type OrderStatusResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       float64
	AvgFill         float64
}

// CancelResult is the adapter's answer to CancelOrder.
type CancelResult struct {
	Cancelled bool
	Reason    string
}

// Snapshot is a tick of live market data for one asset, fed to
// subscribers' callbacks.
type Snapshot struct {
	Asset     domain.Asset
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Balance is one currency's account balance.
type Balance struct {
	Currency  string
	Available float64
	Total     float64
}

// ExchangePosition is a position as the exchange itself reports it,
// used by reconciliation and distinct from the
// registry's own OpenPosition.
type ExchangePosition struct {
	Asset     domain.Asset
	Direction domain.Direction
	Qty       float64
	AvgEntry  float64
}

// Trade is one historical fill, used by GetTradeHistory.
type Trade struct {
	Asset      domain.Asset
	Side       domain.Side
	Qty        float64
	Price      float64
	Commission float64
	Timestamp  time.Time
}

// TickCallback receives one Snapshot per tick for a subscribed asset.
type TickCallback func(Snapshot)

// Adapter is the exchange capability set. Both the paper and live
// implementations satisfy it; the router selects between them based on
// the persisted operation mode. Rate-limit back-off is computed
// adapter-side; callers only ever see the two signal methods below.
type Adapter interface {
	SubscribeMarketData(ctx context.Context, assets []domain.Asset, cb TickCallback) (cancel func(), err error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (CancelResult, error)
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderStatusResult, error)
	GetAccountBalance(ctx context.Context) ([]Balance, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetTradeHistory(ctx context.Context, since time.Time) ([]Trade, error)

	// IsRateLimited and RateLimitResumesAt signal an active back-off
	// window. The Order Router blocks on them until the window clears,
	// dispatching queued exits ahead of entries; it never computes
	// back-off itself.
	IsRateLimited() bool
	RateLimitResumesAt() time.Time
}

// Router selects the active Adapter for the persisted operation mode.
// Its own interface is the same Adapter contract, so callers never see
// the distinction.
type Router struct {
	paper Adapter
	live  Adapter
	mode  func() domain.Mode
}

// NewRouter builds a Router that dispatches to paper or live based on
// modeFn's current return value, read fresh on every call so an
// operator's promote/demote takes effect without restarting.
func NewRouter(paper, live Adapter, modeFn func() domain.Mode) *Router {
	return &Router{paper: paper, live: live, mode: modeFn}
}

func (r *Router) active() Adapter {
	if r.mode() == domain.ModeLive && r.live != nil {
		return r.live
	}
	return r.paper
}

// SubscribeMarketData always prefers the live feed when one is
// configured: paper trading simulates fills, not prices, so the Hub
// rides real market data in both modes. Falls back to the paper adapter
// when no live adapter exists.
func (r *Router) SubscribeMarketData(ctx context.Context, assets []domain.Asset, cb TickCallback) (func(), error) {
	if r.live != nil {
		return r.live.SubscribeMarketData(ctx, assets, cb)
	}
	return r.paper.SubscribeMarketData(ctx, assets, cb)
}
func (r *Router) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	return r.active().PlaceOrder(ctx, req)
}
func (r *Router) CancelOrder(ctx context.Context, id string) (CancelResult, error) {
	return r.active().CancelOrder(ctx, id)
}
func (r *Router) GetOrderStatus(ctx context.Context, id string) (OrderStatusResult, error) {
	return r.active().GetOrderStatus(ctx, id)
}
func (r *Router) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	return r.active().GetAccountBalance(ctx)
}
func (r *Router) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	return r.active().GetOpenPositions(ctx)
}
func (r *Router) GetTradeHistory(ctx context.Context, since time.Time) ([]Trade, error) {
	return r.active().GetTradeHistory(ctx, since)
}
func (r *Router) IsRateLimited() bool           { return r.active().IsRateLimited() }
func (r *Router) RateLimitResumesAt() time.Time { return r.active().RateLimitResumesAt() }
