package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/google/uuid"
)

// MarketDataSource supplies the paper adapter with the latest bid/ask
// for an asset so its fills can be computed against real prices even
// though no order actually reaches an exchange. The Market Data Hub
// implements this.
type MarketDataSource interface {
	Latest(asset domain.Asset) (bid, ask float64, ok bool)
}

// PaperConfig tunes the simulated fill model.
type PaperConfig struct {
	SlippagePct    float64
	CommissionRate float64
}

// pendingLimit tracks a resting limit order waiting for the live price
// to reach its level.
type pendingLimit struct {
	req   OrderRequest
	id    string
	asset domain.Asset
}

// Paper is the paper-trading Adapter: market orders fill immediately
// against the Market Data Hub's latest snapshot with slippage and
// commission applied; limit orders fill on the first tick the price
// reaches the limit. No order ever leaves the process; fills are
// simulated against the live snapshot so paper and live trading share
// identical evaluation paths upstream.
type Paper struct {
	mu      sync.Mutex
	data    MarketDataSource
	cfg     PaperConfig
	orders  map[string]*Ack
	pending []pendingLimit
	trades  []Trade
}

// NewPaper constructs a Paper adapter reading prices from data.
func NewPaper(data MarketDataSource, cfg PaperConfig) *Paper {
	return &Paper{data: data, cfg: cfg, orders: make(map[string]*Ack)}
}

// OnTick re-checks resting limit orders against the latest price,
// filling any that have reached their level. Callers should invoke this
// once per Market Data Hub tick for the paper adapter to behave like a
// live exchange that fills resting orders asynchronously.
func (p *Paper) OnTick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var remaining []pendingLimit
	for _, pl := range p.pending {
		bid, ask, ok := p.data.Latest(pl.asset)
		if !ok {
			remaining = append(remaining, pl)
			continue
		}
		reached := false
		if pl.req.Side == domain.SideBuy && bid <= pl.req.LimitPrice {
			reached = true
		}
		if pl.req.Side == domain.SideSell && ask >= pl.req.LimitPrice {
			reached = true
		}
		if !reached {
			remaining = append(remaining, pl)
			continue
		}
		p.fill(pl.id, pl.asset, pl.req.Side, pl.req.Qty, pl.req.LimitPrice)
	}
	p.pending = remaining
}

func (p *Paper) fill(id string, asset domain.Asset, side domain.Side, qty, price float64) {
	commission := qty * price * p.cfg.CommissionRate
	p.orders[id] = &Ack{ExchangeOrderID: id, Status: StatusFilled, FilledQty: qty, AvgFill: price, Commission: commission}
	p.trades = append(p.trades, Trade{Asset: asset, Side: side, Qty: qty, Price: price, Commission: commission, Timestamp: time.Now().UTC()})
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()

	bid, ask, ok := p.data.Latest(req.Asset)
	if !ok {
		ack := Ack{Status: StatusRejected, RejectReason: "no_market_data"}
		return ack, fmt.Errorf("paper: no_market_data for %s", req.Asset)
	}
	mid := (bid + ask) / 2

	switch req.Type {
	case OrderLimit:
		reached := (req.Side == domain.SideBuy && bid <= req.LimitPrice) || (req.Side == domain.SideSell && ask >= req.LimitPrice)
		if reached {
			p.fill(id, req.Asset, req.Side, req.Qty, req.LimitPrice)
		} else {
			p.orders[id] = &Ack{ExchangeOrderID: id, Status: StatusOpen}
			p.pending = append(p.pending, pendingLimit{req: req, id: id, asset: req.Asset})
		}
	default: // Market, Conditional (conditional entries dispatch as market once triggered)
		var fillPrice float64
		if req.Side == domain.SideBuy {
			fillPrice = mid * (1 + p.cfg.SlippagePct)
		} else {
			fillPrice = mid * (1 - p.cfg.SlippagePct)
		}
		p.fill(id, req.Asset, req.Side, req.Qty, fillPrice)
	}

	ack := *p.orders[id]
	return ack, nil
}

func (p *Paper) CancelOrder(ctx context.Context, exchangeOrderID string) (CancelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pl := range p.pending {
		if pl.id == exchangeOrderID {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.orders[exchangeOrderID] = &Ack{ExchangeOrderID: exchangeOrderID, Status: StatusCancelled}
			return CancelResult{Cancelled: true}, nil
		}
	}
	return CancelResult{Cancelled: false, Reason: "not_found_or_already_terminal"}, nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderStatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ack, ok := p.orders[exchangeOrderID]
	if !ok {
		return OrderStatusResult{}, fmt.Errorf("paper: unknown order %s", exchangeOrderID)
	}
	return OrderStatusResult{ExchangeOrderID: ack.ExchangeOrderID, Status: ack.Status, FilledQty: ack.FilledQty, AvgFill: ack.AvgFill}, nil
}

func (p *Paper) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	return []Balance{{Currency: "USD", Available: 0, Total: 0}}, nil
}

func (p *Paper) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	return nil, nil // the paper adapter has no exchange-side state beyond simulated fills; the registry is authoritative
}

func (p *Paper) GetTradeHistory(ctx context.Context, since time.Time) ([]Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Trade
	for _, t := range p.trades {
		if t.Timestamp.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *Paper) SubscribeMarketData(ctx context.Context, assets []domain.Asset, cb TickCallback) (func(), error) {
	return func() {}, nil // the paper adapter rides the same Hub feed as the live adapter; it has nothing of its own to subscribe to
}

func (p *Paper) IsRateLimited() bool           { return false }
func (p *Paper) RateLimitResumesAt() time.Time { return time.Time{} }
