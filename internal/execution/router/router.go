// Package router implements the Order Router: dedup by
// strategyPositionId, dispatch through the exchange adapter, and fold
// fills back into the Position Registry.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/adapter"
	"github.com/cryptonhq/crypton/internal/execution/registry"
	"github.com/cryptonhq/crypton/internal/platform/domain"
	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FailureTracker is the Resilience subsystem's dispatch-failure
// counter; the router increments it on send failure and resets it on
// success, without owning Safe Mode activation itself.
type FailureTracker interface {
	RecordFailure()
	RecordSuccess()
}

// OrderRecord tracks one dispatched order's lifecycle.
type OrderRecord struct {
	InternalID         string
	Asset              domain.Asset
	Side               domain.Side
	Type               adapter.OrderType
	Qty                float64
	LimitPrice         float64
	Status             adapter.OrderStatus
	FilledQty          float64
	AvgFill            float64
	StrategyPositionID string
	ExchangeOrderID    string
}

// Router is the Order Router. exitsWaiting counts exit dispatches held
// up by an adapter rate-limit window; entries yield to them once the
// window clears.
type Router struct {
	log zerolog.Logger
	adp *adapter.Router
	reg *registry.Registry
	bus *eventlog.Bus
	ft  FailureTracker

	exitsWaiting atomic.Int64

	mu     sync.Mutex
	orders map[string]*OrderRecord // internalId -> record
	active map[string]string       // strategyPositionId -> internalId, for dedup
}

// New constructs a Router.
func New(log zerolog.Logger, adp *adapter.Router, reg *registry.Registry, bus *eventlog.Bus, ft FailureTracker) *Router {
	return &Router{
		log:    log.With().Str("component", "order_router").Logger(),
		adp:    adp,
		reg:    reg,
		bus:    bus,
		ft:     ft,
		orders: make(map[string]*OrderRecord),
		active: make(map[string]string),
	}
}

// DispatchEntry places an entry order for strategyPositionId, skipping
// if an active order already exists for it.
func (r *Router) DispatchEntry(ctx context.Context, strategyID, strategyPositionID string, asset domain.Asset, direction domain.Direction, orderType adapter.OrderType, qty, limitPrice float64, now time.Time) (*OrderRecord, error) {
	side := domain.SideBuy
	if direction == domain.DirectionShort {
		side = domain.SideSell
	}
	return r.dispatch(ctx, strategyID, strategyPositionID, asset, direction, side, orderType, qty, limitPrice, true, "", now)
}

// DispatchExit places a reducing/closing order for strategyPositionId.
// closeReason is recorded on the registry once the fill completes.
func (r *Router) DispatchExit(ctx context.Context, strategyID, strategyPositionID string, asset domain.Asset, direction domain.Direction, qty float64, closeReason string, now time.Time) (*OrderRecord, error) {
	side := domain.SideSell
	if direction == domain.DirectionShort {
		side = domain.SideBuy
	}
	return r.dispatch(ctx, strategyID, strategyPositionID, asset, direction, side, adapter.OrderMarket, qty, 0, false, closeReason, now)
}

// HasActiveOrder reports whether strategyPositionId already has a
// non-terminal order outstanding.
func (r *Router) HasActiveOrder(strategyPositionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[strategyPositionID]
	return ok
}

func (r *Router) dispatch(ctx context.Context, strategyID, strategyPositionID string, asset domain.Asset, direction domain.Direction, side domain.Side, orderType adapter.OrderType, qty, limitPrice float64, isEntry bool, closeReason string, now time.Time) (*OrderRecord, error) {
	r.mu.Lock()
	if _, exists := r.active[strategyPositionID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("router: active order already exists for %q", strategyPositionID)
	}
	internalID := uuid.NewString()
	rec := &OrderRecord{
		InternalID:         internalID,
		Asset:              asset,
		Side:               side,
		Type:               orderType,
		Qty:                qty,
		LimitPrice:         limitPrice,
		Status:             adapter.StatusPending,
		StrategyPositionID: strategyPositionID,
	}
	r.orders[internalID] = rec
	r.active[strategyPositionID] = internalID
	r.mu.Unlock()

	// The adapter owns rate-limit back-off; the router only blocks on
	// its signal, letting queued exits dispatch before any entry once
	// the window clears.
	waitingExit := !isEntry && r.adp.IsRateLimited()
	if waitingExit {
		r.exitsWaiting.Add(1)
	}
	if err := r.awaitRateLimit(ctx, isEntry); err != nil {
		if waitingExit {
			r.exitsWaiting.Add(-1)
		}
		r.mu.Lock()
		rec.Status = adapter.StatusRejected
		delete(r.active, strategyPositionID)
		r.mu.Unlock()
		return rec, fmt.Errorf("router: cancelled while rate limited: %w", err)
	}

	r.bus.Publish(eventlog.Event{Timestamp: now, EventType: eventlog.EventOrderDispatched, Data: map[string]interface{}{
		"internalId": internalID, "asset": string(asset), "side": string(side), "qty": qty, "strategyPositionId": strategyPositionID,
	}})

	ack, err := r.adp.PlaceOrder(ctx, adapter.OrderRequest{Asset: asset, Side: side, Type: orderType, Qty: qty, LimitPrice: limitPrice, ClientRef: internalID})
	if waitingExit {
		r.exitsWaiting.Add(-1)
	}
	if err != nil {
		r.ft.RecordFailure()
		r.mu.Lock()
		rec.Status = adapter.StatusRejected
		delete(r.active, strategyPositionID)
		r.mu.Unlock()
		r.bus.Publish(eventlog.Event{Timestamp: time.Now().UTC(), EventType: eventlog.EventOrderRejected, Data: map[string]string{"internalId": internalID, "reason": err.Error()}})
		return rec, err
	}
	r.ft.RecordSuccess()

	r.mu.Lock()
	rec.ExchangeOrderID = ack.ExchangeOrderID
	rec.Status = ack.Status
	rec.FilledQty = ack.FilledQty
	rec.AvgFill = ack.AvgFill
	terminal := ack.Status == adapter.StatusFilled
	if terminal {
		delete(r.active, strategyPositionID)
	}
	r.mu.Unlock()

	if ack.FilledQty > 0 {
		if err := r.reg.ApplyFill(strategyPositionID, strategyID, asset, direction, isEntry, ack.FilledQty, ack.AvgFill, ack.Commission, registry.OriginStrategy, closeReason, now); err != nil {
			r.log.Error().Err(err).Str("strategyPositionId", strategyPositionID).Msg("apply fill to registry failed")
		}
		evType := eventlog.EventOrderFilled
		r.bus.Publish(eventlog.Event{Timestamp: now, EventType: evType, Data: map[string]interface{}{
			"internalId": internalID, "filledQty": ack.FilledQty, "avgFill": ack.AvgFill, "strategyPositionId": strategyPositionID,
		}})
	}

	return rec, nil
}

// awaitRateLimit blocks while the adapter reports an active rate-limit
// window. Exits wait only on the adapter itself; entries additionally
// wait until every exit queued during the window has dispatched.
func (r *Router) awaitRateLimit(ctx context.Context, isEntry bool) error {
	for {
		if !r.adp.IsRateLimited() && (!isEntry || r.exitsWaiting.Load() == 0) {
			return nil
		}
		wait := time.Until(r.adp.RateLimitResumesAt())
		if wait <= 0 {
			wait = 50 * time.Millisecond
		} else if wait > time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ReleaseActive clears the dedup entry for strategyPositionId, used when
// an order is discovered cancelled/rejected out of band (e.g. via
// GetOrderStatus polling) so a subsequent tick can retry.
func (r *Router) ReleaseActive(strategyPositionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, strategyPositionID)
}

// CloseAllAtMarket implements resilience.PositionCloser: it dispatches a
// market close for every currently open position, used by Safe Mode
// activation. Dispatch failures are logged and
// otherwise ignored — Safe Mode activation itself must not fail.
func (r *Router) CloseAllAtMarket() {
	for _, p := range r.reg.OpenPositions() {
		if r.HasActiveOrder(p.StrategyPositionID) {
			continue
		}
		if _, err := r.DispatchExit(context.Background(), p.StrategyID, p.StrategyPositionID, p.Asset, p.Direction, p.Qty, "safe_mode", time.Now().UTC()); err != nil {
			r.log.Error().Err(err).Str("positionId", p.StrategyPositionID).Msg("safe mode close-all dispatch failed")
		}
	}
}

// RecordExternalFill handles a fill callback for an internal id the
// router has no record of: logged, then recorded as
// externally-originated.
func (r *Router) RecordExternalFill(asset domain.Asset, direction domain.Direction, qty, price float64, now time.Time) {
	id := uuid.NewString()
	r.log.Warn().Str("asset", string(asset)).Msg("fill received for unknown internal id, recording as external")
	if err := r.reg.ApplyFill(id, "", asset, direction, true, qty, price, 0, registry.OriginExternal, "", now); err != nil {
		r.log.Error().Err(err).Msg("record external fill failed")
	}
}
