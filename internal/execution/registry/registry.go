// Package registry implements the Position Registry: the
// authoritative, single-mutex-serialized store of open positions and
// closed trades, persisted via write-temp-then-rename inside the lock.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/atomicio"
	"github.com/cryptonhq/crypton/internal/platform/domain"
)

// Origin classifies how a position entered the registry.
type Origin string

const (
	OriginStrategy   Origin = "strategy"
	OriginReconciled Origin = "reconciled"
	OriginExternal   Origin = "external"
)

// OpenPosition is one open position as the registry tracks it.
// EntryCommission is the accumulated commission paid on entry fills,
// consumed proportionally into realized P&L as the position closes.
type OpenPosition struct {
	ID                 string           `json:"id"`
	StrategyPositionID string           `json:"strategyPositionId"`
	StrategyID         string           `json:"strategyId"`
	Asset              domain.Asset     `json:"asset"`
	Direction          domain.Direction `json:"direction"`
	Qty                float64          `json:"qty"`
	AvgEntry           float64          `json:"avgEntry"`
	EntryCommission    float64          `json:"entryCommission"`
	TrailingStopPrice  *float64         `json:"trailingStopPrice,omitempty"`
	TargetsHit         map[int]bool     `json:"targetsHit"`
	UnrealizedPnl      float64          `json:"unrealizedPnl"`
	Origin             Origin           `json:"origin"`

	fillQtySum   float64 // Σ fillQty, used to recompute avgEntry incrementally
	fillNotional float64 // Σ fillQty·fillPx
}

// ClosedTrade records one position close, immutable once recorded.
type ClosedTrade struct {
	PositionID  string    `json:"positionId"`
	QtyClosed   float64   `json:"qtyClosed"`
	RealizedPnl float64   `json:"realizedPnl"`
	CloseReason string    `json:"closeReason"`
	ClosedAt    time.Time `json:"closedAt"`
}

type positionsFile struct {
	Positions map[string]*OpenPosition `json:"positions"`
}

type tradesFile struct {
	Trades []ClosedTrade `json:"trades"`
}

// Registry is the single-mutex-serialized authoritative store.
type Registry struct {
	mu            sync.Mutex
	positionsPath string
	tradesPath    string

	positions map[string]*OpenPosition
	trades    []ClosedTrade
}

// New constructs a Registry, loading any persisted state from disk.
// A corrupt state file is treated as missing with a warning.
func New(positionsPath, tradesPath string) (*Registry, bool) {
	r := &Registry{
		positionsPath: positionsPath,
		tradesPath:    tradesPath,
		positions:     make(map[string]*OpenPosition),
	}
	corrupt := false
	if raw, err := atomicio.ReadFile(positionsPath); err == nil {
		var pf positionsFile
		if err := json.Unmarshal(raw, &pf); err != nil {
			corrupt = true
		} else if pf.Positions != nil {
			r.positions = pf.Positions
		}
	}
	if raw, err := atomicio.ReadFile(tradesPath); err == nil {
		var tf tradesFile
		if err := json.Unmarshal(raw, &tf); err != nil {
			corrupt = true
		} else {
			r.trades = tf.Trades
		}
	}
	return r, corrupt
}

// OpenPositions returns a snapshot of all open positions.
func (r *Registry) OpenPositions() []OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OpenPosition, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	return out
}

// Get returns a copy of the position with the given strategyPositionId,
// or false if none is open.
func (r *Registry) Get(strategyPositionID string) (OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[strategyPositionID]
	if !ok {
		return OpenPosition{}, false
	}
	return *p, true
}

// ClosedTrades returns a snapshot of all recorded closed trades.
func (r *Registry) ClosedTrades() []ClosedTrade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClosedTrade, len(r.trades))
	copy(out, r.trades)
	return out
}

// ApplyFill creates or augments an OpenPosition on an entry fill, or
// reduces/closes one on an exit fill, recomputing avgEntry as
// (Σ fillQty·fillPx)/Σ fillQty. commission is the adapter's charge on
// this fill, deducted from proceeds: entry commission accrues on the
// position and is consumed proportionally as it closes, exit commission
// comes straight off the trade's realized P&L. isEntry distinguishes
// direction of quantity change; closeReason is only used when the
// position fully closes.
func (r *Registry) ApplyFill(strategyPositionID, strategyID string, asset domain.Asset, direction domain.Direction, isEntry bool, fillQty, fillPrice, commission float64, origin Origin, closeReason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isEntry {
		p, ok := r.positions[strategyPositionID]
		if !ok {
			p = &OpenPosition{
				ID:                 strategyPositionID,
				StrategyPositionID: strategyPositionID,
				StrategyID:         strategyID,
				Asset:              asset,
				Direction:          direction,
				TargetsHit:         map[int]bool{},
				Origin:             origin,
			}
			r.positions[strategyPositionID] = p
		}
		p.fillQtySum += fillQty
		p.fillNotional += fillQty * fillPrice
		p.Qty = p.fillQtySum
		if p.fillQtySum > 0 {
			p.AvgEntry = p.fillNotional / p.fillQtySum
		}
		p.EntryCommission += commission
		return r.persistLocked()
	}

	p, ok := r.positions[strategyPositionID]
	if !ok {
		return fmt.Errorf("registry: exit fill for unknown position %q", strategyPositionID)
	}
	var entryShare float64
	if p.Qty > 0 {
		entryShare = p.EntryCommission * (fillQty / p.Qty)
		if entryShare > p.EntryCommission {
			entryShare = p.EntryCommission
		}
	}
	p.EntryCommission -= entryShare
	p.Qty -= fillQty
	realized := realizedPnlForExit(p.Direction, p.AvgEntry, fillPrice, fillQty) - entryShare - commission
	r.trades = append(r.trades, ClosedTrade{
		PositionID:  p.ID,
		QtyClosed:   fillQty,
		RealizedPnl: realized,
		CloseReason: closeReason,
		ClosedAt:    now,
	})
	if p.Qty <= 1e-12 {
		delete(r.positions, strategyPositionID)
	}
	return r.persistLocked()
}

func realizedPnlForExit(direction domain.Direction, avgEntry, exitPrice, qty float64) float64 {
	if direction == domain.DirectionShort {
		return (avgEntry - exitPrice) * qty
	}
	return (exitPrice - avgEntry) * qty
}

// UpdateUnrealized sets the unrealized P&L for an open position from
// the current mark price.
func (r *Registry) UpdateUnrealized(strategyPositionID string, markPrice float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[strategyPositionID]
	if !ok {
		return fmt.Errorf("registry: update unrealized for unknown position %q", strategyPositionID)
	}
	if p.Direction == domain.DirectionShort {
		p.UnrealizedPnl = (p.AvgEntry - markPrice) * p.Qty
	} else {
		p.UnrealizedPnl = (markPrice - p.AvgEntry) * p.Qty
	}
	return r.persistLocked()
}

// UpdateTrailingStop sets the position's trailing stop, under the
// registry lock.
func (r *Registry) UpdateTrailingStop(strategyPositionID string, price float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[strategyPositionID]
	if !ok {
		return fmt.Errorf("registry: update trailing stop for unknown position %q", strategyPositionID)
	}
	p.TrailingStopPrice = &price
	return r.persistLocked()
}

// MarkTargetHit records that take-profit target index was acknowledged.
// A target is only marked hit once its close order is acknowledged, so
// it can never double-fire.
func (r *Registry) MarkTargetHit(strategyPositionID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[strategyPositionID]
	if !ok {
		return fmt.Errorf("registry: mark target hit for unknown position %q", strategyPositionID)
	}
	p.TargetsHit[index] = true
	return r.persistLocked()
}

// AddReconciled inserts a position discovered on the exchange but
// absent from the registry, with origin=reconciled.
func (r *Registry) AddReconciled(p OpenPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Origin = OriginReconciled
	if p.TargetsHit == nil {
		p.TargetsHit = map[int]bool{}
	}
	cp := p
	cp.fillQtySum = p.Qty
	cp.fillNotional = p.Qty * p.AvgEntry
	r.positions[p.StrategyPositionID] = &cp
	return r.persistLocked()
}

// CloseMissing closes a registry position absent from the exchange,
// with reason "reconciled_missing".
func (r *Registry) CloseMissing(strategyPositionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[strategyPositionID]
	if !ok {
		return nil
	}
	r.trades = append(r.trades, ClosedTrade{
		PositionID:  p.ID,
		QtyClosed:   p.Qty,
		RealizedPnl: 0,
		CloseReason: "reconciled_missing",
		ClosedAt:    now,
	})
	delete(r.positions, strategyPositionID)
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	posRaw, err := json.Marshal(positionsFile{Positions: r.positions})
	if err != nil {
		return fmt.Errorf("registry: marshal positions: %w", err)
	}
	if err := atomicio.WriteFile(r.positionsPath, posRaw, 0o644); err != nil {
		return fmt.Errorf("registry: persist positions: %w", err)
	}

	tradesRaw, err := json.Marshal(tradesFile{Trades: r.trades})
	if err != nil {
		return fmt.Errorf("registry: marshal trades: %w", err)
	}
	if err := atomicio.WriteFile(r.tradesPath, tradesRaw, 0o644); err != nil {
		return fmt.Errorf("registry: persist trades: %w", err)
	}
	return nil
}
