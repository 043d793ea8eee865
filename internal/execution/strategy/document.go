// Package strategy implements the Strategy Service:
// hot-reloading, validating, compiling, and serving the active
// `strategy.json` document.
package strategy

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cryptonhq/crypton/internal/execution/dsl"
	"github.com/cryptonhq/crypton/internal/platform/domain"
)

// Document is the parsed strategy.json contract.
type Document struct {
	Mode              domain.Mode    `json:"mode"`
	ValidityWindow    time.Time      `json:"validity_window"`
	Posture           domain.Posture `json:"posture"`
	PostureRationale  string         `json:"posture_rationale"`
	PortfolioRisk     PortfolioRisk  `json:"portfolio_risk"`
	Positions         []PositionSpec `json:"positions"`
	StrategyRationale string         `json:"strategy_rationale"`
}

// PortfolioRisk is the strategy.json contract's portfolio_risk object.
type PortfolioRisk struct {
	MaxDrawdownPct      float64  `json:"max_drawdown_pct"`
	DailyLossLimitUSD   float64  `json:"daily_loss_limit_usd"`
	MaxTotalExposurePct float64  `json:"max_total_exposure_pct"`
	MaxPerPositionPct   float64  `json:"max_per_position_pct"`
	SafeModeTriggers    []string `json:"safe_mode_triggers"`
}

// EntryType is the position's entry mechanism.
type EntryType string

const (
	EntryMarket      EntryType = "market"
	EntryLimit       EntryType = "limit"
	EntryConditional EntryType = "conditional"
)

// StopType is the exit's stop-loss mechanism.
type StopType string

const (
	StopHard     StopType = "hard"
	StopTrailing StopType = "trailing"
)

// TakeProfitTarget is one scaled take-profit level.
type TakeProfitTarget struct {
	Price    float64 `json:"price"`
	ClosePct float64 `json:"close_pct"`
}

// StopLoss describes the position's stop-loss configuration.
type StopLoss struct {
	Type     StopType `json:"type"`
	Price    float64  `json:"price,omitempty"`
	TrailPct float64  `json:"trail_pct,omitempty"`
}

// PositionSpec is one entry in strategy.json's positions array.
type PositionSpec struct {
	ID                    string             `json:"id"`
	Asset                 domain.Asset       `json:"asset"`
	Direction             domain.Direction   `json:"direction"`
	AllocationPct         float64            `json:"allocation_pct"`
	EntryType             EntryType          `json:"entry_type"`
	EntryCondition        string             `json:"entry_condition,omitempty"`
	EntryLimitPrice       float64            `json:"entry_limit_price,omitempty"`
	TriggerMode           string             `json:"trigger_mode,omitempty"` // "fresh_crossing" | "immediate"
	TakeProfitTargets     []TakeProfitTarget `json:"take_profit_targets,omitempty"`
	StopLoss              StopLoss           `json:"stop_loss"`
	TimeExitUTC           *time.Time         `json:"time_exit_utc,omitempty"`
	InvalidationCondition string             `json:"invalidation_condition,omitempty"`
}

// Validate applies the full strategy.json contract checks. Validation
// failures are non-retryable: the caller must reject the document and
// keep the prior strategy active.
func (d *Document) Validate(now time.Time) error {
	if d.Mode != domain.ModePaper && d.Mode != domain.ModeLive {
		return fmt.Errorf("strategy: invalid mode %q", d.Mode)
	}
	if !d.ValidityWindow.After(now) {
		return fmt.Errorf("strategy: validity_window %s is not after now", d.ValidityWindow)
	}
	switch d.Posture {
	case domain.PostureAggressive, domain.PostureModerate, domain.PostureDefensive, domain.PostureFlat, domain.PostureExitAll:
	default:
		return fmt.Errorf("strategy: invalid posture %q", d.Posture)
	}
	if d.PortfolioRisk.MaxDrawdownPct <= 0 || d.PortfolioRisk.MaxDrawdownPct > 1 {
		return fmt.Errorf("strategy: max_drawdown_pct out of (0,1]")
	}
	if d.PortfolioRisk.DailyLossLimitUSD < 0 {
		return fmt.Errorf("strategy: daily_loss_limit_usd must be >= 0")
	}
	if d.PortfolioRisk.MaxTotalExposurePct <= 0 || d.PortfolioRisk.MaxTotalExposurePct > 1 {
		return fmt.Errorf("strategy: max_total_exposure_pct out of (0,1]")
	}
	if d.PortfolioRisk.MaxPerPositionPct <= 0 || d.PortfolioRisk.MaxPerPositionPct > 1 {
		return fmt.Errorf("strategy: max_per_position_pct out of (0,1]")
	}

	seen := make(map[string]bool)
	for _, pos := range d.Positions {
		if seen[pos.ID] {
			return fmt.Errorf("strategy: duplicate position id %q", pos.ID)
		}
		seen[pos.ID] = true
		if err := pos.validate(); err != nil {
			return fmt.Errorf("strategy: position %q: %w", pos.ID, err)
		}
	}
	return nil
}

func (p *PositionSpec) validate() error {
	if p.Direction != domain.DirectionLong && p.Direction != domain.DirectionShort {
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.AllocationPct <= 0 || p.AllocationPct > 1 {
		return fmt.Errorf("allocation_pct out of (0,1]")
	}
	switch p.EntryType {
	case EntryMarket:
	case EntryLimit:
		if p.EntryLimitPrice <= 0 {
			return fmt.Errorf("entry_limit_price required for limit entry")
		}
	case EntryConditional:
		if p.EntryCondition == "" {
			return fmt.Errorf("entry_condition required for conditional entry")
		}
		if _, err := dsl.Compile(p.EntryCondition); err != nil {
			return fmt.Errorf("entry_condition: %w", err)
		}
	default:
		return fmt.Errorf("invalid entry_type %q", p.EntryType)
	}

	var sumClosePct float64
	for _, tgt := range p.TakeProfitTargets {
		sumClosePct += tgt.ClosePct
	}
	if sumClosePct > 1.0000001 {
		return fmt.Errorf("take_profit_targets close_pct sums to %.6f, must be <= 1", sumClosePct)
	}

	switch p.StopLoss.Type {
	case StopHard:
		if p.StopLoss.Price <= 0 {
			return fmt.Errorf("stop_loss.price required for hard stop")
		}
	case StopTrailing:
		if p.StopLoss.TrailPct <= 0 {
			return fmt.Errorf("stop_loss.trail_pct required for trailing stop")
		}
	default:
		return fmt.Errorf("invalid stop_loss.type %q", p.StopLoss.Type)
	}

	if p.InvalidationCondition != "" {
		if _, err := dsl.Compile(p.InvalidationCondition); err != nil {
			return fmt.Errorf("invalidation_condition: %w", err)
		}
	}
	return nil
}

// CompiledPosition pairs a PositionSpec with its compiled DSL trees.
type CompiledPosition struct {
	Spec                  PositionSpec
	EntryCondition        dsl.Node
	InvalidationCondition dsl.Node
}

// Compiled pairs a Document with its compiled positions, one-to-one
// with the Document's content-derived id.
type Compiled struct {
	ID        string
	Document  *Document
	Positions []CompiledPosition
}

// Compile validates doc and compiles each position's DSL expressions
// exactly once, at load.
func Compile(doc *Document, id string, now time.Time) (*Compiled, error) {
	if err := doc.Validate(now); err != nil {
		return nil, err
	}
	compiled := &Compiled{ID: id, Document: doc}
	for _, pos := range doc.Positions {
		cp := CompiledPosition{Spec: pos}
		if pos.EntryType == EntryConditional {
			node, err := dsl.Compile(pos.EntryCondition)
			if err != nil {
				return nil, fmt.Errorf("strategy: compile entry_condition for %q: %w", pos.ID, err)
			}
			cp.EntryCondition = node
		}
		if pos.InvalidationCondition != "" {
			node, err := dsl.Compile(pos.InvalidationCondition)
			if err != nil {
				return nil, fmt.Errorf("strategy: compile invalidation_condition for %q: %w", pos.ID, err)
			}
			cp.InvalidationCondition = node
		}
		compiled.Positions = append(compiled.Positions, cp)
	}
	return compiled, nil
}

// IndicatorPeriods returns every indicator period referenced by any
// position's entry or invalidation condition, deduplicated and sorted.
// The Market Data Hub is fed this on strategy load so it computes
// indicator series for exactly the periods the strategy uses.
func (c *Compiled) IndicatorPeriods() []int {
	seen := make(map[int]bool)
	for _, cp := range c.Positions {
		for _, node := range []dsl.Node{cp.EntryCondition, cp.InvalidationCondition} {
			if node == nil {
				continue
			}
			for _, p := range dsl.IndicatorPeriods(node) {
				seen[p] = true
			}
		}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// ParseDocument unmarshals raw JSON into a Document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("strategy: parse json: %w", err)
	}
	return &doc, nil
}
