// Package sizer implements the Position Sizer: lot-
// rounded, capital- and per-position-pct-capped quantity computation.
package sizer

import "math"

// SkipReason names why a size computation produced no order.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipNoCapital       SkipReason = "no_available_capital"
	SkipBelowMinimumLot SkipReason = "below_minimum_lot_size"
)

// Config tunes the sizer with the exchange's lot and minimum-size rules
// for one asset.
type Config struct {
	LotIncrement float64
	MinimumLot   float64
}

// Size applies the sizing formula:
//
//	qty = floor( (availableCapital * min(allocationPct, maxPerPositionPct)) / price / lotIncrement ) * lotIncrement
func Size(availableCapital, allocationPct, maxPerPositionPct, price float64, cfg Config) (qty float64, reason SkipReason) {
	if availableCapital <= 0 {
		return 0, SkipNoCapital
	}
	pct := allocationPct
	if maxPerPositionPct < pct {
		pct = maxPerPositionPct
	}
	if cfg.LotIncrement <= 0 {
		cfg.LotIncrement = 1
	}
	raw := (availableCapital * pct) / price
	lots := math.Floor(raw / cfg.LotIncrement)
	qty = lots * cfg.LotIncrement
	if qty < cfg.MinimumLot {
		return 0, SkipBelowMinimumLot
	}
	return qty, SkipNone
}
