// Package engine implements the tier/phase stop-loss state machine: a pure,
// deterministic function over (record, price, now). It is the single
// canonical implementation; every consumer imports it rather than carrying
// its own copy.
package engine

import (
	"time"

	"trailStopBot/internal/domain"
)

// Decision is the outcome of one evaluation tick.
type Decision struct {
	ROE  float64 // leverage-normalized return, percent
	UPnL float64 // unrealized profit in quote units

	Breached     bool
	ShouldClose  bool
	CloseReason  domain.CloseReason
	TierChanged  bool
	PreviousTier int
	PhaseChanged bool
}

// Evaluate advances the position's runtime state for the given price and
// returns the tick decision. It mutates only the runtime block; the config
// block is read-only. Callers are responsible for persisting the record and
// executing any close decision.
func Evaluate(rec *domain.PositionRecord, price float64, now time.Time) Decision {
	d := Decision{PreviousTier: rec.CurrentTierIndex}

	seedRuntime(rec, now)
	updateHighWater(rec, price, now)

	d.ROE = rec.ROE(price)
	d.UPnL = rec.UnrealizedPnL(price)

	// Tier selection precedes floor math so a tier reached on this very
	// tick already protects with its own floor.
	if idx := highestTriggeredTier(rec, d.ROE); idx > rec.CurrentTierIndex {
		rec.CurrentTierIndex = idx
		d.TierChanged = true
	}
	if rec.CurrentTierIndex >= 0 && rec.Phase == domain.PhaseInitial {
		// Permanent: the phase never reverts even if ROE falls back.
		rec.Phase = domain.PhaseTiered
		d.PhaseChanged = true
	}

	var floor float64
	if rec.Phase == domain.PhaseTiered {
		floor = tieredFloor(rec)
	} else {
		floor = phaseOneFloor(rec)
	}
	applyFloor(rec, floor)

	d.Breached = isBreach(rec.Direction, price, rec.FloorPrice)
	required := breachesRequired(rec)
	if d.Breached {
		rec.CurrentBreachCount++
		if rec.CurrentBreachCount >= required {
			d.ShouldClose = true
			if rec.Phase == domain.PhaseTiered {
				d.CloseReason = domain.CloseReasonTierStop
			} else {
				d.CloseReason = domain.CloseReasonPhase1Stop
			}
		}
	} else {
		decayBreachCount(rec)
	}

	if !d.ShouldClose && stagnated(rec, d.ROE, now) {
		d.ShouldClose = true
		d.CloseReason = domain.CloseReasonStagnation
	}

	rec.UpdatedAt = now
	return d
}

// seedRuntime fills runtime fields a freshly created record arrives
// without. The creator writes only the config block.
func seedRuntime(rec *domain.PositionRecord, now time.Time) {
	if rec.HighWaterPrice == 0 {
		rec.HighWaterPrice = rec.EntryPrice
		rec.HighWaterTime = now
	}
	if rec.Phase == 0 {
		rec.Phase = domain.PhaseInitial
	}
	if rec.Phase == domain.PhaseInitial && rec.CurrentTierIndex == 0 && len(rec.Tiers) > 0 {
		// Zero-valued records deserialize with tier index 0; before any
		// tier has triggered the canonical value is NoTier.
		rec.CurrentTierIndex = domain.NoTier
	}
}

func updateHighWater(rec *domain.PositionRecord, price float64, now time.Time) {
	improved := price > rec.HighWaterPrice
	if rec.Direction == domain.Short {
		improved = price < rec.HighWaterPrice
	}
	if improved {
		rec.HighWaterPrice = price
		rec.HighWaterTime = now
	}
}

// highestTriggeredTier returns the largest tier index whose trigger is at
// or below the given ROE, or NoTier.
func highestTriggeredTier(rec *domain.PositionRecord, roe float64) int {
	idx := domain.NoTier
	for i, tier := range rec.Tiers {
		if roe >= tier.TriggerPct {
			idx = i
		}
	}
	return idx
}

// phaseOneFloor computes the "let it breathe" floor: the tighter of the
// absolute floor and the retrace-from-high-water trail. An absolute floor
// of zero is treated as unset.
func phaseOneFloor(rec *domain.PositionRecord) float64 {
	trail := retraceFloor(rec.Direction, rec.HighWaterPrice, rec.Phase1.RetraceThreshold)
	if rec.Phase1.AbsoluteFloor == 0 {
		return trail
	}
	return tighter(rec.Direction, trail, rec.Phase1.AbsoluteFloor)
}

// tieredFloor locks a percentage of the price range already travelled from
// entry to the high-water mark, then takes the tighter of that and the
// retrace trail. Also refreshes rec.TierFloorPrice.
func tieredFloor(rec *domain.PositionRecord) float64 {
	tier := rec.Tiers[rec.CurrentTierIndex]

	travelled := rec.HighWaterPrice - rec.EntryPrice
	if rec.Direction == domain.Short {
		travelled = rec.EntryPrice - rec.HighWaterPrice
	}
	lock := travelled * tier.LockPct / 100
	tierFloor := rec.EntryPrice + lock
	if rec.Direction == domain.Short {
		tierFloor = rec.EntryPrice - lock
	}
	rec.TierFloorPrice = tierFloor

	retrace := rec.Phase2.RetraceThreshold
	if tier.Retrace != nil {
		retrace = *tier.Retrace
	}
	return tighter(rec.Direction, tierFloor, retraceFloor(rec.Direction, rec.HighWaterPrice, retrace))
}

// retraceFloor is the trailing floor a fixed fraction behind the high-water
// mark.
func retraceFloor(dir domain.Direction, highWater, retrace float64) float64 {
	if dir == domain.Short {
		return highWater * (1 + retrace)
	}
	return highWater * (1 - retrace)
}

// tighter returns the more protective of two floors: the higher for longs,
// the lower for shorts.
func tighter(dir domain.Direction, a, b float64) float64 {
	if dir == domain.Short {
		if a < b {
			return a
		}
		return b
	}
	if a > b {
		return a
	}
	return b
}

// applyFloor commits a candidate floor, clamped so the effective floor
// never moves back toward entry once set.
func applyFloor(rec *domain.PositionRecord, candidate float64) {
	if rec.FloorPrice == 0 {
		rec.FloorPrice = candidate
		return
	}
	rec.FloorPrice = tighter(rec.Direction, rec.FloorPrice, candidate)
}

// isBreach reports whether price sits on the unprotected side of the
// floor. The comparison is inclusive: a tick exactly at the floor counts.
func isBreach(dir domain.Direction, price, floor float64) bool {
	if floor == 0 {
		return false
	}
	if dir == domain.Short {
		return price >= floor
	}
	return price <= floor
}

func breachesRequired(rec *domain.PositionRecord) int {
	required := rec.Phase1.ConsecutiveBreachesRequired
	if rec.Phase == domain.PhaseTiered {
		required = rec.Phase2.ConsecutiveBreachesRequired
		if rec.CurrentTierIndex >= 0 {
			if n := rec.Tiers[rec.CurrentTierIndex].ConsecutiveBreachesRequired; n > 0 {
				required = n
			}
		}
	}
	if required <= 0 {
		required = 1
	}
	return required
}

func decayBreachCount(rec *domain.PositionRecord) {
	if rec.CurrentBreachCount == 0 {
		return
	}
	if rec.BreachDecay == domain.DecaySoft {
		rec.CurrentBreachCount--
		return
	}
	rec.CurrentBreachCount = 0
}

// stagnated reports whether the plateau exit applies: ROE above the
// configured minimum and no high-water improvement for the stall window.
func stagnated(rec *domain.PositionRecord, roe float64, now time.Time) bool {
	cfg := rec.Stag
	if cfg == nil || cfg.StallSeconds <= 0 {
		return false
	}
	if roe < cfg.MinRoePct {
		return false
	}
	if rec.HighWaterTime.IsZero() {
		return false
	}
	return now.Sub(rec.HighWaterTime) >= time.Duration(cfg.StallSeconds)*time.Second
}
