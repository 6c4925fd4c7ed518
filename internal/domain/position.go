package domain

import (
	"fmt"
	"time"
)

// Tier is one rung of the profit ladder. Once ROE reaches TriggerPct the
// tier locks LockPct percent of the entry-to-high-water price range as the
// new floor. Retrace, when set, overrides the phase-2 default retrace
// threshold while this tier is the active one.
type Tier struct {
	TriggerPct float64  `json:"triggerPct"`        // ROE percentage that activates the tier
	LockPct    float64  `json:"lockPct"`           // percent of the travelled range to lock
	Retrace    *float64 `json:"retrace,omitempty"` // optional per-tier retrace override

	// Optional per-tier breach requirement; falls back to the phase-2
	// value when zero.
	ConsecutiveBreachesRequired int `json:"consecutiveBreachesRequired,omitempty"`
}

// PhaseOneConfig governs the pre-tier "let it breathe" mode.
type PhaseOneConfig struct {
	RetraceThreshold            float64 `json:"retraceThreshold"` // fraction, e.g. 0.05
	ConsecutiveBreachesRequired int     `json:"consecutiveBreachesRequired"`
	AbsoluteFloor               float64 `json:"absoluteFloor"` // hard stop price, 0 = unset
}

// PhaseTwoConfig holds the defaults applied after the first tier triggers.
type PhaseTwoConfig struct {
	RetraceThreshold            float64 `json:"retraceThreshold"` // default for tiers without override
	ConsecutiveBreachesRequired int     `json:"consecutiveBreachesRequired"`
}

// StagnationConfig enables the optional plateau exit: once ROE has exceeded
// MinRoePct and the high-water mark has not improved for StallSeconds, the
// position is closed regardless of breach state.
type StagnationConfig struct {
	MinRoePct    float64 `json:"minRoePct"`
	StallSeconds int     `json:"stallSeconds"`
}

// PositionConfig is the immutable block written once by the position
// creator at open. The engine never mutates it.
type PositionConfig struct {
	Asset      string    `json:"asset"`
	StrategyID string    `json:"strategyId"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entryPrice"`
	Size       float64   `json:"size"`
	Leverage   int       `json:"leverage"`
	Wallet     string    `json:"wallet"`

	Phase1 PhaseOneConfig    `json:"phase1"`
	Phase2 PhaseTwoConfig    `json:"phase2"`
	Tiers  []Tier            `json:"tiers"`
	Stag   *StagnationConfig `json:"stagnation,omitempty"`

	// Resilience knobs; zero values defer to installation config.
	BreachDecay            BreachDecay `json:"breachDecay,omitempty"`
	CloseRetries           int         `json:"closeRetries,omitempty"`
	CloseRetryDelaySeconds int         `json:"closeRetryDelaySeconds,omitempty"`
	MaxFetchFailures       int         `json:"maxFetchFailures,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// PositionRuntime holds the engine-owned mutable state. Exactly one
// component (the tier/phase engine via the controller) writes these fields.
type PositionRuntime struct {
	Active       bool `json:"active"`
	PendingClose bool `json:"pendingClose"`

	Phase            int       `json:"phase"`
	CurrentTierIndex int       `json:"currentTierIndex"`
	HighWaterPrice   float64   `json:"highWaterPrice"`
	HighWaterTime    time.Time `json:"hwTimestamp"`
	TierFloorPrice   float64   `json:"tierFloorPrice"`
	FloorPrice       float64   `json:"floorPrice"`

	CurrentBreachCount       int `json:"currentBreachCount"`
	ConsecutiveFetchFailures int `json:"consecutiveFetchFailures"`
	CloseAttempts            int `json:"closeAttempts"`

	CloseReason CloseReason `json:"closeReason,omitempty"`
	ClosePrice  float64     `json:"closePrice,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// SchemaVersion is the current on-disk record shape. Older records are
// migrated on load.
const SchemaVersion = 1

// PositionRecord is one stop-loss-managed position: an immutable config
// block plus engine-owned runtime state. Embedding keeps the wire format
// flat while the type split enforces the single-writer rule.
type PositionRecord struct {
	SchemaVersion int `json:"schemaVersion"`
	PositionConfig
	PositionRuntime
}

// NewPositionRecord initializes a record for a freshly opened position.
// Runtime fields start at their pre-evaluation values; the engine seeds the
// high-water mark from the entry price on the first tick.
func NewPositionRecord(cfg PositionConfig, now time.Time) (*PositionRecord, error) {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	rec := &PositionRecord{
		SchemaVersion:  SchemaVersion,
		PositionConfig: cfg,
		PositionRuntime: PositionRuntime{
			Active:           true,
			Phase:            PhaseInitial,
			CurrentTierIndex: NoTier,
			UpdatedAt:        now,
		},
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the required config block. Records missing required
// fields are rejected, never silently defaulted.
func (r *PositionRecord) Validate() error {
	if r.Asset == "" {
		return fmt.Errorf("%w: asset is required", ErrValidation)
	}
	if r.StrategyID == "" {
		return fmt.Errorf("%w: strategyId is required", ErrValidation)
	}
	if !r.Direction.IsValid() {
		return fmt.Errorf("%w: direction must be LONG or SHORT, got %q", ErrValidation, r.Direction)
	}
	if r.EntryPrice <= 0 {
		return fmt.Errorf("%w: entryPrice must be positive", ErrValidation)
	}
	if r.Size <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrValidation)
	}
	if r.Leverage <= 0 {
		return fmt.Errorf("%w: leverage must be positive", ErrValidation)
	}
	if len(r.Tiers) == 0 {
		return fmt.Errorf("%w: tier ladder is required", ErrValidation)
	}
	prev := -1.0
	for i, tier := range r.Tiers {
		if tier.TriggerPct <= prev {
			return fmt.Errorf("%w: tiers must be strictly ascending by triggerPct (tier %d)", ErrValidation, i)
		}
		if tier.LockPct < 0 || tier.LockPct > 100 {
			return fmt.Errorf("%w: tier %d lockPct must be within [0,100]", ErrValidation, i)
		}
		prev = tier.TriggerPct
	}
	if r.Phase1.RetraceThreshold <= 0 || r.Phase1.RetraceThreshold >= 1 {
		return fmt.Errorf("%w: phase1.retraceThreshold must be in (0,1)", ErrValidation)
	}
	if r.Phase2.RetraceThreshold <= 0 || r.Phase2.RetraceThreshold >= 1 {
		return fmt.Errorf("%w: phase2.retraceThreshold must be in (0,1)", ErrValidation)
	}
	return nil
}

// Venue returns the venue prefix of the asset ("" for the primary venue).
func (r *PositionRecord) Venue() string {
	venue, _ := SplitVenue(r.Asset)
	return venue
}

// Symbol returns the bare exchange symbol without any venue prefix.
func (r *PositionRecord) Symbol() string {
	_, symbol := SplitVenue(r.Asset)
	return symbol
}

// UnrealizedPnL computes PnL at the given price in quote units.
func (r *PositionRecord) UnrealizedPnL(price float64) float64 {
	if r.Direction == Short {
		return (r.EntryPrice - price) * r.Size
	}
	return (price - r.EntryPrice) * r.Size
}

// ROE computes leverage-normalized return on equity as a percentage. The
// same tier ladder applies at any leverage because of this normalization.
func (r *PositionRecord) ROE(price float64) float64 {
	if r.EntryPrice == 0 {
		return 0
	}
	move := (price - r.EntryPrice) / r.EntryPrice
	if r.Direction == Short {
		move = -move
	}
	return move * float64(r.Leverage) * 100
}
