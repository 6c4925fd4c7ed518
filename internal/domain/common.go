package domain

import (
	"errors"
	"strings"
)

// ErrValidation marks a record whose required config block is malformed or
// incomplete. Fatal for that record's evaluation; never retried or
// auto-fixed.
var ErrValidation = errors.New("invalid position record")

// Direction represents the side of a perpetual-futures position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// IsValid reports whether the direction is one of the two known values.
func (d Direction) IsValid() bool {
	return d == Long || d == Short
}

// BreachDecay controls how the consecutive breach counter recovers on a
// tick where price is back on the protected side of the floor.
type BreachDecay string

const (
	// DecayHard resets the breach counter to zero.
	DecayHard BreachDecay = "hard"
	// DecaySoft decrements the breach counter by one (floor zero).
	DecaySoft BreachDecay = "soft"
)

// ParseBreachDecay normalizes a decay mode string, defaulting to hard.
func ParseBreachDecay(s string) BreachDecay {
	if strings.EqualFold(s, string(DecaySoft)) {
		return DecaySoft
	}
	return DecayHard
}

// Position phases. Phase 1 is the pre-tier "let it breathe" mode; phase 2
// begins when the first ladder tier triggers and never reverts.
const (
	PhaseInitial = 1
	PhaseTiered  = 2
)

// NoTier is the CurrentTierIndex value before any ladder tier has triggered.
const NoTier = -1

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonPhase1Stop   CloseReason = "PHASE1_STOP"
	CloseReasonTierStop     CloseReason = "TIER_STOP"
	CloseReasonStagnation   CloseReason = "STAGNATION"
	CloseReasonFetchFailure CloseReason = "FETCH_FAILURE"
	CloseReasonManual       CloseReason = "MANUAL"
)

// ReportStatus is the per-tick evaluation outcome for one position.
type ReportStatus string

const (
	StatusActive       ReportStatus = "ACTIVE"
	StatusInactive     ReportStatus = "INACTIVE"
	StatusPendingClose ReportStatus = "PENDING_CLOSE"
	StatusError        ReportStatus = "ERROR"
	StatusFetchFailed  ReportStatus = "FETCH_FAILED"
)

// VenueSeparator namespaces assets from a secondary trading venue, e.g.
// "AST:BTCUSDT". Bare symbols belong to the primary venue.
const VenueSeparator = ":"

// SplitVenue splits an asset identifier into its venue prefix and bare
// symbol. The venue is empty for primary-venue assets. Quote sources are
// always called with the bare symbol; the prefix is the caller's concern.
func SplitVenue(asset string) (venue, symbol string) {
	if i := strings.Index(asset, VenueSeparator); i >= 0 {
		return asset[:i], asset[i+len(VenueSeparator):]
	}
	return "", asset
}

// JoinVenue reverses SplitVenue.
func JoinVenue(venue, symbol string) string {
	if venue == "" {
		return symbol
	}
	return venue + VenueSeparator + symbol
}
