package domain

import "time"

// EvaluationReport is the structured per-tick output for one position. The
// orchestration layer acts on these records (alerting, retry decisions)
// without needing to inspect logs.
type EvaluationReport struct {
	TickID    string       `json:"tickId"`
	Status    ReportStatus `json:"status"`
	Asset     string       `json:"asset"`
	Strategy  string       `json:"strategy"`
	Direction Direction    `json:"direction"`

	Price   float64 `json:"price"`
	UPnL    float64 `json:"upnl"`
	UPnLPct float64 `json:"upnlPct"` // ROE

	Phase          int     `json:"phase"`
	TierIndex      int     `json:"tierIndex"`
	TierChanged    bool    `json:"tierChanged"`
	PreviousTier   int     `json:"previousTier"`
	HighWaterPrice float64 `json:"highWaterPrice"`
	TierFloorPrice float64 `json:"tierFloorPrice"`
	FloorPrice     float64 `json:"floorPrice"`

	Breached    bool        `json:"breached"`
	BreachCount int         `json:"breachCount"`
	ShouldClose bool        `json:"shouldClose"`
	Closed      bool        `json:"closed"`
	CloseResult string      `json:"closeResult,omitempty"`
	CloseReason CloseReason `json:"closeReason,omitempty"`

	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Error               string `json:"error,omitempty"`

	Time time.Time `json:"time"` // marshals as ISO-8601 / RFC 3339
}
