package domain

import "time"

// ClosedTrade is one row of the completed-trade journal. The journal is a
// separate ledger from the position record files, which are deleted without
// archive when a position closes.
type ClosedTrade struct {
	ID         int64       // assigned by the journal store
	Asset      string      // full asset identifier, venue prefix included
	StrategyID string      // owning strategy namespace
	Direction  Direction   // LONG or SHORT
	EntryPrice float64     // price at open
	ExitPrice  float64     // price the close executed at
	Size       float64     // position size
	Leverage   int         // leverage used
	PNL        float64     // realized profit and loss
	ROE        float64     // leverage-normalized return at close, percent
	Reason     CloseReason // why the engine closed the position
	OpenedAt   time.Time   // position open timestamp
	ClosedAt   time.Time   // close timestamp
}
