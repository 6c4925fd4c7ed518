package ports

import (
	"context"

	"trailStopBot/internal/domain"
)

// RecordStore persists one position record per file under a strategy
// namespace. All writes must be atomic: a crash mid-write may never leave a
// half-written record behind.
type RecordStore interface {
	// Load reads and validates the record at the given path. Returns
	// ErrRecordNotFound if no file exists, ErrRecordCorrupt wrapped around
	// the parse error for unreadable files, and domain.ErrValidation for
	// records missing required config.
	Load(ctx context.Context, path string) (*domain.PositionRecord, error)
	// Save writes the record atomically (temp file + rename).
	Save(ctx context.Context, path string, rec *domain.PositionRecord) error
	// Delete removes the record file. Deleting a missing file is not an error.
	Delete(ctx context.Context, path string) error
	// ListDir returns the record file paths directly inside dir. A missing
	// directory yields an empty list.
	ListDir(ctx context.Context, dir string) ([]string, error)
	// RemoveDirIfEmpty deletes dir when it holds no entries.
	RemoveDirIfEmpty(ctx context.Context, dir string) error
}

// TradeJournal records completed trades. Journal failures must never block
// a close: callers log and continue.
type TradeJournal interface {
	// RecordClose inserts one completed-trade row and returns its ID.
	RecordClose(ctx context.Context, trade *domain.ClosedTrade) (int64, error)
	// FindRecent retrieves the most recent closed trades for a strategy,
	// newest first, up to limit. Empty strategy matches all.
	FindRecent(ctx context.Context, strategyID string, limit int) ([]*domain.ClosedTrade, error)
}
