// Package registry groups position records under their owning strategy:
// deterministic storage paths, per-strategy slot limits, and the two-level
// cleanup (record file on position close, whole directory on strategy close).
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"trailStopBot/internal/domain"
	"trailStopBot/internal/ports"
)

// Manager implements the strategy directory layout
// {stateRoot}/{strategyKey}/{escapedAsset}.json.
type Manager struct {
	root         string
	maxPositions int
	store        ports.RecordStore
	logger       ports.Logger
}

// Config holds configuration for the registry manager.
type Config struct {
	StateRoot    string
	MaxPositions int // maximum concurrent positions per strategy
	Store        ports.RecordStore
	Logger       ports.Logger
}

// CleanupStatus is the outcome of a strategy-close cleanup request.
type CleanupStatus string

const (
	CleanupRemoved CleanupStatus = "removed"
	CleanupBlocked CleanupStatus = "blocked"
)

// CleanupResult reports what a strategy-close cleanup did. A blocked result
// lists the assets still active; nothing was deleted in that case.
type CleanupResult struct {
	Status          CleanupStatus `json:"status"`
	Removed         int           `json:"removed"`
	BlockedByActive []string      `json:"blockedByActive,omitempty"`
}

// New creates a registry manager.
func New(cfg Config) (*Manager, error) {
	if cfg.StateRoot == "" {
		return nil, fmt.Errorf("state root is required for registry")
	}
	if cfg.MaxPositions <= 0 {
		return nil, fmt.Errorf("max positions per strategy must be positive")
	}
	if cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for registry")
	}
	return &Manager{
		root:         cfg.StateRoot,
		maxPositions: cfg.MaxPositions,
		store:        cfg.Store,
		logger:       cfg.Logger,
	}, nil
}

// EncodeAssetFilename maps an asset identifier to a filename-safe form.
// The mapping is lossless and reversible so a secondary-venue asset
// ("AST:BTCUSDT") can never collide with the primary venue's file for the
// same symbol.
func EncodeAssetFilename(asset string) string {
	return url.PathEscape(asset)
}

// DecodeAssetFilename reverses EncodeAssetFilename.
func DecodeAssetFilename(name string) (string, error) {
	asset, err := url.PathUnescape(name)
	if err != nil {
		return "", fmt.Errorf("undecodable asset filename %q: %w", name, err)
	}
	return asset, nil
}

// RecordPath resolves the storage path for a position deterministically
// from its strategy key and asset.
func (m *Manager) RecordPath(strategyKey, asset string) string {
	return filepath.Join(m.root, strategyKey, EncodeAssetFilename(asset)+".json")
}

// StrategyDir resolves a strategy's directory.
func (m *Manager) StrategyDir(strategyKey string) string {
	return filepath.Join(m.root, strategyKey)
}

// CreateRecord persists a new position record, enforcing the per-strategy
// slot limit. The active count is re-read immediately before the write so a
// concurrent close that just freed a slot is observed.
func (m *Manager) CreateRecord(ctx context.Context, rec *domain.PositionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	path := m.RecordPath(rec.StrategyID, rec.Asset)
	if _, err := m.store.Load(ctx, path); err == nil {
		return fmt.Errorf("record already exists for %s/%s", rec.StrategyID, rec.Asset)
	} else if !errors.Is(err, ports.ErrRecordNotFound) {
		// A corrupt or invalid record still occupies the path; overwriting
		// it would destroy evidence of what went wrong.
		return fmt.Errorf("existing record for %s/%s is unreadable, refusing to overwrite: %w", rec.StrategyID, rec.Asset, err)
	}

	active, err := m.countActive(ctx, rec.StrategyID)
	if err != nil {
		return err
	}
	if active >= m.maxPositions {
		return fmt.Errorf("%w: %s has %d/%d active positions",
			ports.ErrNoSlotAvailable, rec.StrategyID, active, m.maxPositions)
	}

	if err := m.store.Save(ctx, path, rec); err != nil {
		return err
	}
	m.logger.Info(ctx, "Created position record", map[string]interface{}{
		"strategy": rec.StrategyID, "asset": rec.Asset, "slotsUsed": active + 1, "slotsMax": m.maxPositions,
	})
	return nil
}

// ListRecords loads every parseable record in a strategy's directory.
// Unreadable records are skipped with a warning so one corrupt file cannot
// block evaluation of the rest.
func (m *Manager) ListRecords(ctx context.Context, strategyKey string) ([]*domain.PositionRecord, error) {
	paths, err := m.store.ListDir(ctx, m.StrategyDir(strategyKey))
	if err != nil {
		return nil, err
	}
	var records []*domain.PositionRecord
	for _, path := range paths {
		rec, err := m.store.Load(ctx, path)
		if err != nil {
			m.logger.Warn(ctx, "Skipping unreadable position record", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListStrategies returns the strategy keys currently present under the
// state root.
func (m *Manager) ListStrategies(ctx context.Context) ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(m.root, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan state root %s: %w", m.root, err)
	}
	var keys []string
	for _, entry := range entries {
		base := filepath.Base(entry)
		if strings.HasPrefix(base, ".") {
			continue
		}
		if isDir(entry) {
			keys = append(keys, base)
		}
	}
	return keys, nil
}

// GetRecord loads the record for one strategy/asset pair.
func (m *Manager) GetRecord(ctx context.Context, strategyKey, asset string) (*domain.PositionRecord, error) {
	return m.store.Load(ctx, m.RecordPath(strategyKey, asset))
}

// SaveRecord persists updated runtime state for an existing record.
func (m *Manager) SaveRecord(ctx context.Context, rec *domain.PositionRecord) error {
	return m.store.Save(ctx, m.RecordPath(rec.StrategyID, rec.Asset), rec)
}

// RemoveRecord deletes a position's record file the moment it goes
// inactive. No archival copy is kept.
func (m *Manager) RemoveRecord(ctx context.Context, rec *domain.PositionRecord) error {
	if rec.Active {
		return fmt.Errorf("refusing to remove record for active position %s/%s", rec.StrategyID, rec.Asset)
	}
	if err := m.store.Delete(ctx, m.RecordPath(rec.StrategyID, rec.Asset)); err != nil {
		return err
	}
	m.logger.Info(ctx, "Removed closed position record", map[string]interface{}{
		"strategy": rec.StrategyID, "asset": rec.Asset,
	})
	return nil
}

// CloseStrategy performs strategy-level cleanup: if any record in the
// strategy's directory is still active the call is blocked and nothing is
// deleted; otherwise every record and the directory itself are removed.
func (m *Manager) CloseStrategy(ctx context.Context, strategyKey string) (*CleanupResult, error) {
	dir := m.StrategyDir(strategyKey)
	paths, err := m.store.ListDir(ctx, dir)
	if err != nil {
		return nil, err
	}

	var blocked []string
	for _, path := range paths {
		rec, err := m.store.Load(ctx, path)
		if err != nil {
			// An unreadable record cannot prove itself inactive; treat it
			// as blocking so cleanup never destroys live state.
			m.logger.Warn(ctx, "Unreadable record blocks strategy cleanup", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
			name := strings.TrimSuffix(filepath.Base(path), ".json")
			if asset, decErr := DecodeAssetFilename(name); decErr == nil {
				blocked = append(blocked, asset)
			} else {
				blocked = append(blocked, name)
			}
			continue
		}
		if rec.Active {
			blocked = append(blocked, rec.Asset)
		}
	}
	if len(blocked) > 0 {
		m.logger.Warn(ctx, "Strategy cleanup blocked by active positions", map[string]interface{}{
			"strategy": strategyKey, "active": blocked,
		})
		return &CleanupResult{Status: CleanupBlocked, BlockedByActive: blocked}, nil
	}

	removed := 0
	for _, path := range paths {
		if err := m.store.Delete(ctx, path); err != nil {
			return nil, err
		}
		removed++
	}
	if err := m.store.RemoveDirIfEmpty(ctx, dir); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "Strategy directory cleaned up", map[string]interface{}{
		"strategy": strategyKey, "removed": removed,
	})
	return &CleanupResult{Status: CleanupRemoved, Removed: removed}, nil
}

func (m *Manager) countActive(ctx context.Context, strategyKey string) (int, error) {
	records, err := m.ListRecords(ctx, strategyKey)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, rec := range records {
		if rec.Active {
			active++
		}
	}
	return active, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
