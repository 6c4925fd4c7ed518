// Package filestore persists position records as one JSON file each. Writes
// are atomic (same-directory temp file renamed over the target) so a crash
// mid-write never leaves a half-written record.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"trailStopBot/internal/domain"
	"trailStopBot/internal/ports"
)

// Store implements ports.RecordStore on the local filesystem.
type Store struct {
	logger ports.Logger
}

// Config holds configuration for the file store.
type Config struct {
	Logger ports.Logger
}

// New creates a file-backed record store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for file store")
	}
	return &Store{logger: cfg.Logger}, nil
}

// Load reads, migrates, and validates the record at path.
func (s *Store) Load(ctx context.Context, path string) (*domain.PositionRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ports.ErrRecordNotFound, path)
		}
		return nil, fmt.Errorf("failed to read record %s: %w", path, err)
	}

	var rec domain.PositionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ports.ErrRecordCorrupt, path, err)
	}

	if migrated := migrate(&rec); migrated {
		s.logger.Info(ctx, "Migrated position record to current schema", map[string]interface{}{
			"path": path, "schemaVersion": rec.SchemaVersion,
		})
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("record %s failed validation: %w", path, err)
	}
	return &rec, nil
}

// migrate upgrades older on-disk record shapes in place and reports whether
// anything changed. Version 0 records predate the schemaVersion field and
// the corrected tier-floor formula.
func migrate(rec *domain.PositionRecord) bool {
	if rec.SchemaVersion >= domain.SchemaVersion {
		return false
	}

	// v0 -> v1: normalize the zero-value tier index for never-evaluated
	// records, default the phase, and recompute any stored tier floor with
	// the corrected range-lock formula (the historical variant conflated
	// ROE percentage with price percentage).
	if rec.Phase == 0 {
		rec.Phase = domain.PhaseInitial
	}
	if rec.Phase == domain.PhaseInitial && rec.CurrentTierIndex == 0 {
		rec.CurrentTierIndex = domain.NoTier
	}
	if rec.CurrentTierIndex >= 0 && rec.CurrentTierIndex < len(rec.Tiers) && rec.HighWaterPrice > 0 {
		tier := rec.Tiers[rec.CurrentTierIndex]
		travelled := rec.HighWaterPrice - rec.EntryPrice
		if rec.Direction == domain.Short {
			travelled = rec.EntryPrice - rec.HighWaterPrice
		}
		lock := travelled * tier.LockPct / 100
		if rec.Direction == domain.Short {
			rec.TierFloorPrice = rec.EntryPrice - lock
		} else {
			rec.TierFloorPrice = rec.EntryPrice + lock
		}
	}
	rec.SchemaVersion = domain.SchemaVersion
	return true
}

// Save writes the record atomically.
func (s *Store) Save(ctx context.Context, path string, rec *domain.PositionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record directory %s: %w", dir, err)
	}

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", path, err)
	}

	// Temp file in the same directory so the rename stays on one
	// filesystem and is atomic.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp record %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp record %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp record %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s over %s: %w", tmpPath, path, err)
	}

	s.logger.Debug(ctx, "Saved position record", map[string]interface{}{"path": path, "asset": rec.Asset})
	return nil
}

// Delete removes the record file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete record %s: %w", path, err)
	}
	s.logger.Debug(ctx, "Deleted position record", map[string]interface{}{"path": path})
	return nil
}

// ListDir returns the JSON record paths directly inside dir, skipping
// leftover temp files. A missing directory yields an empty list.
func (s *Store) ListDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list record directory %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

// RemoveDirIfEmpty deletes dir when it holds no entries.
func (s *Store) RemoveDirIfEmpty(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to inspect directory %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("failed to remove empty directory %s: %w", dir, err)
	}
	return nil
}
