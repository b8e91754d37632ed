// Package persistence implements the crash-safe snapshot store (C3): atomic
// temp+rename writes, timestamped backup rotation, and dirty-flag/periodic
// flush semantics so non-critical updates don't force a disk write on every
// monitor pass.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tpslguard/internal/core"
	"tpslguard/internal/telemetry"
)

const (
	schemaVersion  = 1
	snapshotName   = "monitors.json"
	backupPrefix   = "monitors.backup."
)

// Store is the single process-global persistence singleton (§5.5).
type Store struct {
	dir         string
	backupCount int
	minBackup   time.Duration

	logger core.ILogger

	mu       sync.Mutex
	state    core.PersistedState
	dirty    bool
	lastSave time.Time
	degraded bool
}

// New opens (or creates) a Store rooted at dir.
func New(dir string, backupCount int, minBackupInterval time.Duration, logger core.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}
	return &Store{
		dir:         dir,
		backupCount: backupCount,
		minBackup:   minBackupInterval,
		logger:      logger.WithField("component", "persistence"),
		state: core.PersistedState{
			SchemaVersion: schemaVersion,
			Monitors:      make(map[string]core.MonitorState),
			Counters:      make(map[string]int64),
		},
	}, nil
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dir, snapshotName)
}

// Load reads the snapshot file, tolerating its absence (fresh start).
func (s *Store) Load(ctx context.Context) (core.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.snapshotPath())
	if os.IsNotExist(err) {
		return s.state, nil
	}
	if err != nil {
		return core.PersistedState{}, fmt.Errorf("read snapshot: %w", err)
	}

	var loaded core.PersistedState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return core.PersistedState{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if loaded.Monitors == nil {
		loaded.Monitors = make(map[string]core.MonitorState)
	}
	if loaded.Counters == nil {
		loaded.Counters = make(map[string]int64)
	}
	for k, m := range loaded.Monitors {
		if m.LastKnownSize.IsZero() && !m.CurrentSize.IsZero() {
			m.LastKnownSize = m.CurrentSize
			loaded.Monitors[k] = m
		}
		if m.Approach == "" {
			m.Approach = "CONSERVATIVE"
			loaded.Monitors[k] = m
		}
	}

	s.state = loaded
	return s.state, nil
}

// PutMonitor upserts a monitor's state in memory. critical controls whether
// Save is forced immediately (§4.3's save classification); non-critical
// updates only mark the store dirty for the periodic flusher.
func (s *Store) PutMonitor(ctx context.Context, ms core.MonitorState, critical bool) error {
	s.mu.Lock()
	s.state.Monitors[ms.Key] = ms
	s.dirty = true
	s.mu.Unlock()

	if critical {
		return s.Save(ctx)
	}
	return nil
}

// RemoveMonitor deletes a closed monitor from the snapshot and forces a flush.
func (s *Store) RemoveMonitor(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.state.Monitors, key)
	s.dirty = true
	s.mu.Unlock()
	return s.Save(ctx)
}

// FlushIfDirty commits pending state if the dirty flag is set. Intended to be
// called by a periodic ticker (default 30s, §4.3).
func (s *Store) FlushIfDirty(ctx context.Context) error {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.Save(ctx)
}

// Save performs the atomic write (temp+rename) and, if enough time has
// elapsed since the last backup, rotates a new timestamped copy. On failure
// it retries once; if that also fails it flags persistence degraded (§7
// PersistenceError) and returns the error without blocking the caller.
func (s *Store) Save(ctx context.Context) error {
	start := time.Now()
	err := s.saveOnce()
	if err != nil {
		err = s.saveOnce()
	}
	telemetry.GetGlobalMetrics().PersistenceFlushMs.Record(ctx, float64(time.Since(start).Milliseconds()))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.degraded = true
		telemetry.GetGlobalMetrics().SetPersistenceDegraded(true)
		s.logger.Error("persistence save failed twice, continuing in-memory", "error", err)
		return err
	}
	s.dirty = false
	s.degraded = false
	telemetry.GetGlobalMetrics().SetPersistenceDegraded(false)
	return nil
}

func (s *Store) saveOnce() error {
	s.mu.Lock()
	s.state.LastBackupTS = s.lastSave.Unix()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := s.snapshotPath() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.snapshotPath()); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	s.mu.Lock()
	shouldBackup := time.Since(s.lastSave) >= s.minBackup
	s.mu.Unlock()
	if shouldBackup {
		if err := s.rotateBackup(data); err != nil {
			s.logger.Warn("backup rotation failed", "error", err)
		}
		s.mu.Lock()
		s.lastSave = time.Now()
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) rotateBackup(data []byte) error {
	name := fmt.Sprintf("%s%d", backupPrefix, time.Now().UnixMilli())
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(backupPrefix) && e.Name()[:len(backupPrefix)] == backupPrefix {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)
	for len(backups) > s.backupCount {
		oldest := backups[0]
		backups = backups[1:]
		_ = os.Remove(filepath.Join(s.dir, oldest))
	}
	return nil
}

// Degraded reports whether the last save attempt failed twice in a row.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}
