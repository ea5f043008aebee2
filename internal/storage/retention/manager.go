// Package retention expires buckets older than the configured retention.
package retention

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xtxerr/tsdb/internal/logging"
)

var log = logging.Component("retention")

// Target drops buckets whose window ended at or before cutoff, in epoch
// milliseconds.
type Target interface {
	DropBefore(cutoff int64) CleanupResult
}

// Manager handles automatic cleanup of expired data.
type Manager struct {
	mu        sync.RWMutex
	target    Target
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	stats     Stats

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Stats holds retention statistics.
type Stats struct {
	Runs           int64
	LastRunTime    time.Time
	BucketsDropped int64
	PointsDropped  int64
	BytesFreed     int64
	SeriesRemoved  int64
}

// CleanupResult holds the result of one cleanup pass.
type CleanupResult struct {
	Cutoff         int64
	BucketsDropped int
	PointsDropped  int64
	BytesFreed     int64
	SeriesRemoved  int
}

// New creates a retention manager that drops data older than retention
// every interval.
func New(target Target, retention, interval time.Duration) (*Manager, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		target:    target,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetClock replaces the wall clock used to compute the cutoff.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start runs cleanup every interval until Stop.
func (m *Manager) Start() error {
	if m.running.Load() {
		return fmt.Errorf("retention manager already running")
	}
	m.running.Store(true)

	m.wg.Add(1)
	go m.loop()

	log.Info("retention started", "retention", m.retention, "interval", m.interval)
	return nil
}

// Stop stops the cleanup loop.
func (m *Manager) Stop() error {
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RunCleanup()
		}
	}
}

// Cutoff returns the current expiry boundary in epoch milliseconds.
func (m *Manager) Cutoff() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Add(-m.retention).UnixMilli()
}

// RunCleanup performs one cleanup pass.
func (m *Manager) RunCleanup() CleanupResult {
	result := m.target.DropBefore(m.Cutoff())

	m.mu.Lock()
	m.stats.Runs++
	m.stats.LastRunTime = m.now()
	m.stats.BucketsDropped += int64(result.BucketsDropped)
	m.stats.PointsDropped += result.PointsDropped
	m.stats.BytesFreed += result.BytesFreed
	m.stats.SeriesRemoved += int64(result.SeriesRemoved)
	m.mu.Unlock()

	if result.BucketsDropped > 0 {
		log.Info("expired buckets dropped",
			"cutoff", time.UnixMilli(result.Cutoff).UTC(),
			"buckets", result.BucketsDropped,
			"points", result.PointsDropped,
			"freed", humanize.IBytes(uint64(result.BytesFreed)),
			"series_removed", result.SeriesRemoved)
	}
	return result
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// FormatStats returns a human readable summary.
func (m *Manager) FormatStats() string {
	s := m.Stats()
	return fmt.Sprintf("Retention: %d runs, %s buckets dropped, %s points, %s freed, %d series removed",
		s.Runs,
		humanize.Comma(s.BucketsDropped),
		humanize.Comma(s.PointsDropped),
		humanize.IBytes(uint64(s.BytesFreed)),
		s.SeriesRemoved)
}
