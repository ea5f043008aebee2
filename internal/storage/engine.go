package storage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tsdb/internal/config"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/archival"
	"github.com/xtxerr/tsdb/internal/storage/cache"
	"github.com/xtxerr/tsdb/internal/storage/compaction"
	"github.com/xtxerr/tsdb/internal/storage/compression"
	"github.com/xtxerr/tsdb/internal/storage/retention"
	"github.com/xtxerr/tsdb/internal/storage/series"
	"github.com/xtxerr/tsdb/internal/storage/types"
	"github.com/xtxerr/tsdb/internal/validation"
)

var log = logging.Component("storage")

// Engine owns every series of a node, addressed by database,
// measurement, field and tags.
type Engine struct {
	mu sync.RWMutex

	cfg   config.StorageConfig
	codec compression.Codec
	width int64 // bucket width in milliseconds

	dbs map[string]map[string]*measurement

	// Components
	cache      *cache.BucketCache
	compaction *compaction.Engine
	retention  *retention.Manager

	archivedMu sync.Mutex
	archived   map[uint64]struct{} // bucket ids already archived

	// State
	running   atomic.Bool
	startTime time.Time

	// Statistics
	pointsWritten  atomic.Int64
	pointsRejected atomic.Int64
}

type measurement struct {
	series map[string]*entry // keyed by types.SeriesID
}

type entry struct {
	field string
	tags  types.Tags
	ts    *series.TimeSeries
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used by the retention manager.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if e.retention != nil {
			e.retention.SetClock(now)
		}
	}
}

// New creates a storage engine.
func New(cfg *config.StorageConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &config.DefaultConfig().Storage
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: storage: %w", errors.ErrInvalidConfig, err)
	}

	codec, err := compression.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      *cfg,
		codec:    codec,
		width:    cfg.BucketWidth.Milliseconds(),
		dbs:      make(map[string]map[string]*measurement),
		archived: make(map[uint64]struct{}),
	}

	if cfg.CacheSize > 0 {
		c, err := cache.New(cfg.CacheSize.Int64())
		if err != nil {
			return nil, err
		}
		e.cache = c
	}

	if cfg.CompactionCodec != "" {
		comp, err := compaction.New(cfg, e)
		if err != nil {
			return nil, fmt.Errorf("create compaction: %w", err)
		}
		e.compaction = comp
	}

	if cfg.Retention > 0 {
		ret, err := retention.New(e, cfg.Retention, cfg.RetentionInterval)
		if err != nil {
			return nil, fmt.Errorf("create retention: %w", err)
		}
		e.retention = ret
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Start starts the background workers.
func (e *Engine) Start() error {
	if e.running.Load() {
		return fmt.Errorf("engine already running")
	}

	if e.compaction != nil {
		if err := e.compaction.Start(); err != nil {
			return fmt.Errorf("start compaction: %w", err)
		}
	}
	if e.retention != nil {
		if err := e.retention.Start(); err != nil {
			if e.compaction != nil {
				e.compaction.Stop()
			}
			return fmt.Errorf("start retention: %w", err)
		}
	}

	e.running.Store(true)
	e.startTime = time.Now()

	log.Info("storage engine started",
		"codec", e.codec.Name,
		"bucket_width", e.cfg.BucketWidth,
		"cache", e.cache != nil,
		"compaction", e.compaction != nil,
		"retention", e.cfg.Retention)

	return nil
}

// Stop stops the background workers.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}
	e.running.Store(false)

	var errs []error
	if e.retention != nil {
		if err := e.retention.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop retention: %w", err))
		}
	}
	if e.compaction != nil {
		if err := e.compaction.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop compaction: %w", err))
		}
	}
	if e.cache != nil {
		e.cache.Close()
	}

	return errors.Join(errs...)
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// BucketWidth returns the bucket width in milliseconds.
func (e *Engine) BucketWidth() int64 { return e.width }

// =============================================================================
// Write path
// =============================================================================

// WriteDataPoint adds one point to the series identified by db,
// measurement, field and tags, creating the series on first use.
func (e *Engine) WriteDataPoint(db, measurement, field string, tags types.Tags, ts, value int64, fp bool) error {
	s, err := e.GetOrCreateTimeSeries(db, measurement, field, tags)
	if err != nil {
		e.pointsRejected.Add(1)
		return err
	}

	if err := s.AddDataPoint(types.DataPoint{Timestamp: ts, Value: value, FP: fp}); err != nil {
		e.pointsRejected.Add(1)
		return fmt.Errorf("%s/%s %s: %w", db, measurement, types.SeriesID(field, tags), err)
	}

	e.pointsWritten.Add(1)
	return nil
}

// WritePoints writes points in order and stops at the first rejection,
// since later points of an ordered batch depend on earlier ones. It
// returns the number of points accepted.
func (e *Engine) WritePoints(points []types.Point) (int, error) {
	for i := range points {
		p := &points[i]
		if err := e.WriteDataPoint(p.DB, p.Measurement, p.Field, p.Tags, p.Timestamp, p.Value, p.FP); err != nil {
			return i, err
		}
	}
	return len(points), nil
}

// GetOrCreateTimeSeries returns the series for the given identity,
// creating it when absent.
func (e *Engine) GetOrCreateTimeSeries(db, measurement, field string, tags types.Tags) (*series.TimeSeries, error) {
	if err := validation.ValidateSeries(db, measurement, field, tags); err != nil {
		return nil, err
	}

	id := types.SeriesID(field, tags)
	if s, ok := e.lookup(db, measurement, id); ok {
		return s, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.measurementLocked(db, measurement)
	if en, ok := m.series[id]; ok {
		return en.ts, nil
	}

	s := series.New(e.seriesOptions())
	m.series[id] = &entry{field: field, tags: tags.Clone(), ts: s}

	log.Debug("series created",
		"db", db,
		"measurement", measurement,
		"series", id)

	return s, nil
}

// GetTimeSeries returns an existing series.
func (e *Engine) GetTimeSeries(db, measurement, field string, tags types.Tags) (*series.TimeSeries, bool) {
	return e.lookup(db, measurement, types.SeriesID(field, tags))
}

func (e *Engine) lookup(db, measurement, id string) (*series.TimeSeries, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.dbs[db][measurement]
	if !ok {
		return nil, false
	}
	en, ok := m.series[id]
	if !ok {
		return nil, false
	}
	return en.ts, true
}

func (e *Engine) measurementLocked(db, name string) *measurement {
	ms, ok := e.dbs[db]
	if !ok {
		ms = make(map[string]*measurement)
		e.dbs[db] = ms
	}
	m, ok := ms[name]
	if !ok {
		m = &measurement{series: make(map[string]*entry)}
		ms[name] = m
	}
	return m
}

func (e *Engine) seriesOptions() series.Options {
	opts := series.Options{
		BucketWidth:        e.width,
		MaxPointsPerBucket: e.cfg.MaxPointsPerBucket,
		Codec:              e.codec,
		InitialBufferSize:  int(e.cfg.InitialBufferSize),
	}
	if e.cache != nil {
		opts.Cache = e.cache
	}
	return opts
}

// =============================================================================
// Read path
// =============================================================================

// QueryDataPoints returns the points in [start, end] of every series of
// the measurement whose field matches and whose tags contain every filter
// tag. An empty field or "*" selects all fields. Results are ordered by
// series key.
func (e *Engine) QueryDataPoints(db, measurement, field string, start, end int64, tags types.Tags, expr *types.Expr) ([]types.Series, error) {
	entries := e.entries(db, measurement)

	var out []types.Series
	for _, en := range entries {
		if field != "" && field != "*" && en.field != field {
			continue
		}
		if !en.tags.Matches(tags) {
			continue
		}

		points, err := en.ts.Query(start, end, expr)
		if err != nil {
			return nil, fmt.Errorf("query %s/%s %s: %w", db, measurement, types.SeriesID(en.field, en.tags), err)
		}
		if len(points) == 0 {
			continue
		}

		out = append(out, types.Series{
			DB:          db,
			Measurement: measurement,
			Field:       en.field,
			Tags:        en.tags.Clone(),
			FP:          en.ts.FP(),
			Points:      points,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (e *Engine) entries(db, measurement string) []*entry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.dbs[db][measurement]
	if !ok {
		return nil
	}
	out := make([]*entry, 0, len(m.series))
	for _, en := range m.series {
		out = append(out, en)
	}
	return out
}

// allEntries returns a snapshot of every series with its location.
func (e *Engine) allEntries() []located {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []located
	for db, ms := range e.dbs {
		for name, m := range ms {
			for id, en := range m.series {
				out = append(out, located{db: db, measurement: name, id: id, entry: en})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].db != out[j].db {
			return out[i].db < out[j].db
		}
		if out[i].measurement != out[j].measurement {
			return out[i].measurement < out[j].measurement
		}
		return out[i].id < out[j].id
	})
	return out
}

type located struct {
	db, measurement, id string
	*entry
}

// Databases returns the database names.
func (e *Engine) Databases() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.dbs))
	for db := range e.dbs {
		out = append(out, db)
	}
	sort.Strings(out)
	return out
}

// Measurements returns the measurement names of a database.
func (e *Engine) Measurements(db string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.dbs[db]))
	for name := range e.dbs[db] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Fields returns the distinct field names of a measurement.
func (e *Engine) Fields(db, measurement string) []string {
	seen := make(map[string]struct{})
	for _, en := range e.entries(db, measurement) {
		seen[en.field] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SeriesKeys returns the series ids of a measurement.
func (e *Engine) SeriesKeys(db, measurement string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.dbs[db][measurement]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.series))
	for id := range m.series {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SeriesCount returns the number of series across all databases.
func (e *Engine) SeriesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, ms := range e.dbs {
		for _, m := range ms {
			n += len(m.series)
		}
	}
	return n
}

// =============================================================================
// Maintenance
// =============================================================================

// Flush seals every active bucket.
func (e *Engine) Flush() error {
	var errs []error
	for _, l := range e.allEntries() {
		if err := l.ts.MakeReadOnly(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s/%s %s: %w", l.db, l.measurement, l.id, err))
		}
	}
	return errors.Join(errs...)
}

// ReadOnlyBuckets returns every sealed bucket.
func (e *Engine) ReadOnlyBuckets() []*series.Bucket {
	var out []*series.Bucket
	for _, l := range e.allEntries() {
		out = append(out, l.ts.ReadOnlyBuckets()...)
	}
	return out
}

// DropBefore removes sealed windows ending at or before cutoff and drops
// series left without buckets.
func (e *Engine) DropBefore(cutoff int64) retention.CleanupResult {
	result := retention.CleanupResult{Cutoff: cutoff}

	var dropped []*series.Bucket
	var emptied []located
	for _, l := range e.allEntries() {
		buckets := l.ts.DropBefore(cutoff)
		dropped = append(dropped, buckets...)
		if len(buckets) > 0 && l.ts.Empty() {
			emptied = append(emptied, l)
		}
	}

	for _, b := range dropped {
		result.BucketsDropped++
		result.PointsDropped += int64(b.Count())
		result.BytesFreed += int64(b.Size())
	}

	e.archivedMu.Lock()
	for _, b := range dropped {
		delete(e.archived, b.ID())
	}
	e.archivedMu.Unlock()

	if len(emptied) > 0 {
		e.mu.Lock()
		for _, l := range emptied {
			m, ok := e.dbs[l.db][l.measurement]
			if !ok || m.series[l.id] != l.entry || !l.ts.Empty() {
				continue
			}
			delete(m.series, l.id)
			result.SeriesRemoved++
			if len(m.series) == 0 {
				delete(e.dbs[l.db], l.measurement)
			}
			if len(e.dbs[l.db]) == 0 {
				delete(e.dbs, l.db)
			}
		}
		e.mu.Unlock()
	}

	return result
}

// RunRetention runs one retention pass now.
func (e *Engine) RunRetention() (retention.CleanupResult, bool) {
	if e.retention == nil {
		return retention.CleanupResult{}, false
	}
	return e.retention.RunCleanup(), true
}

// Compact queues every sealed bucket for recompression.
func (e *Engine) Compact() int {
	if e.compaction == nil {
		return 0
	}
	return e.compaction.ScheduleJobs()
}

// =============================================================================
// Archival
// =============================================================================

// Archive seals every bucket and hands each sealed bucket not archived
// before to the archiver. It returns the number of buckets archived.
func (e *Engine) Archive(a archival.Archiver) (int, error) {
	if err := e.Flush(); err != nil {
		return 0, err
	}

	n := 0
	for _, l := range e.allEntries() {
		for _, b := range l.ts.ReadOnlyBuckets() {
			if e.isArchived(b) {
				continue
			}

			data, err := b.MarshalBinary()
			if err != nil {
				return n, fmt.Errorf("serialize bucket %d of %s: %w", b.Key(), l.id, err)
			}
			obj := archival.Object{
				DB:          l.db,
				Measurement: l.measurement,
				Key:         l.id,
				Bucket: archival.Bucket{
					HeaderTimestamp: b.HeaderTimestamp(),
					Count:           int32(b.Count()),
					Data:            data,
				},
			}
			if err := a.Archive(obj); err != nil {
				return n, fmt.Errorf("archive bucket %d of %s: %w", b.Key(), l.id, err)
			}

			e.markArchived(b)
			n++
		}
	}

	log.Info("buckets archived", "count", n)
	return n, nil
}

// Restore loads every archived bucket into its series.
func (e *Engine) Restore(a archival.Archiver) (int, error) {
	objects, err := a.Unarchive()
	if err != nil {
		return 0, fmt.Errorf("unarchive: %w", err)
	}

	n := 0
	for _, obj := range objects {
		field, tags := types.ParseSeriesID(obj.Key)
		s, err := e.GetOrCreateTimeSeries(obj.DB, obj.Measurement, field, tags)
		if err != nil {
			return n, err
		}

		key := series.WindowKey(obj.Bucket.HeaderTimestamp, e.width)
		b, err := series.UnmarshalBucket(key, int(obj.Bucket.Count), obj.Bucket.Data)
		if err != nil {
			return n, fmt.Errorf("restore %s/%s %s: %w", obj.DB, obj.Measurement, obj.Key, err)
		}
		if err := s.AddBucket(b); err != nil {
			return n, fmt.Errorf("restore %s/%s %s: %w", obj.DB, obj.Measurement, obj.Key, err)
		}

		e.markArchived(b)
		n++
	}

	log.Info("buckets restored", "count", n)
	return n, nil
}

func (e *Engine) isArchived(b *series.Bucket) bool {
	e.archivedMu.Lock()
	defer e.archivedMu.Unlock()
	_, ok := e.archived[b.ID()]
	return ok
}

func (e *Engine) markArchived(b *series.Bucket) {
	e.archivedMu.Lock()
	defer e.archivedMu.Unlock()
	e.archived[b.ID()] = struct{}{}
}

// =============================================================================
// Statistics
// =============================================================================

// Stats returns engine statistics.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Running:        e.running.Load(),
		PointsWritten:  e.pointsWritten.Load(),
		PointsRejected: e.pointsRejected.Load(),
	}
	if !e.startTime.IsZero() {
		stats.Uptime = time.Since(e.startTime)
	}

	dbs := make(map[string]struct{})
	measurements := make(map[string]struct{})
	for _, l := range e.allEntries() {
		dbs[l.db] = struct{}{}
		measurements[types.RouteKey(l.db, l.measurement)] = struct{}{}
		stats.Series++
		for _, b := range l.ts.Buckets() {
			stats.Buckets++
			stats.Points += int64(b.Count())
			stats.Bytes += int64(b.Size())
		}
	}
	stats.Databases = len(dbs)
	stats.Measurements = len(measurements)

	if e.cache != nil {
		stats.CacheHitRatio = e.cache.HitRatio()
	}
	if e.compaction != nil {
		stats.Compaction = e.compaction.Stats()
	}
	if e.retention != nil {
		stats.Retention = e.retention.Stats()
	}
	return stats
}

// EngineStats holds combined statistics.
type EngineStats struct {
	Running        bool
	Uptime         time.Duration
	Databases      int
	Measurements   int
	Series         int
	Buckets        int
	Points         int64
	Bytes          int64
	PointsWritten  int64
	PointsRejected int64
	CacheHitRatio  float64
	Compaction     compaction.EngineStats
	Retention      retention.Stats
}
