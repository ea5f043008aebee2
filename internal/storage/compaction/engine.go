// Package compaction re-encodes read-only buckets into a denser codec.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tsdb/internal/config"
	"github.com/xtxerr/tsdb/internal/logging"
	"github.com/xtxerr/tsdb/internal/storage/compression"
	"github.com/xtxerr/tsdb/internal/storage/series"
)

var log = logging.Component("compaction")

// Source lists the buckets eligible for compaction.
type Source interface {
	ReadOnlyBuckets() []*series.Bucket
}

// Engine runs a pool of workers that recode read-only buckets into the
// compaction codec. A bucket is swapped only when the result is smaller.
type Engine struct {
	mu sync.RWMutex

	source      Source
	codec       compression.Codec
	interval    time.Duration
	initialSize int

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Job queue
	jobCh   chan Job
	workers int
	pending sync.Map // bucket id -> struct{}

	// Statistics
	stats Stats
}

// Stats holds compaction statistics.
type Stats struct {
	JobsScheduled  atomic.Int64
	JobsCompleted  atomic.Int64
	JobsFailed     atomic.Int64
	BucketsRecoded atomic.Int64
	BucketsSkipped atomic.Int64
	BytesBefore    atomic.Int64
	BytesAfter     atomic.Int64
}

// Job is one bucket to recode.
type Job struct {
	Bucket *series.Bucket
}

// New creates a compaction engine for the storage configuration.
func New(cfg *config.StorageConfig, source Source) (*Engine, error) {
	if cfg == nil || cfg.CompactionCodec == "" {
		return nil, fmt.Errorf("compaction codec is not configured")
	}

	codec, err := compression.Lookup(cfg.CompactionCodec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.CompactionWorkers
	if workers <= 0 {
		workers = 2
	}
	interval := cfg.CompactionInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &Engine{
		source:      source,
		codec:       codec,
		interval:    interval,
		initialSize: int(cfg.InitialBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		jobCh:       make(chan Job, 1024),
		workers:     workers,
	}, nil
}

// Start starts the workers and the scheduler.
func (e *Engine) Start() error {
	if e.running.Load() {
		return fmt.Errorf("engine already running")
	}

	e.running.Store(true)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.scheduler()

	log.Info("compaction started",
		"codec", e.codec.Name,
		"workers", e.workers,
		"interval", e.interval)

	return nil
}

// Stop stops the engine and waits for running jobs.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return nil
	}
	e.running.Store(false)
	e.cancel()
	close(e.jobCh)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for job := range e.jobCh {
		err := e.runJob(job)
		e.pending.Delete(job.Bucket.ID())
		if err != nil {
			e.stats.JobsFailed.Add(1)
			log.Warn("compaction failed",
				"worker", id,
				"bucket", job.Bucket.ID(),
				"error", err)
			continue
		}
		e.stats.JobsCompleted.Add(1)
	}
}

func (e *Engine) scheduler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ScheduleJobs()
		}
	}
}

// ScheduleJobs queues every read-only bucket not yet in the compaction
// codec and returns the number queued.
func (e *Engine) ScheduleJobs() int {
	n := 0
	for _, b := range e.source.ReadOnlyBuckets() {
		if b.Codec() == e.codec.Name {
			continue
		}
		if _, busy := e.pending.LoadOrStore(b.ID(), struct{}{}); busy {
			continue
		}
		if !e.SubmitJob(Job{Bucket: b}) {
			e.pending.Delete(b.ID())
			break
		}
		n++
	}
	return n
}

// SubmitJob submits a job to the queue.
func (e *Engine) SubmitJob(job Job) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running.Load() {
		return false
	}

	select {
	case e.jobCh <- job:
		e.stats.JobsScheduled.Add(1)
		return true
	default:
		// Queue full
		return false
	}
}

// RunJob executes a compaction job synchronously.
func (e *Engine) RunJob(job Job) error {
	return e.runJob(job)
}

func (e *Engine) runJob(job Job) error {
	b := job.Bucket
	if !b.IsReadOnly() {
		return fmt.Errorf("bucket %d is not read-only", b.ID())
	}
	if b.Codec() == e.codec.Name {
		e.stats.BucketsSkipped.Add(1)
		return nil
	}

	before := b.Size()
	recoded, err := compression.Recode(b.Writer(), e.codec, max(e.initialSize, before))
	if err != nil {
		return fmt.Errorf("recode bucket %d: %w", b.ID(), err)
	}

	after := recoded.Size()
	if after >= before {
		e.stats.BucketsSkipped.Add(1)
		return nil
	}

	if err := b.Replace(recoded); err != nil {
		return fmt.Errorf("replace bucket %d: %w", b.ID(), err)
	}

	e.stats.BucketsRecoded.Add(1)
	e.stats.BytesBefore.Add(int64(before))
	e.stats.BytesAfter.Add(int64(after))

	log.Debug("bucket recoded",
		"bucket", b.ID(),
		"window", b.Key(),
		"codec", e.codec.Name,
		"bytes_before", before,
		"bytes_after", after)
	return nil
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:        e.running.Load(),
		JobsScheduled:  e.stats.JobsScheduled.Load(),
		JobsCompleted:  e.stats.JobsCompleted.Load(),
		JobsFailed:     e.stats.JobsFailed.Load(),
		BucketsRecoded: e.stats.BucketsRecoded.Load(),
		BucketsSkipped: e.stats.BucketsSkipped.Load(),
		BytesBefore:    e.stats.BytesBefore.Load(),
		BytesAfter:     e.stats.BytesAfter.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running        bool
	JobsScheduled  int64
	JobsCompleted  int64
	JobsFailed     int64
	BucketsRecoded int64
	BucketsSkipped int64
	BytesBefore    int64
	BytesAfter     int64
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}
