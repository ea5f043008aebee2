// Package storage implements the in-memory compressed time-series engine.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Engine    │────▶│ TimeSeries  │────▶│   Bucket    │
//	│ db/m/series │     │ (windows)   │     │  (codec)    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	       │                                       │
//	       ▼                                       ▼
//	┌─────────────┐                         ┌─────────────┐
//	│ Compaction  │                         │  Archiver   │
//	│ Retention   │                         │ disk/parquet│
//	└─────────────┘                         └─────────────┘
//
// Points are grouped by database, measurement, field and tag set. Each
// series keeps one bucket per time window; only the newest bucket accepts
// writes and the rest are sealed read-only. Sealed buckets can be
// recompressed, expired or archived.
package storage
