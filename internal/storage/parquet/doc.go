// Package parquet stores archived buckets and downsampled aggregates in
// Parquet files.
//
// The package provides:
//   - Archiver, an archival.Archiver writing one row per bucket
//   - BucketWriter/BucketReader for raw bucket rows
//   - AggregateWriter/AggregateReader for downsampled windows
//   - Page compression: snappy, zstd, gzip or none
package parquet
