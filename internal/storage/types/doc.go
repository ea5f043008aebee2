// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - DataPoint: one (timestamp, value) pair, integer or float bit pattern
//   - Point: a DataPoint addressed by db, measurement, field and tags
//   - Series: the query result for one field of one tag combination
//   - Expr: a predicate expression tree evaluated during decode
//   - AggregateResult: windowed statistics over a series
package types
