package types

import (
	"math"
	"sort"
	"strings"
	"time"
)

// DataPoint is one decoded record. Float values are stored as their
// IEEE-754 bit pattern in Value with FP set.
type DataPoint struct {
	Timestamp int64 // Unix milliseconds
	Value     int64
	FP        bool
}

// NewFloat creates a floating point DataPoint.
func NewFloat(ts int64, v float64) DataPoint {
	return DataPoint{Timestamp: ts, Value: int64(math.Float64bits(v)), FP: true}
}

// NewInt creates an integer DataPoint.
func NewInt(ts int64, v int64) DataPoint {
	return DataPoint{Timestamp: ts, Value: v}
}

// Float returns the value as float64, converting integers.
func (d DataPoint) Float() float64 {
	if d.FP {
		return math.Float64frombits(uint64(d.Value))
	}
	return float64(d.Value)
}

// Time returns the timestamp as a time.Time.
func (d DataPoint) Time() time.Time {
	return time.UnixMilli(d.Timestamp)
}

// Tags are the dimension labels of a series.
type Tags map[string]string

// Key returns the canonical series key: sorted k=v pairs joined by ','.
// The empty tag set has the empty key.
func (t Tags) Key() string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(t[k])
	}
	return sb.String()
}

// Matches reports whether every filter tag is present with the same value.
func (t Tags) Matches(filter Tags) bool {
	for k, v := range filter {
		if t[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a copy of t.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// ParseTags is the inverse of Tags.Key.
func ParseTags(key string) Tags {
	if key == "" {
		return Tags{}
	}
	parts := strings.Split(key, ",")
	out := make(Tags, len(parts))
	for _, p := range parts {
		k, v, _ := strings.Cut(p, "=")
		out[k] = v
	}
	return out
}

// Point is a DataPoint addressed to one series field.
type Point struct {
	DB          string
	Measurement string
	Field       string
	Tags        Tags
	DataPoint
}

// SeriesKey returns the canonical tag key of the point.
func (p *Point) SeriesKey() string {
	return p.Tags.Key()
}

// RouteKey returns the placement key of the point: db and measurement.
func (p *Point) RouteKey() string {
	return RouteKey(p.DB, p.Measurement)
}

// RouteKey joins a db and measurement into a placement key.
func RouteKey(db, measurement string) string {
	return db + "/" + measurement
}

// SplitRouteKey is the inverse of RouteKey.
func SplitRouteKey(key string) (db, measurement string) {
	db, measurement, _ = strings.Cut(key, "/")
	return db, measurement
}

// Series is the query result for one field of one tag combination.
type Series struct {
	DB          string
	Measurement string
	Field       string
	Tags        Tags
	FP          bool
	Points      []DataPoint
}

// Key returns db/measurement/field/tagkey.
func (s *Series) Key() string {
	return s.DB + "/" + s.Measurement + "/" + s.Field + "/" + s.Tags.Key()
}

// Len returns the number of points.
func (s *Series) Len() int {
	return len(s.Points)
}

// SeriesID identifies one field of one tag combination inside a
// measurement: field, '#', then the tag key.
func SeriesID(field string, tags Tags) string {
	return field + "#" + tags.Key()
}

// ParseSeriesID is the inverse of SeriesID.
func ParseSeriesID(id string) (field string, tags Tags) {
	field, key, _ := strings.Cut(id, "#")
	return field, ParseTags(key)
}
