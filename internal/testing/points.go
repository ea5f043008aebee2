package testing

import (
	"math"
	"math/rand"

	"github.com/xtxerr/tsdb/internal/storage/types"
)

// Series describes generated points of one series.
type Series struct {
	DB          string
	Measurement string
	Field       string
	Tags        types.Tags

	// Start is the first timestamp and Step the spacing, in milliseconds.
	Start int64
	Step  int64
}

// DefaultSeries is metrics/cpu/usage host=a at one point per second.
func DefaultSeries() Series {
	return Series{
		DB:          "metrics",
		Measurement: "cpu",
		Field:       "usage",
		Tags:        types.Tags{"host": "a"},
		Step:        1000,
	}
}

func (s Series) point(i int, dp types.DataPoint) types.Point {
	dp.Timestamp = s.Start + int64(i)*s.Step
	return types.Point{
		DB:          s.DB,
		Measurement: s.Measurement,
		Field:       s.Field,
		Tags:        s.Tags,
		DataPoint:   dp,
	}
}

// Floats returns n points following a sine wave.
func (s Series) Floats(n int) []types.Point {
	points := make([]types.Point, n)
	for i := range points {
		points[i] = s.point(i, types.NewFloat(0, math.Sin(float64(i)/10)*100))
	}
	return points
}

// Ints returns n points of a counter increasing by i each step.
func (s Series) Ints(n int) []types.Point {
	points := make([]types.Point, n)
	var v int64
	for i := range points {
		v += int64(i)
		points[i] = s.point(i, types.NewInt(0, v))
	}
	return points
}

// RandomWalk returns n float points of a seeded random walk. The same
// seed always yields the same points.
func (s Series) RandomWalk(n int, seed int64) []types.Point {
	r := rand.New(rand.NewSource(seed))
	points := make([]types.Point, n)
	v := 50.0
	for i := range points {
		v += r.NormFloat64()
		points[i] = s.point(i, types.NewFloat(0, v))
	}
	return points
}

// DataPoints strips the identity of points.
func DataPoints(points []types.Point) []types.DataPoint {
	out := make([]types.DataPoint, len(points))
	for i, p := range points {
		out[i] = p.DataPoint
	}
	return out
}
