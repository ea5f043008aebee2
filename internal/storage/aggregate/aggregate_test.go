package aggregate

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/tsdb/internal/storage/types"
)

func testSeries(points ...types.DataPoint) *types.Series {
	return &types.Series{
		DB:          "db",
		Measurement: "cpu",
		Field:       "usage",
		Tags:        types.Tags{"host": "a"},
		FP:          true,
		Points:      points,
	}
}

func TestAggregate_Basic(t *testing.T) {
	s := testSeries()
	agg := New(s, 0, 60_000, 0)

	if !agg.IsEmpty() {
		t.Error("new aggregate should be empty")
	}

	agg.Add(types.NewFloat(1000, 10))
	agg.Add(types.NewFloat(2000, 20))
	agg.Add(types.NewInt(3000, 30))

	result := agg.Result()
	if result.Count != 3 {
		t.Errorf("expected count=3, got %d", result.Count)
	}
	if result.Sum != 60 || result.Min != 10 || result.Max != 30 {
		t.Errorf("unexpected sum/min/max %f/%f/%f", result.Sum, result.Min, result.Max)
	}
	if math.Abs(result.Avg-20) > 0.001 {
		t.Errorf("expected avg=20, got %f", result.Avg)
	}
	if result.FirstTs != 1000 || result.LastTs != 3000 {
		t.Errorf("unexpected first/last %d/%d", result.FirstTs, result.LastTs)
	}
	if result.HasPercentiles() {
		t.Error("should not have percentiles")
	}
	if result.Key() != s.Key() {
		t.Errorf("result key %q != series key %q", result.Key(), s.Key())
	}
	if agg.Duration() != time.Minute {
		t.Errorf("unexpected duration %s", agg.Duration())
	}
}

func TestAggregate_Percentiles(t *testing.T) {
	agg := New(testSeries(), 0, 1_000_000, DefaultAccuracy)
	for i := 1; i <= 1000; i++ {
		agg.Add(types.NewFloat(int64(i), float64(i)))
	}

	result := agg.Result()
	if !result.HasPercentiles() {
		t.Fatal("expected percentiles")
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"p50", *result.P50, 500},
		{"p90", *result.P90, 900},
		{"p95", *result.P95, 950},
		{"p99", *result.P99, 990},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want)/c.want > 0.02 {
			t.Errorf("%s: expected ~%f, got %f", c.name, c.want, c.got)
		}
	}
}

func TestAggregate_NegativeValues(t *testing.T) {
	agg := New(testSeries(), 0, 100, DefaultAccuracy)
	agg.Add(types.NewFloat(1, -5))
	agg.Add(types.NewFloat(2, 5))

	result := agg.Result()
	if result.Min != -5 || result.Max != 5 || result.Sum != 0 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestAggregate_IgnoresNaN(t *testing.T) {
	agg := New(testSeries(), 0, 100, 0)
	agg.Add(types.NewFloat(1, math.NaN()))
	if !agg.IsEmpty() {
		t.Error("NaN should not be counted")
	}
}

func TestAggregate_ResetAndMerge(t *testing.T) {
	a := New(testSeries(), 0, 100, DefaultAccuracy)
	b := New(testSeries(), 0, 100, DefaultAccuracy)
	for i := 0; i < 10; i++ {
		a.Add(types.NewFloat(int64(i), float64(i)))
		b.Add(types.NewFloat(int64(i+50), float64(i+100)))
	}

	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	result := a.Result()
	if result.Count != 20 || result.Min != 0 || result.Max != 109 {
		t.Errorf("unexpected merged result count=%d min=%f max=%f", result.Count, result.Min, result.Max)
	}
	if result.FirstTs != 0 || result.LastTs != 59 {
		t.Errorf("unexpected merged first/last %d/%d", result.FirstTs, result.LastTs)
	}

	a.Reset(100, 200)
	if !a.IsEmpty() || a.WindowStart() != 100 {
		t.Error("reset should clear the aggregate and move the window")
	}
	a.Add(types.NewFloat(150, 1))
	if r := a.Result(); r.P50 == nil || *r.P50 > 1.02 {
		t.Error("reset must clear the sketch")
	}
}

func TestAggregate_Concurrent(t *testing.T) {
	agg := New(testSeries(), 0, 1_000_000, DefaultAccuracy)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				agg.Add(types.NewFloat(int64(g*1000+i), 1))
			}
		}(g)
	}
	wg.Wait()

	if agg.Count() != 8000 {
		t.Errorf("expected 8000, got %d", agg.Count())
	}
}

func TestSummarize(t *testing.T) {
	s := testSeries(
		types.NewFloat(100, 1),
		types.NewFloat(200, 2),
		types.NewFloat(300, 3),
	)

	result := Summarize(s, DefaultAccuracy)
	if result.Count != 3 || result.Avg != 2 {
		t.Errorf("unexpected summary %+v", result)
	}
	if result.BucketStart != 100 || result.BucketEnd != 301 {
		t.Errorf("summary should span the points, got [%d, %d)", result.BucketStart, result.BucketEnd)
	}

	empty := Summarize(testSeries(), DefaultAccuracy)
	if !empty.IsEmpty() || empty.HasPercentiles() {
		t.Errorf("empty series should give an empty summary, got %+v", empty)
	}
}

func TestDownsample(t *testing.T) {
	var points []types.DataPoint
	for i := 0; i < 100; i++ {
		points = append(points, types.NewInt(int64(i)*1000, int64(i)))
	}
	other := *testSeries(types.NewInt(5000, 7))
	other.Tags = types.Tags{"host": "b"}

	results, err := Downsample([]types.Series{*testSeries(points...), other}, 10*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 11 {
		t.Fatalf("expected 11 windows, got %d", len(results))
	}

	for i, r := range results[:10] {
		if r.Tags["host"] != "a" {
			t.Fatalf("window %d: results should be ordered by series key", i)
		}
		if r.BucketStart != int64(i)*10_000 || r.Count != 10 {
			t.Errorf("window %d: start=%d count=%d", i, r.BucketStart, r.Count)
		}
		if want := float64(i*10) + 4.5; r.Avg != want {
			t.Errorf("window %d: expected avg %f, got %f", i, want, r.Avg)
		}
	}
	if last := results[10]; last.Tags["host"] != "b" || last.Count != 1 || last.BucketStart != 0 {
		t.Errorf("unexpected host b window %+v", last)
	}

	if _, err := Downsample(nil, 0, 0); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestDownsampler_LatePoints(t *testing.T) {
	d, err := NewDownsampler(time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}

	d.Process(testSeries(types.NewInt(5000, 1), types.NewInt(1000, 2), types.NewInt(-1, 3)))

	stats := d.Stats()
	if stats.LatePoints != 2 || stats.PointsProcessed != 1 || stats.ActiveAggregates != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	results := d.Flush()
	if len(results) != 1 || results[0].BucketStart != 5000 {
		t.Errorf("unexpected results %+v", results)
	}
	if d.Stats().ActiveAggregates != 0 {
		t.Error("flush should clear active aggregates")
	}
}

func TestDownsampler_NegativeWindow(t *testing.T) {
	d, _ := NewDownsampler(time.Second, 0)
	if start, end := d.windowOf(-1); start != -1000 || end != 0 {
		t.Errorf("windowOf(-1) = [%d, %d)", start, end)
	}
}
