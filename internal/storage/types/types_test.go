package types

import (
	"math"
	"testing"
)

func TestTagsKey(t *testing.T) {
	tags := Tags{"host": "a", "dc": "eu", "rack": "7"}

	expected := "dc=eu,host=a,rack=7"
	if tags.Key() != expected {
		t.Errorf("expected %s, got %s", expected, tags.Key())
	}

	if (Tags{}).Key() != "" || Tags(nil).Key() != "" {
		t.Error("empty tags should have the empty key")
	}

	parsed := ParseTags(expected)
	if parsed.Key() != expected {
		t.Errorf("ParseTags round trip: got %s", parsed.Key())
	}
}

func TestTagsMatches(t *testing.T) {
	tags := Tags{"host": "a", "dc": "eu"}

	tests := []struct {
		filter Tags
		want   bool
	}{
		{nil, true},
		{Tags{"host": "a"}, true},
		{Tags{"host": "a", "dc": "eu"}, true},
		{Tags{"host": "b"}, false},
		{Tags{"zone": "x"}, false},
	}
	for _, tt := range tests {
		if got := tags.Matches(tt.filter); got != tt.want {
			t.Errorf("Matches(%v) = %v, want %v", tt.filter, got, tt.want)
		}
	}
}

func TestDataPointFloat(t *testing.T) {
	p := NewFloat(10, -2.5)
	if !p.FP || p.Float() != -2.5 {
		t.Errorf("expected -2.5, got %v", p.Float())
	}
	if uint64(p.Value) != math.Float64bits(-2.5) {
		t.Error("float points store their bit pattern")
	}

	i := NewInt(10, 42)
	if i.FP || i.Float() != 42 {
		t.Errorf("expected 42, got %v", i.Float())
	}
}

func TestRouteKey(t *testing.T) {
	p := Point{DB: "db1", Measurement: "cpu"}
	if p.RouteKey() != "db1/cpu" {
		t.Errorf("unexpected route key %s", p.RouteKey())
	}
	db, m := SplitRouteKey(p.RouteKey())
	if db != "db1" || m != "cpu" {
		t.Errorf("SplitRouteKey = %s, %s", db, m)
	}
}

func TestExprLeaves(t *testing.T) {
	tests := []struct {
		name string
		expr *Expr
		v    float64
		want bool
	}{
		{"gt true", Value(CmpGT, 1), 2, true},
		{"gt false", Value(CmpGT, 1), 1, false},
		{"gte", Value(CmpGTE, 1), 1, true},
		{"lt", Value(CmpLT, 0), -1, true},
		{"lte", Value(CmpLTE, 0), 0.5, false},
		{"eq", Value(CmpEQ, 3), 3, true},
		{"neq", Value(CmpNEQ, 3), 3, false},
		{"between inside", ValueBetween(1, 5), 5, true},
		{"between outside", ValueBetween(1, 5), 5.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := int64(math.Float64bits(tt.v))
			if got := tt.expr.Eval(0, raw, true); got != tt.want {
				t.Errorf("%s on %v = %v, want %v", tt.expr, tt.v, got, tt.want)
			}
		})
	}
}

func TestExprIntegerValues(t *testing.T) {
	e := Value(CmpLT, 2.5)
	if !e.Eval(0, 2, false) {
		t.Error("2 < 2.5 for integer series")
	}
	if e.Eval(0, 3, false) {
		t.Error("3 is not < 2.5")
	}
}

func TestExprTree(t *testing.T) {
	// (value > 10 && time in [100, 200]) || !(value >= 0)
	e := Or(
		And(Value(CmpGT, 10), TimeRange(100, 200)),
		Not(Value(CmpGTE, 0)),
	)

	tests := []struct {
		ts, v int64
		want  bool
	}{
		{150, 11, true},
		{250, 11, false},
		{150, 5, false},
		{999, -1, true},
	}
	for _, tt := range tests {
		if got := e.Eval(tt.ts, tt.v, false); got != tt.want {
			t.Errorf("Eval(%d, %d) = %v, want %v", tt.ts, tt.v, got, tt.want)
		}
	}

	// Apply ignores time leaves
	if !e.Apply(11, false) {
		t.Error("Apply should treat time leaves as satisfied")
	}
}

func TestExprNilAndEmpty(t *testing.T) {
	var e *Expr
	if !e.Eval(1, 1, false) || !e.Apply(1, false) {
		t.Error("nil expression matches everything")
	}
	if !And().Eval(1, 1, false) {
		t.Error("empty And matches")
	}
	if Or().Eval(1, 1, false) {
		t.Error("empty Or matches nothing")
	}
}

func TestAggregateResultKey(t *testing.T) {
	a := AggregateResult{
		DB:          "db",
		Measurement: "cpu",
		Field:       "usage",
		Tags:        Tags{"host": "a"},
	}

	expected := "db/cpu/usage/host=a"
	if a.Key() != expected {
		t.Errorf("expected %s, got %s", expected, a.Key())
	}
}

func TestAggregateResultPercentiles(t *testing.T) {
	a := AggregateResult{}

	if a.HasPercentiles() {
		t.Error("expected no percentiles")
	}

	a.SetPercentiles(50.0, 90.0, 95.0, 99.0)

	if !a.HasPercentiles() {
		t.Error("expected percentiles")
	}

	if *a.P50 != 50.0 {
		t.Errorf("expected P50=50.0, got %v", *a.P50)
	}
	if *a.P95 != 95.0 {
		t.Errorf("expected P95=95.0, got %v", *a.P95)
	}
}

func TestSeriesID(t *testing.T) {
	id := SeriesID("usage", Tags{"host": "a", "dc": "eu"})
	if id != "usage#dc=eu,host=a" {
		t.Fatalf("unexpected id %s", id)
	}
	field, tags := ParseSeriesID(id)
	if field != "usage" || tags.Key() != "dc=eu,host=a" {
		t.Errorf("ParseSeriesID = %s, %v", field, tags)
	}

	field, tags = ParseSeriesID(SeriesID("v", nil))
	if field != "v" || len(tags) != 0 {
		t.Errorf("untagged round trip = %s, %v", field, tags)
	}
}
