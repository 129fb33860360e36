package numerics_test

import (
	"math"
	"testing"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/numerics"
)

func TestSafeDiv(t *testing.T) {
	cases := []struct {
		name    string
		a, b    float64
		def     float64
		want    float64
	}{
		{"normal", 10, 2, -1, 5},
		{"zero denominator", 10, 0, -1, -1},
		{"sub-epsilon denominator", 10, 1e-12, -1, -1},
		{"nan numerator", math.NaN(), 2, -1, -1},
		{"inf denominator", 10, math.Inf(1), -1, -1},
	}
	for _, tc := range cases {
		if got := numerics.SafeDiv(tc.a, tc.b, tc.def); got != tc.want {
			t.Errorf("%s: SafeDiv(%v, %v) = %v, want %v", tc.name, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestClamp(t *testing.T) {
	if got := numerics.Clamp(0.5, -0.2, 0.25); got != 0.25 {
		t.Errorf("clamp high: got %v", got)
	}
	if got := numerics.Clamp(-0.5, -0.2, 0.25); got != -0.2 {
		t.Errorf("clamp low: got %v", got)
	}
	if got := numerics.Clamp(0.1, -0.2, 0.25); got != 0.1 {
		t.Errorf("clamp passthrough: got %v", got)
	}
}

func TestGeometricMean_IgnoresNonPositive(t *testing.T) {
	got := numerics.GeometricMean([]float64{2, 8, -5, 0})
	if math.Abs(got-4) > 1e-9 {
		t.Fatalf("expected 4, got %v", got)
	}
	if numerics.GeometricMean([]float64{-1, 0}) != 0 {
		t.Fatal("expected 0 when nothing is positive")
	}
}

func TestTrimmedMean(t *testing.T) {
	// 20% trim on five values drops the min and the max.
	got := numerics.TrimmedMean([]float64{100, 1, 2, 3, -100}, 0.2)
	if math.Abs(got-2) > 1e-9 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestStdDev(t *testing.T) {
	if numerics.StdDev([]float64{5}) != 0 {
		t.Fatal("single value must have zero stddev")
	}
	got := numerics.StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if math.Abs(got-2) > 1e-9 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestQuartilesAndOutliers(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 100}
	q := numerics.ComputeQuartiles(values)
	if q.IQR <= 0 {
		t.Fatalf("expected positive IQR, got %v", q.IQR)
	}
	marks := numerics.MarkOutliers(values)
	if !marks[len(marks)-1] {
		t.Fatal("100 should be marked as an outlier")
	}
	for i := 0; i < len(marks)-1; i++ {
		if marks[i] {
			t.Fatalf("value %v wrongly marked", values[i])
		}
	}
}

func TestPercentile(t *testing.T) {
	sample := []float64{1, 2, 3, 4}
	if got := numerics.Percentile(sample, 4); got != 1 {
		t.Fatalf("max should rank 1, got %v", got)
	}
	if got := numerics.Percentile(sample, 0); got != 0 {
		t.Fatalf("below-min should rank 0, got %v", got)
	}
}

func TestCoerceDate(t *testing.T) {
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	cases := []any{
		"2024-03-15",
		want,
		want.Unix(),
		float64(want.UnixMilli()),
		map[string]any{"date": "2024-03-15"},
	}
	for i, c := range cases {
		got := numerics.CoerceDate(c)
		if !got.Equal(want) {
			t.Errorf("case %d: got %v, want %v", i, got, want)
		}
	}
	if !numerics.CoerceDate("garbage").IsZero() {
		t.Fatal("unparseable input must yield zero time")
	}
}

func TestTTM(t *testing.T) {
	anchor := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	points := []numerics.Point{
		{Date: anchor, Value: 100},
		{Date: anchor.AddDate(0, -3, 0), Value: 90},
		{Date: anchor.AddDate(0, -6, 0), Value: 80},
		{Date: anchor.AddDate(0, -9, 0), Value: 70},
		// Older than twelve months; excluded.
		{Date: anchor.AddDate(-1, -1, 0), Value: 999},
		// Invalid value; skipped.
		{Date: anchor.AddDate(0, -1, 0), Value: math.NaN()},
	}
	got, ok := numerics.TTM(points)
	if !ok {
		t.Fatal("expected a TTM value")
	}
	if got != 340 {
		t.Fatalf("expected 340, got %v", got)
	}

	if _, ok := numerics.TTM(nil); ok {
		t.Fatal("empty series must not produce a TTM")
	}
}

func TestMostRecentAndNBack(t *testing.T) {
	points := []numerics.Point{
		{Date: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Value: 1},
		{Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Value: math.Inf(1)},
		{Date: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), Value: 3},
	}
	latest, ok := numerics.MostRecentValid(points)
	if !ok || latest.Value != 1 {
		t.Fatalf("expected the 2023 point, got %+v ok=%v", latest, ok)
	}
	back, ok := numerics.NBackValid(points, 1)
	if !ok || back.Value != 3 {
		t.Fatalf("expected the 2022 point, got %+v ok=%v", back, ok)
	}
	if _, ok := numerics.NBackValid(points, 5); ok {
		t.Fatal("out-of-range lookback must fail")
	}
}

func TestValidateSeries(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []numerics.Point{
		{Date: base, Value: 1},
		{Date: base.AddDate(0, -3, 0), Value: 0},
		// Ten-month gap to the next point.
		{Date: base.AddDate(-1, -1, 0), Value: 2},
	}
	v := numerics.ValidateSeries(points, 120*24*time.Hour, 5)
	if v.Valid != 3 || v.ZeroValues != 1 {
		t.Fatalf("unexpected summary: %+v", v)
	}
	if v.GapsOver != 1 {
		t.Fatalf("expected one oversized gap, got %d", v.GapsOver)
	}
	if !v.Insufficient {
		t.Fatal("three points under a five-point minimum must be insufficient")
	}
}

func TestRollingWindows(t *testing.T) {
	anchor := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	points := []numerics.Point{
		{Date: anchor, Value: 10},
		{Date: anchor.AddDate(0, -1, 0), Value: 20},
		{Date: anchor.AddDate(0, -4, 0), Value: 30},
	}
	window := 90 * 24 * time.Hour
	if got := numerics.RollingSum(points, anchor, window); got != 30 {
		t.Fatalf("rolling sum: expected 30, got %v", got)
	}
	if got := numerics.RollingAverage(points, anchor, window); got != 15 {
		t.Fatalf("rolling average: expected 15, got %v", got)
	}
}
