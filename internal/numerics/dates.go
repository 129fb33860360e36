package numerics

import (
	"sort"
	"time"
)

// Point is a dated observation. Valid points have a usable date and a finite
// value.
type Point struct {
	Date  time.Time
	Value float64
}

// Valid reports whether the point can participate in windowed calculations.
func (p Point) Valid() bool {
	return !p.Date.IsZero() && IsFinite(p.Value)
}

// CoerceDate accepts the date shapes the vendor feeds produce: time.Time,
// ISO-8601 strings (date or datetime), epoch seconds or milliseconds, and
// maps carrying a date-shaped field. A zero time means unparseable.
func CoerceDate(v any) time.Time {
	switch d := v.(type) {
	case time.Time:
		return d
	case *time.Time:
		if d == nil {
			return time.Time{}
		}
		return *d
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, d); err == nil {
				return t
			}
		}
		return time.Time{}
	case float64:
		return epochToTime(int64(d))
	case int64:
		return epochToTime(d)
	case int:
		return epochToTime(int64(d))
	case map[string]any:
		for _, key := range []string{"date", "Date", "reportDate", "filing_date", "period"} {
			if inner, ok := d[key]; ok {
				if t := CoerceDate(inner); !t.IsZero() {
					return t
				}
			}
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

// Values after ~2001 in ms are > 1e12; treat anything that large as epoch
// milliseconds rather than seconds.
func epochToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

// MostRecentValid returns the latest valid point, ok=false when none exists.
func MostRecentValid(points []Point) (Point, bool) {
	var best Point
	var found bool
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		if !found || p.Date.After(best.Date) {
			best = p
			found = true
		}
	}
	return best, found
}

// NBackValid returns the n-th most recent valid point (n=0 is the latest).
func NBackValid(points []Point, n int) (Point, bool) {
	valid := make([]Point, 0, len(points))
	for _, p := range points {
		if p.Valid() {
			valid = append(valid, p)
		}
	}
	sortPointsDesc(valid)
	if n < 0 || n >= len(valid) {
		return Point{}, false
	}
	return valid[n], true
}

// RollingSum sums valid values dated within window before anchor (inclusive).
func RollingSum(points []Point, anchor time.Time, window time.Duration) float64 {
	var sum float64
	cutoff := anchor.Add(-window)
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		if p.Date.After(anchor) || !p.Date.After(cutoff) {
			continue
		}
		sum += p.Value
	}
	return sum
}

// RollingAverage averages valid values dated within window before anchor.
func RollingAverage(points []Point, anchor time.Time, window time.Duration) float64 {
	var sum float64
	var n int
	cutoff := anchor.Add(-window)
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		if p.Date.After(anchor) || !p.Date.After(cutoff) {
			continue
		}
		sum += p.Value
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// TTM sums values over the trailing twelve months anchored at the most
// recent valid point. ok=false when no valid point exists.
func TTM(points []Point) (float64, bool) {
	anchor, found := MostRecentValid(points)
	if !found {
		return 0, false
	}
	const year = 365 * 24 * time.Hour
	cutoff := anchor.Date.Add(-year)
	var sum float64
	for _, p := range points {
		if !p.Valid() || p.Date.After(anchor.Date) || !p.Date.After(cutoff) {
			continue
		}
		sum += p.Value
	}
	return sum, true
}

// DateIntervals returns evenly spaced instants from start to end (inclusive
// of start, exclusive past end), with the step clamped to [minStep, maxStep].
func DateIntervals(start, end time.Time, step, minStep, maxStep time.Duration) []time.Time {
	if step < minStep {
		step = minStep
	}
	if step > maxStep {
		step = maxStep
	}
	if step <= 0 || !end.After(start) {
		return nil
	}
	var out []time.Time
	for t := start; !t.After(end); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// SeriesValidation summarizes the health of a dated series.
type SeriesValidation struct {
	Total        int
	Valid        int
	ZeroValues   int
	MaxGap       time.Duration
	GapsOver     int
	Insufficient bool
}

// ValidateSeries checks a series for gaps beyond gapThreshold, zero values,
// and insufficient length (< minPoints valid observations).
func ValidateSeries(points []Point, gapThreshold time.Duration, minPoints int) SeriesValidation {
	v := SeriesValidation{Total: len(points)}
	valid := make([]Point, 0, len(points))
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		valid = append(valid, p)
		if p.Value == 0 {
			v.ZeroValues++
		}
	}
	v.Valid = len(valid)
	v.Insufficient = v.Valid < minPoints
	sortPointsDesc(valid)
	for i := 1; i < len(valid); i++ {
		gap := valid[i-1].Date.Sub(valid[i].Date)
		if gap > v.MaxGap {
			v.MaxGap = gap
		}
		if gap > gapThreshold {
			v.GapsOver++
		}
	}
	return v
}

func sortPointsDesc(points []Point) {
	sort.Slice(points, func(i, j int) bool { return points[i].Date.After(points[j].Date) })
}
