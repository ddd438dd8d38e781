package plan

import "math"

// Default is the factory plan: seven positions from 1.0 down to 0.0,
// all enabled.
func Default() Plan {
	return Plan{
		{Value: 1.0, Enabled: true},
		{Value: 0.8, Enabled: true},
		{Value: 0.6, Enabled: true},
		{Value: 0.4, Enabled: true},
		{Value: 0.2, Enabled: true},
		{Value: 0.1, Enabled: true},
		{Value: 0.0, Enabled: true},
	}
}

// Evenly spreads n enabled positions from b.Max down to b.Min, both ends
// included. A degenerate range or n < 2 yields a single item at b.Min.
func Evenly(b Bounds, n int) Plan {
	if n < 2 || b.Max <= b.Min {
		return Plan{{Value: b.Min, Enabled: true}}
	}
	step := (b.Max - b.Min) / float64(n-1)
	p := make(Plan, n)
	for i := 0; i < n; i++ {
		v := b.Max - step*float64(i)
		if i == n-1 {
			v = b.Min
		}
		p[i] = Item{Value: round(v, 6), Enabled: true}
	}
	return p
}

// ForBounds returns Default when it fits b, otherwise an evenly spaced plan
// of the same length.
func ForBounds(b Bounds) Plan {
	d := Default()
	if d.Validate(b) == nil {
		return d
	}
	return Evenly(b, len(d))
}

func round(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
