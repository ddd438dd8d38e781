package plan

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrEmpty      = errors.New("plan: no items")
	ErrOutOfRange = errors.New("plan: value out of range")
)

// Item is one bracket position. Value is in the actuator's physical unit
// (mm of rail travel, zoom ratio, ...).
type Item struct {
	Value   float64 `json:"value"`
	Enabled bool    `json:"enabled"`
}

// Plan is an ordered list of items. The order is the capture order.
type Plan []Item

// Bounds is the valid setpoint range of the actuator, inclusive.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v is a finite value within the bounds.
func (b Bounds) Contains(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= b.Min && v <= b.Max
}

// RangeError reports an item whose value falls outside the bounds.
type RangeError struct {
	Index  int
	Value  float64
	Bounds Bounds
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("plan: item %d value %g outside [%g, %g]", e.Index, e.Value, e.Bounds.Min, e.Bounds.Max)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// Validate checks that the plan is non-empty and that every value, enabled
// or not, lies within b.
func (p Plan) Validate(b Bounds) error {
	if len(p) == 0 {
		return ErrEmpty
	}
	for i, it := range p {
		if !b.Contains(it.Value) {
			return &RangeError{Index: i, Value: it.Value, Bounds: b}
		}
	}
	return nil
}

// NextEnabled returns the first enabled index >= from, or -1.
func (p Plan) NextEnabled(from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(p); i++ {
		if p[i].Enabled {
			return i
		}
	}
	return -1
}

// LastEnabled returns the highest enabled index, or -1.
func (p Plan) LastEnabled() int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Enabled {
			return i
		}
	}
	return -1
}

// EnabledCount returns the number of enabled items.
func (p Plan) EnabledCount() int {
	n := 0
	for _, it := range p {
		if it.Enabled {
			n++
		}
	}
	return n
}

// Clone returns an independent copy.
func (p Plan) Clone() Plan {
	if p == nil {
		return nil
	}
	out := make(Plan, len(p))
	copy(out, p)
	return out
}

// String renders the plan in the format accepted by Parse.
func (p Plan) String() string {
	parts := make([]string, len(p))
	for i, it := range p {
		v := strconv.FormatFloat(it.Value, 'g', -1, 64)
		if !it.Enabled {
			v = "!" + v
		}
		parts[i] = v
	}
	return strings.Join(parts, ",")
}

// Parse reads a comma-separated list of values. A value prefixed with '!'
// is a disabled item: "0.2,!0.5,0.8".
func Parse(s string) (Plan, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	fields := strings.Split(s, ",")
	p := make(Plan, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		enabled := true
		if strings.HasPrefix(f, "!") {
			enabled = false
			f = strings.TrimSpace(f[1:])
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("plan: parse %q: %w", f, err)
		}
		p = append(p, Item{Value: v, Enabled: enabled})
	}
	return p, nil
}
