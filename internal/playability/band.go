package playability

import "strconv"

// Op is a comparison applied to a metric.
type Op string

const (
	OpGreater Op = "gt"
	OpLess    Op = "lt"
	OpOutside Op = "outside"
)

// DefaultEpsilon absorbs float noise at band edges.
const DefaultEpsilon = 1e-9

// Evaluator checks metrics against a target with tolerance.
type Evaluator struct {
	op        Op
	val1      float64
	val2      float64 // upper bound for "outside"
	tolerance float64
}

// NewEvaluator creates an evaluator.
func NewEvaluator(op Op, val1, val2, tolerance float64) *Evaluator {
	return &Evaluator{op: op, val1: val1, val2: val2, tolerance: tolerance}
}

// Matches checks if a metric matches the target criteria.
func (e *Evaluator) Matches(metric float64) bool {
	switch e.op {
	case OpGreater:
		return metric > e.val1+e.tolerance
	case OpLess:
		return metric < e.val1-e.tolerance
	case OpOutside:
		return metric < e.val1-e.tolerance || metric > e.val2+e.tolerance
	default:
		return false
	}
}

// BandConfig sets how the tolerance band is derived. Absolute bounds win
// over the sigma band when either is set.
type BandConfig struct {
	// Sigma is the half-width of the relative band in standard deviations.
	Sigma float64
	Min   *float64
	Max   *float64
	// MinSamples is the number of metric samples the relative band needs.
	MinSamples int
}

// DefaultBand is mean ± 2σ over at least three samples.
var DefaultBand = BandConfig{Sigma: 2, MinSamples: 3}

// Band is the resolved acceptable metric range. A nil bound is open.
type Band struct {
	Low    *float64 `json:"low,omitempty" yaml:"low,omitempty"`
	High   *float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Source string   `json:"source" yaml:"source"`
}

// Resolve computes the band for stats. It returns nil when there is not
// enough data to judge.
func (c BandConfig) Resolve(stats *MetricStats) *Band {
	if c.Min != nil || c.Max != nil {
		return &Band{Low: c.Min, High: c.Max, Source: "absolute"}
	}
	minSamples := c.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultBand.MinSamples
	}
	if stats == nil || stats.Count < minSamples {
		return nil
	}
	sigma := c.Sigma
	if sigma <= 0 {
		sigma = DefaultBand.Sigma
	}
	low := finite(stats.Mean - sigma*stats.StdDev)
	high := finite(stats.Mean + sigma*stats.StdDev)
	return &Band{Low: &low, High: &high, Source: "sigma"}
}

// Outside reports whether metric falls outside b.
func (b *Band) Outside(metric float64) bool {
	switch {
	case b.Low != nil && b.High != nil:
		return NewEvaluator(OpOutside, *b.Low, *b.High, DefaultEpsilon).Matches(metric)
	case b.Low != nil:
		return NewEvaluator(OpLess, *b.Low, 0, DefaultEpsilon).Matches(metric)
	case b.High != nil:
		return NewEvaluator(OpGreater, *b.High, 0, DefaultEpsilon).Matches(metric)
	default:
		return false
	}
}

// String renders the band as an interval.
func (b *Band) String() string {
	bound := func(v *float64, open string) string {
		if v == nil {
			return open
		}
		return strconv.FormatFloat(*v, 'f', 2, 64)
	}
	return "[" + bound(b.Low, "-inf") + ", " + bound(b.High, "+inf") + "]"
}
