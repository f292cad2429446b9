package playability

import (
	"fmt"
	"math"
	"sort"
)

// Summarize aggregates records (already in seed order) and flags
// anomalies. Records are read, never modified.
func Summarize(records []Record, band BandConfig) (Summary, []Anomaly) {
	s := Summary{Total: len(records), ByOutcome: make(map[Outcome]int, len(Outcomes))}
	for _, o := range Outcomes {
		s.ByOutcome[o] = 0
	}

	var samples []float64
	for _, rec := range records {
		s.ByOutcome[rec.Outcome]++
		if rec.Outcome.Failure() {
			s.Failed++
		}
		if rec.Outcome == OutcomeCompleted && rec.Metric != nil {
			samples = append(samples, *rec.Metric)
		}
	}
	s.Metric = Stats(samples)
	s.Band = band.Resolve(s.Metric)

	anomalies := []Anomaly{}
	for _, rec := range records {
		switch {
		case rec.Outcome == OutcomeDivergence:
			anomalies = append(anomalies, Anomaly{
				Seed:        rec.Seed,
				Outcome:     rec.Outcome,
				Metric:      rec.Metric,
				Reason:      rec.Error,
				ArtifactDir: rec.ArtifactDir,
			})
		case rec.Outcome == OutcomeCompleted && rec.Metric != nil && s.Band != nil && s.Band.Outside(*rec.Metric):
			anomalies = append(anomalies, Anomaly{
				Seed:        rec.Seed,
				Outcome:     rec.Outcome,
				Metric:      rec.Metric,
				Reason:      fmt.Sprintf("metric %.2f outside %s band %s", *rec.Metric, s.Band.Source, s.Band),
				ArtifactDir: rec.ArtifactDir,
			})
		}
	}
	s.Anomalous = len(anomalies)
	return s, anomalies
}

// Stats computes distribution statistics. It returns nil for no samples.
func Stats(samples []float64) *MetricStats {
	if len(samples) == 0 {
		return nil
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	// Scaled by the largest magnitude so finite inputs never overflow.
	scale := math.Max(math.Abs(sorted[0]), math.Abs(sorted[len(sorted)-1]))
	if scale == 0 {
		scale = 1
	}
	var mean float64
	for i, v := range sorted {
		n := float64(i + 1)
		mean += v/n - mean/n
	}
	var sq float64
	for _, v := range sorted {
		d := v/scale - mean/scale
		sq += d * d
	}

	return &MetricStats{
		Count:  len(sorted),
		Mean:   finite(mean),
		StdDev: finite(scale * math.Sqrt(sq/float64(len(sorted)))),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P10:    Percentile(sorted, 10),
		P50:    Percentile(sorted, 50),
		P90:    Percentile(sorted, 90),
	}
}

// Percentile interpolates linearly between closest ranks of sorted.
func Percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		return sorted[0]
	}
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// finite clamps overflow to the largest representable magnitude and NaN to 0.
func finite(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	default:
		return v
	}
}
