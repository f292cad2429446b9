// Package report renders analysis reports for operators and machines.
// Rendering is a pure projection; reports are never modified.
package report

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MJE43/dystrail-tester/internal/playability"
)

// View is the rendered shape of a report.
type View struct {
	ID         string         `json:"id" yaml:"id"`
	Scenario   string         `json:"scenario" yaml:"scenario"`
	Mode       string         `json:"mode" yaml:"mode"`
	Browser    string         `json:"browser" yaml:"browser"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	DurationMs int64          `json:"duration_ms" yaml:"duration_ms"`
	Total      int            `json:"total" yaml:"total"`
	Failed     int            `json:"failed" yaml:"failed"`
	Anomalous  int            `json:"anomalous" yaml:"anomalous"`
	Outcomes   map[string]int `json:"outcomes" yaml:"outcomes"`
	Metric     *StatsView     `json:"metric,omitempty" yaml:"metric,omitempty"`
	Band       *BandView      `json:"band,omitempty" yaml:"band,omitempty"`
	Flagged    []FlagView     `json:"flagged" yaml:"flagged"`
	Failures   []FlagView     `json:"failures" yaml:"failures"`
	Records    []RecordView   `json:"records" yaml:"records"`
}

// StatsView holds rounded distribution statistics.
type StatsView struct {
	Count  int     `json:"count" yaml:"count"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
	Min    float64 `json:"min" yaml:"min"`
	P10    float64 `json:"p10" yaml:"p10"`
	P50    float64 `json:"p50" yaml:"p50"`
	P90    float64 `json:"p90" yaml:"p90"`
	Max    float64 `json:"max" yaml:"max"`
}

// BandView is the tolerance band used for flagging.
type BandView struct {
	Low    *float64 `json:"low,omitempty" yaml:"low,omitempty"`
	High   *float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Source string   `json:"source" yaml:"source"`
}

// FlagView is one seed needing review.
type FlagView struct {
	Seed        int64    `json:"seed" yaml:"seed"`
	Outcome     string   `json:"outcome" yaml:"outcome"`
	Metric      *float64 `json:"metric,omitempty" yaml:"metric,omitempty"`
	Reason      string   `json:"reason" yaml:"reason"`
	ArtifactDir string   `json:"artifact_dir,omitempty" yaml:"artifact_dir,omitempty"`
}

// RecordView is one run.
type RecordView struct {
	Seed        int64    `json:"seed" yaml:"seed"`
	Outcome     string   `json:"outcome" yaml:"outcome"`
	Metric      *float64 `json:"metric,omitempty" yaml:"metric,omitempty"`
	TimedOut    bool     `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
	DurationMs  int64    `json:"duration_ms" yaml:"duration_ms"`
	ArtifactDir string   `json:"artifact_dir,omitempty" yaml:"artifact_dir,omitempty"`
	Error       string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewView projects r. Floats are rounded to two decimals.
func NewView(r *playability.Report) View {
	v := View{
		ID:         r.ID,
		Scenario:   r.Scenario,
		Mode:       string(r.Mode),
		Browser:    r.Browser,
		StartedAt:  r.StartedAt,
		DurationMs: r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		Total:      r.Summary.Total,
		Failed:     r.Summary.Failed,
		Anomalous:  r.Summary.Anomalous,
		Outcomes:   make(map[string]int, len(r.Summary.ByOutcome)),
		Flagged:    []FlagView{},
		Failures:   []FlagView{},
		Records:    make([]RecordView, 0, len(r.Records)),
	}
	for o, n := range r.Summary.ByOutcome {
		v.Outcomes[string(o)] = n
	}
	if m := r.Summary.Metric; m != nil {
		v.Metric = &StatsView{
			Count:  m.Count,
			Mean:   round(m.Mean),
			StdDev: round(m.StdDev),
			Min:    round(m.Min),
			P10:    round(m.P10),
			P50:    round(m.P50),
			P90:    round(m.P90),
			Max:    round(m.Max),
		}
	}
	if b := r.Summary.Band; b != nil {
		v.Band = &BandView{Low: roundPtr(b.Low), High: roundPtr(b.High), Source: b.Source}
	}
	for _, a := range r.Anomalies {
		v.Flagged = append(v.Flagged, FlagView{
			Seed:        a.Seed,
			Outcome:     string(a.Outcome),
			Metric:      roundPtr(a.Metric),
			Reason:      a.Reason,
			ArtifactDir: a.ArtifactDir,
		})
	}
	for _, rec := range r.Failures() {
		v.Failures = append(v.Failures, FlagView{
			Seed:        rec.Seed,
			Outcome:     string(rec.Outcome),
			Reason:      rec.Error,
			ArtifactDir: rec.ArtifactDir,
		})
	}
	for _, rec := range r.Records {
		v.Records = append(v.Records, RecordView{
			Seed:        rec.Seed,
			Outcome:     string(rec.Outcome),
			Metric:      roundPtr(rec.Metric),
			TimedOut:    rec.TimedOut,
			DurationMs:  rec.Duration.Milliseconds(),
			ArtifactDir: rec.ArtifactDir,
			Error:       rec.Error,
		})
	}
	return v
}

func round(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}

func roundPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := round(*f)
	return &v
}
