package playability

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which implementations of a scenario run for each seed.
type Mode string

const (
	ModeLogic   Mode = "logic"
	ModeBrowser Mode = "browser"
	// ModeCross runs logic then browser for the same seed and compares
	// their final state.
	ModeCross Mode = "cross"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLogic, ModeBrowser, ModeCross:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Outcome classifies one run.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeCrashed      Outcome = "crashed"
	OutcomeDivergence   Outcome = "divergence"
	OutcomeInconclusive Outcome = "inconclusive"
)

// Outcomes lists every outcome in report order.
var Outcomes = []Outcome{OutcomeCompleted, OutcomeInconclusive, OutcomeFailed, OutcomeCrashed, OutcomeDivergence}

// Failure reports whether the outcome counts as a failed run.
func (o Outcome) Failure() bool {
	return o == OutcomeFailed || o == OutcomeCrashed
}

// Record is the result of one (scenario, seed) run. Records are built once
// by the engine and not modified afterwards.
type Record struct {
	Seed        int64         `json:"seed" yaml:"seed"`
	Index       int           `json:"index" yaml:"index"`
	Scenario    string        `json:"scenario" yaml:"scenario"`
	Mode        Mode          `json:"mode" yaml:"mode"`
	Outcome     Outcome       `json:"outcome" yaml:"outcome"`
	Metric      *float64      `json:"metric,omitempty" yaml:"metric,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
	ArtifactDir string        `json:"artifact_dir,omitempty" yaml:"artifact_dir,omitempty"`
	Divergence  []string      `json:"divergence,omitempty" yaml:"divergence,omitempty"`
	Duration    time.Duration `json:"duration_ns" yaml:"duration_ns"`
}

// Anomaly flags a record for human review.
type Anomaly struct {
	Seed        int64    `json:"seed" yaml:"seed"`
	Outcome     Outcome  `json:"outcome" yaml:"outcome"`
	Metric      *float64 `json:"metric,omitempty" yaml:"metric,omitempty"`
	Reason      string   `json:"reason" yaml:"reason"`
	ArtifactDir string   `json:"artifact_dir,omitempty" yaml:"artifact_dir,omitempty"`
}

// MetricStats describes the metric distribution over completed records.
type MetricStats struct {
	Count  int     `json:"count" yaml:"count"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	P10    float64 `json:"p10" yaml:"p10"`
	P50    float64 `json:"p50" yaml:"p50"`
	P90    float64 `json:"p90" yaml:"p90"`
}

// Summary aggregates a report's records.
type Summary struct {
	Total     int             `json:"total" yaml:"total"`
	ByOutcome map[Outcome]int `json:"by_outcome" yaml:"by_outcome"`
	Failed    int             `json:"failed" yaml:"failed"`
	Anomalous int             `json:"anomalous" yaml:"anomalous"`
	Metric    *MetricStats    `json:"metric,omitempty" yaml:"metric,omitempty"`
	Band      *Band           `json:"band,omitempty" yaml:"band,omitempty"`
}

// Report is the result of one analysis.
type Report struct {
	ID         string    `json:"id" yaml:"id"`
	Scenario   string    `json:"scenario" yaml:"scenario"`
	Mode       Mode      `json:"mode" yaml:"mode"`
	Browser    string    `json:"browser" yaml:"browser"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Records    []Record  `json:"records" yaml:"records"`
	Summary    Summary   `json:"summary" yaml:"summary"`
	Anomalies  []Anomaly `json:"anomalies" yaml:"anomalies"`
}

// Failures returns the failed and crashed records in seed order.
func (r *Report) Failures() []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.Outcome.Failure() {
			out = append(out, rec)
		}
	}
	return out
}

// OK reports whether no record failed, crashed or diverged.
func (r *Report) OK() bool {
	return r.Summary.Failed == 0 && r.Summary.ByOutcome[OutcomeDivergence] == 0
}
