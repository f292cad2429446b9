// Package playability runs a scenario across many seeds, classifies each
// run and aggregates the results into a report.
package playability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MJE43/dystrail-tester/internal/artifact"
	"github.com/MJE43/dystrail-tester/internal/bridge"
	"github.com/MJE43/dystrail-tester/internal/games"
	"github.com/MJE43/dystrail-tester/internal/scenario"
)

const (
	DefaultStepTimeout = 2 * time.Minute
	captureTimeout     = 15 * time.Second
)

// abandonGrace is how long a unit that ignores its deadline is waited for
// before its slot is reclaimed.
var abandonGrace = 2 * time.Second

// Config wires an Engine.
type Config struct {
	// Browser opens browser-mode sessions. Nil disables browser and cross mode.
	Browser bridge.Opener
	// Logic opens logic-mode sessions. Defaults to an in-process script opener.
	Logic bridge.Opener
	// Capturer persists failure bundles. Nil skips capture.
	Capturer *artifact.Capturer

	BaseURL     string
	Verbose     bool
	Concurrency int
	StepTimeout time.Duration
	Band        BandConfig
	Logger      *log.Logger
}

// Engine runs analyses. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	cfg    Config
	logger *log.Logger
}

// New creates an engine, filling defaults.
func New(cfg Config) *Engine {
	if cfg.Logic == nil {
		cfg.Logic = bridge.NewScriptOpener(bridge.ScriptOptions{})
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Band.Sigma == 0 && cfg.Band.Min == nil && cfg.Band.Max == nil {
		cfg.Band.Sigma = DefaultBand.Sigma
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Request is one analysis.
type Request struct {
	Scenario *scenario.Scenario
	Seeds    []int64
	Mode     Mode
	// Concurrency overrides Config.Concurrency when positive.
	Concurrency int
}

type unit struct {
	seed     int64
	index    int
	scenario *scenario.Scenario
	mode     Mode
	state    *unitState
}

// unitState is shared between a unit's worker and its play goroutine, which
// may outlive the worker once abandoned. A unit captures at most one bundle.
type unitState struct {
	mu        sync.Mutex
	phase     string
	abandoned bool
	captured  bool
	bundle    string
}

func (st *unitState) setPhase(name string) {
	st.mu.Lock()
	st.phase = name
	st.mu.Unlock()
}

// Analyze runs req.Scenario once per seed and aggregates the records.
// Per-seed failures become records; only invalid requests return an error.
func (e *Engine) Analyze(ctx context.Context, req Request) (*Report, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	concurrency := e.cfg.Concurrency
	if req.Concurrency > 0 {
		concurrency = req.Concurrency
	}
	concurrency = min(concurrency, len(req.Seeds))

	report := &Report{
		ID:        uuid.NewString(),
		Scenario:  req.Scenario.Name,
		Mode:      req.Mode,
		Browser:   e.sessionName(req.Mode),
		StartedAt: time.Now().UTC(),
	}
	e.logger.Printf("analysis_started id=%s scenario=%s mode=%s seeds=%d concurrency=%d",
		report.ID, report.Scenario, report.Mode, len(req.Seeds), concurrency)

	var (
		mu      sync.Mutex
		records = make([]Record, 0, len(req.Seeds))
	)
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i, seed := range req.Seeds {
		u := unit{seed: seed, index: i, scenario: req.Scenario, mode: req.Mode,
			state: &unitState{phase: e.firstPhase(req.Mode)}}
		g.Go(func() error {
			rec := e.runUnit(ctx, u)
			e.logRecord(rec)
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Seed != records[j].Seed {
			return records[i].Seed < records[j].Seed
		}
		return records[i].Index < records[j].Index
	})
	report.Records = records
	report.Summary, report.Anomalies = Summarize(records, e.cfg.Band)
	report.FinishedAt = time.Now().UTC()

	e.logger.Printf("analysis_finished id=%s total=%d failed=%d anomalous=%d duration=%s",
		report.ID, report.Summary.Total, report.Summary.Failed, report.Summary.Anomalous,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

func (e *Engine) check(req Request) error {
	if req.Scenario == nil {
		return ErrNoScenario
	}
	if len(req.Seeds) == 0 {
		return ErrNoSeeds
	}
	s := req.Scenario
	var ok bool
	switch req.Mode {
	case ModeLogic:
		ok = s.CanRunLogic()
	case ModeBrowser:
		ok = s.CanRunBrowser()
	case ModeCross:
		ok = s.CanRunLogic() && s.CanRunBrowser()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
	if !ok {
		return fmt.Errorf("%w: %s is %s, cannot run in %s mode", ErrModeUnsupported, s.Name, s.Kind(), req.Mode)
	}
	if req.Mode != ModeLogic && e.cfg.Browser == nil {
		return fmt.Errorf("%w: %s mode", ErrNoBrowser, req.Mode)
	}
	return nil
}

// firstPhase names the session a unit opens first.
func (e *Engine) firstPhase(mode Mode) string {
	if mode == ModeBrowser {
		return e.cfg.Browser.Name()
	}
	return e.cfg.Logic.Name()
}

func (e *Engine) sessionName(mode Mode) string {
	if mode == ModeLogic {
		return e.cfg.Logic.Name()
	}
	return e.cfg.Browser.Name()
}

// runUnit plays one seed under its own deadline. A unit that does not stop
// after its deadline is abandoned so the worker slot is released.
func (e *Engine) runUnit(parent context.Context, u unit) Record {
	started := time.Now()
	ctx, cancel := context.WithTimeout(parent, e.cfg.StepTimeout)
	defer cancel()

	done := make(chan Record, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := e.recovered(u, r)
				done <- e.finish(ctx, u.record(), e.capture(ctx, u, nil, err), err)
			}
		}()
		done <- e.play(ctx, u)
	}()

	var rec Record
	select {
	case rec = <-done:
	case <-ctx.Done():
		select {
		case rec = <-done:
		case <-time.After(abandonGrace):
			err := fmt.Errorf("run abandoned %s after deadline: %w", abandonGrace, ctx.Err())
			rec = e.finish(ctx, u.record(), e.abandon(ctx, u, err), err)
		}
	}
	rec.Duration = time.Since(started)
	return rec
}

func (u unit) record() Record {
	return Record{Seed: u.seed, Index: u.index, Scenario: u.scenario.Name, Mode: u.mode}
}

func (e *Engine) play(ctx context.Context, u unit) Record {
	rec := u.record()

	var logicSnap bridge.Snapshot
	if u.mode == ModeLogic || u.mode == ModeCross {
		trail := games.NewTrail(u.seed)
		p := bridge.Params{Seed: u.seed, Verbose: e.cfg.Verbose, Logger: e.logger, Trail: trail}
		snap, dir, err := e.session(ctx, u, e.cfg.Logic, p, func(ctx context.Context, b *bridge.Bridge) (bridge.Snapshot, error) {
			if err := u.scenario.RunLogic(ctx, e.scenarioContext(u, b), trail); err != nil {
				return nil, err
			}
			return canonical(trail.Snapshot())
		})
		if err != nil {
			return e.finish(ctx, rec, dir, err)
		}
		if u.mode == ModeLogic {
			return e.complete(rec, u, snap)
		}
		logicSnap = snap
	}

	p := bridge.Params{BaseURL: e.cfg.BaseURL, Seed: u.seed, Verbose: e.cfg.Verbose, Logger: e.logger}
	snap, dir, err := e.session(ctx, u, e.cfg.Browser, p, func(ctx context.Context, b *bridge.Bridge) (bridge.Snapshot, error) {
		if err := u.scenario.RunBrowser(ctx, e.scenarioContext(u, b)); err != nil {
			return nil, err
		}
		snap, ok := b.State(ctx)
		if !ok {
			if u.mode == ModeCross {
				return nil, fmt.Errorf("%w: browser state unavailable for comparison", scenario.ErrInconclusive)
			}
			return nil, nil
		}
		if u.mode == ModeCross {
			if keys := Diff(logicSnap, snap); len(keys) > 0 {
				return snap, &DivergenceError{Keys: keys}
			}
		}
		return snap, nil
	})
	if err != nil {
		return e.finish(ctx, rec, dir, err)
	}
	return e.complete(rec, u, snap)
}

func (e *Engine) scenarioContext(u unit, b *bridge.Bridge) *scenario.Context {
	return &scenario.Context{
		BaseURL: e.cfg.BaseURL,
		Seed:    u.seed,
		Verbose: e.cfg.Verbose,
		Bridge:  b,
		Logger:  e.logger,
	}
}

// session opens a bridge, runs fn and closes the bridge. Failure bundles are
// captured while the bridge is still open.
func (e *Engine) session(ctx context.Context, u unit, opener bridge.Opener, p bridge.Params,
	fn func(context.Context, *bridge.Bridge) (bridge.Snapshot, error)) (snap bridge.Snapshot, artifactDir string, err error) {
	u.state.setPhase(opener.Name())
	b, err := bridge.Open(ctx, opener, p)
	if err != nil {
		return nil, e.capture(ctx, u, nil, err), err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			e.logger.Printf("session_close_failed seed=%d err=%v", u.seed, cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = e.recovered(u, r)
			snap = nil
			artifactDir = e.capture(ctx, u, b, err)
		}
	}()

	snap, err = fn(ctx, b)
	if err != nil && !errors.Is(err, scenario.ErrInconclusive) {
		artifactDir = e.capture(ctx, u, b, err)
	}
	return snap, artifactDir, err
}

// capture writes the unit's failure bundle unless the unit was abandoned,
// in which case the worker has already recorded it. src is nil when no
// session is available.
func (e *Engine) capture(ctx context.Context, u unit, src *bridge.Bridge, cause error) string {
	st := u.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.abandoned {
		e.logger.Printf("capture_skipped seed=%d reason=abandoned err=%q", u.seed, cause.Error())
		return ""
	}
	return e.captureLocked(ctx, u, src, cause)
}

// abandon marks the unit abandoned and returns its bundle, capturing one
// without a session if none exists yet.
func (e *Engine) abandon(ctx context.Context, u unit, cause error) string {
	st := u.state
	st.mu.Lock()
	defer st.mu.Unlock()
	st.abandoned = true
	return e.captureLocked(ctx, u, nil, cause)
}

// captureLocked runs on its own deadline so an expired unit can still be
// diagnosed. The caller holds u.state.mu.
func (e *Engine) captureLocked(ctx context.Context, u unit, src *bridge.Bridge, cause error) string {
	st := u.state
	if st.captured {
		return st.bundle
	}
	st.captured = true
	if e.cfg.Capturer == nil {
		return ""
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()
	var s artifact.Source
	if src != nil {
		s = src
	}
	var pe *PanicError
	if errors.As(cause, &pe) {
		cause = fmt.Errorf("%w\n\n%s", cause, pe.Stack)
	}
	key := artifact.Key{Browser: st.phase, Scenario: u.scenario.Name, Seed: u.seed}
	st.bundle = e.cfg.Capturer.Capture(cctx, s, key, cause).Dir
	return st.bundle
}

func (e *Engine) recovered(u unit, r any) *PanicError {
	err := &PanicError{Value: r, Stack: debug.Stack()}
	e.logger.Printf("run_panicked seed=%d value=%v\n%s", u.seed, r, err.Stack)
	return err
}

func (e *Engine) complete(rec Record, u unit, snap bridge.Snapshot) Record {
	rec.Outcome = OutcomeCompleted
	if v, ok := u.scenario.MetricValue(snap); ok {
		rec.Metric = &v
	}
	return rec
}

// finish classifies err into the record's outcome.
func (e *Engine) finish(ctx context.Context, rec Record, artifactDir string, err error) Record {
	rec.Error = err.Error()
	rec.ArtifactDir = artifactDir

	var div *DivergenceError
	switch {
	case errors.As(err, &div):
		rec.Outcome = OutcomeDivergence
		rec.Divergence = div.Keys
	case errors.Is(err, scenario.ErrInconclusive):
		rec.Outcome = OutcomeInconclusive
	case errors.Is(err, ErrPanic):
		rec.Outcome = OutcomeCrashed
	default:
		rec.Outcome = OutcomeFailed
		rec.TimedOut = errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	}
	return rec
}

func (e *Engine) logRecord(rec Record) {
	metric := "-"
	if rec.Metric != nil {
		metric = fmt.Sprintf("%.1f", *rec.Metric)
	}
	switch {
	case rec.Outcome == OutcomeCompleted:
		e.logger.Printf("run_completed seed=%d outcome=%s metric=%s duration=%s", rec.Seed, rec.Outcome, metric, rec.Duration.Round(time.Millisecond))
	case rec.ArtifactDir != "":
		e.logger.Printf("run_failed seed=%d outcome=%s timed_out=%t artifacts=%s err=%q", rec.Seed, rec.Outcome, rec.TimedOut, rec.ArtifactDir, rec.Error)
	default:
		e.logger.Printf("run_failed seed=%d outcome=%s timed_out=%t err=%q", rec.Seed, rec.Outcome, rec.TimedOut, rec.Error)
	}
}
