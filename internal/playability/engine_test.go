package playability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MJE43/dystrail-tester/internal/artifact"
	"github.com/MJE43/dystrail-tester/internal/bridge"
	"github.com/MJE43/dystrail-tester/internal/games"
	"github.com/MJE43/dystrail-tester/internal/scenario"
)

func passLogic(context.Context, *scenario.Context, *games.Trail) error { return nil }
func passBrowser(context.Context, *scenario.Context) error { return nil }

func newEngine(t *testing.T, cfg Config) (*Engine, string) {
	t.Helper()
	base := t.TempDir()
	if cfg.Capturer == nil {
		cfg.Capturer = artifact.NewCapturer(base, nil)
	}
	return New(cfg), base
}

func TestAnalyzeFailingSeedYieldsFailedRecordAndBundle(t *testing.T) {
	smoke := &scenario.Scenario{
		Name:   "smoke",
		Metric: "miles",
		Setup: func(ctx context.Context, sc *scenario.Context, trail *games.Trail) error {
			return games.Play(trail, 10)
		},
		Assert: func(_ context.Context, sc *scenario.Context, _ *games.Trail) error {
			if sc.Seed == 2 {
				return fmt.Errorf("%w: seed 2 is cursed", scenario.ErrAssertion)
			}
			return nil
		},
	}
	e, base := newEngine(t, Config{Concurrency: 3})

	report, err := e.Analyze(context.Background(), Request{Scenario: smoke, Seeds: []int64{1, 2, 3}, Mode: ModeLogic})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(report.Records) != 3 {
		t.Fatalf("got %d records", len(report.Records))
	}
	for i, want := range []int64{1, 2, 3} {
		if report.Records[i].Seed != want {
			t.Errorf("record %d seed = %d, want %d", i, report.Records[i].Seed, want)
		}
	}

	failed := report.Records[1]
	if failed.Outcome != OutcomeFailed {
		t.Errorf("seed 2 outcome = %s", failed.Outcome)
	}
	if !strings.Contains(failed.ArtifactDir, string(filepath.Separator)+"seed-2"+string(filepath.Separator)) {
		t.Errorf("seed 2 artifact dir = %q", failed.ArtifactDir)
	}
	if !strings.HasPrefix(failed.ArtifactDir, filepath.Join(base, "logic", "smoke")) {
		t.Errorf("artifact dir %q not under base", failed.ArtifactDir)
	}
	if _, err := os.Stat(filepath.Join(failed.ArtifactDir, artifact.ErrorFile)); err != nil {
		t.Errorf("error trace missing: %v", err)
	}

	for _, i := range []int{0, 2} {
		rec := report.Records[i]
		if rec.Outcome != OutcomeCompleted || rec.ArtifactDir != "" || rec.Metric == nil {
			t.Errorf("seed %d: outcome=%s dir=%q metric=%v", rec.Seed, rec.Outcome, rec.ArtifactDir, rec.Metric)
		}
	}
	if report.Summary.Failed != 1 || report.Summary.Total != 3 {
		t.Errorf("summary = %+v", report.Summary)
	}
	if report.OK() {
		t.Error("report with a failure reported OK")
	}
}

func TestAlwaysFailingScenarioRecordsEverySeed(t *testing.T) {
	s := &scenario.Scenario{
		Name:    "broken",
		Browser: func(context.Context, *scenario.Context) error { return errors.New("always") },
	}
	e, _ := newEngine(t, Config{Browser: bridge.NewScriptOpener(bridge.ScriptOptions{Name: "chrome"}), Concurrency: 4})

	seeds := []int64{9, 3, 5, 3}
	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: seeds, Mode: ModeBrowser})
	if err != nil {
		t.Fatal(err)
	}
	if report.Summary.Failed != len(seeds) {
		t.Fatalf("failed = %d, want %d", report.Summary.Failed, len(seeds))
	}
	dirs := map[string]bool{}
	for _, rec := range report.Records {
		if rec.ArtifactDir == "" {
			t.Errorf("seed %d has no bundle", rec.Seed)
			continue
		}
		if dirs[rec.ArtifactDir] {
			t.Errorf("bundle %s reused", rec.ArtifactDir)
		}
		dirs[rec.ArtifactDir] = true
		if _, err := os.Stat(filepath.Join(rec.ArtifactDir, artifact.ErrorFile)); err != nil {
			t.Errorf("seed %d: %v", rec.Seed, err)
		}
	}
	got := []int64{}
	for _, rec := range report.Records {
		got = append(got, rec.Seed)
	}
	if fmt.Sprint(got) != "[3 3 5 9]" {
		t.Errorf("order = %v", got)
	}
}

func TestCrossModeDetectsDivergence(t *testing.T) {
	skew := bridge.ScriptOptions{
		Name: "chrome",
		Bootstrap: `
			const realState = window.__dystrailTest.state;
			window.__dystrailTest.state = function () {
				const s = realState();
				s.miles = s.miles + 1;
				return s;
			};`,
	}
	s := &scenario.Scenario{Name: "parity", Metric: "miles", Assert: passLogic, Browser: passBrowser}
	e, _ := newEngine(t, Config{Browser: bridge.NewScriptOpener(skew)})

	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: []int64{11}, Mode: ModeCross})
	if err != nil {
		t.Fatal(err)
	}
	rec := report.Records[0]
	if rec.Outcome != OutcomeDivergence {
		t.Fatalf("outcome = %s (%s)", rec.Outcome, rec.Error)
	}
	if fmt.Sprint(rec.Divergence) != "[miles]" {
		t.Errorf("divergence = %v", rec.Divergence)
	}
	if len(report.Anomalies) != 1 || report.Anomalies[0].Seed != 11 || report.Anomalies[0].Outcome != OutcomeDivergence {
		t.Errorf("anomalies = %+v", report.Anomalies)
	}
	if report.OK() {
		t.Error("diverged report reported OK")
	}
}

func TestCrossModeAgrees(t *testing.T) {
	s := &scenario.Scenario{Name: "parity", Metric: "miles", Assert: passLogic, Browser: passBrowser}
	e, _ := newEngine(t, Config{Browser: bridge.NewScriptOpener(bridge.ScriptOptions{Name: "chrome"})})

	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: []int64{1, 2}, Mode: ModeCross})
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range report.Records {
		if rec.Outcome != OutcomeCompleted {
			t.Errorf("seed %d: %s %s", rec.Seed, rec.Outcome, rec.Error)
		}
	}
}

func TestMissingHookDegrades(t *testing.T) {
	noHook := bridge.NewScriptOpener(bridge.ScriptOptions{Name: "chrome", HideStateHook: true})
	smoke, _ := scenario.Default().Get("smoke")
	e, _ := newEngine(t, Config{Browser: noHook})

	report, err := e.Analyze(context.Background(), Request{Scenario: smoke, Seeds: []int64{1}, Mode: ModeBrowser})
	if err != nil {
		t.Fatal(err)
	}
	if rec := report.Records[0]; rec.Outcome != OutcomeCompleted || rec.Metric != nil {
		t.Errorf("browser without hook: %+v", rec)
	}

	report, err = e.Analyze(context.Background(), Request{Scenario: smoke, Seeds: []int64{1}, Mode: ModeCross})
	if err != nil {
		t.Fatal(err)
	}
	if rec := report.Records[0]; rec.Outcome != OutcomeInconclusive || rec.ArtifactDir != "" {
		t.Errorf("cross without hook: %+v", rec)
	}
	if report.Summary.Failed != 0 {
		t.Errorf("inconclusive counted as failed")
	}
}

func TestTimeoutIsFailure(t *testing.T) {
	s := &scenario.Scenario{
		Name: "spin",
		Browser: func(ctx context.Context, sc *scenario.Context) error {
			_, err := sc.Bridge.Execute(ctx, `for (;;) {}`)
			return err
		},
	}
	e, _ := newEngine(t, Config{Browser: bridge.NewScriptOpener(bridge.ScriptOptions{Name: "chrome"}), StepTimeout: 50 * time.Millisecond})

	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: []int64{1, 2}, Mode: ModeBrowser, Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range report.Records {
		if rec.Outcome != OutcomeFailed || !rec.TimedOut || rec.ArtifactDir == "" {
			t.Errorf("seed %d: %+v", rec.Seed, rec)
		}
	}
}

func TestUnitIgnoringDeadlineIsAbandoned(t *testing.T) {
	old := abandonGrace
	abandonGrace = 20 * time.Millisecond
	defer func() { abandonGrace = old }()

	block := make(chan struct{})
	defer close(block)
	s := &scenario.Scenario{
		Name: "stuck",
		Assert: func(context.Context, *scenario.Context, *games.Trail) error {
			<-block
			return nil
		},
	}
	e, _ := newEngine(t, Config{StepTimeout: 20 * time.Millisecond})

	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: []int64{1}, Mode: ModeLogic})
	if err != nil {
		t.Fatal(err)
	}
	if rec := report.Records[0]; rec.Outcome != OutcomeFailed || !rec.TimedOut || rec.ArtifactDir == "" {
		t.Errorf("abandoned unit: %+v", rec)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAbandonedUnitKeepsOneBundle(t *testing.T) {
	old := abandonGrace
	abandonGrace = 20 * time.Millisecond
	defer func() { abandonGrace = old }()

	release := make(chan struct{})
	s := &scenario.Scenario{
		Name: "late",
		Assert: func(context.Context, *scenario.Context, *games.Trail) error {
			<-release
			return errors.New("late failure")
		},
		Browser: passBrowser,
	}
	var logs syncBuffer
	e, base := newEngine(t, Config{
		Browser:     bridge.NewScriptOpener(bridge.ScriptOptions{Name: "chrome"}),
		StepTimeout: 200 * time.Millisecond,
		Logger:      log.New(&logs, "", 0),
	})

	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: []int64{1}, Mode: ModeCross})
	if err != nil {
		t.Fatal(err)
	}
	rec := report.Records[0]
	if rec.Outcome != OutcomeFailed || !rec.TimedOut {
		t.Fatalf("abandoned unit: %+v", rec)
	}
	seedDir := filepath.Join(base, "logic", "late", "seed-1")
	if filepath.Dir(rec.ArtifactDir) != seedDir {
		t.Errorf("artifact dir = %q, want under %q", rec.ArtifactDir, seedDir)
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), "capture_skipped seed=1") {
		if time.Now().After(deadline) {
			t.Fatalf("late failure never finished:\n%s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := os.ReadDir(seedDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("seed 1 has %d bundles, want 1", len(entries))
	}
	if _, err := os.Stat(filepath.Join(base, "chrome")); !os.IsNotExist(err) {
		t.Errorf("bundle written under the browser tree: %v", err)
	}
}

func TestCrossBundleFollowsFailingPhase(t *testing.T) {
	tests := []struct {
		name    string
		assert  scenario.AssertFunc
		browser scenario.BrowserFunc
		phase   string
		outcome Outcome
	}{
		{
			name:    "logic panic",
			assert:  func(context.Context, *scenario.Context, *games.Trail) error { panic("logic kaboom") },
			browser: passBrowser,
			phase:   "logic",
			outcome: OutcomeCrashed,
		},
		{
			name:   "browser failure",
			assert: passLogic,
			browser: func(context.Context, *scenario.Context) error {
				return fmt.Errorf("%w: page broke", scenario.ErrAssertion)
			},
			phase:   "chrome",
			outcome: OutcomeFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scenario.Scenario{Name: "phase", Assert: tt.assert, Browser: tt.browser}
			e, base := newEngine(t, Config{Browser: bridge.NewScriptOpener(bridge.ScriptOptions{Name: "chrome"})})

			report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: []int64{4}, Mode: ModeCross})
			if err != nil {
				t.Fatal(err)
			}
			rec := report.Records[0]
			if rec.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", rec.Outcome, tt.outcome)
			}
			want := filepath.Join(base, tt.phase, "phase", "seed-4")
			if filepath.Dir(rec.ArtifactDir) != want {
				t.Errorf("artifact dir = %q, want under %q", rec.ArtifactDir, want)
			}
		})
	}
}

func TestPanicIsCrash(t *testing.T) {
	s := &scenario.Scenario{
		Name: "explodes",
		Assert: func(_ context.Context, sc *scenario.Context, _ *games.Trail) error {
			if sc.Seed == 2 {
				panic("kaboom")
			}
			return nil
		},
	}
	e, _ := newEngine(t, Config{Concurrency: 2})

	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: []int64{1, 2, 3}, Mode: ModeLogic})
	if err != nil {
		t.Fatal(err)
	}
	rec := report.Records[1]
	if rec.Outcome != OutcomeCrashed || !strings.Contains(rec.Error, "kaboom") || rec.ArtifactDir == "" {
		t.Errorf("crashed record: %+v", rec)
	}
	if report.Summary.ByOutcome[OutcomeCompleted] != 2 || report.Summary.Failed != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	s := &scenario.Scenario{
		Name: "slow",
		Assert: func(context.Context, *scenario.Context, *games.Trail) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
	e, _ := newEngine(t, Config{Concurrency: 3})

	seeds := make([]int64, 20)
	for i := range seeds {
		seeds[i] = int64(20 - i)
	}
	report, err := e.Analyze(context.Background(), Request{Scenario: s, Seeds: seeds, Mode: ModeLogic})
	if err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d", p)
	}
	for i, rec := range report.Records {
		if rec.Seed != int64(i+1) {
			t.Fatalf("record %d has seed %d", i, rec.Seed)
		}
	}
}

func TestAnalyzeRejectsInvalidRequests(t *testing.T) {
	logicOnly := &scenario.Scenario{Name: "l", Assert: passLogic}
	browserOnly := &scenario.Scenario{Name: "b", Browser: passBrowser}
	withBrowser := New(Config{Browser: bridge.NewScriptOpener(bridge.ScriptOptions{Name: "chrome"})})
	withoutBrowser := New(Config{})

	tests := []struct {
		name string
		e    *Engine
		req  Request
		want error
	}{
		{"nil scenario", withBrowser, Request{Seeds: []int64{1}, Mode: ModeLogic}, ErrNoScenario},
		{"no seeds", withBrowser, Request{Scenario: logicOnly, Mode: ModeLogic}, ErrNoSeeds},
		{"logic-only in browser mode", withBrowser, Request{Scenario: logicOnly, Seeds: []int64{1}, Mode: ModeBrowser}, ErrModeUnsupported},
		{"browser-only in cross mode", withBrowser, Request{Scenario: browserOnly, Seeds: []int64{1}, Mode: ModeCross}, ErrModeUnsupported},
		{"unknown mode", withBrowser, Request{Scenario: logicOnly, Seeds: []int64{1}, Mode: "sideways"}, ErrUnknownMode},
		{"no browser opener", withoutBrowser, Request{Scenario: browserOnly, Seeds: []int64{1}, Mode: ModeBrowser}, ErrNoBrowser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.e.Analyze(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Cross "); err != nil || m != ModeCross {
		t.Errorf("ParseMode = %v, %v", m, err)
	}
	if _, err := ParseMode("both"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("err = %v", err)
	}
}
