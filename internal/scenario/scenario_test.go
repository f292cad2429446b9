package scenario

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/MJE43/dystrail-tester/internal/bridge"
	"github.com/MJE43/dystrail-tester/internal/games"
)

func TestLookupIgnoresCase(t *testing.T) {
	r := Default()

	want, ok := r.Lookup("smoke")
	if !ok {
		t.Fatal("smoke not registered")
	}
	for _, name := range []string{"SMOKE", "Smoke", " smoke "} {
		got, ok := r.Lookup(name)
		if !ok || got != want {
			t.Errorf("Lookup(%q) = %v, %v", name, got, ok)
		}
	}

	if s, ok := r.Lookup("nonexistent"); ok || s != nil {
		t.Errorf("Lookup(nonexistent) = %v, %v", s, ok)
	}
	if _, err := r.Get("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(nonexistent) err = %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	r := Default()
	tests := []struct {
		name    string
		kind    Kind
		logic   bool
		browser bool
	}{
		{"smoke", KindCombined, true, true},
		{"full-run", KindCombined, true, true},
		{"deterministic", KindLogicOnly, true, false},
		{"boot", KindBrowserOnly, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Get(tt.name)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if s.Kind() != tt.kind {
				t.Errorf("Kind = %q, want %q", s.Kind(), tt.kind)
			}
			if s.CanRunLogic() != tt.logic || s.CanRunBrowser() != tt.browser {
				t.Errorf("capabilities = %v/%v", s.CanRunLogic(), s.CanRunBrowser())
			}
		})
	}
}

func TestRegistryRejectsBadTables(t *testing.T) {
	noop := func(context.Context, *Context) error { return nil }
	tests := []struct {
		name      string
		scenarios []*Scenario
	}{
		{"unnamed", []*Scenario{{Browser: noop}}},
		{"no implementation", []*Scenario{{Name: "empty"}}},
		{"duplicate ignoring case", []*Scenario{{Name: "a", Browser: noop}, {Name: "A", Browser: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.scenarios...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLogicScenariosPass(t *testing.T) {
	r := Default()
	for _, name := range []string{"smoke", "full-run", "deterministic"} {
		s, _ := r.Get(name)
		for seed := int64(1); seed <= 5; seed++ {
			trail := games.NewTrail(seed)
			sc := &Context{Seed: seed}
			if err := s.RunLogic(context.Background(), sc, trail); err != nil {
				t.Errorf("%s seed %d: %v", name, seed, err)
			}
		}
	}
}

func runBrowser(t *testing.T, s *Scenario, opts bridge.ScriptOptions, seed int64) error {
	t.Helper()
	return bridge.With(context.Background(), bridge.NewScriptOpener(opts), bridge.Params{Seed: seed}, func(b *bridge.Bridge) error {
		return s.RunBrowser(context.Background(), &Context{Seed: seed, Bridge: b})
	})
}

func TestBrowserScenariosAgainstInProcessSession(t *testing.T) {
	r := Default()
	smoke, _ := r.Get("smoke")
	full, _ := r.Get("full-run")

	if err := runBrowser(t, smoke, bridge.ScriptOptions{}, 4); err != nil {
		t.Errorf("smoke: %v", err)
	}
	if err := runBrowser(t, full, bridge.ScriptOptions{}, 4); err != nil {
		t.Errorf("full-run: %v", err)
	}
}

func TestBrowserScenariosWithoutHook(t *testing.T) {
	r := Default()
	smoke, _ := r.Get("smoke")
	full, _ := r.Get("full-run")
	noHook := bridge.ScriptOptions{HideStateHook: true}

	if err := runBrowser(t, smoke, noHook, 4); err != nil {
		t.Errorf("smoke should degrade without the hook, got %v", err)
	}
	if err := runBrowser(t, full, noHook, 4); !errors.Is(err, ErrInconclusive) {
		t.Errorf("full-run without hook: expected ErrInconclusive, got %v", err)
	}
}

func TestBootScenario(t *testing.T) {
	boot, _ := Default().Get("boot")

	page := bridge.ScriptOptions{Bootstrap: `var document = {readyState: "complete", body: {innerHTML: "<main></main>"}};`}
	if err := runBrowser(t, boot, page, 1); err != nil {
		t.Errorf("boot: %v", err)
	}

	blank := bridge.ScriptOptions{Bootstrap: `var document = {readyState: "complete", body: {innerHTML: ""}};`}
	if err := runBrowser(t, boot, blank, 1); !errors.Is(err, ErrAssertion) {
		t.Errorf("boot on blank page: expected ErrAssertion, got %v", err)
	}

	if err := runBrowser(t, boot, bridge.ScriptOptions{}, 1); !errors.Is(err, bridge.ErrCommandFailed) {
		t.Errorf("boot without document: expected ErrCommandFailed, got %v", err)
	}
}

func TestMetricValue(t *testing.T) {
	s := &Scenario{Name: "m", Metric: "miles"}
	if v, ok := s.MetricValue(map[string]any{"miles": float64(12)}); !ok || v != 12 {
		t.Errorf("float metric = %v, %v", v, ok)
	}
	if v, ok := s.MetricValue(map[string]any{"miles": 7}); !ok || v != 7 {
		t.Errorf("int metric = %v, %v", v, ok)
	}
	if _, ok := s.MetricValue(map[string]any{}); ok {
		t.Error("missing metric reported present")
	}
	if _, ok := (&Scenario{}).MetricValue(map[string]any{"miles": 1.0}); ok {
		t.Error("scenario without metric reported one")
	}
	for _, bad := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		if _, ok := s.MetricValue(map[string]any{"miles": bad}); ok {
			t.Errorf("non-finite metric %v accepted", bad)
		}
	}
}
