// Package scenario defines named test scenarios and the static registry the
// tester dispatches on.
package scenario

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/MJE43/dystrail-tester/internal/bridge"
	"github.com/MJE43/dystrail-tester/internal/games"
)

// Kind tags which modes a scenario supports.
type Kind string

const (
	KindLogicOnly   Kind = "logic"
	KindBrowserOnly Kind = "browser"
	KindCombined    Kind = "combined"
)

// Context is the per-run configuration handed to a scenario. It is built
// once per run and never shared between runs.
type Context struct {
	BaseURL string
	Seed    int64
	Verbose bool
	Bridge  *bridge.Bridge
	Logger  *log.Logger
}

// Logf logs when the run is verbose.
func (c *Context) Logf(format string, args ...any) {
	if c.Verbose && c.Logger != nil {
		c.Logger.Printf("seed=%d "+format, append([]any{c.Seed}, args...)...)
	}
}

// SetupFunc prepares in-process state before assertions run.
type SetupFunc func(ctx context.Context, sc *Context, trail *games.Trail) error

// AssertFunc checks in-process state.
type AssertFunc func(ctx context.Context, sc *Context, trail *games.Trail) error

// BrowserFunc exercises a live session through sc.Bridge.
type BrowserFunc func(ctx context.Context, sc *Context) error

// Scenario is one named test. Assert makes it runnable in logic mode,
// Browser in browser mode; both make it combined.
type Scenario struct {
	Name        string
	Description string
	// Metric is the snapshot field used as the playability metric. Empty
	// means the scenario reports no metric.
	Metric  string
	Setup   SetupFunc
	Assert  AssertFunc
	Browser BrowserFunc
}

// Kind derives the capability tag.
func (s *Scenario) Kind() Kind {
	switch {
	case s.Assert != nil && s.Browser != nil:
		return KindCombined
	case s.Browser != nil:
		return KindBrowserOnly
	default:
		return KindLogicOnly
	}
}

// CanRunLogic reports whether the scenario has a logic-mode implementation.
func (s *Scenario) CanRunLogic() bool { return s.Assert != nil }

// CanRunBrowser reports whether the scenario has a browser-mode implementation.
func (s *Scenario) CanRunBrowser() bool { return s.Browser != nil }

// RunLogic runs Setup (if any) then Assert against trail.
func (s *Scenario) RunLogic(ctx context.Context, sc *Context, trail *games.Trail) error {
	if !s.CanRunLogic() {
		return fmt.Errorf("scenario %q has no logic implementation", s.Name)
	}
	if s.Setup != nil {
		if err := s.Setup(ctx, sc, trail); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	return s.Assert(ctx, sc, trail)
}

// RunBrowser runs the browser implementation.
func (s *Scenario) RunBrowser(ctx context.Context, sc *Context) error {
	if !s.CanRunBrowser() {
		return fmt.Errorf("scenario %q has no browser implementation", s.Name)
	}
	return s.Browser(ctx, sc)
}

// Registry maps lower-cased names to scenarios.
type Registry struct {
	byName map[string]*Scenario
}

// NewRegistry builds a registry from an explicit table.
func NewRegistry(scenarios ...*Scenario) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Scenario, len(scenarios))}
	for _, s := range scenarios {
		if err := r.register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(s *Scenario) error {
	if s == nil || strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("scenario must have a name")
	}
	if !s.CanRunLogic() && !s.CanRunBrowser() {
		return fmt.Errorf("scenario %q implements neither logic nor browser mode", s.Name)
	}
	if s.Setup != nil && s.Assert == nil {
		return fmt.Errorf("scenario %q has a setup but no assertion", s.Name)
	}
	key := strings.ToLower(s.Name)
	if _, dup := r.byName[key]; dup {
		return fmt.Errorf("scenario %q registered twice", s.Name)
	}
	r.byName[key] = s
	return nil
}

// Lookup finds a scenario by name, ignoring case.
func (r *Registry) Lookup(name string) (*Scenario, bool) {
	s, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// Get is Lookup returning ErrNotFound for unknown names.
func (r *Registry) Get(name string) (*Scenario, error) {
	s, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s, nil
}

// List returns all scenarios sorted by name.
func (r *Registry) List() []*Scenario {
	out := make([]*Scenario, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
