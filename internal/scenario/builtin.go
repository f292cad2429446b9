package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/MJE43/dystrail-tester/internal/bridge"
	"github.com/MJE43/dystrail-tester/internal/games"
)

const (
	smokeTurns         = 10
	fullRunTurns       = 400
	deterministicTurns = 60
)

// Builtin returns the scenarios shipped with the tester.
func Builtin() []*Scenario {
	return []*Scenario{
		{
			Name:        "smoke",
			Description: "Play ten scheduled turns and check state invariants",
			Metric:      "miles",
			Setup:       playTurns(smokeTurns),
			Assert:      assertSmoke,
			Browser:     browserSmoke,
		},
		{
			Name:        "full-run",
			Description: "Play the fixed schedule to the end of the trail",
			Metric:      "miles",
			Setup:       playTurns(fullRunTurns),
			Assert:      assertFullRun,
			Browser:     browserFullRun,
		},
		{
			Name:        "deterministic",
			Description: "Replay the same seed twice and compare snapshots",
			Metric:      "miles",
			Setup:       playTurns(deterministicTurns),
			Assert:      assertDeterministic,
		},
		{
			Name:        "boot",
			Description: "Load the page and check it rendered",
			Browser:     browserBoot,
		},
	}
}

// Default returns a registry holding Builtin.
func Default() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

func playTurns(n int) SetupFunc {
	return func(ctx context.Context, sc *Context, trail *games.Trail) error {
		for turn := trail.Day(); turn < n && !trail.Ended(); turn++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := trail.Apply(games.Schedule(turn)); err != nil {
				return fmt.Errorf("turn %d: %w", turn, err)
			}
		}
		sc.Logf("played day=%d outcome=%s", trail.Day(), trail.Outcome())
		return nil
	}
}

func assertSmoke(_ context.Context, _ *Context, trail *games.Trail) error {
	return checkSmoke(trail.Snapshot())
}

func checkSmoke(snap map[string]any) error {
	if err := checkInvariants(snap); err != nil {
		return err
	}
	day, _ := number(snap, "day")
	ended, _ := snap["ended"].(bool)
	if !ended && int(day) != smokeTurns {
		return fmt.Errorf("%w: day = %v, want %d", ErrAssertion, day, smokeTurns)
	}
	return nil
}

func assertFullRun(_ context.Context, _ *Context, trail *games.Trail) error {
	snap := trail.Snapshot()
	if err := checkInvariants(snap); err != nil {
		return err
	}
	if !trail.Ended() {
		return fmt.Errorf("%w: trail still ongoing after %d turns", ErrAssertion, trail.Day())
	}
	return nil
}

func assertDeterministic(ctx context.Context, sc *Context, trail *games.Trail) error {
	replay := games.NewTrail(trail.Seed())
	if err := playTurns(trail.Day())(ctx, sc, replay); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	a, err := json.Marshal(trail.Snapshot())
	if err != nil {
		return err
	}
	b, err := json.Marshal(replay.Snapshot())
	if err != nil {
		return err
	}
	if string(a) != string(b) {
		return fmt.Errorf("%w: replay diverged:\n first: %s\nreplay: %s", ErrAssertion, a, b)
	}
	return nil
}

func browserSmoke(ctx context.Context, sc *Context) error {
	if _, ok := sc.Bridge.State(ctx); !ok {
		sc.Logf("state hook unavailable, skipping state checks")
		return nil
	}
	snap, err := driveSchedule(ctx, sc, smokeTurns)
	if err != nil {
		return err
	}
	return checkSmoke(snap)
}

func browserFullRun(ctx context.Context, sc *Context) error {
	if _, ok := sc.Bridge.State(ctx); !ok {
		return fmt.Errorf("%w: full run needs the state hook", ErrInconclusive)
	}
	snap, err := driveSchedule(ctx, sc, fullRunTurns)
	if err != nil {
		return err
	}
	if err := checkInvariants(snap); err != nil {
		return err
	}
	if ended, _ := snap["ended"].(bool); !ended {
		return fmt.Errorf("%w: trail still ongoing after %d turns", ErrAssertion, fullRunTurns)
	}
	return nil
}

func browserBoot(ctx context.Context, sc *Context) error {
	v, err := sc.Bridge.Execute(ctx, `document.readyState`)
	if err != nil {
		return err
	}
	if state, _ := v.(string); state != "complete" && state != "interactive" {
		return fmt.Errorf("%w: document.readyState = %v", ErrAssertion, v)
	}
	v, err = sc.Bridge.Execute(ctx, `document.body ? document.body.innerHTML.length : 0`)
	if err != nil {
		return err
	}
	if n, _ := v.(float64); n <= 0 {
		return fmt.Errorf("%w: page body is empty", ErrAssertion)
	}
	return nil
}

// driveSchedule plays the fixed schedule through the test hook and returns
// the last state it reported.
func driveSchedule(ctx context.Context, sc *Context, turns int) (map[string]any, error) {
	snap, ok := sc.Bridge.State(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: state hook disappeared", ErrInconclusive)
	}
	for turn := 0; turn < turns; turn++ {
		if ended, _ := snap["ended"].(bool); ended {
			break
		}
		expr := `window.` + bridge.HookName + `.apply(` + strconv.Quote(string(games.Schedule(turn))) + `)`
		v, err := sc.Bridge.Execute(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: apply returned %T", ErrInconclusive, v)
		}
		snap = next
	}
	sc.Logf("browser played day=%v outcome=%v", snap["day"], snap["outcome"])
	return snap, nil
}

func checkInvariants(snap map[string]any) error {
	for _, key := range []string{"day", "miles", "supplies", "sanity", "credibility"} {
		if _, err := number(snap, key); err != nil {
			return err
		}
	}
	miles, _ := number(snap, "miles")
	if miles < 0 {
		return fmt.Errorf("%w: negative miles %v", ErrAssertion, miles)
	}
	sanity, _ := number(snap, "sanity")
	if sanity > 10 {
		return fmt.Errorf("%w: sanity %v above cap", ErrAssertion, sanity)
	}
	outcome, _ := snap["outcome"].(string)
	ended, _ := snap["ended"].(bool)
	if ended == (outcome == games.OutcomeOngoing) {
		return fmt.Errorf("%w: ended=%v with outcome %q", ErrAssertion, ended, outcome)
	}
	return nil
}

// number reads a numeric snapshot field from either an in-process snapshot
// or a decoded JSON one.
func number(snap map[string]any, key string) (float64, error) {
	switch v := snap[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("%w: state has no %q", ErrAssertion, key)
	default:
		return 0, fmt.Errorf("%w: state field %q is %T", ErrAssertion, key, v)
	}
}

// MetricValue extracts the scenario metric from a snapshot.
func (s *Scenario) MetricValue(snap map[string]any) (float64, bool) {
	if s.Metric == "" || snap == nil {
		return 0, false
	}
	v, err := number(snap, s.Metric)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
