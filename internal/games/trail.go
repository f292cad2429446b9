// Package games holds the in-process simulation the tester drives in logic
// mode. The tester treats it as a black box: a seed plus an action sequence
// in, a state snapshot out.
package games

import (
	"errors"
	"fmt"

	"github.com/MJE43/dystrail-tester/internal/engine"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrGameOver      = errors.New("game already ended")
)

// Action is one player decision.
type Action string

const (
	ActionTravel Action = "travel"
	ActionRest   Action = "rest"
	ActionForage Action = "forage"
)

// Outcomes reported in snapshots.
const (
	OutcomeOngoing  = "ongoing"
	OutcomeVictory  = "victory"
	OutcomeStarved  = "starved"
	OutcomeCollapse = "collapse"
	OutcomeScandal  = "scandal"
)

const (
	TrailLength      = 2000
	startSupplies    = 60
	maxSanity        = 10
	startCredibility = 5
	rngSalt          = "trail"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionTravel, ActionRest, ActionForage:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Trail is a deterministic trail run keyed by its seed.
type Trail struct {
	seed        int64
	rng         *engine.ByteGenerator
	day         int
	miles       int
	supplies    int
	sanity      int
	credibility int
	outcome     string
	events      []string
}

// NewTrail starts a run for seed.
func NewTrail(seed int64) *Trail {
	return &Trail{
		seed:        seed,
		rng:         engine.NewByteGenerator(engine.SeedKey(seed), rngSalt, 0, 0),
		supplies:    startSupplies,
		sanity:      maxSanity,
		credibility: startCredibility,
		outcome:     OutcomeOngoing,
	}
}

// Seed returns the seed this run was created with.
func (t *Trail) Seed() int64 { return t.seed }

// Day returns the number of turns taken.
func (t *Trail) Day() int { return t.day }

// Miles returns the distance travelled.
func (t *Trail) Miles() int { return t.miles }

// Ended reports whether the run reached a terminal outcome.
func (t *Trail) Ended() bool { return t.outcome != OutcomeOngoing }

// Outcome returns the current outcome.
func (t *Trail) Outcome() string { return t.outcome }

// Apply advances the run by one day. Every action draws exactly two floats
// so the stream position depends only on the number of days played.
func (t *Trail) Apply(action Action) error {
	if t.Ended() {
		return ErrGameOver
	}
	roll := t.rng.NextFloat()
	event := t.rng.NextFloat()

	switch action {
	case ActionTravel:
		t.miles += 40 + int(roll*40)
		t.supplies -= 2
	case ActionRest:
		t.sanity = min(maxSanity, t.sanity+2)
		t.supplies--
	case ActionForage:
		t.supplies += int(roll * 10)
		t.sanity--
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	t.day++

	switch {
	case event < 0.12:
		t.sanity--
		t.events = append(t.events, fmt.Sprintf("day %d: protest", t.day))
	case event > 0.96:
		t.credibility--
		t.events = append(t.events, fmt.Sprintf("day %d: leak", t.day))
	}

	switch {
	case t.miles >= TrailLength:
		t.outcome = OutcomeVictory
	case t.supplies <= 0:
		t.outcome = OutcomeStarved
	case t.sanity <= 0:
		t.outcome = OutcomeCollapse
	case t.credibility <= 0:
		t.outcome = OutcomeScandal
	}
	return nil
}

// Snapshot returns the JSON-able state exposed to scenarios and to the
// browser test hook.
func (t *Trail) Snapshot() map[string]any {
	return map[string]any{
		"seed":        t.seed,
		"day":         t.day,
		"miles":       t.miles,
		"supplies":    t.supplies,
		"sanity":      t.sanity,
		"credibility": t.credibility,
		"ended":       t.Ended(),
		"outcome":     t.outcome,
		"events":      len(t.events),
	}
}

// Schedule returns the fixed action played on a given turn (0-based).
func Schedule(turn int) Action {
	switch {
	case turn%7 == 6:
		return ActionForage
	case turn%5 == 4:
		return ActionRest
	default:
		return ActionTravel
	}
}

// Play applies the scheduled actions until the run ends or maxTurns is reached.
func Play(t *Trail, maxTurns int) error {
	for turn := t.day; turn < maxTurns && !t.Ended(); turn++ {
		if err := t.Apply(Schedule(turn)); err != nil {
			return err
		}
	}
	return nil
}
