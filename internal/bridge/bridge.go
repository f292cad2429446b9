// Package bridge mediates commands and state introspection against one live
// session, either a real browser driven over the DevTools protocol or an
// in-process JavaScript runtime wrapping the simulation.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strconv"
	"sync"

	"github.com/MJE43/dystrail-tester/internal/games"
)

// HookName is the global the simulation build may expose for tests.
const HookName = "__dystrailTest"

// StateHookExpr evaluates to the hook's state, or null when the build does
// not expose it.
const StateHookExpr = `(typeof window.` + HookName + ` === "object" && window.` + HookName + ` !== null && typeof window.` + HookName + `.state === "function") ? window.` + HookName + `.state() : null`

// Snapshot is a structured state value as returned by the test hook.
type Snapshot = map[string]any

// Session is one live session. Implementations need not be safe for
// concurrent use; Bridge serializes access.
type Session interface {
	// Execute evaluates a JavaScript expression and returns its JSON-able value.
	Execute(ctx context.Context, expr string) (any, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PageSource(ctx context.Context) (string, error)
	Close() error
}

// Opener acquires sessions.
type Opener interface {
	// Name identifies the session kind, e.g. "chrome" or "logic".
	Name() string
	Open(ctx context.Context, p Params) (Session, error)
}

// Params configures one session.
type Params struct {
	BaseURL string
	Seed    int64
	Verbose bool
	Logger  *log.Logger

	// Trail is the in-process state an in-process session wraps. Browser
	// sessions ignore it.
	Trail *games.Trail
}

func (p Params) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.New(io.Discard, "", 0)
}

// SessionURL returns the page a browser session navigates to for a seed.
func SessionURL(base string, seed int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", base)
	}
	q := u.Query()
	q.Set("seed", strconv.FormatInt(seed, 10))
	q.Set("test", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Bridge is the scoped handle to one session. After Close every method
// fails with ErrClosed.
type Bridge struct {
	name    string
	seed    int64
	logger  *log.Logger
	mu      sync.Mutex
	session Session
	closed  bool
}

// Open acquires a session from opener.
func Open(ctx context.Context, opener Opener, p Params) (*Bridge, error) {
	session, err := opener.Open(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open %s session for seed %d: %w", opener.Name(), p.Seed, err)
	}
	return &Bridge{
		name:    opener.Name(),
		seed:    p.Seed,
		logger:  p.logger(),
		session: session,
	}, nil
}

// With opens a bridge, runs fn and closes the bridge on every exit path,
// including panics.
func With(ctx context.Context, opener Opener, p Params, fn func(*Bridge) error) (err error) {
	b, err := Open(ctx, opener, p)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(b)
}

// Name returns the session kind.
func (b *Bridge) Name() string { return b.name }

// Seed returns the seed the session was opened for.
func (b *Bridge) Seed() int64 { return b.seed }

// Execute issues a command. Failures are *CommandError values matching
// ErrCommandFailed.
func (b *Bridge) Execute(ctx context.Context, expr string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	v, err := b.session.Execute(ctx, expr)
	if err != nil {
		return nil, &CommandError{Command: expr, Err: err}
	}
	return v, nil
}

// State reads the simulation's declared state through the test hook. It
// reports false, not an error, when the hook is absent or unreadable.
func (b *Bridge) State(ctx context.Context) (Snapshot, bool) {
	v, err := b.Execute(ctx, StateHookExpr)
	if err != nil {
		b.logger.Printf("state_unavailable seed=%d session=%s err=%v", b.seed, b.name, err)
		return nil, false
	}
	snap, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			b.logger.Printf("state_unavailable seed=%d session=%s reason=non-object type=%T", b.seed, b.name, v)
		}
		return nil, false
	}
	return snap, true
}

// Screenshot captures a raster image of the session.
func (b *Bridge) Screenshot(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.session.Screenshot(ctx)
}

// PageSource returns the current markup.
func (b *Bridge) PageSource(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	return b.session.PageSource(ctx)
}

// Close releases the session. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close %s session: %w", b.name, err)
	}
	return nil
}

// normalize round-trips v through JSON so every session returns the same
// shapes (map[string]any, []any, float64, string, bool, nil).
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}
