package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MJE43/dystrail-tester/internal/games"
)

func openScript(t *testing.T, opts ScriptOptions, seed int64) *Bridge {
	t.Helper()
	b, err := Open(context.Background(), NewScriptOpener(opts), Params{Seed: seed})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestStateThroughHook(t *testing.T) {
	b := openScript(t, ScriptOptions{}, 42)

	snap, ok := b.State(context.Background())
	if !ok {
		t.Fatal("expected state to be available")
	}
	if snap["seed"] != float64(42) {
		t.Errorf("seed = %v, want 42", snap["seed"])
	}
	if snap["day"] != float64(0) {
		t.Errorf("day = %v, want 0", snap["day"])
	}
}

func TestStateAbsentHook(t *testing.T) {
	b := openScript(t, ScriptOptions{HideStateHook: true}, 7)

	snap, ok := b.State(context.Background())
	if ok || snap != nil {
		t.Fatalf("expected no state, got %v", snap)
	}
}

func TestStateHookRemovedByPage(t *testing.T) {
	b := openScript(t, ScriptOptions{Bootstrap: `window.__dystrailTest = undefined;`}, 7)
	if _, ok := b.State(context.Background()); ok {
		t.Fatal("expected no state after the page removed the hook")
	}
}

func TestExecuteMatchesLogicMode(t *testing.T) {
	b := openScript(t, ScriptOptions{}, 99)
	ctx := context.Background()

	for turn := 0; turn < 12; turn++ {
		expr := `window.__dystrailTest.apply("` + string(games.Schedule(turn)) + `")`
		if _, err := b.Execute(ctx, expr); err != nil {
			t.Fatalf("turn %d: %v", turn, err)
		}
	}
	snap, ok := b.State(ctx)
	if !ok {
		t.Fatal("state unavailable")
	}

	trail := games.NewTrail(99)
	if err := games.Play(trail, 12); err != nil {
		t.Fatalf("Play: %v", err)
	}
	want, err := normalize(trail.Snapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for k, v := range want.(map[string]any) {
		if snap[k] != v {
			t.Errorf("%s = %v, want %v", k, snap[k], v)
		}
	}
}

func TestExecuteCommandFailed(t *testing.T) {
	b := openScript(t, ScriptOptions{}, 1)

	_, err := b.Execute(context.Background(), `window.__dystrailTest.apply("fly")`)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if !strings.Contains(err.Error(), "unknown action") {
		t.Errorf("error %q lacks cause", err)
	}

	if _, err := b.Execute(context.Background(), `throw new Error("boom")`); !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed for throw, got %v", err)
	}
}

func TestExecuteInterruptedByContext(t *testing.T) {
	b := openScript(t, ScriptOptions{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Execute(ctx, `for (;;) {}`)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The runtime stays usable for later commands.
	v, err := b.Execute(context.Background(), `1 + 1`)
	if err != nil {
		t.Fatalf("Execute after interrupt: %v", err)
	}
	if v != float64(2) {
		t.Fatalf("got %v, want 2", v)
	}
}

func TestScriptSessionUnsupportedCaptures(t *testing.T) {
	b := openScript(t, ScriptOptions{}, 1)
	if _, err := b.Screenshot(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Screenshot err = %v", err)
	}
	if _, err := b.PageSource(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Errorf("PageSource err = %v", err)
	}
}

func TestClosedBridge(t *testing.T) {
	b, err := Open(context.Background(), NewScriptOpener(ScriptOptions{}), Params{Seed: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.Execute(context.Background(), `1`); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := b.State(context.Background()); ok {
		t.Fatal("closed bridge returned state")
	}
}

type countingOpener struct {
	*ScriptOpener
	closed int
}

type countingSession struct {
	Session
	owner *countingOpener
}

func (s countingSession) Close() error {
	s.owner.closed++
	return s.Session.Close()
}

func (o *countingOpener) Open(ctx context.Context, p Params) (Session, error) {
	s, err := o.ScriptOpener.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	return countingSession{Session: s, owner: o}, nil
}

func TestWithReleasesOnEveryPath(t *testing.T) {
	opener := &countingOpener{ScriptOpener: NewScriptOpener(ScriptOptions{})}

	_ = With(context.Background(), opener, Params{Seed: 1}, func(*Bridge) error { return nil })
	wantErr := errors.New("scenario failed")
	if err := With(context.Background(), opener, Params{Seed: 2}, func(*Bridge) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("With returned %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		_ = With(context.Background(), opener, Params{Seed: 3}, func(*Bridge) error { panic("boom") })
	}()

	if opener.closed != 3 {
		t.Fatalf("closed %d sessions, want 3", opener.closed)
	}
}

func TestSessionURL(t *testing.T) {
	got, err := SessionURL("http://localhost:8080/play?lang=en", 17)
	if err != nil {
		t.Fatalf("SessionURL: %v", err)
	}
	if !strings.Contains(got, "seed=17") || !strings.Contains(got, "test=1") || !strings.Contains(got, "lang=en") {
		t.Errorf("SessionURL = %q", got)
	}
	if _, err := SessionURL("localhost", 1); err == nil {
		t.Error("expected error for relative base url")
	}
}

func TestNewChromeOpenerValidation(t *testing.T) {
	if _, err := NewChromeOpener(ChromeOptions{Browser: "firefox"}); !errors.Is(err, ErrUnknownBrowser) {
		t.Errorf("expected ErrUnknownBrowser, got %v", err)
	}
	if _, err := NewChromeOpener(ChromeOptions{Browser: BrowserRemote}); err == nil {
		t.Error("expected error for remote without url")
	}
	o, err := NewChromeOpener(ChromeOptions{Browser: BrowserChrome})
	if err != nil {
		t.Fatalf("NewChromeOpener: %v", err)
	}
	if o.Name() != BrowserChrome {
		t.Errorf("Name = %q", o.Name())
	}
}
