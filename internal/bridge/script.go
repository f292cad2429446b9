package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/MJE43/dystrail-tester/internal/games"
)

// ScriptOptions configures in-process sessions.
type ScriptOptions struct {
	// Name overrides the session kind reported by the opener. Defaults to "logic".
	Name string
	// HideStateHook omits the test hook, as a build without test hooks would.
	HideStateHook bool
	// Bootstrap is evaluated once after the hook is installed, the way a
	// page's own scripts run after load.
	Bootstrap string
}

// ScriptOpener opens sessions backed by a goja runtime wrapping a
// games.Trail. It stands in for a browser in logic mode and in tests.
type ScriptOpener struct {
	opts ScriptOptions
}

// NewScriptOpener creates an in-process opener.
func NewScriptOpener(opts ScriptOptions) *ScriptOpener {
	return &ScriptOpener{opts: opts}
}

// Name implements Opener.
func (o *ScriptOpener) Name() string {
	if o.opts.Name != "" {
		return o.opts.Name
	}
	return "logic"
}

// Open implements Opener.
func (o *ScriptOpener) Open(ctx context.Context, p Params) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trail := p.Trail
	if trail == nil {
		trail = games.NewTrail(p.Seed)
	}

	s := &scriptSession{rt: goja.New(), trail: trail}
	s.install(p, !o.opts.HideStateHook)
	if o.opts.Bootstrap != "" {
		if _, err := s.rt.RunString(o.opts.Bootstrap); err != nil {
			return nil, fmt.Errorf("bootstrap script: %w", err)
		}
	}
	return s, nil
}

type scriptSession struct {
	mu    sync.Mutex
	rt    *goja.Runtime
	trail *games.Trail
}

func (s *scriptSession) install(p Params, withHook bool) {
	rt := s.rt
	rt.Set("window", rt.GlobalObject())
	rt.Set("require", goja.Undefined())
	rt.Set("fetch", goja.Undefined())
	rt.Set("XMLHttpRequest", goja.Undefined())

	logger := p.logger()
	seed := p.Seed
	console := rt.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		if p.Verbose {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.String()
			}
			logger.Printf("console seed=%d %s", seed, fmt.Sprint(args...))
		}
		return goja.Undefined()
	})
	rt.Set("console", console)

	if !withHook {
		return
	}
	hook := rt.NewObject()
	hook.Set("seed", p.Seed)
	hook.Set("state", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(s.trail.Snapshot())
	})
	hook.Set("apply", func(call goja.FunctionCall) goja.Value {
		action, err := games.ParseAction(call.Argument(0).String())
		if err != nil {
			panic(rt.NewGoError(err))
		}
		if err := s.trail.Apply(action); err != nil {
			panic(rt.NewGoError(err))
		}
		return rt.ToValue(s.trail.Snapshot())
	})
	rt.Set(HookName, hook)
}

// Execute runs expr, interrupting the runtime when ctx is done.
func (s *scriptSession) Execute(ctx context.Context, expr string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		s.rt.Interrupt("context done")
	})
	v, err := s.rt.RunString(expr)
	if !stop() {
		<-fired
	}
	s.rt.ClearInterrupt()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return normalize(v.Export())
}

func (s *scriptSession) Screenshot(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("screenshot: %w", ErrUnsupported)
}

func (s *scriptSession) PageSource(context.Context) (string, error) {
	return "", fmt.Errorf("page source: %w", ErrUnsupported)
}

func (s *scriptSession) Close() error {
	s.rt.Interrupt("session closed")
	return nil
}
