package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// Browsers ChromeOpener can drive.
const (
	BrowserChrome   = "chrome"
	BrowserChromium = "chromium"
	BrowserEdge     = "edge"
	BrowserRemote   = "remote"
)

var ErrUnknownBrowser = errors.New("unknown browser")

// ChromeOptions configures DevTools-driven browser sessions.
type ChromeOptions struct {
	Browser string
	// ExecPath overrides browser discovery for local browsers.
	ExecPath string
	// RemoteURL is the DevTools websocket or http endpoint for BrowserRemote.
	RemoteURL string
	Headless  bool
	Width     int
	Height    int
	// LoadTimeout bounds the initial navigation.
	LoadTimeout time.Duration
}

// ChromeOpener opens one browser per session over the DevTools protocol.
type ChromeOpener struct {
	opts ChromeOptions
}

// NewChromeOpener validates opts and returns an opener.
func NewChromeOpener(opts ChromeOptions) (*ChromeOpener, error) {
	switch opts.Browser {
	case BrowserChrome, BrowserChromium, BrowserEdge:
	case BrowserRemote:
		if opts.RemoteURL == "" {
			return nil, errors.New("remote browser requires a DevTools URL")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBrowser, opts.Browser)
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 900
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	return &ChromeOpener{opts: opts}, nil
}

// Name implements Opener.
func (o *ChromeOpener) Name() string { return o.opts.Browser }

// Open starts (or attaches to) a browser, opens a tab and navigates to the
// seeded page. The session outlives ctx's cancellation; Close releases it.
func (o *ChromeOpener) Open(ctx context.Context, p Params) (Session, error) {
	target, err := SessionURL(p.BaseURL, p.Seed)
	if err != nil {
		return nil, err
	}
	logger := p.logger()

	base := context.WithoutCancel(ctx)
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if o.opts.Browser == BrowserRemote {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(base, o.opts.RemoteURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", o.opts.Headless),
			chromedp.WindowSize(o.opts.Width, o.opts.Height),
		)
		if path := o.execPath(); path != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(path))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(base, allocOpts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Printf),
		chromedp.WithErrorf(logger.Printf),
	)
	s := &chromeSession{ctx: tabCtx, cancel: func() {
		tabCancel()
		allocCancel()
	}}

	if p.Verbose {
		seed := p.Seed
		chromedp.ListenTarget(tabCtx, func(ev interface{}) {
			if ev, ok := ev.(*runtime.EventConsoleAPICalled); ok {
				args := make([]string, len(ev.Args))
				for i, arg := range ev.Args {
					args[i] = string(arg.Value)
				}
				logger.Printf("console seed=%d type=%s %s", seed, ev.Type, strings.Join(args, " "))
			}
		})
	}

	// The first Run allocates the browser; it must see the long-lived tab
	// context or the browser dies with the per-call context.
	if err := chromedp.Run(tabCtx); err != nil {
		s.cancel()
		return nil, fmt.Errorf("start %s: %w", o.opts.Browser, err)
	}

	loadCtx, cancel := s.callContext(ctx)
	defer cancel()
	loadCtx, cancelLoad := context.WithTimeout(loadCtx, o.opts.LoadTimeout)
	defer cancelLoad()
	if err := chromedp.Run(loadCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		s.cancel()
		return nil, fmt.Errorf("navigate %s: %w", target, err)
	}
	return s, nil
}

func (o *ChromeOpener) execPath() string {
	if o.opts.ExecPath != "" {
		return o.opts.ExecPath
	}
	switch o.opts.Browser {
	case BrowserEdge:
		return "microsoft-edge"
	case BrowserChromium:
		return "chromium"
	}
	return ""
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// callContext derives a per-call context from the tab context that also
// ends when ctx does. Cancelling it leaves the tab open.
func (s *chromeSession) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(s.ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		callCtx, cancelDeadline = context.WithDeadline(callCtx, dl)
		prev := cancel
		cancel = func() {
			cancelDeadline()
			prev()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

func (s *chromeSession) Execute(ctx context.Context, expr string) (any, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	wrapped := `(() => { const __v = (` + expr + `); return __v === undefined ? null : __v; })()`
	var raw []byte
	if err := chromedp.Run(callCtx, chromedp.Evaluate(wrapped, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})); err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(callCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (s *chromeSession) PageSource(ctx context.Context) (string, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(callCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("page source: %w", err)
	}
	return html, nil
}

func (s *chromeSession) Close() error {
	if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.cancel()
		return err
	}
	s.cancel()
	return nil
}
