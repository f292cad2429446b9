// Package artifact persists diagnostic bundles for failed runs.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Bundle file names.
const (
	ScreenshotFile = "screenshot.png"
	DOMFile        = "dom.html"
	StateFile      = "state.json"
	ErrorFile      = "error.txt"
)

const timestampLayout = "20060102T150405.000000000Z"

// Source is what a capture reads from. *bridge.Bridge satisfies it.
type Source interface {
	Screenshot(ctx context.Context) ([]byte, error)
	PageSource(ctx context.Context) (string, error)
	State(ctx context.Context) (map[string]any, bool)
}

// Key identifies the run a bundle belongs to.
type Key struct {
	Browser  string
	Scenario string
	Seed     int64
}

// Bundle describes what a capture wrote.
type Bundle struct {
	Dir      string
	Files    []string
	Failures []string
}

// Capturer writes bundles under Base. It is safe for concurrent use.
type Capturer struct {
	Base   string
	Logger *log.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	mu   sync.Mutex
	used map[string]struct{}
}

// NewCapturer creates a capturer rooted at base.
func NewCapturer(base string, logger *log.Logger) *Capturer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Capturer{Base: base, Logger: logger}
}

// Dir returns a fresh bundle directory for key:
// {base}/{browser}/{scenario}/seed-{seed}/{timestamp}. Two calls never
// return the same path.
func (c *Capturer) Dir(key Key) string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	parent := filepath.Join(c.Base, sanitize(key.Browser), sanitize(key.Scenario), "seed-"+strconv.FormatInt(key.Seed, 10))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used == nil {
		c.used = make(map[string]struct{})
	}
	t := now().UTC()
	for {
		dir := filepath.Join(parent, t.Format(timestampLayout))
		if _, taken := c.used[dir]; !taken {
			if _, err := os.Stat(dir); err != nil {
				c.used[dir] = struct{}{}
				return dir
			}
		}
		t = t.Add(time.Nanosecond)
	}
}

// Capture writes whatever it can about a failed run. Each artifact kind is
// attempted independently; the error trace is written last. src may be nil
// when the session never opened. Capture never returns an error: failures
// are logged and listed in the bundle.
func (c *Capturer) Capture(ctx context.Context, src Source, key Key, cause error) Bundle {
	logger := c.logger()
	b := Bundle{Dir: c.Dir(key)}

	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		logger.Printf("artifact_dir_failed seed=%d dir=%s err=%v", key.Seed, b.Dir, err)
		b.Failures = append(b.Failures, fmt.Sprintf("create directory: %v", err))
		return b
	}

	if src != nil {
		c.attempt(&b, key, ScreenshotFile, func() ([]byte, error) {
			return src.Screenshot(ctx)
		})
		c.attempt(&b, key, DOMFile, func() ([]byte, error) {
			html, err := src.PageSource(ctx)
			return []byte(html), err
		})
		c.attempt(&b, key, StateFile, func() ([]byte, error) {
			snap, ok := src.State(ctx)
			if !ok {
				return nil, errStateUnavailable
			}
			return json.MarshalIndent(snap, "", "  ")
		})
	} else {
		b.Failures = append(b.Failures, "session: not open")
	}

	c.attempt(&b, key, ErrorFile, func() ([]byte, error) {
		return []byte(trace(key, cause, b.Failures)), nil
	})
	logger.Printf("artifact_captured seed=%d dir=%s files=%d failures=%d", key.Seed, b.Dir, len(b.Files), len(b.Failures))
	return b
}

func (c *Capturer) attempt(b *Bundle, key Key, name string, produce func() ([]byte, error)) {
	data, err := produce()
	if err == nil {
		err = os.WriteFile(filepath.Join(b.Dir, name), data, 0o644)
	}
	if err != nil {
		c.logger().Printf("artifact_write_failed seed=%d file=%s err=%v", key.Seed, name, err)
		b.Failures = append(b.Failures, fmt.Sprintf("%s: %v", name, err))
		return
	}
	b.Files = append(b.Files, name)
}

func (c *Capturer) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(io.Discard, "", 0)
}

func trace(key Key, cause error, failures []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "scenario: %s\nbrowser: %s\nseed: %d\n\n", key.Scenario, key.Browser, key.Seed)
	sb.WriteString("error chain:\n")
	sb.WriteString(FormatChain(cause))
	if len(failures) > 0 {
		sb.WriteString("\ncapture notes:\n")
		for _, f := range failures {
			sb.WriteString("  " + f + "\n")
		}
	}
	return sb.String()
}

// sanitize keeps path segments to a safe character set.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	out := sb.String()
	if out == "." || out == ".." {
		return "_"
	}
	return out
}
