// Package config loads tester configuration from DYSTRAIL_* environment
// variables, overridden by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/MJE43/dystrail-tester/internal/bridge"
	"github.com/MJE43/dystrail-tester/internal/playability"
	"github.com/MJE43/dystrail-tester/internal/report"
)

// BrowserLogic runs browser-mode scenarios against an in-process session
// instead of a real browser.
const BrowserLogic = "logic"

// Config holds tester configuration.
type Config struct {
	BaseURL      string        `env:"DYSTRAIL_BASE_URL"      envDefault:"http://localhost:8080/"`
	Browser      string        `env:"DYSTRAIL_BROWSER"       envDefault:"chrome"`
	RemoteURL    string        `env:"DYSTRAIL_REMOTE_URL"`
	ExecPath     string        `env:"DYSTRAIL_CHROME_PATH"`
	Headless     bool          `env:"DYSTRAIL_HEADLESS"      envDefault:"true"`
	Scenario     string        `env:"DYSTRAIL_SCENARIO"      envDefault:"smoke"`
	Seeds        string        `env:"DYSTRAIL_SEEDS"         envDefault:"1..10"`
	Mode         string        `env:"DYSTRAIL_MODE"          envDefault:"logic"`
	Concurrency  int           `env:"DYSTRAIL_CONCURRENCY"   envDefault:"1"`
	StepTimeout  time.Duration `env:"DYSTRAIL_STEP_TIMEOUT"  envDefault:"2m"`
	ArtifactsDir string        `env:"DYSTRAIL_ARTIFACTS_DIR" envDefault:"artifacts"`
	Verbose      bool          `env:"DYSTRAIL_VERBOSE"`
	Format       string        `env:"DYSTRAIL_FORMAT"        envDefault:"text"`
	DBPath       string        `env:"DYSTRAIL_DB"`
	Tolerance    float64       `env:"DYSTRAIL_TOLERANCE"     envDefault:"2"`
	MinMetric    *float64      `env:"DYSTRAIL_MIN_METRIC"`
	MaxMetric    *float64      `env:"DYSTRAIL_MAX_METRIC"`
	ServeAddr    string        `env:"DYSTRAIL_SERVE_ADDR"`

	// List prints the registered scenarios and exits. Flag only.
	List bool
}

// ParseConfig parses the environment, then flags, into a validated Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "page the browser session opens")
	fs.StringVar(&cfg.Browser, "browser", cfg.Browser, "chrome, chromium, edge, remote or logic")
	fs.StringVar(&cfg.RemoteURL, "remote-url", cfg.RemoteURL, "DevTools endpoint for -browser remote")
	fs.StringVar(&cfg.ExecPath, "chrome-path", cfg.ExecPath, "browser executable")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "run the browser headless")
	fs.StringVar(&cfg.Scenario, "scenario", cfg.Scenario, "scenario name")
	fs.StringVar(&cfg.Seeds, "seeds", cfg.Seeds, "seeds: 42, 1..50, random:20@7, comma separated")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "logic, browser or cross")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "seeds run in parallel")
	fs.DurationVar(&cfg.StepTimeout, "timeout", cfg.StepTimeout, "timeout per seed")
	fs.StringVar(&cfg.ArtifactsDir, "artifacts", cfg.ArtifactsDir, "directory for failure bundles")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "verbose logging and browser console output")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "report format: text, json or yaml")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite file to store runs in")
	fs.Float64Var(&cfg.Tolerance, "tolerance", cfg.Tolerance, "anomaly band half-width in standard deviations")
	fs.Func("min-metric", "flag seeds whose metric is below this", floatPtr(&cfg.MinMetric))
	fs.Func("max-metric", "flag seeds whose metric is above this", floatPtr(&cfg.MaxMetric))
	fs.StringVar(&cfg.ServeAddr, "serve", cfg.ServeAddr, "serve stored runs on this address instead of running")
	fs.BoolVar(&cfg.List, "list", cfg.List, "list scenarios and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func floatPtr(dst **float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst = &v
		return nil
	}
}

// Validate checks field values. Seed specs and scenario names are checked
// by their own packages when the run starts.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.StepTimeout))
	}
	if c.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("tolerance must be positive, got %v", c.Tolerance))
	}
	if c.MinMetric != nil && c.MaxMetric != nil && *c.MinMetric > *c.MaxMetric {
		errs = append(errs, fmt.Errorf("min-metric %v is above max-metric %v", *c.MinMetric, *c.MaxMetric))
	}
	mode, err := playability.ParseMode(c.Mode)
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := report.ParseFormat(c.Format); err != nil {
		errs = append(errs, err)
	}
	switch c.Browser {
	case BrowserLogic, bridge.BrowserChrome, bridge.BrowserChromium, bridge.BrowserEdge:
	case bridge.BrowserRemote:
		if c.RemoteURL == "" {
			errs = append(errs, errors.New("browser remote needs -remote-url"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", bridge.ErrUnknownBrowser, c.Browser))
	}
	if mode != "" && mode != playability.ModeLogic && c.Browser != BrowserLogic {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base-url %q must be an absolute URL", c.BaseURL))
		}
	}
	if c.ServeAddr != "" && c.DBPath == "" {
		errs = append(errs, errors.New("serve needs -db"))
	}
	return errors.Join(errs...)
}

// Band returns the anomaly band configuration.
func (c Config) Band() playability.BandConfig {
	return playability.BandConfig{
		Sigma:      c.Tolerance,
		Min:        c.MinMetric,
		Max:        c.MaxMetric,
		MinSamples: playability.DefaultBand.MinSamples,
	}
}
