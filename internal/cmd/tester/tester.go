// Package tester wires configuration into an analysis run or the report
// service.
package tester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/MJE43/dystrail-tester/internal/api"
	"github.com/MJE43/dystrail-tester/internal/artifact"
	"github.com/MJE43/dystrail-tester/internal/bridge"
	"github.com/MJE43/dystrail-tester/internal/config"
	"github.com/MJE43/dystrail-tester/internal/playability"
	"github.com/MJE43/dystrail-tester/internal/report"
	"github.com/MJE43/dystrail-tester/internal/scenario"
	"github.com/MJE43/dystrail-tester/internal/seeds"
	"github.com/MJE43/dystrail-tester/internal/store"
)

// ErrRunFailed is returned when any seed failed, crashed or diverged.
var ErrRunFailed = errors.New("analysis found failures")

// Run executes the command described by cfg.
func Run(ctx context.Context, cfg config.Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	registry := scenario.Default()

	switch {
	case cfg.List:
		return report.Scenarios(out, registry.List())
	case cfg.ServeAddr != "":
		return serve(ctx, cfg, registry, errOut)
	default:
		return analyze(ctx, cfg, registry, out, errOut)
	}
}

func serve(ctx context.Context, cfg config.Config, registry *scenario.Registry, errOut io.Writer) error {
	st, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	logger := log.New(errOut, "[API] ", log.LstdFlags)
	return api.NewServer(st, registry, logger).ListenAndServe(ctx, cfg.ServeAddr)
}

func analyze(ctx context.Context, cfg config.Config, registry *scenario.Registry, out, errOut io.Writer) error {
	sc, err := registry.Get(cfg.Scenario)
	if err != nil {
		return err
	}
	seedList, err := seeds.ParseAndResolve(cfg.Seeds)
	if err != nil {
		return err
	}
	mode, err := playability.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	logger := log.New(errOut, "[PLAY] ", log.LstdFlags)
	var browser bridge.Opener
	if mode != playability.ModeLogic {
		if browser, err = newBrowserOpener(cfg); err != nil {
			return err
		}
	}
	engine := playability.New(playability.Config{
		Browser:     browser,
		Capturer:    artifact.NewCapturer(cfg.ArtifactsDir, logger),
		BaseURL:     cfg.BaseURL,
		Verbose:     cfg.Verbose,
		Concurrency: cfg.Concurrency,
		StepTimeout: cfg.StepTimeout,
		Band:        cfg.Band(),
		Logger:      logger,
	})

	rep, err := engine.Analyze(ctx, playability.Request{Scenario: sc, Seeds: seedList, Mode: mode})
	if err != nil {
		return err
	}
	if err := report.Render(out, format, rep); err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	if cfg.DBPath != "" {
		st, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		id, err := st.SaveReport(ctx, rep)
		if err != nil {
			return err
		}
		logger.Printf("report_saved id=%s db=%s", id, cfg.DBPath)
	}

	if !rep.OK() {
		return fmt.Errorf("%w: %d failed, %d diverged of %d seeds", ErrRunFailed,
			rep.Summary.Failed, rep.Summary.ByOutcome[playability.OutcomeDivergence], rep.Summary.Total)
	}
	return nil
}

func newBrowserOpener(cfg config.Config) (bridge.Opener, error) {
	if cfg.Browser == config.BrowserLogic {
		return bridge.NewScriptOpener(bridge.ScriptOptions{}), nil
	}
	return bridge.NewChromeOpener(bridge.ChromeOptions{
		Browser:   cfg.Browser,
		ExecPath:  cfg.ExecPath,
		RemoteURL: cfg.RemoteURL,
		Headless:  cfg.Headless,
	})
}

func openStore(path string) (*store.Store, error) {
	st, err := store.New(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
