package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/rpmtools/pkg/config"
	"github.com/openfroyo/rpmtools/pkg/dnf"
	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
	"github.com/openfroyo/rpmtools/pkg/stores"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
	"github.com/openfroyo/rpmtools/pkg/transports/ws"
)

// env is everything a command needs once the config is loaded.
type env struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  stores.Store
	policy *policy.Engine
	sink   *ws.Publisher

	// opener runs local operations.
	opener rpmtools.Opener
	// remote runs operations on opts.host when set.
	remote executor
	host   string
}

// setup loads the config and starts telemetry, the store, the policy gate
// and the progress sink. withPolicy is false for read-only commands.
func setup(ctx context.Context, opts *globalOptions, withPolicy bool) (*env, context.Context, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, ctx, err
	}
	if opts.verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetrySettings("rpmtool", opts.version))
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = *tel.Logger.Zerolog()
	ctx = tel.WithContext(ctx)

	e := &env{cfg: cfg, tel: tel, host: opts.host}

	if !cfg.Store.Disabled {
		store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
		if err != nil {
			e.close(ctx)
			return nil, ctx, fmt.Errorf("failed to open history store: %w", err)
		}
		e.store = store
	}

	if withPolicy && !cfg.Policy.Disabled {
		engine, err := newPolicyEngine(ctx, tel.Logger, cfg.Policy)
		if err != nil {
			e.close(ctx)
			return nil, ctx, err
		}
		e.policy = engine
	}

	if cfg.Progress.URL != "" {
		sink, err := ws.Dial(ctx, ws.Config{URL: cfg.Progress.URL})
		if err != nil {
			// progress streaming is best effort
			tel.Logger.WithError(err).Warn("progress sink unavailable")
		} else {
			sink.Attach(tel.Events)
			e.sink = sink
		}
	}

	if opts.host != "" {
		e.remote = &remoteExecutor{cfg: cfg, target: opts.host}
	} else {
		e.opener = dnf.NewOpener(cfg.DNF, nil)
	}

	return e, ctx, nil
}

func newPolicyEngine(ctx context.Context, logger *telemetry.Logger, cfg config.PolicyConfig) (*policy.Engine, error) {
	engine, err := policy.NewEngine(*logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Protected) > 0 {
		engine.SetProtected(cfg.Protected)
	}

	var paths []string
	for _, p := range cfg.Paths {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) > 0 {
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	if err := engine.Toggle(cfg.Enable, cfg.Disable); err != nil {
		return nil, err
	}
	return engine, nil
}

// close flushes events, writes the metrics textfile and releases every
// resource. Errors are logged, not returned.
func (e *env) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	logger := e.tel.Logger

	var errs []error
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.tel.Events.Flush(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush events: %w", err))
	}
	if e.sink != nil {
		if err := e.sink.Err(); err != nil {
			errs = append(errs, fmt.Errorf("progress sink: %w", err))
		}
		if err := e.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close progress sink: %w", err))
		}
	}
	if path := e.tel.Config.Metrics.TextfilePath; path != "" {
		if err := e.tel.Metrics.WriteTextfile(path); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := e.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.WithError(err).Warn("cleanup incomplete")
	}
}
