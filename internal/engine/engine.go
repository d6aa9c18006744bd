// Package engine wires config.Snapshot into a ready-to-run
// orchestrator.Orchestrator: it loads every feature-backed registry
// (patterns, path index, tool profiles, router rules) and constructs the
// shared statestore.Store, resilience.BreakerRegistry, and
// patchledger.Ledger a single process needs. cmd/acms and cmd/acmsd both
// build on this instead of duplicating wiring.
package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/acms-dev/acms/config"
	"github.com/acms-dev/acms/runtime/executor"
	"github.com/acms-dev/acms/runtime/patchledger"
	"github.com/acms-dev/acms/runtime/patterns"
	"github.com/acms-dev/acms/runtime/pathregistry"
	"github.com/acms-dev/acms/runtime/resilience"
	"github.com/acms-dev/acms/runtime/router"
	"github.com/acms-dev/acms/runtime/statestore"
	"github.com/acms-dev/acms/runtime/tooladapter"
	"github.com/acms-dev/acms/telemetry"

	routerjson "github.com/acms-dev/acms/features/router/json"
	statestoresqlite "github.com/acms-dev/acms/features/statestore/sqlite"
	pathregistryyaml "github.com/acms-dev/acms/features/pathregistry/yaml"
	patternsyaml "github.com/acms-dev/acms/features/patterns/yaml"
	toolprofilesjson "github.com/acms-dev/acms/features/toolprofiles/json"
)

// Engine bundles every collaborator the orchestrator needs, built once per
// process from a config.Snapshot.
type Engine struct {
	Config   config.Snapshot
	Store    statestore.Store
	Paths    *pathregistry.Registry
	Patterns *patterns.Registry
	Router   *router.Router
	Profiles executor.ProfileLookup
	Adapter  *tooladapter.Adapter
	Breakers *resilience.BreakerRegistry
	Retry    resilience.RetryPolicy
	Patches  *patchledger.Ledger
	Logger   telemetry.Logger
	Tracer   telemetry.Tracer
	Metrics  telemetry.Metrics

	pathWatcher *pathregistryyaml.Watcher
}

// Build loads every configuration-driven collaborator named in cfg and
// returns an Engine ready to hand to orchestrator.New. logger/tracer/metrics
// may be nil, in which case noop implementations are used.
func Build(cfg config.Snapshot, logger telemetry.Logger, tracer telemetry.Tracer, metrics telemetry.Metrics) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	store, err := statestoresqlite.Open(cfg.StateStorePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open state store: %w", err)
	}

	pathOpts := pathregistryyaml.Options{IndexPath: cfg.PathIndex, Root: cfg.RepoRoot}
	paths, err := pathregistryyaml.Load(pathOpts)
	if err != nil {
		return nil, fmt.Errorf("engine: load path registry: %w", err)
	}
	// Hot-reload is best-effort: an operator editing the path index live is
	// a convenience, not a correctness requirement, so a watcher that fails
	// to start only gets logged.
	pathWatcher, err := pathregistryyaml.Watch(pathOpts, paths, logger)
	if err != nil {
		logger.Warn(context.Background(), "engine: path index hot-reload unavailable", "error", err)
	}

	predicates := patterns.NewPredicateRegistry(nil, nil)
	patternRegistry, err := patternsyaml.Load(cfg.PatternIndex, predicates)
	if err != nil {
		return nil, fmt.Errorf("engine: load pattern registry: %w", err)
	}

	rules, err := routerjson.LoadRules(cfg.RouterConfig)
	if err != nil {
		return nil, fmt.Errorf("engine: load router config: %w", err)
	}
	counters := routerjson.NewFileCounters(cfg.RouterCountersPath)
	rt := router.New(router.Options{Rules: rules, Counters: counters})

	profileMap, err := toolprofilesjson.Load(cfg.ToolProfiles)
	if err != nil {
		return nil, fmt.Errorf("engine: load tool profiles: %w", err)
	}

	adapter := tooladapter.New(tooladapter.WithLogger(logger), tooladapter.WithTracer(tracer))
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings(), logger)

	return &Engine{
		Config:   cfg,
		Store:    store,
		Paths:    paths,
		Patterns: patternRegistry,
		Router:   rt,
		Profiles: executor.MapProfiles(profileMap),
		Adapter:  adapter,
		Breakers: breakers,
		Retry:    resilience.DefaultRetryPolicy(),
		Patches:  patchledger.New(store),
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,

		pathWatcher: pathWatcher,
	}, nil
}

// Close releases the underlying state store connection and stops the path
// index watcher, if the concrete implementation holds one open.
func (e *Engine) Close() error {
	if e.pathWatcher != nil {
		if err := e.pathWatcher.Close(); err != nil {
			e.Logger.Warn(context.Background(), "engine: path watcher close failed", "error", err)
		}
	}
	if c, ok := e.Store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
