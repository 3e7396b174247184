package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/config"
	"github.com/zen-systems/autoos/pkg/executor"
	"github.com/zen-systems/autoos/pkg/ledger"
	"github.com/zen-systems/autoos/pkg/metrics"
	"github.com/zen-systems/autoos/pkg/orchestrator"
	"github.com/zen-systems/autoos/pkg/router"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/state"
	"github.com/zen-systems/autoos/pkg/telemetry"
	"github.com/zen-systems/autoos/pkg/tool"
	"github.com/zen-systems/autoos/pkg/verifier"
)

// stackOptions override the configured backends from the command line.
type stackOptions struct {
	ledgerDriver string
	ledgerPath   string
	metrics      bool
}

// stack is the wired orchestrator and the backends it owns.
type stack struct {
	cfg      *config.Config
	registry *router.Registry
	orch     *orchestrator.Orchestrator
	ledger   ledger.Ledger
	store    state.Store
	prom     *metrics.Prometheus
	closers  []func() error
	tracing  telemetry.Shutdown
}

func buildStack(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts stackOptions) (*stack, error) {
	pc := cfg.Providers
	s := &stack{cfg: cfg}

	shutdown, err := telemetry.Init(ctx, pc.Telemetry.Telemetry(), log)
	if err != nil {
		return nil, err
	}
	s.tracing = shutdown

	reg, skipped, err := config.BuildRegistry(cfg, config.DefaultAdapterFactory)
	if err != nil {
		s.Close()
		return nil, err
	}
	for _, id := range skipped {
		log.Debug().Str("profile", id).Msg("profile skipped: no API key")
	}
	if len(reg.Snapshot()) == 0 {
		s.Close()
		return nil, fmt.Errorf("no provider profiles available; set an API key or add a mock profile")
	}
	s.registry = reg

	l, err := openLedger(ctx, cfg, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ledger = l
	s.closers = append(s.closers, l.Close)

	store, err := openStore(ctx, pc.State)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store

	var sink metrics.Sink = metrics.Nop{}
	if opts.metrics || pc.Metrics.Enabled {
		s.prom = metrics.NewPrometheus()
		sink = s.prom
	}

	escalation, err := orchestrator.ParseEscalationPolicy(pc.Orchestration.EscalationPolicy)
	if err != nil {
		s.Close()
		return nil, err
	}

	roles := pc.RoleTable()
	o := pc.Orchestration
	r := router.NewRouter(reg, router.WithRoleTable(roles), router.WithLogger(log))
	inv := adapter.NewInvoker(adapter.WithRetryPolicy(o.AdapterRetryPolicy()), adapter.WithInvokerLogger(log))
	v := verifier.New(r, inv, verifier.WithRoleTable(roles), verifier.WithLogger(log))
	exec := executor.New(r, inv, v,
		executor.WithToolRunner(tool.NewRunner(pc.Tools.Policy())),
		executor.WithRoleTable(roles),
		executor.WithMetrics(sink),
		executor.WithLogger(log),
		executor.WithCallTimeout(o.CallTimeout),
		executor.WithMaxTokens(o.MaxTokens),
	)
	s.orch = orchestrator.New(exec,
		orchestrator.WithLedger(l),
		orchestrator.WithStateStore(store),
		orchestrator.WithMetrics(sink),
		orchestrator.WithLogger(log),
		orchestrator.WithMaxConcurrentSteps(o.MaxConcurrentSteps),
		orchestrator.WithEscalationPolicy(escalation),
		orchestrator.WithRecoveryPolicy(o.RecoveryPolicy()),
		orchestrator.WithRoleTable(roles),
	)
	return s, nil
}

func openLedger(ctx context.Context, cfg *config.Config, opts stackOptions) (ledger.Ledger, error) {
	lc := cfg.Providers.Ledger
	driver := lc.Driver
	if opts.ledgerDriver != "" {
		driver = opts.ledgerDriver
	}
	path := lc.Path
	if opts.ledgerPath != "" {
		path = opts.ledgerPath
	}

	switch driver {
	case "", "memory":
		return ledger.NewMemory(), nil
	case "file":
		if path == "" {
			path = filepath.Join(cfg.ConfigDir, "ledger.jsonl")
		}
		return ledger.NewFile(path)
	case "redis":
		var ropts []ledger.RedisOption
		if lc.StreamPrefix != "" {
			ropts = append(ropts, ledger.WithStreamPrefix(lc.StreamPrefix))
		}
		return ledger.NewRedis(ctx, lc.RedisURL, ropts...)
	case "postgres":
		return ledger.NewPostgres(ctx, lc.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown ledger driver %q", driver)
}

func openStore(ctx context.Context, sc config.StateConfig) (state.Store, error) {
	switch sc.Driver {
	case "", "memory":
		return state.NewMemory(), nil
	case "redis":
		return state.Connect(ctx, sc.RedisURL, sc.TTL)
	}
	return nil, fmt.Errorf("unknown state driver %q", sc.Driver)
}

// workflowDefaults fills workflow settings left unset from the
// orchestration config.
func workflowDefaults(o config.OrchestrationConfig) func(*schema.Workflow) {
	return func(wf *schema.Workflow) {
		if wf.Strategy == "" {
			wf.Strategy = o.Strategy
		}
		if wf.ConfidenceThreshold == 0 {
			wf.ConfidenceThreshold = o.ConfidenceThreshold
		}
		if o.ContinueDegraded {
			wf.ContinueDegraded = true
		}
	}
}

// Close releases the backends in reverse order of opening.
func (s *stack) Close() error {
	var errs []error
	if c, ok := s.store.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	if s.tracing != nil {
		errs = append(errs, s.tracing(context.Background()))
	}
	return errors.Join(errs...)
}
