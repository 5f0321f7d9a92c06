// Package orchestrator is the top-level facade over the deployment pipeline.
// It owns the run lifecycle and wires the coordinator, state manager,
// rollback manager and audit archive together for one portfolio.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/core/resolver"
	"github.com/artpar/caravel/internal/shell/audit"
	"github.com/artpar/caravel/internal/shell/coordinator"
	"github.com/artpar/caravel/internal/shell/deployer"
	"github.com/artpar/caravel/internal/shell/rollback"
	"github.com/artpar/caravel/internal/shell/state"
)

// =============================================================================
// Lifecycle
// =============================================================================

// Lifecycle is the orchestrator's own state, independent of any per-domain
// record state.
type Lifecycle string

const (
	LifecycleCreated     Lifecycle = "created"
	LifecycleInitialized Lifecycle = "initialized"
	LifecycleRunning     Lifecycle = "running"
	LifecycleCompleted   Lifecycle = "completed"
	LifecycleFailed      Lifecycle = "failed"
)

var validLifecycle = map[Lifecycle][]Lifecycle{
	LifecycleCreated:     {LifecycleInitialized},
	LifecycleInitialized: {LifecycleRunning},
	LifecycleRunning:     {LifecycleCompleted, LifecycleFailed},

	// Completed orchestrators can run again without re-initializing.
	LifecycleCompleted: {LifecycleRunning},
	LifecycleFailed:    {LifecycleRunning},
}

// =============================================================================
// Orchestrator
// =============================================================================

// Config tunes the orchestrator beyond what the plan carries.
type Config struct {
	Verify coordinator.VerifyConfig

	// StatePhaseID is the phase under which the finished portfolio result is
	// snapshotted. Default: "portfolio".
	StatePhaseID string
}

// Orchestrator drives one deployment plan through its lifecycle. Construct
// with New, call Initialize once, then DeployPortfolio or Deploy. Not safe
// for concurrent runs of the same instance; the lifecycle guard rejects them.
type Orchestrator struct {
	plan     domain.DeploymentPlan
	deployer deployer.Deployer
	state    *state.Manager // nil disables persistence
	archive  *audit.Archive // nil disables run archival
	config   Config
	logger   *slog.Logger

	mu        sync.Mutex
	lifecycle Lifecycle
}

// New creates an orchestrator for a plan. state and archive may be nil.
func New(plan domain.DeploymentPlan, d deployer.Deployer, st *state.Manager, archive *audit.Archive, config Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.StatePhaseID == "" {
		config.StatePhaseID = "portfolio"
	}
	return &Orchestrator{
		plan:      plan.Normalize(),
		deployer:  d,
		state:     st,
		archive:   archive,
		config:    config,
		logger:    logger.With("component", "orchestrator"),
		lifecycle: LifecycleCreated,
	}
}

// Lifecycle returns the current lifecycle state.
func (o *Orchestrator) Lifecycle() Lifecycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifecycle
}

func (o *Orchestrator) transition(to Lifecycle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, allowed := range validLifecycle[o.lifecycle] {
		if allowed == to {
			o.lifecycle = to
			return nil
		}
	}
	return fmt.Errorf("%w: orchestrator is %s, cannot move to %s", domain.ErrInvalidState, o.lifecycle, to)
}

// =============================================================================
// Initialize
// =============================================================================

// Initialize validates the plan and credentials. A dry run degrades missing
// credentials to a warning; a real run rejects them. Must be called exactly
// once before any deploy operation.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := o.plan.Validate(); err != nil {
		return err
	}

	if err := o.plan.Credentials.Validate(); err != nil {
		if !o.plan.DryRun {
			return err
		}
		o.logger.Warn("credentials incomplete, continuing because this is a dry run", "error", err)
	}

	if err := o.transition(LifecycleInitialized); err != nil {
		return err
	}
	o.logger.Info("orchestrator initialized",
		"domains", len(o.plan.Domains),
		"environment", o.plan.Environment,
		"dry_run", o.plan.DryRun,
	)
	return nil
}

// =============================================================================
// Deploy Operations
// =============================================================================

// DeployPortfolio deploys every domain in the plan and returns the aggregated
// result with its finalized audit log attached. Per-domain failures live on
// the result; the returned error covers lifecycle misuse only.
func (o *Orchestrator) DeployPortfolio(ctx context.Context) (*domain.PortfolioResult, error) {
	return o.run(ctx, o.plan.Domains)
}

// Deploy deploys a single domain from the plan. The domain must be part of
// the plan's portfolio.
func (o *Orchestrator) Deploy(ctx context.Context, domainID string) (*domain.PortfolioResult, error) {
	selected, err := resolver.SelectDomain(o.plan.Domains, resolver.Criteria{Domain: domainID})
	if err != nil {
		return nil, err
	}
	return o.run(ctx, selected)
}

func (o *Orchestrator) run(ctx context.Context, domains []string) (*domain.PortfolioResult, error) {
	if err := o.transition(LifecycleRunning); err != nil {
		return nil, err
	}

	plan := o.plan
	plan.Domains = domains
	targets := resolver.ResolveTargets(domains, plan.Environment)

	// Each run gets its own auditor so audit logs never bleed across runs.
	auditor := audit.NewAuditor(o.logger)
	rb := rollback.NewManager(o.deployer, o.logger)
	coord := coordinator.New(o.deployer, rb, o.state, auditor, coordinator.Config{Verify: o.config.Verify}, o.logger)

	result := coord.Run(ctx, plan, targets)
	result.AuditLog = auditor.Finalize()

	o.finishRun(ctx, plan, result)
	return result, nil
}

// finishRun settles the lifecycle and persists the run record. Archival and
// snapshot failures are logged, never returned: the result is already final.
func (o *Orchestrator) finishRun(ctx context.Context, plan domain.DeploymentPlan, result *domain.PortfolioResult) {
	next := LifecycleCompleted
	if !result.AllSucceeded() {
		next = LifecycleFailed
	}
	if err := o.transition(next); err != nil {
		o.logger.Warn("lifecycle settle failed", "error", err)
	}

	if o.archive != nil && !plan.DryRun {
		if err := o.archive.SaveRun(ctx, plan.Environment, result); err != nil {
			o.logger.Warn("could not archive run", "run_id", result.RunID, "error", err)
		}
	}

	if o.state != nil && !plan.DryRun {
		payload, err := json.Marshal(result)
		if err != nil {
			o.logger.Warn("could not encode portfolio snapshot", "error", err)
			return
		}
		if _, err := o.state.Save(ctx, o.config.StatePhaseID, payload); err != nil {
			o.logger.Warn("could not snapshot portfolio result", "error", err)
		}
	}
}
