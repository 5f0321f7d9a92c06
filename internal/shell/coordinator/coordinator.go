// Package coordinator runs per-domain deployment state machines under
// bounded concurrency.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/shell/audit"
	"github.com/artpar/caravel/internal/shell/deployer"
	"github.com/artpar/caravel/internal/shell/rollback"
	"github.com/artpar/caravel/internal/shell/state"
)

// =============================================================================
// Coordinator
// =============================================================================

// Config configures the coordinator.
type Config struct {
	Verify VerifyConfig
}

// Coordinator drives each domain through VALIDATE -> DEPLOY -> VERIFY on a
// worker pool sized by the plan. Workers share nothing mutable except the
// auditor and the state manager's lock table; one domain's failure never
// touches another in-flight domain.
type Coordinator struct {
	deployer deployer.Deployer
	rollback *rollback.Manager
	state    *state.Manager // nil disables phase persistence
	auditor  *audit.Auditor
	verifier *Verifier
	logger   *slog.Logger
}

// New creates a coordinator. state may be nil when persistence is disabled.
func New(d deployer.Deployer, rb *rollback.Manager, st *state.Manager, aud *audit.Auditor, config Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if aud == nil {
		aud = audit.NewAuditor(logger)
	}
	return &Coordinator{
		deployer: d,
		rollback: rb,
		state:    st,
		auditor:  aud,
		verifier: NewVerifier(config.Verify, logger),
		logger:   logger.With("component", "coordinator"),
	}
}

// Auditor exposes the run's auditor so the facade can finalize the log.
func (c *Coordinator) Auditor() *audit.Auditor {
	return c.auditor
}

// =============================================================================
// Portfolio Run
// =============================================================================

// Run deploys every target under the plan's concurrency bound and returns
// the aggregated result. Errors land on domain records; Run itself never
// fails.
func (c *Coordinator) Run(ctx context.Context, plan domain.DeploymentPlan, targets []domain.DomainTarget) *domain.PortfolioResult {
	plan = plan.Normalize()
	result := domain.NewPortfolioResult(uuid.New().String())

	active := c.deployer
	if plan.DryRun {
		// A dry run swaps in the simulator and suppresses all state and
		// rollback writes further down.
		active = deployer.NewDryRun()
	}

	c.logger.Info("portfolio run starting",
		"run_id", result.RunID,
		"domains", len(targets),
		"parallel", plan.ParallelDeployments,
		"environment", plan.Environment,
		"dry_run", plan.DryRun,
	)
	c.auditor.Record("", domain.PhaseRun, "started", map[string]string{
		"run_id":      result.RunID,
		"environment": string(plan.Environment),
	})

	// FIFO queue feeding a fixed pool of workers.
	jobs := make(chan domain.DomainTarget)
	var mu sync.Mutex // guards result
	var wg sync.WaitGroup
	var aborted atomic.Bool

	workers := plan.ParallelDeployments
	if workers > len(targets) {
		workers = len(targets)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range jobs {
				rec := c.runDomain(ctx, active, plan, target, &aborted)
				if plan.FailFast && isFailure(rec.State) {
					aborted.Store(true)
				}
				mu.Lock()
				result.Fold(*rec)
				mu.Unlock()
			}
		}()
	}

	for _, target := range targets {
		jobs <- target
	}
	close(jobs)
	wg.Wait()

	result.Complete()
	c.auditor.Record("", domain.PhaseRun, "finished", map[string]string{
		"run_id":    result.RunID,
		"succeeded": fmt.Sprintf("%d", len(result.Succeeded)),
		"failed":    fmt.Sprintf("%d", len(result.Failed)),
	})
	c.logger.Info("portfolio run finished",
		"run_id", result.RunID,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"rolled_back", len(result.RolledBack),
		"skipped", len(result.Skipped),
		"cancelled", len(result.Cancelled),
		"duration_ms", result.DurationMs,
	)
	return result
}

func isFailure(s domain.RecordState) bool {
	switch s {
	case domain.StateFailed, domain.StateRolledBack, domain.StateRollbackFailed:
		return true
	}
	return false
}

// =============================================================================
// Per-Domain State Machine
// =============================================================================

// runDomain executes the full state machine for one domain and returns its
// terminal record.
func (c *Coordinator) runDomain(ctx context.Context, d deployer.Deployer, plan domain.DeploymentPlan, target domain.DomainTarget, aborted *atomic.Bool) *domain.DeploymentRecord {
	rec := domain.NewDeploymentRecord(target.ID)
	logger := c.logger.With("domain", target.ID, "attempt", rec.AttemptID)

	// Still queued: cancellation and fail-fast take effect here, before any
	// work starts. In-flight domains are never cancelled by fail-fast.
	if ctx.Err() != nil {
		_ = rec.Fail(domain.StateCancelled, "run cancelled before start")
		c.auditor.Record(target.ID, domain.PhaseRun, "cancelled", nil)
		return rec
	}
	if aborted != nil && aborted.Load() {
		_ = rec.Fail(domain.StateCancelled, "cancelled by fail-fast after earlier failure")
		c.auditor.Record(target.ID, domain.PhaseRun, "cancelled", map[string]string{"reason": "fail-fast"})
		return rec
	}

	// VALIDATE: static checks only, no side effects. Failure aborts only
	// this domain.
	_ = rec.Transition(domain.StateValidating)
	c.auditor.Record(target.ID, domain.PhaseValidate, "entered", nil)
	if err := c.validate(plan, target); err != nil {
		_ = rec.Fail(domain.StateFailed, err.Error())
		c.auditor.Record(target.ID, domain.PhaseValidate, "failed", map[string]string{"error": err.Error()})
		logger.Warn("validation failed", "error", err)
		return rec
	}
	c.auditor.Record(target.ID, domain.PhaseValidate, "passed", nil)
	c.persistPhase(ctx, plan, rec)

	if cancelled := c.checkCancelled(ctx, rec, target.ID); cancelled {
		return rec
	}

	// DEPLOY: capture the rollback point first, then hand off to the
	// external deployer.
	_ = rec.Transition(domain.StateDeploying)
	c.auditor.Record(target.ID, domain.PhaseDeploy, "entered", map[string]string{
		"environment": string(target.Environment),
		"artifact":    plan.Artifact,
	})

	if plan.RollbackEnabled && !plan.DryRun {
		if _, err := c.rollback.CreatePoint(ctx, target.ID, rec.AttemptID, target.Environment); err != nil {
			// Without a rollback point a failed deploy could not be undone,
			// so the deploy is not attempted.
			_ = rec.Fail(domain.StateFailed, err.Error())
			c.auditor.Record(target.ID, domain.PhaseDeploy, "failed", map[string]string{"error": err.Error()})
			logger.Error("rollback point capture failed, deploy aborted", "error", err)
			return rec
		}
	}

	deployed, err := d.Deploy(ctx, deployer.DeployRequest{
		Domain:      target.ID,
		Environment: target.Environment,
		Credentials: plan.Credentials,
		Artifact:    plan.Artifact,
	})
	if err != nil {
		if cancelled := c.checkCancelled(ctx, rec, target.ID); cancelled {
			return rec
		}
		c.failDomain(ctx, plan, rec, domain.PhaseDeploy, err, logger)
		return rec
	}
	rec.URL = deployed.URL
	rec.WorkerID = deployed.WorkerID
	rec.DeploymentID = deployed.DeploymentID
	c.auditor.Record(target.ID, domain.PhaseDeploy, "completed", map[string]string{
		"url":           deployed.URL,
		"deployment_id": deployed.DeploymentID,
	})
	c.persistPhase(ctx, plan, rec)

	if cancelled := c.checkCancelled(ctx, rec, target.ID); cancelled {
		return rec
	}

	// VERIFY: bounded health check budget. Exhaustion is treated exactly
	// like a deploy failure.
	_ = rec.Transition(domain.StateVerifying)
	c.auditor.Record(target.ID, domain.PhaseVerify, "entered", map[string]string{"url": rec.URL})

	verifyErr := error(nil)
	if !plan.DryRun {
		verifyErr = c.verifier.Verify(ctx, rec.URL, func(attempt int) {
			c.auditor.Record(target.ID, domain.PhaseVerify, "retry", map[string]string{
				"attempt": fmt.Sprintf("%d", attempt),
			})
		})
	}
	if verifyErr != nil {
		if cancelled := c.checkCancelled(ctx, rec, target.ID); cancelled {
			return rec
		}
		c.failDomain(ctx, plan, rec, domain.PhaseVerify, verifyErr, logger)
		return rec
	}

	_ = rec.Transition(domain.StateSucceeded)
	c.auditor.Record(target.ID, domain.PhaseVerify, "passed", nil)
	c.persistPhase(ctx, plan, rec)
	logger.Info("domain deployed", "url", rec.URL, "duration", rec.Duration())
	return rec
}

// validate runs the static per-domain checks.
func (c *Coordinator) validate(plan domain.DeploymentPlan, target domain.DomainTarget) error {
	if err := domain.ValidateDomainID(target.ID); err != nil {
		return err
	}
	if !plan.DryRun {
		if err := plan.Credentials.Validate(); err != nil {
			return err
		}
		if plan.Artifact == "" {
			return domain.NewValidationError(target.ID, "artifact is required")
		}
	}
	return nil
}

// checkCancelled converts context cancellation into a CANCELLED record.
// Cancellation never triggers rollback.
func (c *Coordinator) checkCancelled(ctx context.Context, rec *domain.DeploymentRecord, domainID string) bool {
	if ctx.Err() == nil {
		return false
	}
	_ = rec.Fail(domain.StateCancelled, "run cancelled")
	c.auditor.Record(domainID, domain.PhaseRun, "cancelled", nil)
	return true
}

// failDomain applies the failure policy: roll back when enabled, otherwise
// mark the record failed.
func (c *Coordinator) failDomain(ctx context.Context, plan domain.DeploymentPlan, rec *domain.DeploymentRecord, phase domain.Phase, cause error, logger *slog.Logger) {
	derr := domain.NewDeploymentError(rec.DomainID, phase, cause)
	c.auditor.Record(rec.DomainID, phase, "failed", map[string]string{"error": derr.Error()})
	logger.Warn("phase failed", "phase", phase, "error", cause)

	if !plan.RollbackEnabled || plan.DryRun {
		_ = rec.Fail(domain.StateFailed, derr.Error())
		c.persistPhase(ctx, plan, rec)
		return
	}

	c.auditor.Record(rec.DomainID, domain.PhaseRollback, "entered", nil)
	if rbErr := c.rollback.Rollback(ctx, rec.DomainID); rbErr != nil {
		_ = rec.Fail(domain.StateRollbackFailed, rbErr.Error())
		c.auditor.Record(rec.DomainID, domain.PhaseRollback, "failed", map[string]string{"error": rbErr.Error()})
		// Always surfaced regardless of verbosity: the domain has diverged
		// and needs an operator.
		logger.Error("ROLLBACK FAILED, domain requires manual recovery",
			"domain", rec.DomainID,
			"error", rbErr,
		)
	} else {
		_ = rec.Fail(domain.StateRolledBack, derr.Error())
		c.auditor.Record(rec.DomainID, domain.PhaseRollback, "completed", nil)
	}
	c.persistPhase(ctx, plan, rec)
}

// persistPhase snapshots the record after a transition. Dry runs never write.
func (c *Coordinator) persistPhase(ctx context.Context, plan domain.DeploymentPlan, rec *domain.DeploymentRecord) {
	if c.state == nil || plan.DryRun {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("could not encode phase state", "domain", rec.DomainID, "error", err)
		return
	}
	if _, err := c.state.Save(ctx, rec.DomainID, payload); err != nil {
		c.logger.Warn("could not persist phase state", "domain", rec.DomainID, "error", err)
	}
}
