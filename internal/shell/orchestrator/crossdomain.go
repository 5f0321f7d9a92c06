package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/core/graph"
	"github.com/artpar/caravel/internal/core/resolver"
	"github.com/artpar/caravel/internal/shell/coordinator"
)

// =============================================================================
// Cross-Domain Coordinator
// =============================================================================

// CrossDomain deploys a portfolio in dependency order. Independent domains
// within a batch run concurrently under the plan's worker bound; a batch only
// starts after the previous one finished. Domains whose dependency chain
// reaches a non-succeeded domain are marked SKIPPED and never attempted.
type CrossDomain struct {
	graph  *graph.Graph
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// NewCrossDomain creates a cross-domain coordinator over a dependency graph.
func NewCrossDomain(g *graph.Graph, coord *coordinator.Coordinator, logger *slog.Logger) *CrossDomain {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrossDomain{
		graph:  g,
		coord:  coord,
		logger: logger.With("component", "cross_domain"),
	}
}

// Run deploys the plan's domains batch by batch and returns the merged result
// plus the portfolio health summary. A dependency cycle is a configuration
// error and aborts before any deploy.
func (x *CrossDomain) Run(ctx context.Context, plan domain.DeploymentPlan) (*domain.PortfolioResult, graph.Health, error) {
	plan = plan.Normalize()

	batches, err := x.graph.Batches(plan.Domains)
	if err != nil {
		return nil, graph.Health{}, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	result := domain.NewPortfolioResult(uuid.New().String())
	failed := make(map[string]bool)

	x.logger.Info("cross-domain run starting",
		"run_id", result.RunID,
		"domains", len(plan.Domains),
		"batches", len(batches),
	)

	for i, batch := range batches {
		skip := x.graph.SkipSet(plan.Domains, failed)

		var runnable []string
		for _, d := range batch {
			if skip[d] {
				x.skipDomain(result, d)
				failed[d] = true
				continue
			}
			runnable = append(runnable, d)
		}
		if len(runnable) == 0 {
			continue
		}

		x.logger.Info("batch starting", "batch", i+1, "domains", runnable)

		batchPlan := plan
		batchPlan.Domains = runnable
		targets := resolver.ResolveTargets(runnable, plan.Environment)
		batchResult := x.coord.Run(ctx, batchPlan, targets)

		for _, rec := range mergeRecords(batchResult) {
			if rec.State != domain.StateSucceeded {
				failed[rec.DomainID] = true
			}
			result.Fold(rec)
		}
	}

	result.Complete()
	result.AuditLog = x.coord.Auditor().Finalize()

	health := x.graph.ComputeHealth(result)
	x.logger.Info("cross-domain run finished",
		"run_id", result.RunID,
		"succeeded", health.Succeeded,
		"total", health.Total,
		"critical_path_healthy", health.CriticalPathHealthy,
	)
	return result, health, nil
}

// skipDomain records a SKIPPED terminal record for a domain whose dependency
// chain did not succeed.
func (x *CrossDomain) skipDomain(result *domain.PortfolioResult, domainID string) {
	rec := domain.NewDeploymentRecord(domainID)
	_ = rec.Fail(domain.StateSkipped, "dependency did not succeed")
	x.coord.Auditor().Record(domainID, domain.PhaseRun, "skipped", map[string]string{
		"reason": "dependency did not succeed",
	})
	result.Fold(*rec)
	x.logger.Warn("domain skipped", "domain", domainID)
}

// mergeRecords flattens every bucket of a batch result for re-folding into
// the portfolio-wide result.
func mergeRecords(r *domain.PortfolioResult) []domain.DeploymentRecord {
	var records []domain.DeploymentRecord
	records = append(records, r.Succeeded...)
	records = append(records, r.Failed...)
	records = append(records, r.RolledBack...)
	records = append(records, r.Skipped...)
	records = append(records, r.Cancelled...)
	return records
}
