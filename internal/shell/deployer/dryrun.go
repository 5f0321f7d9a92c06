package deployer

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/caravel/internal/core/domain"
)

// =============================================================================
// Dry-Run Deployer
// =============================================================================

// DryRun is a no-op Deployer returning simulated successes. It records every
// call so callers can assert that a dry run stayed side-effect free.
type DryRun struct {
	mu       sync.Mutex
	deploys  []string
	restores []string
}

// NewDryRun creates a dry-run deployer.
func NewDryRun() *DryRun {
	return &DryRun{}
}

// Deploy simulates a successful deployment without touching anything.
func (d *DryRun) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.deploys = append(d.deploys, req.Domain)
	d.mu.Unlock()

	return &DeployResult{
		Status:       "simulated",
		URL:          fmt.Sprintf("https://%s", req.Domain),
		WorkerID:     "dry-run",
		DeploymentID: fmt.Sprintf("dry-run-%s", req.Domain),
	}, nil
}

// Describe reports a synthetic prior descriptor.
func (d *DryRun) Describe(ctx context.Context, domainID string, env domain.Environment) (*domain.PriorDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.PriorDescriptor{Version: "simulated-prior"}, nil
}

// Restore records the call and succeeds.
func (d *DryRun) Restore(ctx context.Context, point domain.RollbackPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.restores = append(d.restores, point.DomainID)
	d.mu.Unlock()
	return nil
}

// Deploys returns the domains deployed so far, in call order.
func (d *DryRun) Deploys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.deploys...)
}

// Restores returns the domains restored so far, in call order.
func (d *DryRun) Restores() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.restores...)
}
