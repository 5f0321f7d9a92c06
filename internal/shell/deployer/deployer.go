// Package deployer defines the boundary to the vendor deployment client and
// ships the edge adapters the orchestrator runs against.
package deployer

import (
	"context"

	"github.com/artpar/caravel/internal/core/domain"
)

// =============================================================================
// Deployer Interface
// =============================================================================

// DeployRequest carries everything the vendor client needs for one domain.
type DeployRequest struct {
	Domain      string
	Environment domain.Environment
	Credentials domain.Credentials
	Artifact    string
}

// DeployResult is the vendor client's report of a successful deployment.
type DeployResult struct {
	Status       string `json:"status"`
	URL          string `json:"url,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// Deployer performs the actual deployment for a single domain. The wire
// protocol behind it is out of scope; implementations adapt a vendor API or
// CLI to this interface.
type Deployer interface {
	// Deploy pushes the artifact for one domain and environment.
	Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error)

	// Describe reports the current state of a domain, captured as a rollback
	// point before a deployment starts.
	Describe(ctx context.Context, domainID string, env domain.Environment) (*domain.PriorDescriptor, error)

	// Restore reverts a domain to a previously captured rollback point.
	Restore(ctx context.Context, point domain.RollbackPoint) error
}
