// Package domain contains the pure domain model for multi-domain deployment
// orchestration. This is part of the Functional Core - no I/O, no clocks
// beyond timestamping, no provider calls.
package domain

import (
	"fmt"
	"regexp"
)

// =============================================================================
// Environment
// =============================================================================

// Environment identifies a deployment target environment.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// ParseEnvironment validates and normalizes an environment name.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvProduction, EnvStaging, EnvDevelopment:
		return Environment(s), nil
	case "":
		return EnvDevelopment, nil
	default:
		return "", fmt.Errorf("%w: unknown environment %q", ErrConfiguration, s)
	}
}

// =============================================================================
// Credentials
// =============================================================================

// Credentials holds the provider credentials shared read-only by all workers.
type Credentials struct {
	APIToken  string `json:"api_token,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	ZoneID    string `json:"zone_id,omitempty"`
}

// IsZero reports whether no credential fields are set.
func (c Credentials) IsZero() bool {
	return c.APIToken == "" && c.AccountID == "" && c.ZoneID == ""
}

// Validate checks that the credentials are usable for a real deployment.
func (c Credentials) Validate() error {
	var violations []string
	if c.APIToken == "" {
		violations = append(violations, "api_token is required")
	}
	if c.AccountID == "" {
		violations = append(violations, "account_id is required")
	}
	if len(violations) > 0 {
		return NewValidationError("credentials", violations...)
	}
	return nil
}

// =============================================================================
// Deployment Plan
// =============================================================================

// hostnamePattern is deliberately loose: it rejects obvious garbage while
// accepting any plausible zone or hostname.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

// ValidateDomainID checks that a domain id looks like a hostname.
func ValidateDomainID(id string) error {
	if !hostnamePattern.MatchString(id) {
		return NewValidationError(id, fmt.Sprintf("domain %q is not a valid hostname", id))
	}
	return nil
}

// DeploymentPlan describes one orchestrator invocation over a portfolio.
type DeploymentPlan struct {
	// Domains is the set of target domains. Duplicates collapse to one.
	Domains []string

	// Environment selects the routing policy for every domain.
	Environment Environment

	// Artifact is an opaque reference to the deployable artifact. How it was
	// built is out of scope.
	Artifact string

	// ParallelDeployments bounds the worker pool. Minimum 1.
	ParallelDeployments int

	// DryRun substitutes a simulated deployer and suppresses all state and
	// rollback writes.
	DryRun bool

	// RollbackEnabled captures a rollback point before each deploy and
	// restores it on failure.
	RollbackEnabled bool

	// FailFast cancels queued (never in-flight) domains after the first
	// failure.
	FailFast bool

	Credentials Credentials
}

// Normalize deduplicates domains (first-seen order preserved) and applies
// defaults. Returns a copy; the receiver is not modified.
func (p DeploymentPlan) Normalize() DeploymentPlan {
	seen := make(map[string]bool, len(p.Domains))
	deduped := make([]string, 0, len(p.Domains))
	for _, d := range p.Domains {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		deduped = append(deduped, d)
	}
	p.Domains = deduped

	if p.ParallelDeployments < 1 {
		p.ParallelDeployments = 1
	}
	if p.Environment == "" {
		p.Environment = EnvDevelopment
	}
	return p
}

// Validate checks the plan ahead of a portfolio run. The domain set must be
// non-empty and every domain must look like a hostname.
func (p DeploymentPlan) Validate() error {
	if len(p.Domains) == 0 {
		return ErrNoDomainsAvailable
	}

	var violations []string
	for _, d := range p.Domains {
		if !hostnamePattern.MatchString(d) {
			violations = append(violations, fmt.Sprintf("domain %q is not a valid hostname", d))
		}
	}
	if p.ParallelDeployments < 1 {
		violations = append(violations, "parallel_deployments must be at least 1")
	}
	if _, err := ParseEnvironment(string(p.Environment)); err != nil {
		violations = append(violations, fmt.Sprintf("unknown environment %q", p.Environment))
	}
	if len(violations) > 0 {
		return NewValidationError("plan", violations...)
	}
	return nil
}
