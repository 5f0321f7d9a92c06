package domain

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Domain Errors
// =============================================================================

var (
	// ErrConfiguration is returned when credentials or domain configuration
	// are missing or invalid. Fatal at Initialize().
	ErrConfiguration = errors.New("invalid orchestrator configuration")

	// ErrNoDomainsAvailable is returned when the resolved domain list is empty.
	ErrNoDomainsAvailable = errors.New("no domains available")

	// ErrDomainNotFound is returned when an explicitly requested domain is not
	// in the resolved list.
	ErrDomainNotFound = errors.New("domain not found")

	// ErrInvalidState is returned when an orchestrator operation is called in
	// the wrong lifecycle state (e.g. Deploy before Initialize).
	ErrInvalidState = errors.New("invalid orchestrator state")

	// ErrRollbackFailed is returned when restoring a rollback point fails.
	// This is terminal and always surfaced: the domain has diverged and
	// cannot be recovered automatically.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrInvalidTransition is returned for a disallowed record state change.
	ErrInvalidTransition = errors.New("invalid record state transition")
)

// =============================================================================
// Deployment Error
// =============================================================================

// DeploymentError wraps a provider failure with the domain and phase where it
// occurred. Timeouts are converted to DeploymentError once the retry budget
// is exhausted.
type DeploymentError struct {
	DomainID string
	Phase    Phase
	Err      error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment of %s failed during %s: %v", e.DomainID, e.Phase, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// NewDeploymentError creates a DeploymentError for a domain and phase.
func NewDeploymentError(domainID string, phase Phase, err error) *DeploymentError {
	return &DeploymentError{DomainID: domainID, Phase: phase, Err: err}
}

// =============================================================================
// Validation Error
// =============================================================================

// ValidationError reports every schema or plan violation found, not just the
// first one.
type ValidationError struct {
	Subject    string // what was validated (phase id, domain id, "plan")
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("validation of %s failed", e.Subject)
	}
	return fmt.Sprintf("validation of %s failed: %s", e.Subject, strings.Join(e.Violations, "; "))
}

// NewValidationError creates a ValidationError with the given violations.
func NewValidationError(subject string, violations ...string) *ValidationError {
	return &ValidationError{Subject: subject, Violations: violations}
}
