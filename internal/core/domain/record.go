package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Phases
// =============================================================================

// Phase is a named stage of the per-domain deployment lifecycle.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseDeploy   Phase = "deploy"
	PhaseVerify   Phase = "verify"
	PhaseRollback Phase = "rollback"
	PhaseRun      Phase = "run" // portfolio-level events
)

// =============================================================================
// Record States
// =============================================================================

// RecordState is the state of one per-domain, per-attempt deployment record.
type RecordState string

const (
	StateQueued         RecordState = "queued"
	StateValidating     RecordState = "validating"
	StateDeploying      RecordState = "deploying"
	StateVerifying      RecordState = "verifying"
	StateSucceeded      RecordState = "succeeded"
	StateFailed         RecordState = "failed"
	StateRolledBack     RecordState = "rolled_back"
	StateRollbackFailed RecordState = "rollback_failed"
	StateSkipped        RecordState = "skipped"
	StateCancelled      RecordState = "cancelled"
)

// validTransitions defines the allowed record state transitions.
// Cancellation is reachable from every non-terminal state and never passes
// through rollback.
var validTransitions = map[RecordState][]RecordState{
	StateQueued:     {StateValidating, StateSkipped, StateCancelled},
	StateValidating: {StateDeploying, StateFailed, StateCancelled},
	StateDeploying:  {StateVerifying, StateFailed, StateRolledBack, StateRollbackFailed, StateCancelled},
	StateVerifying:  {StateSucceeded, StateFailed, StateRolledBack, StateRollbackFailed, StateCancelled},

	// Terminal states
	StateSucceeded:      {},
	StateFailed:         {},
	StateRolledBack:     {},
	StateRollbackFailed: {},
	StateSkipped:        {},
	StateCancelled:      {},
}

// IsTerminal reports whether the state is terminal.
func (s RecordState) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// ValidateTransition checks if a record state transition is allowed.
func ValidateTransition(from, to RecordState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Deployment Record
// =============================================================================

// DeploymentRecord tracks one deployment attempt for one domain. It is folded
// into the PortfolioResult once terminal; its audit events outlive it.
type DeploymentRecord struct {
	DomainID     string      `json:"domain_id"`
	AttemptID    string      `json:"attempt_id"`
	State        RecordState `json:"state"`
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	URL          string      `json:"url,omitempty"`
	WorkerID     string      `json:"worker_id,omitempty"`
	DeploymentID string      `json:"deployment_id,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// NewDeploymentRecord creates a queued record with a fresh attempt id.
func NewDeploymentRecord(domainID string) *DeploymentRecord {
	return &DeploymentRecord{
		DomainID:  domainID,
		AttemptID: uuid.New().String(),
		State:     StateQueued,
		StartedAt: time.Now().UTC(),
	}
}

// Transition attempts to move the record to a new state. Terminal states set
// the end timestamp.
func (r *DeploymentRecord) Transition(to RecordState) error {
	if err := ValidateTransition(r.State, to); err != nil {
		return err
	}
	r.State = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		r.EndedAt = &now
	}
	return nil
}

// Fail transitions the record to a terminal failure state with a message.
func (r *DeploymentRecord) Fail(to RecordState, errorMessage string) error {
	if err := r.Transition(to); err != nil {
		return err
	}
	r.ErrorMessage = errorMessage
	return nil
}

// Duration returns the elapsed attempt time, zero if still running.
func (r *DeploymentRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
