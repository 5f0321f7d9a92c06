package domain

import "time"

// =============================================================================
// Audit Event
// =============================================================================

// AuditEvent is one append-only entry in a run's audit log. Detail values are
// already redacted by the time an event is stored.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	DomainID  string            `json:"domain_id,omitempty"`
	Phase     Phase             `json:"phase"`
	Status    string            `json:"status"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLog is the finalized event log attached to a PortfolioResult.
type AuditLog struct {
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	DurationMs int64        `json:"duration_ms"`
	Events     []AuditEvent `json:"events"`
}

// =============================================================================
// Portfolio Result
// =============================================================================

// PortfolioResult aggregates every deployment record of one orchestrator
// invocation. It is always returned, never thrown: per-domain failures live
// on their records.
type PortfolioResult struct {
	RunID      string             `json:"run_id"`
	Succeeded  []DeploymentRecord `json:"succeeded"`
	Failed     []DeploymentRecord `json:"failed"`
	RolledBack []DeploymentRecord `json:"rolled_back"`
	Skipped    []DeploymentRecord `json:"skipped"`
	Cancelled  []DeploymentRecord `json:"cancelled"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
	DurationMs int64              `json:"duration_ms"`
	AuditLog   AuditLog           `json:"audit_log"`
}

// NewPortfolioResult creates an empty result for a run.
func NewPortfolioResult(runID string) *PortfolioResult {
	return &PortfolioResult{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}
}

// Fold places a terminal record into its result bucket. ROLLBACK_FAILED
// counts as failed: the rollback itself is surfaced via the record state.
func (r *PortfolioResult) Fold(rec DeploymentRecord) {
	switch rec.State {
	case StateSucceeded:
		r.Succeeded = append(r.Succeeded, rec)
	case StateRolledBack:
		r.RolledBack = append(r.RolledBack, rec)
	case StateSkipped:
		r.Skipped = append(r.Skipped, rec)
	case StateCancelled:
		r.Cancelled = append(r.Cancelled, rec)
	default:
		r.Failed = append(r.Failed, rec)
	}
}

// Complete stamps the end time and duration.
func (r *PortfolioResult) Complete() {
	r.EndedAt = time.Now().UTC()
	r.DurationMs = r.EndedAt.Sub(r.StartedAt).Milliseconds()
}

// Total returns the number of records folded in. For any plan this equals
// the number of requested domains.
func (r *PortfolioResult) Total() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.RolledBack) + len(r.Skipped) + len(r.Cancelled)
}

// AllSucceeded reports whether every targeted domain reached SUCCEEDED.
func (r *PortfolioResult) AllSucceeded() bool {
	return len(r.Failed) == 0 && len(r.RolledBack) == 0 && len(r.Skipped) == 0 && len(r.Cancelled) == 0
}
