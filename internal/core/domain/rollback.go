package domain

import "time"

// =============================================================================
// Rollback Point
// =============================================================================

// PriorDescriptor is the deployer-reported description of a domain before a
// deployment starts: whatever is needed to put it back.
type PriorDescriptor struct {
	Version string `json:"version"`
	Routing string `json:"routing,omitempty"`
	URL     string `json:"url,omitempty"`
}

// RollbackPoint is an immutable pre-deployment capture keyed by
// (domain, attempt). It is created immediately before DEPLOY begins and never
// mutated; points for ultimately-successful domains are retained for audit.
type RollbackPoint struct {
	DomainID   string          `json:"domain_id"`
	AttemptID  string          `json:"attempt_id"`
	CapturedAt time.Time       `json:"captured_at"`
	Prior      PriorDescriptor `json:"prior"`
}
