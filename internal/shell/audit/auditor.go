// Package audit records the timestamped, redacted event log of a run.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/core/redact"
)

// =============================================================================
// Auditor
// =============================================================================

// Auditor collects append-only audit events for one orchestrator run.
// Detail values are redacted before storage; the raw values never enter the
// log. Safe for concurrent use by all workers.
type Auditor struct {
	mu      sync.Mutex
	events  []domain.AuditEvent
	started time.Time
	logger  *slog.Logger
}

// NewAuditor creates an auditor for a run starting now.
func NewAuditor(logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		started: time.Now().UTC(),
		logger:  logger.With("component", "auditor"),
	}
}

// Record appends one event for a meaningful transition: phase entry/exit,
// retry, rollback. Credential-like detail fields are masked.
func (a *Auditor) Record(domainID string, phase domain.Phase, status string, detail map[string]string) {
	event := domain.AuditEvent{
		Timestamp: time.Now().UTC(),
		DomainID:  domainID,
		Phase:     phase,
		Status:    status,
		Detail:    redact.MaskDetail(detail),
	}

	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()

	a.logger.Debug("audit event",
		"domain", domainID,
		"phase", phase,
		"status", status,
	)
}

// Events returns a copy of the events recorded so far.
func (a *Auditor) Events() []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent{}, a.events...)
}

// Finalize closes the log and returns it for attachment to the
// PortfolioResult. Events recorded after Finalize are not included.
func (a *Auditor) Finalize() domain.AuditLog {
	end := time.Now().UTC()

	a.mu.Lock()
	events := append([]domain.AuditEvent{}, a.events...)
	a.mu.Unlock()

	return domain.AuditLog{
		StartTime:  a.started,
		EndTime:    end,
		DurationMs: end.Sub(a.started).Milliseconds(),
		Events:     events,
	}
}
