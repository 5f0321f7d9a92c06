// Package rollback captures and restores pre-deployment snapshots per domain.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/shell/deployer"
)

// ErrNoRollbackPoint is returned when a domain has no captured point.
var ErrNoRollbackPoint = errors.New("no rollback point for domain")

// =============================================================================
// Manager
// =============================================================================

// Manager keeps the immutable rollback points of a run and restores them on
// demand. Points are retained even for successful domains, for audit.
type Manager struct {
	deployer deployer.Deployer
	logger   *slog.Logger

	mu     sync.Mutex
	points map[string][]domain.RollbackPoint // domain id -> points, oldest first
}

// NewManager creates a rollback manager over a deployer.
func NewManager(d deployer.Deployer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deployer: d,
		logger:   logger.With("component", "rollback_manager"),
		points:   make(map[string][]domain.RollbackPoint),
	}
}

// CreatePoint captures the deployer-reported pre-deployment descriptor for a
// domain, immediately before DEPLOY begins. The returned point is immutable.
func (m *Manager) CreatePoint(ctx context.Context, domainID, attemptID string, env domain.Environment) (*domain.RollbackPoint, error) {
	prior, err := m.deployer.Describe(ctx, domainID, env)
	if err != nil {
		return nil, fmt.Errorf("capture rollback point for %s: %w", domainID, err)
	}

	point := domain.RollbackPoint{
		DomainID:   domainID,
		AttemptID:  attemptID,
		CapturedAt: time.Now().UTC(),
		Prior:      *prior,
	}

	m.mu.Lock()
	m.points[domainID] = append(m.points[domainID], point)
	m.mu.Unlock()

	m.logger.Debug("rollback point captured",
		"domain", domainID,
		"attempt", attemptID,
		"prior_version", prior.Version,
	)
	return &point, nil
}

// Rollback restores the most recent rollback point for a domain. A restore
// failure is terminal: the domain has diverged and only an operator can
// recover it.
func (m *Manager) Rollback(ctx context.Context, domainID string) error {
	m.mu.Lock()
	points := m.points[domainID]
	m.mu.Unlock()

	if len(points) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRollbackPoint, domainID)
	}
	point := points[len(points)-1]

	m.logger.Info("rolling back domain",
		"domain", domainID,
		"attempt", point.AttemptID,
		"prior_version", point.Prior.Version,
	)

	if err := m.deployer.Restore(ctx, point); err != nil {
		m.logger.Error("rollback failed, domain has diverged",
			"domain", domainID,
			"attempt", point.AttemptID,
			"error", err,
		)
		return fmt.Errorf("%w: %s: %v", domain.ErrRollbackFailed, domainID, err)
	}

	m.logger.Info("rollback complete", "domain", domainID)
	return nil
}

// PointsFor returns the captured points for a domain, oldest first.
func (m *Manager) PointsFor(domainID string) []domain.RollbackPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RollbackPoint{}, m.points[domainID]...)
}
