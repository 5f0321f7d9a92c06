package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/shell/deployer"
)

// =============================================================================
// Test Deployer
// =============================================================================

// fakeDeployer describes successive versions and can be told to fail restores.
type fakeDeployer struct {
	describeVersion string
	describeErr     error
	restoreErr      error
	restored        []domain.RollbackPoint
}

func (f *fakeDeployer) Deploy(ctx context.Context, req deployer.DeployRequest) (*deployer.DeployResult, error) {
	return &deployer.DeployResult{Status: "deployed"}, nil
}

func (f *fakeDeployer) Describe(ctx context.Context, domainID string, env domain.Environment) (*domain.PriorDescriptor, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &domain.PriorDescriptor{Version: f.describeVersion}, nil
}

func (f *fakeDeployer) Restore(ctx context.Context, point domain.RollbackPoint) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, point)
	return nil
}

// =============================================================================
// Tests
// =============================================================================

func TestCreatePoint_CapturesPriorDescriptor(t *testing.T) {
	fake := &fakeDeployer{describeVersion: "v41"}
	m := NewManager(fake, nil)

	point, err := m.CreatePoint(context.Background(), "a.com", "attempt-1", domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, "a.com", point.DomainID)
	assert.Equal(t, "attempt-1", point.AttemptID)
	assert.Equal(t, "v41", point.Prior.Version)
	assert.False(t, point.CapturedAt.IsZero())
}

func TestCreatePoint_DescribeFailure(t *testing.T) {
	fake := &fakeDeployer{describeErr: errors.New("provider down")}
	m := NewManager(fake, nil)

	_, err := m.CreatePoint(context.Background(), "a.com", "attempt-1", domain.EnvProduction)
	assert.Error(t, err)
	assert.Empty(t, m.PointsFor("a.com"))
}

func TestRollback_UsesMostRecentPoint(t *testing.T) {
	fake := &fakeDeployer{describeVersion: "v1"}
	m := NewManager(fake, nil)
	ctx := context.Background()

	_, err := m.CreatePoint(ctx, "a.com", "attempt-1", domain.EnvProduction)
	require.NoError(t, err)
	fake.describeVersion = "v2"
	_, err = m.CreatePoint(ctx, "a.com", "attempt-2", domain.EnvProduction)
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx, "a.com"))
	require.Len(t, fake.restored, 1)
	assert.Equal(t, "attempt-2", fake.restored[0].AttemptID)
	assert.Equal(t, "v2", fake.restored[0].Prior.Version)
}

func TestRollback_NoPoint(t *testing.T) {
	m := NewManager(&fakeDeployer{}, nil)
	err := m.Rollback(context.Background(), "a.com")
	assert.ErrorIs(t, err, ErrNoRollbackPoint)
}

func TestRollback_RestoreFailureIsTerminal(t *testing.T) {
	fake := &fakeDeployer{describeVersion: "v1", restoreErr: errors.New("restore refused")}
	m := NewManager(fake, nil)
	ctx := context.Background()

	_, err := m.CreatePoint(ctx, "a.com", "attempt-1", domain.EnvProduction)
	require.NoError(t, err)

	err = m.Rollback(ctx, "a.com")
	assert.ErrorIs(t, err, domain.ErrRollbackFailed)
}

func TestPointsFor_RetainedAfterSuccess(t *testing.T) {
	fake := &fakeDeployer{describeVersion: "v1"}
	m := NewManager(fake, nil)

	_, err := m.CreatePoint(context.Background(), "a.com", "attempt-1", domain.EnvProduction)
	require.NoError(t, err)

	// Points are never auto-purged; a successful deploy keeps its point for audit.
	points := m.PointsFor("a.com")
	require.Len(t, points, 1)

	// The returned slice is a copy.
	points[0].AttemptID = "tampered"
	assert.Equal(t, "attempt-1", m.PointsFor("a.com")[0].AttemptID)
}
