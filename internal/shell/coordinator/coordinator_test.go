package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/caravel/internal/core/domain"
	"github.com/artpar/caravel/internal/shell/audit"
	"github.com/artpar/caravel/internal/shell/deployer"
	"github.com/artpar/caravel/internal/shell/rollback"
	"github.com/artpar/caravel/internal/shell/state"
)

// =============================================================================
// Test Deployer
// =============================================================================

// stubDeployer fails the domains listed in failDomains and tracks the peak
// number of concurrent deploys.
type stubDeployer struct {
	mu          sync.Mutex
	failDomains map[string]bool
	deployDelay time.Duration
	url         string // returned for every deploy; empty skips the probe

	deploys      []string
	restores     []string
	inFlight     int64
	peakInFlight int64
}

func (s *stubDeployer) Deploy(ctx context.Context, req deployer.DeployRequest) (*deployer.DeployResult, error) {
	current := atomic.AddInt64(&s.inFlight, 1)
	defer atomic.AddInt64(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt64(&s.peakInFlight)
		if current <= peak || atomic.CompareAndSwapInt64(&s.peakInFlight, peak, current) {
			break
		}
	}

	if s.deployDelay > 0 {
		select {
		case <-time.After(s.deployDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.deploys = append(s.deploys, req.Domain)
	fail := s.failDomains[req.Domain]
	s.mu.Unlock()

	if fail {
		return nil, errors.New("provider rejected deployment")
	}
	return &deployer.DeployResult{
		Status:       "deployed",
		URL:          s.url,
		WorkerID:     "w-1",
		DeploymentID: "dep-" + req.Domain,
	}, nil
}

func (s *stubDeployer) Describe(ctx context.Context, domainID string, env domain.Environment) (*domain.PriorDescriptor, error) {
	return &domain.PriorDescriptor{Version: "prior-" + domainID}, nil
}

func (s *stubDeployer) Restore(ctx context.Context, point domain.RollbackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restores = append(s.restores, point.DomainID)
	return nil
}

func (s *stubDeployer) restoreCount(domainID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.restores {
		if d == domainID {
			n++
		}
	}
	return n
}

// =============================================================================
// Test Helpers
// =============================================================================

func testCredentials() domain.Credentials {
	return domain.Credentials{APIToken: "tok", AccountID: "acct-123"}
}

func newTestCoordinator(t *testing.T, d deployer.Deployer, st *state.Manager) *Coordinator {
	t.Helper()
	rb := rollback.NewManager(d, nil)
	aud := audit.NewAuditor(nil)
	return New(d, rb, st, aud, Config{}, nil)
}

func targetsFor(domains ...string) []domain.DomainTarget {
	var targets []domain.DomainTarget
	for _, d := range domains {
		targets = append(targets, domain.DomainTarget{
			ID:            d,
			Environment:   domain.EnvStaging,
			RoutingPolicy: domain.RoutingFor(domain.EnvStaging),
		})
	}
	return targets
}

func basePlan(domains ...string) domain.DeploymentPlan {
	return domain.DeploymentPlan{
		Domains:             domains,
		Environment:         domain.EnvStaging,
		Artifact:            "worker.js",
		ParallelDeployments: 1,
		Credentials:         testCredentials(),
	}
}

// phaseOrder extracts the order of phase entries for one domain.
func phaseOrder(events []domain.AuditEvent, domainID string) []domain.Phase {
	var phases []domain.Phase
	for _, e := range events {
		if e.DomainID == domainID && e.Status == "entered" {
			phases = append(phases, e.Phase)
		}
	}
	return phases
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestRun_SingleDomainSucceeds(t *testing.T) {
	stub := &stubDeployer{}
	c := newTestCoordinator(t, stub, nil)
	plan := basePlan("a.com")

	result := c.Run(context.Background(), plan, targetsFor("a.com"))

	require.Len(t, result.Succeeded, 1)
	assert.Equal(t, "a.com", result.Succeeded[0].DomainID)
	assert.Equal(t, 1, result.Total())

	// Audit log shows VALIDATE, DEPLOY, VERIFY in that order.
	phases := phaseOrder(c.Auditor().Events(), "a.com")
	assert.Equal(t, []domain.Phase{domain.PhaseValidate, domain.PhaseDeploy, domain.PhaseVerify}, phases)
}

func TestRun_FailedDomainRollsBackWithoutAffectingOthers(t *testing.T) {
	stub := &stubDeployer{failDomains: map[string]bool{"b.com": true}}
	c := newTestCoordinator(t, stub, nil)

	plan := basePlan("a.com", "b.com")
	plan.RollbackEnabled = true
	plan.ParallelDeployments = 2

	result := c.Run(context.Background(), plan, targetsFor("a.com", "b.com"))

	require.Len(t, result.Succeeded, 1)
	assert.Equal(t, "a.com", result.Succeeded[0].DomainID)
	require.Len(t, result.RolledBack, 1)
	assert.Equal(t, "b.com", result.RolledBack[0].DomainID)

	// Rollback invoked exactly once, and only for the failed domain.
	assert.Equal(t, 1, stub.restoreCount("b.com"))
	assert.Equal(t, 0, stub.restoreCount("a.com"))
}

func TestRun_FailureWithoutRollbackEnabled(t *testing.T) {
	stub := &stubDeployer{failDomains: map[string]bool{"a.com": true}}
	c := newTestCoordinator(t, stub, nil)

	result := c.Run(context.Background(), basePlan("a.com"), targetsFor("a.com"))

	require.Len(t, result.Failed, 1)
	assert.Equal(t, domain.StateFailed, result.Failed[0].State)
	assert.Empty(t, stub.restores)
}

func TestRun_DryRunWithoutCredentials(t *testing.T) {
	stub := &stubDeployer{}
	st, err := state.NewManager(state.Config{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	c := newTestCoordinator(t, stub, st)

	plan := domain.DeploymentPlan{
		Domains:             []string{"a.com"},
		Environment:         domain.EnvStaging,
		ParallelDeployments: 1,
		DryRun:              true,
		// No credentials, no artifact: a dry run tolerates both.
	}

	result := c.Run(context.Background(), plan, targetsFor("a.com"))

	require.Len(t, result.Succeeded, 1)
	assert.Equal(t, "dry-run", result.Succeeded[0].WorkerID)

	// The real deployer was never touched and no state was written.
	assert.Empty(t, stub.deploys)
	_, err = st.Load(context.Background(), "a.com", state.LoadOptions{})
	assert.ErrorIs(t, err, state.ErrNoState)
}

// =============================================================================
// Invariant Tests
// =============================================================================

func TestRun_EveryDomainAccounted(t *testing.T) {
	stub := &stubDeployer{failDomains: map[string]bool{"b.com": true, "d.com": true}}
	c := newTestCoordinator(t, stub, nil)

	domains := []string{"a.com", "b.com", "c.com", "d.com", "e.com"}
	plan := basePlan(domains...)
	plan.ParallelDeployments = 3
	plan.RollbackEnabled = true

	result := c.Run(context.Background(), plan, targetsFor(domains...))
	assert.Equal(t, len(domains), result.Total())
}

func TestRun_ConcurrencyBounded(t *testing.T) {
	stub := &stubDeployer{deployDelay: 30 * time.Millisecond}
	c := newTestCoordinator(t, stub, nil)

	domains := []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com"}
	plan := basePlan(domains...)
	plan.ParallelDeployments = 2

	result := c.Run(context.Background(), plan, targetsFor(domains...))

	assert.Equal(t, len(domains), len(result.Succeeded))
	assert.LessOrEqual(t, stub.peakInFlight, int64(2))
}

func TestRun_FailFastCancelsQueuedOnly(t *testing.T) {
	stub := &stubDeployer{
		failDomains: map[string]bool{"a.com": true},
		deployDelay: 10 * time.Millisecond,
	}
	c := newTestCoordinator(t, stub, nil)

	domains := []string{"a.com", "b.com", "c.com", "d.com"}
	plan := basePlan(domains...)
	plan.FailFast = true
	plan.ParallelDeployments = 1

	result := c.Run(context.Background(), plan, targetsFor(domains...))

	require.Len(t, result.Failed, 1)
	assert.Equal(t, "a.com", result.Failed[0].DomainID)
	// Everything queued behind the failure is cancelled, not failed.
	assert.Len(t, result.Cancelled, 3)
	assert.Equal(t, len(domains), result.Total())
}

func TestRun_ValidationFailureAbortsOnlyThatDomain(t *testing.T) {
	stub := &stubDeployer{}
	c := newTestCoordinator(t, stub, nil)

	plan := basePlan("a.com", "bad")
	plan.ParallelDeployments = 2
	targets := targetsFor("a.com")
	targets = append(targets, domain.DomainTarget{ID: "-bad-", Environment: domain.EnvStaging})

	result := c.Run(context.Background(), plan, targets)

	assert.Len(t, result.Succeeded, 1)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "-bad-", result.Failed[0].DomainID)
	// The invalid domain never reached the deployer.
	assert.Equal(t, []string{"a.com"}, stub.deploys)
}

func TestRun_MissingCredentialsFailValidation(t *testing.T) {
	stub := &stubDeployer{}
	c := newTestCoordinator(t, stub, nil)

	plan := basePlan("a.com")
	plan.Credentials = domain.Credentials{}

	result := c.Run(context.Background(), plan, targetsFor("a.com"))
	require.Len(t, result.Failed, 1)
	assert.Empty(t, stub.deploys)
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestRun_CancellationMarksCancelledNotFailed(t *testing.T) {
	stub := &stubDeployer{deployDelay: 200 * time.Millisecond}
	c := newTestCoordinator(t, stub, nil)

	domains := []string{"a.com", "b.com", "c.com"}
	plan := basePlan(domains...)
	plan.RollbackEnabled = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := c.Run(ctx, plan, targetsFor(domains...))

	assert.Equal(t, len(domains), result.Total())
	assert.NotEmpty(t, result.Cancelled)
	assert.Empty(t, result.Failed)
	// Cancellation never triggers rollback.
	assert.Empty(t, stub.restores)
}

// =============================================================================
// Verification Tests
// =============================================================================

func TestRun_VerifyFailureTreatedAsDeployFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	stub := &stubDeployer{url: server.URL}
	rb := rollback.NewManager(stub, nil)
	c := New(stub, rb, nil, audit.NewAuditor(nil), Config{
		Verify: VerifyConfig{Attempts: 2, BackoffBase: 10 * time.Millisecond},
	}, nil)

	plan := basePlan("a.com")
	plan.RollbackEnabled = true

	result := c.Run(context.Background(), plan, targetsFor("a.com"))

	require.Len(t, result.RolledBack, 1)
	assert.Equal(t, 1, stub.restoreCount("a.com"))

	// The retry was audited.
	retries := 0
	for _, e := range c.Auditor().Events() {
		if e.Phase == domain.PhaseVerify && e.Status == "retry" {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func TestRun_VerifySucceedsAgainstHealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stub := &stubDeployer{url: server.URL}
	c := newTestCoordinator(t, stub, nil)

	result := c.Run(context.Background(), basePlan("a.com"), targetsFor("a.com"))
	assert.Len(t, result.Succeeded, 1)
}

// =============================================================================
// Persistence Tests
// =============================================================================

func TestRun_PersistsPhaseState(t *testing.T) {
	st, err := state.NewManager(state.Config{Root: t.TempDir()}, nil)
	require.NoError(t, err)

	stub := &stubDeployer{}
	c := newTestCoordinator(t, stub, st)

	result := c.Run(context.Background(), basePlan("a.com"), targetsFor("a.com"))
	require.Len(t, result.Succeeded, 1)

	snapshot, err := st.Load(context.Background(), "a.com", state.LoadOptions{Validate: true})
	require.NoError(t, err)

	var rec domain.DeploymentRecord
	require.NoError(t, json.Unmarshal(snapshot.Payload, &rec))
	assert.Equal(t, domain.StateSucceeded, rec.State)
}
