// Package graph provides the pure dependency ordering algorithm for
// cross-domain portfolios. This is part of the Functional Core - all
// functions are pure with no I/O.
package graph

import (
	"errors"
	"sort"

	"github.com/artpar/caravel/internal/core/domain"
)

// =============================================================================
// Graph Errors
// =============================================================================

var (
	// ErrDependencyCycle is returned when the dependency graph has a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")
)

// =============================================================================
// Dependency Graph
// =============================================================================

// Graph records which domains must deploy before others. An edge
// "api.com depends on auth.com" means auth.com deploys first.
type Graph struct {
	deps map[string][]string // domain -> its dependencies
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// AddDependency records that domain depends on dependsOn. Self-dependencies
// and duplicates are ignored.
func (g *Graph) AddDependency(domain, dependsOn string) {
	if domain == dependsOn || domain == "" || dependsOn == "" {
		return
	}
	for _, d := range g.deps[domain] {
		if d == dependsOn {
			return
		}
	}
	g.deps[domain] = append(g.deps[domain], dependsOn)
}

// Dependencies returns the direct dependencies of a domain.
func (g *Graph) Dependencies(domain string) []string {
	return g.deps[domain]
}

// =============================================================================
// Topological Batching
// =============================================================================

// Batches computes a topological order over the given domains, grouped into
// batches of mutually-independent domains. Domains within one batch may
// deploy concurrently; batches run in order. Dependencies outside the domain
// list are ignored. Returns ErrDependencyCycle if the induced subgraph has a
// cycle.
func (g *Graph) Batches(domains []string) ([][]string, error) {
	inSet := make(map[string]bool, len(domains))
	for _, d := range domains {
		inSet[d] = true
	}

	// In-degree over the induced subgraph.
	indegree := make(map[string]int, len(domains))
	for _, d := range domains {
		indegree[d] = 0
		for _, dep := range g.deps[d] {
			if inSet[dep] {
				indegree[d]++
			}
		}
	}

	remaining := len(domains)
	done := make(map[string]bool, len(domains))
	var batches [][]string

	for remaining > 0 {
		var batch []string
		for _, d := range domains {
			if !done[d] && indegree[d] == 0 {
				batch = append(batch, d)
			}
		}
		if len(batch) == 0 {
			return nil, ErrDependencyCycle
		}
		sort.Strings(batch)

		for _, d := range batch {
			done[d] = true
			remaining--
		}
		// Release the domains that depended on this batch.
		for _, d := range domains {
			if done[d] {
				continue
			}
			for _, dep := range g.deps[d] {
				if done[dep] && inBatch(batch, dep) {
					indegree[d]--
				}
			}
		}

		batches = append(batches, batch)
	}

	return batches, nil
}

func inBatch(batch []string, domain string) bool {
	for _, d := range batch {
		if d == domain {
			return true
		}
	}
	return false
}

// SkipSet returns every domain whose dependency chain reaches a failed
// domain. Those domains are marked SKIPPED rather than attempted.
func (g *Graph) SkipSet(domains []string, failed map[string]bool) map[string]bool {
	skip := make(map[string]bool)

	// Fixed point: a domain is skipped if any dependency failed or is skipped.
	changed := true
	for changed {
		changed = false
		for _, d := range domains {
			if skip[d] || failed[d] {
				continue
			}
			for _, dep := range g.deps[d] {
				if failed[dep] || skip[dep] {
					skip[d] = true
					changed = true
					break
				}
			}
		}
	}
	return skip
}

// =============================================================================
// Portfolio Health
// =============================================================================

// Health summarizes a portfolio run at a glance.
type Health struct {
	Total            int     `json:"total"`
	Succeeded        int     `json:"succeeded"`
	PercentSucceeded float64 `json:"percent_succeeded"`

	// CriticalPathHealthy is false if any domain that others depend on did
	// not succeed.
	CriticalPathHealthy bool     `json:"critical_path_healthy"`
	FailedCritical      []string `json:"failed_critical,omitempty"`
}

// ComputeHealth derives portfolio health from a result. A domain is critical
// if at least one other domain depends on it.
func (g *Graph) ComputeHealth(result *domain.PortfolioResult) Health {
	critical := make(map[string]bool)
	for _, deps := range g.deps {
		for _, dep := range deps {
			critical[dep] = true
		}
	}

	succeeded := make(map[string]bool, len(result.Succeeded))
	for _, rec := range result.Succeeded {
		succeeded[rec.DomainID] = true
	}

	h := Health{
		Total:               result.Total(),
		Succeeded:           len(result.Succeeded),
		CriticalPathHealthy: true,
	}
	if h.Total > 0 {
		h.PercentSucceeded = float64(h.Succeeded) / float64(h.Total) * 100
	}

	var failedCritical []string
	for _, bucket := range [][]domain.DeploymentRecord{result.Failed, result.RolledBack, result.Skipped, result.Cancelled} {
		for _, rec := range bucket {
			if critical[rec.DomainID] {
				failedCritical = append(failedCritical, rec.DomainID)
			}
		}
	}
	if len(failedCritical) > 0 {
		sort.Strings(failedCritical)
		h.CriticalPathHealthy = false
		h.FailedCritical = failedCritical
	}

	return h
}
