// Package resolver normalizes domain configuration into a target list.
// This is part of the Functional Core - all functions are pure. Reading the
// configuration source from disk or an API is the caller's job.
package resolver

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/artpar/caravel/internal/core/domain"
)

// =============================================================================
// Configuration Shapes
// =============================================================================

// A domain configuration source arrives in one of three logical shapes:
//
//	{"domains": ["a.com", "b.com"]}                       flat list
//	{"domains": ["a.com"], "production": {"domains": …}}  list + overrides
//	{"domains": {"production": ["a.com"], …}}             environment-mapped
//
// Sources may be JSON or YAML; the shape rules are identical.

// envOverride is the per-environment section of the second shape.
type envOverride struct {
	Domains []string `yaml:"domains"`
}

// LoadConfiguration parses a raw configuration source and returns the
// normalized domain list for the given environment. An absent or empty
// source yields an empty list, not an error.
func LoadConfiguration(raw []byte, env domain.Environment) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse domain configuration: %v", domain.ErrConfiguration, err)
	}

	domainsNode, ok := doc["domains"]
	if !ok {
		return nil, nil
	}

	switch domainsNode.Kind {
	case yaml.SequenceNode:
		// Shape 1 or 2: flat list, possibly with per-environment overrides.
		var base []string
		if err := domainsNode.Decode(&base); err != nil {
			return nil, fmt.Errorf("%w: domains list: %v", domain.ErrConfiguration, err)
		}
		return applyOverride(base, doc, env)

	case yaml.MappingNode:
		// Shape 3: environment-mapped object.
		var byEnv map[string][]string
		if err := domainsNode.Decode(&byEnv); err != nil {
			return nil, fmt.Errorf("%w: environment-mapped domains: %v", domain.ErrConfiguration, err)
		}
		return dedupe(byEnv[string(env)]), nil

	case 0:
		// Null/absent value.
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: domains must be a list or an environment map", domain.ErrConfiguration)
	}
}

// applyOverride merges the per-environment override section, if any, into the
// base list. Override domains extend the base set.
func applyOverride(base []string, doc map[string]yaml.Node, env domain.Environment) ([]string, error) {
	node, ok := doc[string(env)]
	if !ok || node.Kind != yaml.MappingNode {
		return dedupe(base), nil
	}

	var override envOverride
	if err := node.Decode(&override); err != nil {
		return nil, fmt.Errorf("%w: %s override: %v", domain.ErrConfiguration, env, err)
	}
	return dedupe(append(base, override.Domains...)), nil
}

// =============================================================================
// Domain Detection
// =============================================================================

// DetectDomains merges configured domains with an optional external discovery
// source and deduplicates, preserving first-seen order.
func DetectDomains(configured, discovered []string) []string {
	return dedupe(append(append([]string{}, configured...), discovered...))
}

func dedupe(domains []string) []string {
	seen := make(map[string]bool, len(domains))
	result := make([]string, 0, len(domains))
	for _, d := range domains {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		result = append(result, d)
	}
	return result
}

// =============================================================================
// Domain Selection
// =============================================================================

// Criteria selects which domains to operate on. Priority order: explicit
// Domain, then the All flag, then the first domain as default.
type Criteria struct {
	// Domain requests a single explicit domain; it must exist in the list.
	Domain string

	// All requests the full list.
	All bool
}

// SelectDomain applies selection criteria to an already-resolved list.
// An empty list is always an error.
func SelectDomain(domains []string, c Criteria) ([]string, error) {
	if len(domains) == 0 {
		return nil, domain.ErrNoDomainsAvailable
	}

	if c.Domain != "" {
		for _, d := range domains {
			if d == c.Domain {
				return []string{d}, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", domain.ErrDomainNotFound, c.Domain)
	}

	if c.All {
		return domains, nil
	}

	return domains[:1], nil
}

// =============================================================================
// Target Resolution
// =============================================================================

// ResolveTargets builds the immutable per-domain targets for an environment.
func ResolveTargets(domains []string, env domain.Environment) []domain.DomainTarget {
	targets := make([]domain.DomainTarget, 0, len(domains))
	for _, d := range domains {
		targets = append(targets, domain.DomainTarget{
			ID:            d,
			Environment:   env,
			RoutingPolicy: domain.RoutingFor(env),
		})
	}
	return targets
}
