package domain

// =============================================================================
// Routing Policy
// =============================================================================

// Routing strategy names, per environment policy.
const (
	StrategyLoadBalance = "load-balance"
	StrategyRoundRobin  = "round-robin"
	StrategyDirect      = "direct"
)

// RoutingPolicy is the static per-environment traffic policy for a domain.
type RoutingPolicy struct {
	RateLimit  int      `json:"rate_limit"`
	Strategies []string `json:"strategies"`
}

// DomainTarget is a fully resolved deployment target. Created once at
// Initialize() and immutable thereafter.
type DomainTarget struct {
	ID            string        `json:"id"`
	Environment   Environment   `json:"environment"`
	RoutingPolicy RoutingPolicy `json:"routing_policy"`
}

// RoutingFor returns the static routing policy for an environment.
// Production demands a rate limit of at least 1000 and load balancing;
// staging round-robins; development routes directly.
func RoutingFor(env Environment) RoutingPolicy {
	switch env {
	case EnvProduction:
		return RoutingPolicy{RateLimit: 1000, Strategies: []string{StrategyLoadBalance}}
	case EnvStaging:
		return RoutingPolicy{RateLimit: 100, Strategies: []string{StrategyRoundRobin}}
	default:
		return RoutingPolicy{RateLimit: 10, Strategies: []string{StrategyDirect}}
	}
}
