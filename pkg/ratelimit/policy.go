package ratelimit

import "fmt"

// PolicyKey addresses one entry of the policy table.
type PolicyKey struct {
	Route string
	Role  string
}

// PolicyTable is the static mapping from route and role to a Policy,
// loaded once at startup and immutable afterwards. Lookup falls through
// from (route, role) to (route, "") to the default policy, so requests
// never go unlimited because a route was not listed.
type PolicyTable struct {
	def      Policy
	policies map[PolicyKey]Policy
}

// NewPolicyTable validates every entry and the default policy. It fails
// on the first malformed entry: serving traffic with an incomplete table
// would silently under-protect.
func NewPolicyTable(def Policy, entries map[PolicyKey]Policy) (*PolicyTable, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default policy: %w", err)
	}
	policies := make(map[PolicyKey]Policy, len(entries))
	for k, p := range entries {
		if k.Route == "" {
			return nil, fmt.Errorf("policy entry with empty route (role %q)", k.Role)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid policy for route %q role %q: %w", k.Route, k.Role, err)
		}
		policies[k] = p
	}
	return &PolicyTable{def: def, policies: policies}, nil
}

// Lookup resolves the policy for a route and role.
func (t *PolicyTable) Lookup(route, role string) Policy {
	if role != "" {
		if p, ok := t.policies[PolicyKey{Route: route, Role: role}]; ok {
			return p
		}
	}
	if p, ok := t.policies[PolicyKey{Route: route}]; ok {
		return p
	}
	return t.def
}

// Default returns the fallback policy.
func (t *PolicyTable) Default() Policy { return t.def }

// Len returns the number of explicit entries, not counting the default.
func (t *PolicyTable) Len() int { return len(t.policies) }
