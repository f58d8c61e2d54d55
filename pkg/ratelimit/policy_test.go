package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicy() Policy {
	return Policy{
		MaxRequests:   10,
		Window:        time.Minute,
		Algorithm:     SlidingWindow,
		BlockAfter:    3,
		BlockDuration: 5 * time.Minute,
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"valid", func(p *Policy) {}, false},
		{"zero max requests", func(p *Policy) { p.MaxRequests = 0 }, true},
		{"negative window", func(p *Policy) { p.Window = -time.Second }, true},
		{"unknown algorithm", func(p *Policy) { p.Algorithm = "leaky_bucket" }, true},
		{"burst above max", func(p *Policy) { p.Burst = 11 }, true},
		{"negative block threshold", func(p *Policy) { p.BlockAfter = -1 }, true},
		{"blocking without duration", func(p *Policy) { p.BlockDuration = 0 }, true},
		{"blocking disabled", func(p *Policy) { p.BlockAfter = 0; p.BlockDuration = 0 }, false},
		{"burst below max", func(p *Policy) { p.Burst = 5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewPolicyTable_RejectsMalformedEntries(t *testing.T) {
	bad := validPolicy()
	bad.MaxRequests = 0

	_, err := NewPolicyTable(validPolicy(), map[PolicyKey]Policy{
		{Route: "/login"}: bad,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/login")

	_, err = NewPolicyTable(bad, nil)
	require.Error(t, err, "malformed default policy must fail at load")

	_, err = NewPolicyTable(validPolicy(), map[PolicyKey]Policy{
		{Role: "admin"}: validPolicy(),
	})
	require.Error(t, err, "entry without a route must fail at load")
}

func TestPolicyTable_LookupPrecedence(t *testing.T) {
	def := validPolicy()

	roleScoped := validPolicy()
	roleScoped.MaxRequests = 100
	routeScoped := validPolicy()
	routeScoped.MaxRequests = 20

	table, err := NewPolicyTable(def, map[PolicyKey]Policy{
		{Route: "/api/data", Role: "premium"}: roleScoped,
		{Route: "/api/data"}:                  routeScoped,
	})
	require.NoError(t, err)

	assert.EqualValues(t, 100, table.Lookup("/api/data", "premium").MaxRequests)
	assert.EqualValues(t, 20, table.Lookup("/api/data", "basic").MaxRequests, "unknown role falls to route entry")
	assert.EqualValues(t, 20, table.Lookup("/api/data", "").MaxRequests)
	assert.EqualValues(t, def.MaxRequests, table.Lookup("/unlisted", "premium").MaxRequests)
	assert.Equal(t, 2, table.Len())
}

func TestIdentityKey(t *testing.T) {
	anon := Identity{IP: "192.0.2.7"}
	assert.Equal(t, "ip:192.0.2.7:/login", anon.Key("/login"))

	// User-scoped keys win over IP-scoped keys when a user is present.
	user := Identity{IP: "192.0.2.7", UserID: "u-42", Role: "premium"}
	assert.Equal(t, "user:u-42:/login", user.Key("/login"))
}

func TestDecisionRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, Decision{Allowed: true}.RetryAfterSeconds())
	assert.Equal(t, 1, Decision{}.RetryAfterSeconds(), "denials carry a one second floor")
	assert.Equal(t, 2, Decision{RetryAfter: 1100 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 3, Decision{RetryAfter: 3 * time.Second}.RetryAfterSeconds())
}

func TestPolicyBurstDefault(t *testing.T) {
	p := validPolicy()
	assert.EqualValues(t, p.MaxRequests, p.burst())
	p.Burst = 4
	assert.EqualValues(t, 4, p.burst())
}
