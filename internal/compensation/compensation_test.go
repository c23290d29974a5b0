package compensation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

func TestRouteMatching(t *testing.T) {
	tests := []struct {
		name      string
		route     domain.ExceptionRoute
		exception string
		want      bool
	}{
		{"star matches all", domain.ExceptionRoute{Pattern: "*"}, "ANYTHING", true},
		{"ANY matches all", domain.ExceptionRoute{Pattern: "ANY"}, "TIMEOUT", true},
		{"any lowercased matches all", domain.ExceptionRoute{Pattern: "any"}, "TIMEOUT", true},
		{"exact equality", domain.ExceptionRoute{Pattern: "TIMEOUT"}, "TIMEOUT", true},
		{"substring containment", domain.ExceptionRoute{Pattern: "TIMEOUT"}, "NETWORK_TIMEOUT", true},
		{"no match", domain.ExceptionRoute{Pattern: "TIMEOUT"}, "TRANSIENT", false},
		{"exact-match flag disables containment", domain.ExceptionRoute{Pattern: "TIMEOUT", ExactMatch: true}, "NETWORK_TIMEOUT", false},
		{"exact-match flag keeps equality", domain.ExceptionRoute{Pattern: "TIMEOUT", ExactMatch: true}, "TIMEOUT", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.route, tt.exception))
		})
	}
}

func TestDecideRemediationBeforeEscalation(t *testing.T) {
	h := New()
	node := domain.Node{
		ID: "n",
		ExceptionRoutes: domain.ExceptionRoutes{
			Remediation: []domain.ExceptionRoute{{Pattern: "TRANSIENT", Strategy: domain.CompensationSkip}},
			Escalation:  []domain.ExceptionRoute{{Pattern: "*", Strategy: domain.CompensationEscalate, TargetNode: "review"}},
		},
	}

	a := h.Decide("i", node, nil, "TRANSIENT")
	assert.Equal(t, domain.CompensationSkip, a.Strategy)

	b := h.Decide("i", node, nil, "FATAL_THING")
	assert.Equal(t, domain.CompensationEscalate, b.Strategy)
	assert.Equal(t, "review", b.TargetNodeID)
}

func TestDecideRetryCounterExhaustion(t *testing.T) {
	h := New()
	node := domain.Node{
		ID: "n",
		ExceptionRoutes: domain.ExceptionRoutes{
			Remediation: []domain.ExceptionRoute{{Pattern: "TRANSIENT", Strategy: domain.CompensationRetry, MaxRetries: 2}},
		},
	}

	first := h.Decide("i", node, nil, "TRANSIENT")
	assert.Equal(t, domain.CompensationRetry, first.Strategy)
	assert.Positive(t, first.Delay)

	second := h.Decide("i", node, nil, "TRANSIENT")
	assert.Equal(t, domain.CompensationRetry, second.Strategy)

	// Third failure exceeds maxRetries; no other strategy matches => FAIL.
	third := h.Decide("i", node, nil, "TRANSIENT")
	assert.Equal(t, domain.CompensationFail, third.Strategy)
}

func TestResetCounterAfterSuccess(t *testing.T) {
	h := New()
	node := domain.Node{
		ID: "n",
		ExceptionRoutes: domain.ExceptionRoutes{
			Remediation: []domain.ExceptionRoute{{Pattern: "*", Strategy: domain.CompensationRetry, MaxRetries: 1}},
		},
	}

	_ = h.Decide("i", node, nil, "X")
	assert.Equal(t, 1, h.RetryCount("i", "n"))

	h.ResetCounter("i", "n")
	assert.Zero(t, h.RetryCount("i", "n"))

	again := h.Decide("i", node, nil, "X")
	assert.Equal(t, domain.CompensationRetry, again.Strategy)
}

func TestDecideInboundEdgeSemantics(t *testing.T) {
	h := New()
	node := domain.Node{ID: "n"}
	edge := &domain.Edge{
		ID: "e",
		CompensationSemantics: domain.CompensationSemantics{
			Strategy:   domain.CompensationRollback,
			MaxRetries: 0,
		},
	}

	a := h.Decide("i", node, edge, "ANY_ERROR")
	assert.Equal(t, domain.CompensationRollback, a.Strategy)
	assert.Contains(t, a.Reason, "inbound edge")
}

func TestDecideActionLevelRetry(t *testing.T) {
	h := New()
	node := domain.Node{
		ID:     "n",
		Action: domain.NodeAction{Config: domain.ActionConfig{RetryCount: 1}},
	}

	a := h.Decide("i", node, nil, "WHATEVER")
	assert.Equal(t, domain.CompensationRetry, a.Strategy)

	b := h.Decide("i", node, nil, "WHATEVER")
	assert.Equal(t, domain.CompensationFail, b.Strategy)
}

func TestDecideDefaultsToFail(t *testing.T) {
	h := New()
	a := h.Decide("i", domain.Node{ID: "n"}, nil, "ANY")
	assert.Equal(t, domain.CompensationFail, a.Strategy)
}

func TestAlternateWithoutTargetMapsToSkip(t *testing.T) {
	h := New()
	node := domain.Node{
		ID: "n",
		ExceptionRoutes: domain.ExceptionRoutes{
			Remediation: []domain.ExceptionRoute{{Pattern: "*", Strategy: domain.CompensationAlternate}},
		},
	}

	a := h.Decide("i", node, nil, "X")
	assert.Equal(t, domain.CompensationSkip, a.Strategy)
	assert.True(t, a.AmbiguousAlternateTarget)
}

func TestCleanupInstanceClearsCounters(t *testing.T) {
	h := New()
	node := domain.Node{
		ID: "n",
		ExceptionRoutes: domain.ExceptionRoutes{
			Remediation: []domain.ExceptionRoute{{Pattern: "*", Strategy: domain.CompensationRetry, MaxRetries: 5}},
		},
	}
	_ = h.Decide("i1", node, nil, "X")
	_ = h.Decide("i2", node, nil, "X")

	h.CleanupInstance("i1")
	assert.Zero(t, h.RetryCount("i1", "n"))
	assert.Equal(t, 1, h.RetryCount("i2", "n"))
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	d1 := RetryDelay(1)
	d5 := RetryDelay(5)
	assert.Greater(t, d5, d1)

	// Deep attempts cap near the max delay (within jitter).
	d20 := RetryDelay(20)
	assert.LessOrEqual(t, d20, time.Minute+time.Minute/10)
	assert.GreaterOrEqual(t, d20, time.Minute-time.Minute/10)
}
