package generation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCostForTier(t *testing.T) {
	tests := []struct {
		tier string
		want int
	}{
		{TierFast, 1},
		{TierBalanced, 3},
		{TierQuality, 6},
		{"", 3},
		{"ultra", 3}, // unknown tiers price as balanced
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CostForTier(tt.tier), "tier %q", tt.tier)
	}
}

func TestProperty_CostIsAlwaysPositive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tier := rapid.String().Draw(rt, "tier")
		if CostForTier(tier) <= 0 {
			rt.Fatalf("non-positive cost for tier %q", tier)
		}
	})
}

func TestBeginRespectsKillSwitch(t *testing.T) {
	// The switch is checked before any database work, so a nil pool is safe.
	svc := NewService(nil, nil, func() bool { return false })

	_, err := svc.Begin(context.Background(), uuid.New(), TierFast, "test", nil)
	assert.ErrorIs(t, err, ErrDisabled)
}
