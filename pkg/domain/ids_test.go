package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubjectID(t *testing.T) {
	t.Run("valid uuid round-trips", func(t *testing.T) {
		raw := uuid.NewString()
		id, err := ParseSubjectID(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, id.String())
		assert.False(t, id.IsNil())
	})

	t.Run("empty input rejected", func(t *testing.T) {
		_, err := ParseSubjectID("")
		assert.Error(t, err)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := ParseSubjectID("not-a-uuid")
		assert.Error(t, err)
	})
}

func TestParseInstanceID(t *testing.T) {
	id := NewInstanceID()
	parsed, err := ParseInstanceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierEnhanced.IsAbove(TierBasic))
	assert.True(t, TierAccredited.IsAbove(TierEnhanced))
	assert.False(t, TierBasic.IsAbove(TierBasic))
	assert.False(t, TierBasic.IsAbove(TierAccredited))
}

func TestTierNext(t *testing.T) {
	next, ok := TierBasic.Next()
	require.True(t, ok)
	assert.Equal(t, TierEnhanced, next)

	next, ok = TierEnhanced.Next()
	require.True(t, ok)
	assert.Equal(t, TierAccredited, next)

	_, ok = TierAccredited.Next()
	assert.False(t, ok, "maximum tier has no successor")
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers() {
		parsed, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, parsed)
	}

	_, err := ParseTier("platinum")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusApproved, StatusRejected, StatusExpired, StatusCancelled, StatusSuspended, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []Status{StatusPending, StatusInProgress, StatusAwaitingExternal, StatusUnderReview} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestParseWorkflowKind(t *testing.T) {
	for _, k := range []WorkflowKind{KindOnboarding, KindTierUpgrade, KindReverification} {
		parsed, err := ParseWorkflowKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseWorkflowKind("offboarding")
	assert.Error(t, err)
}
