package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/security-gateway/internal/config"
)

func TestNormalizedDerivesTokenBucketFields(t *testing.T) {
	p := Policy{Key: "auth", Algorithm: AlgorithmTokenBucket, Limit: 5, Window: 15 * time.Minute}.Normalized()

	assert.Equal(t, 5, p.Capacity)
	assert.InDelta(t, 5.0/900.0, p.RefillRate, 1e-12)
	assert.Equal(t, 5, p.Limit)
}

func TestPoliciesFromConfigDefaults(t *testing.T) {
	policies := PoliciesFromConfig(config.RateLimitConfig{})
	require.Equal(t, DefaultPolicies(), policies)
	for _, p := range policies {
		assert.NoError(t, p.Validate(), p.Key)
	}
}

func TestPolicyOverride(t *testing.T) {
	strict := false
	policies := PoliciesFromConfig(config.RateLimitConfig{
		General: config.PolicyConfig{Limit: 300},
		Auth:    config.PolicyConfig{Limit: 10, Window: time.Minute, Strict: &strict},
		Upload:  config.PolicyConfig{Algorithm: string(AlgorithmTokenBucket)},
	})
	byKey := make(map[string]Policy, len(policies))
	for _, p := range policies {
		byKey[p.Key] = p.Normalized()
	}

	assert.Equal(t, 300, byKey[PolicyGeneral].Limit)
	assert.Equal(t, time.Minute, byKey[PolicyGeneral].Window)

	auth := byKey[PolicyAuth]
	assert.Equal(t, 10, auth.Capacity)
	assert.InDelta(t, 10.0/60.0, auth.RefillRate, 1e-12)
	assert.False(t, auth.Strict)

	upload := byKey[PolicyUpload]
	assert.Equal(t, AlgorithmTokenBucket, upload.Algorithm)
	assert.Equal(t, 20, upload.Capacity)
	require.NoError(t, upload.Validate())
}

func TestPolicyOverrideToSlidingWindowKeepsSize(t *testing.T) {
	auth := DefaultPolicies()[1].Override(config.PolicyConfig{Algorithm: string(AlgorithmSlidingWindow)})

	assert.Equal(t, 5, auth.Limit)
	assert.Equal(t, 15*time.Minute, auth.Window)
	require.NoError(t, auth.Validate())
}
