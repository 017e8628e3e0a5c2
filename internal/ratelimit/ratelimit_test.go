package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vividon/backend/internal/cache"
)

func newTestLimiter(t *testing.T, limits map[Scope]int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(&cache.Redis{Client: client}, limits), mr
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]int{ScopeGenerate: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, ScopeGenerate, "user-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
	}

	result, err := limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(0), result.Remaining)
	assert.Greater(t, result.RetryAfter.Seconds(), 0.0)
}

func TestScopesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]int{
		ScopeGenerate:    1,
		ScopeInviteClaim: 1,
	})
	ctx := context.Background()

	result, err := limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// Exhausting generate does not touch invite_claim
	result, err = limiter.Check(ctx, ScopeInviteClaim, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestSubjectsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]int{ScopeGenerate: 1})
	ctx := context.Background()

	result, err := limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = limiter.Check(ctx, ScopeGenerate, "user-2")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFailOpenWithoutRedis(t *testing.T) {
	limiter := NewLimiter(nil, map[Scope]int{ScopeGenerate: 1})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := limiter.Check(ctx, ScopeGenerate, "user-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestFailOpenOnRedisError(t *testing.T) {
	limiter, mr := newTestLimiter(t, map[Scope]int{ScopeGenerate: 1})
	mr.Close()
	ctx := context.Background()

	result, err := limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestUnlimitedScope(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]int{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := limiter.Check(ctx, ScopePluginStart, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestReset(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]int{ScopeGenerate: 1})
	ctx := context.Background()

	result, err := limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	require.False(t, result.Allowed)

	require.NoError(t, limiter.Reset(ctx, ScopeGenerate, "user-1"))

	result, err = limiter.Check(ctx, ScopeGenerate, "user-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}
