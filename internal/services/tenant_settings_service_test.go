package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantSettingsService_KillSwitchThroughCache(t *testing.T) {
	cache := &memKillSwitchCache{}
	s := NewTenantSettingsService(newTestDB(t), cache, quietLogger())
	ctx := context.Background()

	active, err := s.IsKillSwitchActive(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, map[string]bool{"t1": false}, cache.values)

	_, err = s.SetKillSwitch(ctx, "t1", true, "incident")
	require.NoError(t, err)
	active, err = s.IsKillSwitchActive(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, active)

	st, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "incident", st.KillSwitchReason)

	st, err = s.SetKillSwitch(ctx, "t1", false, "ignored")
	require.NoError(t, err)
	assert.Empty(t, st.KillSwitchReason)
}

func TestTenantSettingsService_CacheErrorFallsBackToDB(t *testing.T) {
	cache := &memKillSwitchCache{err: errors.New("redis down")}
	s := NewTenantSettingsService(newTestDB(t), cache, quietLogger())
	ctx := context.Background()

	_, err := s.SetKillSwitch(ctx, "t1", true, "")
	require.NoError(t, err)
	active, err := s.IsKillSwitchActive(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestTenantSettingsService_BrandContext(t *testing.T) {
	s := NewTenantSettingsService(newTestDB(t), nil, quietLogger())
	ctx := context.Background()

	bc, err := s.BrandContext(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, bc)

	_, err = s.SetBrandContext(ctx, "t1", "Sustainable running shoes")
	require.NoError(t, err)
	bc, err = s.BrandContext(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Sustainable running shoes", bc)
}

// 需要真实 Redis：设置 ADPILOT_TEST_REDIS_ADDR 后运行
func TestRedisKillSwitchCache(t *testing.T) {
	addr := os.Getenv("ADPILOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ADPILOT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	defer client.Del(ctx, killSwitchKey("redis-test"))

	cache := NewRedisKillSwitchCache(client, time.Minute)
	_, ok, err := cache.Get(ctx, "redis-test")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "redis-test", true))
	active, ok, err := cache.Get(ctx, "redis-test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, active)
}
