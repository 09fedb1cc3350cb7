package hybrid

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
	"maskrelay/backend/internal/storage/memory"
	"maskrelay/backend/internal/storage/redis"
)

func newTestStore(t *testing.T) (*Store, *memory.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := memory.NewStore()
	return NewStore(db, redis.NewCache(client, time.Minute)), db, mr
}

func TestHybridStore_AliasCacheAside(t *testing.T) {
	ctx := context.Background()
	store, db, mr := newTestStore(t)

	alias := &domain.Alias{ID: "a1", LocalPart: "news", Domain: "relay.example", IsActive: true, UserID: "u1"}
	require.NoError(t, store.SaveAlias(ctx, alias))

	got, err := store.GetAliasByAddress(ctx, "news@relay.example")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.True(t, mr.Exists("alias:news@relay.example"))

	// 直接改数据库，缓存仍返回旧值
	alias.IsActive = false
	require.NoError(t, db.SaveAlias(ctx, alias))
	got, _ = store.GetAliasByAddress(ctx, "news@relay.example")
	assert.True(t, got.IsActive)

	// 经混合存储写入会失效缓存
	require.NoError(t, store.SaveAlias(ctx, alias))
	assert.False(t, mr.Exists("alias:news@relay.example"))
	got, _ = store.GetAliasByAddress(ctx, "news@relay.example")
	assert.False(t, got.IsActive)

	require.NoError(t, store.DeleteAlias(ctx, "a1"))
	_, err = store.GetAliasByAddress(ctx, "news@relay.example")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHybridStore_UserAndReserved(t *testing.T) {
	ctx := context.Background()
	store, _, mr := newTestStore(t)

	user := &domain.User{ID: "u1", Email: "a@example.com", IsActive: true}
	require.NoError(t, store.SaveUser(ctx, user))
	_, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("user:u1"))

	require.NoError(t, store.SaveReservedAlias(ctx, &domain.ReservedAlias{
		ID: "r1", LocalPart: "team", Domain: "relay.example", IsActive: true, Members: []domain.User{*user},
	}))
	reserved, err := store.GetReservedAliasByAddress(ctx, "team@relay.example")
	require.NoError(t, err)
	assert.Len(t, reserved.Members, 1)
	assert.True(t, mr.Exists("reserved:team@relay.example"))
}

func TestHybridStore_StatisticsBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := redis.NewCache(client, time.Minute)
	db := memory.NewStore()
	store := NewStore(db, cache, WithStatistics(cache))

	require.NoError(t, store.IncrementStatistics(ctx, domain.StatisticsDelta{SentEmails: 1}))

	viaCache, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), viaCache.SentEmails)

	viaDB, err := db.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, viaDB.SentEmails)

	assert.NoError(t, store.Ping(ctx))
}
