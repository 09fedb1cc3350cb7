package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

func newAlias(id, local string) *domain.Alias {
	return &domain.Alias{
		ID:        id,
		LocalPart: local,
		Domain:    "relay.example",
		Kind:      domain.AliasKindRandom,
		IsActive:  true,
		UserID:    "user-1",
	}
}

func TestMemoryStore_AliasOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	alias := newAlias("alias-1", "shop.x7k2")
	require.NoError(t, store.SaveAlias(ctx, alias))
	assert.False(t, alias.CreatedAt.IsZero())

	got, err := store.GetAliasByAddress(ctx, "Shop.X7K2@relay.example")
	require.NoError(t, err)
	assert.Equal(t, "alias-1", got.ID)

	got, err = store.GetAlias(ctx, "alias-1")
	require.NoError(t, err)
	assert.Equal(t, "shop.x7k2@relay.example", got.Address())

	list, err := store.ListAliasesByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// 更新不触发唯一性检查
	alias.IsActive = false
	require.NoError(t, store.SaveAlias(ctx, alias))
	got, _ = store.GetAlias(ctx, "alias-1")
	assert.False(t, got.IsActive)

	_, err = store.GetAlias(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore_AddressUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.SaveAlias(ctx, newAlias("alias-1", "taken")))

	t.Run("别名地址重复", func(t *testing.T) {
		err := store.SaveAlias(ctx, newAlias("alias-2", "taken"))
		assert.ErrorIs(t, err, storage.ErrAliasExists)
	})

	t.Run("墓碑地址不可重用", func(t *testing.T) {
		require.NoError(t, store.DeleteAlias(ctx, "alias-1"))

		_, err := store.GetAliasByAddress(ctx, "taken@relay.example")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		exists, err := store.AddressExists(ctx, "taken@relay.example")
		require.NoError(t, err)
		assert.True(t, exists)

		err = store.SaveAlias(ctx, newAlias("alias-3", "taken"))
		assert.ErrorIs(t, err, storage.ErrAliasExists)
	})

	t.Run("保留别名占用地址", func(t *testing.T) {
		require.NoError(t, store.SaveReservedAlias(ctx, &domain.ReservedAlias{
			ID: "r-1", LocalPart: "team", Domain: "relay.example", IsActive: true,
		}))
		err := store.SaveAlias(ctx, newAlias("alias-4", "team"))
		assert.ErrorIs(t, err, storage.ErrAliasExists)

		err = store.SaveReservedAlias(ctx, &domain.ReservedAlias{ID: "r-2", LocalPart: "team", Domain: "relay.example"})
		assert.ErrorIs(t, err, storage.ErrAliasExists)
	})

	assert.ErrorIs(t, store.DeleteAlias(ctx, "alias-1"), storage.ErrNotFound)
}

func TestMemoryStore_TombstoneSurvivesIDReuse(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.SaveAlias(ctx, newAlias("alias-1", "old.a1b2")))
	require.NoError(t, store.DeleteAlias(ctx, "alias-1"))

	// 同一个 ID 以新地址重新创建
	require.NoError(t, store.SaveAlias(ctx, newAlias("alias-1", "new.c3d4")))

	got, err := store.GetAliasByAddress(ctx, "new.c3d4@relay.example")
	require.NoError(t, err)
	assert.Equal(t, "alias-1", got.ID)

	_, err = store.GetAliasByAddress(ctx, "old.a1b2@relay.example")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exists, err := store.AddressExists(ctx, "old.a1b2@relay.example")
	require.NoError(t, err)
	assert.True(t, exists)

	err = store.SaveAlias(ctx, newAlias("alias-9", "old.a1b2"))
	assert.ErrorIs(t, err, storage.ErrAliasExists)
}

func TestMemoryStore_ReservedAliasMembers(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	members := []domain.User{{ID: "u1", Email: "a@example.com"}, {ID: "u2", Email: "b@example.com"}}
	require.NoError(t, store.SaveReservedAlias(ctx, &domain.ReservedAlias{
		ID: "r-1", LocalPart: "team", Domain: "relay.example", IsActive: true, Members: members,
	}))

	got, err := store.GetReservedAliasByAddress(ctx, "TEAM@relay.example")
	require.NoError(t, err)
	require.Len(t, got.Members, 2)

	m, ok := got.Member("B@example.com")
	require.True(t, ok)
	assert.Equal(t, "u2", m.ID)

	_, err = store.GetReservedAliasByAddress(ctx, "nobody@relay.example")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore_UserOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	user := &domain.User{ID: "u1", Email: "Real@Example.com", IsActive: true, Defaults: domain.DefaultPreferences()}
	require.NoError(t, store.SaveUser(ctx, user))

	got, err := store.GetUserByEmail(ctx, "real@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	user.Email = "new@example.com"
	require.NoError(t, store.SaveUser(ctx, user))
	_, err = store.GetUserByEmail(ctx, "real@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetUser(ctx, "u2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore_Reports(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.SaveReport(ctx, &domain.StoredReport{ID: id, UserID: "u1", Ciphertext: []byte(id)}))
	}

	got, err := store.ListReports(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r3", got[0].ID)
	assert.Equal(t, "r2", got[1].ID)

	got, err = store.ListReports(ctx, "u2", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_ConcurrentStatistics(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.IncrementStatistics(ctx, domain.StatisticsDelta{SentEmails: 1, ProxiedImages: 2})
		}()
	}
	wg.Wait()

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.SentEmails)
	assert.Equal(t, int64(100), stats.ProxiedImages)
	assert.Zero(t, stats.RemovedTrackers)
}
