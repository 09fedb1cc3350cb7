package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStoreWithDialector(postgres.New(postgres.Config{Conn: db}), nil)
	require.NoError(t, err)
	return store, mock
}

func TestStore_GetAliasByAddress(t *testing.T) {
	ctx := context.Background()

	t.Run("找到别名", func(t *testing.T) {
		store, mock := newMockStore(t)
		rows := sqlmock.NewRows([]string{"id", "local_part", "domain", "kind", "is_active", "user_id"}).
			AddRow("alias-1", "shop.x7k2", "relay.example", "random", true, "user-1")
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "aliases" WHERE LOWER(local_part) = $1 AND LOWER(domain) = $2`)).
			WillReturnRows(rows)

		alias, err := store.GetAliasByAddress(ctx, "Shop.X7K2@Relay.Example")
		require.NoError(t, err)
		assert.Equal(t, "alias-1", alias.ID)
		assert.True(t, alias.IsActive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("不存在", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "aliases"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.GetAliasByAddress(ctx, "nobody@relay.example")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("地址格式错误不查询", func(t *testing.T) {
		store, mock := newMockStore(t)
		_, err := store.GetAliasByAddress(ctx, "no-at-sign")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_IncrementStatistics(t *testing.T) {
	ctx := context.Background()

	t.Run("已有行时单条更新", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "relay_statistics" SET .*relay_statistics\.sent_emails \+ .*WHERE id = `).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.IncrementStatistics(ctx, domain.StatisticsDelta{SentEmails: 1, RemovedTrackers: 2})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("空增量不访问数据库", func(t *testing.T) {
		store, mock := newMockStore(t)
		require.NoError(t, store.IncrementStatistics(ctx, domain.StatisticsDelta{}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStatsStore(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	stats := NewStatsStore(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_statistics")).
		WithArgs(domain.StatisticsRowID, int64(1), int64(3), int64(0), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, stats.IncrementStatistics(ctx, domain.StatisticsDelta{
		SentEmails: 1, ProxiedImages: 3, RemovedTrackers: 2,
	}))

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sent_emails, proxied_images")).
		WithArgs(domain.StatisticsRowID).
		WillReturnRows(sqlmock.NewRows([]string{"sent_emails", "proxied_images", "expanded_urls", "removed_trackers", "updated_at"}).
			AddRow(int64(10), int64(30), int64(4), int64(20), now))
	got, err := stats.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.SentEmails)
	assert.Equal(t, int64(30), got.ProxiedImages)
	assert.Equal(t, int64(4), got.ExpandedURLs)
	assert.Equal(t, now, got.UpdatedAt)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT sent_emails, proxied_images")).
		WillReturnRows(sqlmock.NewRows([]string{"sent_emails"}))
	got, err = stats.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, got.SentEmails)

	assert.NoError(t, mock.ExpectationsWereMet())
}
