package stats

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/monitoring"
	"maskrelay/backend/internal/storage/memory"
)

type failingRepo struct{}

func (failingRepo) IncrementStatistics(context.Context, domain.StatisticsDelta) error {
	return errors.New("database down")
}

func (failingRepo) GetStatistics(context.Context) (*domain.Statistics, error) {
	return nil, errors.New("database down")
}

func TestAggregator_Commit(t *testing.T) {
	store := memory.NewStore()
	metrics := monitoring.NewMetrics()
	agg := New(store, metrics, zap.NewNop())

	report := domain.NewEmailReport("alias-1")
	report.RemovedTrackers = []domain.RemovedTracker{{Source: "pixel"}}
	report.ProxiedImages = []domain.ProxiedImage{{OriginalURL: "https://a/x.png"}}

	delta := agg.Commit(context.Background(), "oa", report)
	assert.Equal(t, domain.StatisticsDelta{SentEmails: 1, RemovedTrackers: 1, ProxiedImages: 1}, delta)

	stats, err := agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SentEmails)
	assert.Equal(t, int64(1), stats.RemovedTrackers)
	assert.Equal(t, int64(1), stats.ProxiedImages)
	assert.Zero(t, stats.ExpandedURLs)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ForwardedTotal.WithLabelValues("oa")))
}

func TestAggregator_CommitAfterCancel(t *testing.T) {
	store := memory.NewStore()
	agg := New(store, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agg.Commit(ctx, "ao", nil)

	stats, err := store.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SentEmails)
}

func TestAggregator_Concurrent(t *testing.T) {
	store := memory.NewStore()
	agg := New(store, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Commit(context.Background(), "oa", domain.NewEmailReport("a"))
		}()
	}
	wg.Wait()

	stats, _ := store.GetStatistics(context.Background())
	assert.Equal(t, int64(40), stats.SentEmails)
}

func TestAggregator_StorageFailure(t *testing.T) {
	agg := New(failingRepo{}, nil, zap.NewNop())
	assert.NotPanics(t, func() {
		agg.Commit(context.Background(), "oa", nil)
	})
}
