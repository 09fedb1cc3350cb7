package memory

import (
	"context"
	"fmt"
	"testing"

	"maskrelay/backend/internal/domain"
)

func BenchmarkMemoryStore_SaveAlias(b *testing.B) {
	ctx := context.Background()
	store := NewStore()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.SaveAlias(ctx, newAlias(fmt.Sprintf("alias-%d", i), fmt.Sprintf("bench%d", i)))
	}
}

func BenchmarkMemoryStore_GetAliasByAddress(b *testing.B) {
	ctx := context.Background()
	store := NewStore()

	for i := 0; i < 1000; i++ {
		_ = store.SaveAlias(ctx, newAlias(fmt.Sprintf("alias-%d", i), fmt.Sprintf("bench%d", i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.GetAliasByAddress(ctx, fmt.Sprintf("bench%d@relay.example", i%1000))
	}
}

func BenchmarkMemoryStore_IncrementStatistics(b *testing.B) {
	ctx := context.Background()
	store := NewStore()
	delta := domain.StatisticsDelta{SentEmails: 1, RemovedTrackers: 3}

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = store.IncrementStatistics(ctx, delta)
		}
	})
}
